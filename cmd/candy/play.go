package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rarecandy/internal/ledger"
	"rarecandy/internal/reward"
	"rarecandy/internal/session"
)

const playHelp = "space/enter click  1-6 upgrade  b buy next item  p pause  r refresh  x dismiss  q quit"

func (a *app) newPlayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Click for rare candy in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return errors.New("play needs an interactive terminal")
			}

			fatal := make(chan error, 1)
			s, err := a.openSession(cmd.Context(), func(err error) {
				logoutOnFatal(err)
				select {
				case fatal <- err:
				default:
				}
			})
			if err != nil {
				return describe(err)
			}

			old, err := term.MakeRaw(fd)
			if err != nil {
				_ = s.Close(context.Background())
				return err
			}
			loopErr := a.playLoop(cmd.Context(), s, fatal)
			_ = term.Restore(fd, old)
			fmt.Println()

			printInfo("Saving progress...")
			closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				printWarn("Could not save everything; unsaved candy is queued. Run `candy sync` later.")
			} else {
				printSuccess("Progress saved.")
			}
			return loopErr
		},
	}
}

func (a *app) playLoop(ctx context.Context, s *session.Session, fatal <-chan error) error {
	keys := make(chan byte, 16)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return
			}
			if n == 1 {
				keys <- buf[0]
			}
		}
	}()

	fmt.Print(playHelp + "\r\n")
	redraw := time.NewTicker(200 * time.Millisecond)
	defer redraw.Stop()

	var status string
	paused := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			return describe(err)
		case <-redraw.C:
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			switch k {
			case 'q', 3: // ctrl-c arrives as a byte in raw mode
				return nil
			case ' ', '\r', '\n':
				res, err := s.Click()
				if err != nil {
					return describe(err)
				}
				if res.Lucky {
					status = lucky.Sprintf("lucky hit! +%s", reward.FormatCompact(res.Amount, true))
				}
			case 'p':
				paused = !paused
				s.SetPaused(paused)
				status = ""
			case 'x':
				s.DismissError()
				status = ""
			case 'r':
				if _, err := s.Refresh(ctx); err != nil {
					status = danger.Sprint(describe(err).Error())
				}
			case 'b':
				id := nextItem(s.Profile())
				status = spend(func() error {
					_, err := s.Purchase(ctx, id)
					return err
				}, fmt.Sprintf("bought item #%d", id))
			default:
				if k >= '1' && int(k-'1') < len(reward.Kinds) {
					kind := reward.Kinds[k-'1']
					status = spend(func() error {
						_, err := s.Upgrade(ctx, kind)
						return err
					}, fmt.Sprintf("%s upgraded", kind))
				}
			}
		}
		drawStatus(s, paused, status)
	}
}

// spend runs a debit and returns the status line describing its outcome.
func spend(fn func() error, ok string) string {
	if err := fn(); err != nil {
		return danger.Sprint(describe(err).Error())
	}
	return success.Sprint(ok)
}

func drawStatus(s *session.Session, paused bool, status string) {
	snap := s.Snapshot()
	var b strings.Builder
	b.WriteString("\r\033[K")
	b.WriteString(accent.Sprint("candy "))
	b.WriteString(colorizeBalance(snap.Displayed))
	if !snap.Pending.IsZero() || !snap.InFlight.IsZero() {
		b.WriteString(neutral.Sprintf("  unsaved %s", reward.FormatCompact(snap.Pending.Add(snap.InFlight), true)))
	}
	if paused {
		b.WriteString(warn.Sprint("  paused"))
	}
	if snap.LastError != "" {
		b.WriteString(danger.Sprint("  " + ledger.SaveFailedMessage))
	}
	if status != "" {
		b.WriteString("  ")
		b.WriteString(status)
	}
	fmt.Print(b.String())
}
