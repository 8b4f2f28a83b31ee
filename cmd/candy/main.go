package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cl "rarecandy/internal/cli"
	"rarecandy/internal/config"
	"rarecandy/internal/ledger"
	"rarecandy/internal/reward"
	"rarecandy/internal/session"
	"rarecandy/internal/syncq"
)

type app struct {
	cfg    config.CLIConfig
	logger *slog.Logger
}

func main() {
	cfg, err := config.LoadCLIFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	a := &app{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}

	root := &cobra.Command{
		Use:          "candy",
		Short:        "Rare candy clicker client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.cfg.APIBaseURL, "api", a.cfg.APIBaseURL, "API base URL")

	root.AddCommand(
		a.newRegisterCmd(),
		a.newProfileCmd(),
		a.newPlayCmd(),
		a.newUpgradeCmd(),
		a.newBuyCmd(),
		a.newSyncCmd(),
		newLogoutCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) newClient() *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(a.cfg.APIBaseURL), "/"))
}

func (a *app) playerClient() (*cl.Client, cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return nil, cl.Session{}, fmt.Errorf("register first: %w", err)
	}
	return a.newClient().WithPlayer(sess.PlayerID), sess, nil
}

// openSession starts a play session for the saved player. The caller must
// Close it so unsaved gains are flushed or queued.
func (a *app) openSession(ctx context.Context, onFatal func(error)) (*session.Session, error) {
	client, _, err := a.playerClient()
	if err != nil {
		return nil, err
	}
	queue, err := syncq.Default()
	if err != nil {
		return nil, err
	}
	return session.New(ctx, session.Deps{
		Store:   client,
		Config:  a.cfg.Economy,
		Logger:  a.logger,
		Queue:   queue,
		OnFatal: onFatal,
	})
}

func (a *app) newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register [username]",
		Short: "Create a player and remember it locally",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var username string
			if len(args) > 0 {
				username = strings.TrimSpace(args[0])
			} else {
				var err error
				if username, err = promptRequired("Username"); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			profile, err := a.newClient().Register(ctx, username)
			if err != nil {
				return describe(err)
			}
			if err := cl.SaveSession(cl.Session{PlayerID: profile.PlayerID, Username: profile.Username}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Welcome, %s. Run `candy play` to start clicking.", profile.Username))
			return nil
		},
	}
}

func (a *app) newProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "profile",
		Short:   "Show balance, upgrade levels and prices",
		Aliases: []string{"dash"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.playerClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			profile, err := client.Profile(ctx)
			if err != nil {
				return describe(err)
			}
			renderProfile(profile)
			return nil
		},
	}
}

func (a *app) newUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade [kind]",
		Short: "Buy the next level of an upgrade",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindFromArgsOrPrompt(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			s, err := a.openSession(ctx, nil)
			if err != nil {
				return describe(err)
			}
			profile, err := s.Upgrade(ctx, kind)
			closeErr := s.Close(ctx)
			if err != nil {
				return describe(err)
			}
			printSuccess(fmt.Sprintf("%s is now level %d.", kind, profile.Levels.Level(kind)))
			if closeErr != nil {
				printWarn(ledger.SaveFailedMessage)
			}
			return nil
		},
	}
}

func (a *app) newBuyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buy [item-id]",
		Short: "Buy a collection item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := itemFromArgsOrPrompt(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			s, err := a.openSession(ctx, nil)
			if err != nil {
				return describe(err)
			}
			profile, err := s.Purchase(ctx, itemID)
			closeErr := s.Close(ctx)
			if err != nil {
				return describe(err)
			}
			printSuccess(fmt.Sprintf("Item #%d added. You own %d items.", itemID, len(profile.OwnedItems)))
			if closeErr != nil {
				printWarn(ledger.SaveFailedMessage)
			}
			return nil
		},
	}
}

func (a *app) newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay gains a previous session could not save",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, sess, err := a.playerClient()
			if err != nil {
				return err
			}
			queue, err := syncq.Default()
			if err != nil {
				return err
			}
			entries, err := queue.Take(sess.PlayerID)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			printInfo(fmt.Sprintf("Replaying %d queued entries (%s candy)...", len(entries), reward.FormatCompact(syncq.Sum(entries), true)))
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			success := 0
			var failed []error
			for _, e := range entries {
				if _, err := client.Commit(ctx, e.Delta, e.IdempotencyKey); err != nil {
					failed = append(failed, err)
					if ledger.IsRetryable(err) {
						if pushErr := queue.Push(e); pushErr != nil {
							return pushErr
						}
					}
					printError(fmt.Sprintf("Sync failed for %s: %v", reward.FormatCompact(e.Delta, true), describe(err)))
					continue
				}
				success++
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d failed=%d", success, len(failed)))
			return errors.Join(failed...)
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the local player",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

// describe turns client errors into something a player can act on.
func describe(err error) error {
	var rejected *ledger.RejectedError
	var netErr *ledger.NetworkError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rejected) && rejected.Status == http.StatusNotFound:
		return fmt.Errorf("%s (run `candy register` again)", rejected.Reason)
	case errors.As(err, &rejected):
		return errors.New(rejected.Reason)
	case errors.As(err, &netErr):
		return fmt.Errorf("could not reach the candy API: %w", netErr.Err)
	default:
		return err
	}
}

// logoutOnFatal clears the local player when the server no longer knows it.
func logoutOnFatal(err error) {
	var rejected *ledger.RejectedError
	if !errors.As(err, &rejected) {
		return
	}
	switch rejected.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		_ = cl.ClearSession()
	}
}

func kindFromArgsOrPrompt(args []string) (reward.Kind, error) {
	if len(args) > 0 {
		kind := reward.Kind(strings.TrimSpace(args[0]))
		if !reward.ValidKind(kind) {
			return "", fmt.Errorf("%w: %q", reward.ErrUnknownKind, kind)
		}
		return kind, nil
	}
	options := make([]string, 0, len(reward.Kinds))
	for _, k := range reward.Kinds {
		options = append(options, string(k))
	}
	choice, err := promptChoice("Upgrade", options, string(reward.ClickPower))
	if err != nil {
		return "", err
	}
	return reward.Kind(choice), nil
}

func itemFromArgsOrPrompt(args []string) (int, error) {
	if len(args) > 0 {
		v, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil || v <= 0 {
			return 0, reward.ErrInvalidItem
		}
		return v, nil
	}
	return promptInt("Item id", 1)
}
