package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rarecandy/internal/config"
)

const sessionFile = "player.json"

// Session is the player this machine plays as.
type Session struct {
	PlayerID string    `json:"player_id"`
	Username string    `json:"username"`
	SavedAt  time.Time `json:"saved_at"`
}

func sessionFilePath() (string, error) {
	dir, err := config.StateDir()
	if err != nil {
		return "", fmt.Errorf("locate state dir: %w", err)
	}
	return filepath.Join(dir, sessionFile), nil
}

// SaveSession replaces the saved player. The file is swapped in whole so a
// crash mid-write leaves the previous player intact.
func SaveSession(s Session) error {
	if strings.TrimSpace(s.PlayerID) == "" {
		return errors.New("save player: empty player id")
	}
	path, err := sessionFilePath()
	if err != nil {
		return err
	}
	s.SavedAt = time.Now().UTC()
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("save player: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), sessionFile+".*")
	if err != nil {
		return fmt.Errorf("save player: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("save player: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save player: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save player: %w", err)
	}
	return nil
}

// LoadSession returns the saved player, or ErrNoPlayer when there is none.
func LoadSession() (Session, error) {
	path, err := sessionFilePath()
	if err != nil {
		return Session{}, err
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, ErrNoPlayer
	}
	if err != nil {
		return Session{}, fmt.Errorf("read saved player: %w", err)
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, fmt.Errorf("saved player at %s is unreadable, run `candy logout`: %w", path, err)
	}
	if strings.TrimSpace(s.PlayerID) == "" {
		return Session{}, ErrNoPlayer
	}
	return s, nil
}

// ClearSession forgets the saved player. Clearing twice is fine.
func ClearSession() error {
	path, err := sessionFilePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("forget player: %w", err)
	}
	return nil
}
