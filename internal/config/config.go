// Package config loads runtime configuration from an optional .env file and
// the process environment. Environment values are defaults only; command line
// flags in main override them.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Addr is the listen address of the local ingress.
	Addr string

	// StoreID identifies the venue at the reservation backend.
	StoreID string

	// UserID and Password are the site operator credentials.
	UserID   string
	Password string

	// ChromePath is the browser binary. Empty means autodetect.
	ChromePath string

	// LogPath is the action log file.
	LogPath string

	// SettingsDB is the sqlite settings database path.
	SettingsDB string

	// BackendURL overrides the reservation backend base URL.
	BackendURL string

	// HelperPath is the window-restore helper binary.
	HelperPath string
}

// Load reads .env if present, then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using process environment")
	}
	return Config{
		Addr:       envOr("TEEBRIDGE_ADDR", "127.0.0.1:9090"),
		StoreID:    os.Getenv("TEEBRIDGE_STORE_ID"),
		UserID:     os.Getenv("TEEBRIDGE_USER_ID"),
		Password:   os.Getenv("TEEBRIDGE_PASSWORD"),
		ChromePath: os.Getenv("TEEBRIDGE_CHROME_PATH"),
		LogPath:    envOr("TEEBRIDGE_LOG_PATH", "data/actions.json"),
		SettingsDB: envOr("TEEBRIDGE_SETTINGS_DB", "data/settings.db"),
		BackendURL: os.Getenv("TEEBRIDGE_BACKEND_URL"),
		HelperPath: envOr("TEEBRIDGE_HELPER_PATH", "window-restore-helper"),
	}
}

// Validate checks the fields that have no workable default.
func (c Config) Validate() error {
	if c.StoreID == "" {
		return fmt.Errorf("store id is required (TEEBRIDGE_STORE_ID)")
	}
	if c.UserID == "" || c.Password == "" {
		return fmt.Errorf("site credentials are required (TEEBRIDGE_USER_ID, TEEBRIDGE_PASSWORD)")
	}
	return nil
}

// ResolveChromePath returns the configured browser binary, or the first
// well-known install location that exists.
func (c Config) ResolveChromePath() (string, error) {
	if c.ChromePath != "" {
		if _, err := os.Stat(c.ChromePath); err != nil {
			return "", fmt.Errorf("chrome binary %s: %w", c.ChromePath, err)
		}
		return c.ChromePath, nil
	}
	for _, p := range chromeCandidates() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no chrome binary found, set TEEBRIDGE_CHROME_PATH")
}

func chromeCandidates() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
