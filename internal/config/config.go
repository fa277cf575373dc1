package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/multichat/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Gateway   Gateway   `json:"gateway"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Storage   Storage   `json:"storage"`
	Log       Log       `json:"log"`
}

type Identity struct {
	Username string `json:"username"`
}

type Gateway struct {
	// RPC middleware base URL (proxy endpoint).
	RPCURL string `json:"rpc_url"`

	// HTTP polling fallback base URL. Empty disables the poll loop.
	PollURL string `json:"poll_url"`

	// Seconds between pending-message polls.
	PollIntervalSec int `json:"poll_interval_seconds"`
}

type Signaling struct {
	// WebSocket signaling base URL; the identity is appended as the last
	// path segment on connect.
	URL string `json:"url"`
}

type Call struct {
	// STUN servers for ICE gathering.
	STUNServers []string `json:"stun_servers"`
}

type Storage struct {
	// SQLite database for the local conversation archive, relative to the
	// data directory. Empty means in-memory only (no archive).
	DBPath string `json:"db_path"`
}

type Log struct {
	// Level for all subsystems: debug, info, warn or error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Gateway: Gateway{
			RPCURL:          "http://localhost:3000/api",
			PollURL:         "http://localhost:3000/api",
			PollIntervalSec: 2,
		},
		Signaling: Signaling{
			URL: "ws://localhost:9090/signal",
		},
		Call: Call{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Storage: Storage{
			DBPath: "data/history.db",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if err := validateHTTPURL(c.Gateway.RPCURL); err != nil {
		return fmt.Errorf("gateway.rpc_url: %w", err)
	}
	if p := strings.TrimSpace(c.Gateway.PollURL); p != "" {
		if err := validateHTTPURL(p); err != nil {
			return fmt.Errorf("gateway.poll_url: %w", err)
		}
		if c.Gateway.PollIntervalSec <= 0 {
			return errors.New("gateway.poll_interval_seconds must be > 0")
		}
	}

	u, err := url.Parse(strings.TrimSpace(c.Signaling.URL))
	if err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("signaling.url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("signaling.url missing host")
	}

	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must not be empty")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
