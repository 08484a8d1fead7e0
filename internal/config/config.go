package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/consultcall/internal/util"
)

// Config is the content of consultcall.json. The relay reads Relay, the
// agent reads the rest.
type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Client   Client   `json:"client"`
	Session  Session  `json:"session"`
	RTC      RTC      `json:"rtc"`
}

type Identity struct {
	// Bearer token issued by the session provider. Usually supplied through
	// CONSULTCALL_TOKEN rather than written to disk.
	Token string `json:"token"`
}

// Relay configures the signaling server.
type Relay struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// HS256 secret used to verify client tokens. Empty accepts tokens
	// without verifying the signature (development only).
	JWTSecret string `json:"jwt_secret"`

	// Seconds an incoming call may ring before the relay times it out.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Cron spec for the ring timeout sweeper, e.g. "@every 5s".
	SweepSpec string `json:"sweep_spec"`

	// Optional SQLite call log, relative to the relay directory.
	// Empty disables the log.
	CallDBPath string `json:"call_db_path"`
}

// Client configures a headless participant.
type Client struct {
	RelayURL   string `json:"relay_url"`   // ws://host:port/ws
	BackendURL string `json:"backend_url"` // REST API base, e.g. https://api.example.org/api
	HTTPAddr   string `json:"http_addr"`   // local console, empty disables it

	// "devices" uses the camera and microphone, "synthetic" sends generated
	// frames, "none" joins calls receive-only.
	Media string `json:"media"`

	PresenceDelayMs int  `json:"presence_delay_ms"`
	SoundEnabled    bool `json:"sound_enabled"`
}

// Session tunes the countdown.
type Session struct {
	GraceSec   int   `json:"grace_seconds"`
	Thresholds []int `json:"thresholds"`
}

// RTC tunes the peer connection.
type RTC struct {
	ICEServers    []string `json:"ice_servers"`
	PLIIntervalMs int      `json:"pli_interval_ms"`
	LogLevel      string   `json:"log_level"` // pion: disabled|error|warn|info|debug|trace
}

const (
	MediaDevices   = "devices"
	MediaSynthetic = "synthetic"
	MediaNone      = "none"
)

// Default returns the settings for a relay and agent on localhost.
func Default() Config {
	return Config{
		Relay: Relay{
			Bind:           "127.0.0.1",
			Port:           8790,
			RingTimeoutSec: 45,
			SweepSpec:      "@every 5s",
		},
		Client: Client{
			RelayURL:        "ws://127.0.0.1:8790/ws",
			HTTPAddr:        "127.0.0.1:8791",
			Media:           MediaSynthetic,
			PresenceDelayMs: 500,
			SoundEnabled:    true,
		},
		Session: Session{
			GraceSec:   120,
			Thresholds: []int{70, 80, 90, 95},
		},
		RTC: RTC{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
				"stun:stun3.l.google.com:19302",
				"stun:stun4.l.google.com:19302",
			},
			PLIIntervalMs: 3000,
			LogLevel:      "warn",
		},
	}
}

func (c *Config) Validate() error {
	// Relay
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}
	if c.Relay.RingTimeoutSec <= 0 {
		return errors.New("relay.ring_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Relay.SweepSpec) == "" {
		return errors.New("relay.sweep_spec is required")
	}

	// Client
	if err := validateURL(c.Client.RelayURL, "ws", "wss"); err != nil {
		return fmt.Errorf("client.relay_url: %w", err)
	}
	if bu := strings.TrimSpace(c.Client.BackendURL); bu != "" {
		if err := validateURL(bu, "http", "https"); err != nil {
			return fmt.Errorf("client.backend_url: %w", err)
		}
	}
	switch c.Client.Media {
	case MediaDevices, MediaSynthetic, MediaNone:
	default:
		return fmt.Errorf("client.media must be %q, %q or %q", MediaDevices, MediaSynthetic, MediaNone)
	}
	if c.Client.PresenceDelayMs < 0 {
		return errors.New("client.presence_delay_ms must be >= 0")
	}

	// Session
	if c.Session.GraceSec < 0 {
		return errors.New("session.grace_seconds must be >= 0")
	}
	prev := 0
	for _, th := range c.Session.Thresholds {
		if th <= prev || th > 100 {
			return errors.New("session.thresholds must be increasing percentages in 1..100")
		}
		prev = th
	}

	// RTC
	for _, s := range c.RTC.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("rtc.ice_servers: %q is not a stun:/turn: url", s)
		}
	}
	if c.RTC.PLIIntervalMs < 0 {
		return errors.New("rtc.pli_interval_ms must be >= 0")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// Load reads, overlays and validates the config at path.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file and applies the environment overlay
// without validation.
func LoadPartial(path string) (Config, error) {
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
	applyEnv(&cfg)
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Save validates cfg and writes it as indented JSON.
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
	applyEnv(&cfg)
	return cfg, true, nil
}
