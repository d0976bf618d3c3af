package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	Presence Presence `json:"presence"`
	Media    Media    `json:"media"`
	Control  Control  `json:"control"`
	Log      Log      `json:"log"`
}

// Identity is the signed-in user this process acts for.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Store struct {
	// "sqlite", "redis" or "memory".
	Backend string `json:"backend"`

	// SQLite database directory, relative to the peer directory.
	// Several processes pointing at the same directory share one store.
	Path string `json:"path"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

type P2P struct {
	ListenPort  int      `json:"listen_port"`
	MdnsTag     string   `json:"mdns_tag"`
	HandleTopic string   `json:"handle_topic"`
	STUNServers []string `json:"stun_servers"`

	// Bootstrap multiaddrs dialed on open and on reconnect (WAN).
	Bootstrap []string `json:"bootstrap"`

	// How often the live handle is re-announced on the gossip topic.
	AnnounceSec int `json:"announce_seconds"`
}

type Call struct {
	RingTimeoutSec     int `json:"ring_timeout_seconds"`
	CallbackTimeoutSec int `json:"callback_timeout_seconds"`
	OpenTimeoutSec     int `json:"open_timeout_seconds"`
	FatalRetrySec      int `json:"fatal_retry_seconds"`
	HistorySize        int `json:"history_size"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`
	TTLSec       int `json:"ttl_seconds"`
}

type Media struct {
	VideoWidth   int `json:"video_width"`
	VideoHeight  int `json:"video_height"`
	VideoBitRate int `json:"video_bitrate"`
}

type Control struct {
	// Local control API for the UI shell. Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:   "sqlite",
			Path:      "data",
			RedisAddr: "127.0.0.1:6379",
		},
		P2P: P2P{
			ListenPort:  0,
			MdnsTag:     "goopcall-mdns",
			HandleTopic: "goopcall.handles.v1",
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
				"stun:stun3.l.google.com:19302",
			},
			AnnounceSec: 10,
		},
		Call: Call{
			RingTimeoutSec:     60,
			CallbackTimeoutSec: 5,
			OpenTimeoutSec:     15,
			FatalRetrySec:      3,
			HistorySize:        64,
		},
		Presence: Presence{
			HeartbeatSec: 30,
			TTLSec:       60,
		},
		Media: Media{
			VideoWidth:   640,
			VideoHeight:  480,
			VideoBitRate: 1_500_000,
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	id, err := util.ValidateUserID(c.Identity.UserID)
	if err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	c.Identity.UserID = id

	// Store
	switch c.Store.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite backend")
		}
	case "redis":
		if _, _, err := net.SplitHostPort(c.Store.RedisAddr); err != nil {
			return fmt.Errorf("store.redis_addr: %v", err)
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be sqlite, redis or memory (got %q)", c.Store.Backend)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if strings.TrimSpace(c.P2P.HandleTopic) == "" {
		return errors.New("p2p.handle_topic is required")
	}
	if c.P2P.AnnounceSec <= 0 {
		return errors.New("p2p.announce_seconds must be > 0")
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.CallbackTimeoutSec <= 0 {
		return errors.New("call.callback_timeout_seconds must be > 0")
	}
	if c.Call.CallbackTimeoutSec >= c.Call.RingTimeoutSec {
		return errors.New("call.callback_timeout_seconds must be < call.ring_timeout_seconds")
	}
	if c.Call.OpenTimeoutSec <= 0 {
		return errors.New("call.open_timeout_seconds must be > 0")
	}
	if c.Call.FatalRetrySec < 0 {
		return errors.New("call.fatal_retry_seconds must be >= 0")
	}

	// Presence
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Media
	if c.Media.VideoWidth <= 0 || c.Media.VideoHeight <= 0 {
		return errors.New("media.video_width and media.video_height must be > 0")
	}

	// Control
	if a := strings.TrimSpace(c.Control.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("control.http_addr: %v", err)
		}
	}

	return nil
}

func (c Call) RingTimeout() time.Duration     { return time.Duration(c.RingTimeoutSec) * time.Second }
func (c Call) CallbackTimeout() time.Duration { return time.Duration(c.CallbackTimeoutSec) * time.Second }
func (c Call) OpenTimeout() time.Duration     { return time.Duration(c.OpenTimeoutSec) * time.Second }
func (c Call) FatalRetry() time.Duration      { return time.Duration(c.FatalRetrySec) * time.Second }

func (p Presence) Heartbeat() time.Duration { return time.Duration(p.HeartbeatSec) * time.Second }
func (p Presence) TTL() time.Duration       { return time.Duration(p.TTLSec) * time.Second }

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

// LoadPartial reads a config file without validation.
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

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	cfg.Identity.DisplayName = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// ApplyEnvFile overlays GOOPCALL_* variables from a dotenv file (if present)
// and from the process environment onto cfg. Process variables win.
func ApplyEnvFile(cfg *Config, envPath string) error {
	vars := map[string]string{}
	if envPath != "" {
		fileVars, err := godotenv.Read(envPath)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", envPath, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "GOOPCALL_") {
			vars[k] = v
		}
	}
	return applyEnv(cfg, vars)
}

func applyEnv(cfg *Config, vars map[string]string) error {
	setInt := func(key string, dst *int) error {
		v, ok := vars[key]
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
		*dst = n
		return nil
	}
	setStr := func(key string, dst *string) {
		if v, ok := vars[key]; ok {
			*dst = strings.TrimSpace(v)
		}
	}

	setStr("GOOPCALL_USER_ID", &cfg.Identity.UserID)
	setStr("GOOPCALL_DISPLAY_NAME", &cfg.Identity.DisplayName)
	setStr("GOOPCALL_STORE_BACKEND", &cfg.Store.Backend)
	setStr("GOOPCALL_STORE_PATH", &cfg.Store.Path)
	setStr("GOOPCALL_REDIS_ADDR", &cfg.Store.RedisAddr)
	setStr("GOOPCALL_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	setStr("GOOPCALL_HTTP_ADDR", &cfg.Control.HTTPAddr)
	setStr("GOOPCALL_LOG_LEVEL", &cfg.Log.Level)
	if err := setInt("GOOPCALL_REDIS_DB", &cfg.Store.RedisDB); err != nil {
		return err
	}
	if err := setInt("GOOPCALL_LISTEN_PORT", &cfg.P2P.ListenPort); err != nil {
		return err
	}
	return nil
}
