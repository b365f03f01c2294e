package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is intentionally small and file-friendly (JSON or YAML).
type Config struct {
	// Addr is the listen address. Default 0.0.0.0:8000.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// MetricsAddr, when set, serves /metrics on its own listener instead of
	// behind the login on Addr.
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`

	// Root is the directory served by fastpan.
	Root string `json:"root" yaml:"root"`

	// StateDir stores the share table, upload staging, thumbs and the
	// share secret. Default: <root>/.fastpan
	StateDir string `json:"stateDir" yaml:"stateDir"`

	// BaseURL prefixes public share links, e.g. "https://files.example.com".
	BaseURL string `json:"baseURL" yaml:"baseURL"`

	// Admin is the only account. Password is accepted for convenience and
	// replaced by its bcrypt hash at load time.
	Admin Admin `json:"admin" yaml:"admin"`

	// SessionTTL is how long a login stays valid. Default 1h.
	SessionTTL Duration `json:"sessionTTL,omitempty" yaml:"sessionTTL,omitempty"`

	// ShareSecret keys share-link password digests. When empty a random
	// secret is generated once and kept in <stateDir>/share.secret.
	ShareSecret string `json:"shareSecret,omitempty" yaml:"shareSecret,omitempty"`

	// ReapInterval is how often expired share links are swept. Default 1m.
	ReapInterval Duration `json:"reapInterval,omitempty" yaml:"reapInterval,omitempty"`

	// MaxUploadMB bounds multipart uploads. Default 4096.
	MaxUploadMB int64 `json:"maxUploadMB,omitempty" yaml:"maxUploadMB,omitempty"`

	Log Log `json:"log" yaml:"log"`
}

type Admin struct {
	Username string `json:"username" yaml:"username"`
	Bcrypt   string `json:"bcrypt,omitempty" yaml:"bcrypt,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

type Log struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty" yaml:"maxAgeDays,omitempty"`
}

// Duration reads "90s"/"1h" strings or plain seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.set(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	d.Duration = time.Duration(n) * time.Second
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.set(node.Value)
}

const (
	DefaultAddr         = "0.0.0.0:8000"
	DefaultBaseURL      = "http://127.0.0.1:8000"
	DefaultSessionTTL   = time.Hour
	DefaultReapInterval = time.Minute
	secretFile          = "share.secret"
)

// Load reads a config file; the format follows the extension (.yaml/.yml,
// anything else is JSON).
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FASTPAN_* variables. getenv is os.Getenv
// outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv("FASTPAN_" + key); v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("ROOT", &c.Root)
	str("STATE_DIR", &c.StateDir)
	str("BASE_URL", &c.BaseURL)
	str("ADMIN_USER", &c.Admin.Username)
	str("ADMIN_BCRYPT", &c.Admin.Bcrypt)
	str("ADMIN_PASSWORD", &c.Admin.Password)
	str("SHARE_SECRET", &c.ShareSecret)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)
	if v := getenv("FASTPAN_SESSION_TTL"); v != "" {
		if err := c.SessionTTL.set(v); err != nil {
			return fmt.Errorf("FASTPAN_SESSION_TTL: %w", err)
		}
	}
	if v := getenv("FASTPAN_REAP_INTERVAL"); v != "" {
		if err := c.ReapInterval.set(v); err != nil {
			return fmt.Errorf("FASTPAN_REAP_INTERVAL: %w", err)
		}
	}
	return nil
}

// Finalize fills defaults, makes Root absolute, hashes a plaintext admin
// password and validates the result.
func (c *Config) Finalize() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("abs root: %w", err)
	}
	c.Root = abs
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.Root, ".fastpan")
	}
	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("abs state dir: %w", err)
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.SessionTTL.Duration <= 0 {
		c.SessionTTL.Duration = DefaultSessionTTL
	}
	if c.ReapInterval.Duration <= 0 {
		c.ReapInterval.Duration = DefaultReapInterval
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 4096
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Admin.Username == "" {
		return errors.New("config: admin.username is required")
	}
	if c.Admin.Bcrypt == "" && c.Admin.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(c.Admin.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		c.Admin.Bcrypt = string(h)
	}
	c.Admin.Password = ""
	if c.Admin.Bcrypt == "" {
		return errors.New("config: admin.bcrypt or admin.password is required")
	}
	if _, err := bcrypt.Cost([]byte(c.Admin.Bcrypt)); err != nil {
		return fmt.Errorf("config: admin.bcrypt: %w", err)
	}
	return nil
}

// ShareSecretBytes returns the configured secret, or the one persisted in
// the state dir, creating it on first use.
func (c *Config) ShareSecretBytes() ([]byte, error) {
	if c.ShareSecret != "" {
		return []byte(c.ShareSecret), nil
	}
	p := filepath.Join(c.StateDir, secretFile)
	if b, err := os.ReadFile(p); err == nil {
		s := strings.TrimSpace(string(b))
		if s != "" {
			return []byte(s), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read share secret: %w", err)
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, err
	}
	s := hex.EncodeToString(raw[:])
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, []byte(s+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write share secret: %w", err)
	}
	return []byte(s), nil
}

// SharesFile is where the share table is persisted.
func (c *Config) SharesFile() string {
	return filepath.Join(c.StateDir, "shares.json")
}
