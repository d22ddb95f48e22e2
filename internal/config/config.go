// Package config loads the server configuration: a YAML file, then
// CELLWORLD_* environment overrides, then defaults for anything left unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CELLWORLD_"

type Config struct {
	Server       Server       `yaml:"server" envPrefix:"SERVER_"`
	Revalidation Revalidation `yaml:"revalidation" envPrefix:"REVALIDATE_"`
	Interest     Interest     `yaml:"interest" envPrefix:"INTEREST_"`
	Session      Session      `yaml:"session" envPrefix:"SESSION_"`
	Auth         Auth         `yaml:"auth" envPrefix:"AUTH_"`
	Persistence  Persistence  `yaml:"persistence" envPrefix:"PERSIST_"`
}

type Server struct {
	Addr    string `yaml:"addr" env:"ADDR"`
	WorldID string `yaml:"world_id" env:"WORLD_ID"`
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	// DefaultRegion is min xyz then max xyz; a session watches it until it
	// sends SET_REGION.
	DefaultRegion []float64 `yaml:"default_region" env:"DEFAULT_REGION"`
	// Types restricts the type tags CreateCell accepts. Empty allows any.
	Types []string `yaml:"types" env:"TYPES"`
}

type Revalidation struct {
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	Period       time.Duration `yaml:"period" env:"PERIOD"`
	MinInterval  time.Duration `yaml:"min_interval" env:"MIN_INTERVAL"`
	Workers      int           `yaml:"workers" env:"WORKERS"`
}

type Interest struct {
	Margin      float64 `yaml:"margin" env:"MARGIN"`
	UnloadDwell int     `yaml:"unload_dwell" env:"UNLOAD_DWELL"`
	// Exact turns hysteresis off regardless of Margin and UnloadDwell.
	Exact bool `yaml:"exact" env:"EXACT"`
}

type Session struct {
	QueueSize        int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	EditRate         float64       `yaml:"edit_rate" env:"EDIT_RATE"`
	EditBurst        int           `yaml:"edit_burst" env:"EDIT_BURST"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type Auth struct {
	Secret   string        `yaml:"secret" env:"SECRET"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	// Users maps usernames to bcrypt hashes. In the environment the form is
	// user:hash,user:hash.
	Users map[string]string `yaml:"users" env:"USERS"`
}

type Persistence struct {
	// DBPath empty keeps the graph in memory only.
	DBPath        string        `yaml:"db_path" env:"DB_PATH"`
	SnapshotDir   string        `yaml:"snapshot_dir" env:"SNAPSHOT_DIR"`
	JournalDir    string        `yaml:"journal_dir" env:"JOURNAL_DIR"`
	AuditQueue    int           `yaml:"audit_queue" env:"AUDIT_QUEUE"`
	SnapshotEvery time.Duration `yaml:"snapshot_every" env:"SNAPSHOT_EVERY"`
	Offsite       Offsite       `yaml:"offsite" envPrefix:"OFFSITE_"`
}

// Offsite copies finished snapshots and journal files to an S3-compatible
// bucket. An empty Endpoint disables it.
type Offsite struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
	Workers   int    `yaml:"workers" env:"WORKERS"`
	Queue     int    `yaml:"queue" env:"QUEUE"`
}

func (o Offsite) Enabled() bool { return o.Endpoint != "" }

func Defaults() Config {
	return Config{
		Server: Server{
			Addr:          ":8080",
			WorldID:       "world_1",
			DataDir:       "data",
			DefaultRegion: []float64{-64, -64, -64, 64, 64, 64},
		},
		Revalidation: Revalidation{
			InitialDelay: time.Second,
			Period:       500 * time.Millisecond,
			MinInterval:  500 * time.Millisecond,
			Workers:      8,
		},
		Interest: Interest{Margin: 1, UnloadDwell: 2},
		Session: Session{
			QueueSize:        1024,
			EditRate:         20,
			EditBurst:        40,
			HandshakeTimeout: 5 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Auth: Auth{TokenTTL: 24 * time.Hour},
		Persistence: Persistence{
			AuditQueue:    4096,
			SnapshotEvery: 10 * time.Minute,
		},
	}
}

// Load reads path over Defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for tools that only need paths.
func Read(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, zerr.With(zerr.Wrap(err, "read config"), "path", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, zerr.With(zerr.Wrap(err, "parse config"), "path", path)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.fillPaths()
	return cfg, nil
}

// ParseEnv overlays CELLWORLD_* variables onto target. Unset variables leave
// fields untouched.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// fillPaths derives persistence paths under DataDir when they are not set.
func (c *Config) fillPaths() {
	if c.Server.DataDir == "" {
		return
	}
	if c.Persistence.SnapshotDir == "" {
		c.Persistence.SnapshotDir = c.Server.DataDir + "/snapshots"
	}
	if c.Persistence.JournalDir == "" {
		c.Persistence.JournalDir = c.Server.DataDir + "/journal"
	}
}

var ErrInvalid = errors.New("config: invalid")

func (c Config) Validate() error {
	bad := func(field string, v any) error {
		return fmt.Errorf("%w: %s = %v", ErrInvalid, field, v)
	}
	if c.Server.Addr == "" {
		return bad("server.addr", c.Server.Addr)
	}
	if c.Server.WorldID == "" {
		return bad("server.world_id", c.Server.WorldID)
	}
	if r := c.Server.DefaultRegion; len(r) != 6 || r[0] > r[3] || r[1] > r[4] || r[2] > r[5] {
		return bad("server.default_region", r)
	}
	if c.Revalidation.Period <= 0 {
		return bad("revalidation.period", c.Revalidation.Period)
	}
	if c.Revalidation.MinInterval < 0 {
		return bad("revalidation.min_interval", c.Revalidation.MinInterval)
	}
	if c.Revalidation.Workers <= 0 {
		return bad("revalidation.workers", c.Revalidation.Workers)
	}
	if c.Interest.Margin < 0 {
		return bad("interest.margin", c.Interest.Margin)
	}
	if c.Interest.UnloadDwell < 0 {
		return bad("interest.unload_dwell", c.Interest.UnloadDwell)
	}
	if c.Session.QueueSize <= 0 {
		return bad("session.queue_size", c.Session.QueueSize)
	}
	if c.Session.EditRate < 0 {
		return bad("session.edit_rate", c.Session.EditRate)
	}
	if len(c.Auth.Secret) < 16 {
		return bad("auth.secret", "<redacted>")
	}
	if c.Auth.TokenTTL <= 0 {
		return bad("auth.token_ttl", c.Auth.TokenTTL)
	}
	if c.Persistence.AuditQueue < 0 {
		return bad("persistence.audit_queue", c.Persistence.AuditQueue)
	}
	if o := c.Persistence.Offsite; o.Enabled() {
		if o.Bucket == "" {
			return bad("persistence.offsite.bucket", o.Bucket)
		}
		if o.AccessKey == "" || o.SecretKey == "" {
			return bad("persistence.offsite.access_key", "<missing>")
		}
		if o.Workers < 0 {
			return bad("persistence.offsite.workers", o.Workers)
		}
	}
	return nil
}
