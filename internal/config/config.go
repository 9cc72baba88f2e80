// Package config loads medcord settings from a TOML file and MEDCORD_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

// DefaultPath is used when neither --config nor MEDCORD_CONFIG is given.
const DefaultPath = "medcord.toml"

// Config is the full medcord configuration.
type Config struct {
	Participant ParticipantConfig `toml:"participant"`
	Storage     StorageConfig     `toml:"storage"`
	Sync        SyncConfig        `toml:"sync"`
	Remote      RemoteConfig      `toml:"remote"`
	Redis       RedisConfig       `toml:"redis"`
	HTTP        HTTPConfig        `toml:"http"`
	Log         LogConfig         `toml:"log"`
}

type ParticipantConfig struct {
	ID          string `toml:"id"`
	Role        string `toml:"role"`
	DisplayName string `toml:"display_name"`
}

type StorageConfig struct {
	DataDir         string `toml:"data_dir"`
	FallbackBackend string `toml:"fallback_backend"` // memory | file | redis
	FallbackPath    string `toml:"fallback_path"`
	CapacityBytes   int64  `toml:"capacity_bytes"`
	RetentionDays   int    `toml:"retention_days"`
	// EncryptionKey seals the file fallback snapshot at rest when set.
	EncryptionKey string `toml:"encryption_key"`
}

type SyncConfig struct {
	Enabled         bool   `toml:"enabled"`
	Interval        string `toml:"interval"`
	ProbeInterval   string `toml:"probe_interval"`
	MaxPushAttempts int    `toml:"max_push_attempts"`
	ConflictPolicy  string `toml:"conflict_policy"`
}

type RemoteConfig struct {
	Driver string `toml:"driver"` // memory | postgres | mysql
	DSN    string `toml:"dsn"`
}

type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	ChannelPrefix string `toml:"channel_prefix"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Participant: ParticipantConfig{Role: string(models.RolePatient)},
		Storage: StorageConfig{
			DataDir:         "./data",
			FallbackBackend: "memory",
			CapacityBytes:   10 << 20,
			RetentionDays:   30,
		},
		Sync: SyncConfig{
			Enabled:         true,
			Interval:        "30s",
			MaxPushAttempts: 5,
			ConflictPolicy:  "remote_wins",
		},
		Remote: RemoteConfig{Driver: "memory"},
		Redis:  RedisConfig{ChannelPrefix: "medcord:"},
		HTTP:   HTTPConfig{Addr: "127.0.0.1:8090"},
		Log:    LogConfig{Level: "INFO"},
	}
}

// ResolvePath returns flagPath, then MEDCORD_CONFIG, then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("MEDCORD_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "cannot parse config "+path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "cannot read config "+path, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from MEDCORD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"MEDCORD_PARTICIPANT_ID":   &c.Participant.ID,
		"MEDCORD_PARTICIPANT_ROLE": &c.Participant.Role,
		"MEDCORD_DISPLAY_NAME":     &c.Participant.DisplayName,
		"MEDCORD_DATA_DIR":         &c.Storage.DataDir,
		"MEDCORD_FALLBACK_BACKEND": &c.Storage.FallbackBackend,
		"MEDCORD_STORAGE_KEY":      &c.Storage.EncryptionKey,
		"MEDCORD_REMOTE_DRIVER":    &c.Remote.Driver,
		"MEDCORD_REMOTE_DSN":       &c.Remote.DSN,
		"MEDCORD_REDIS_ADDR":       &c.Redis.Addr,
		"MEDCORD_HTTP_ADDR":        &c.HTTP.Addr,
		"MEDCORD_LOG_LEVEL":        &c.Log.Level,
		"MEDCORD_SYNC_INTERVAL":    &c.Sync.Interval,
	}
	for key, field := range str {
		if v, ok := lookup(key); ok {
			*field = v
		}
	}

	if v, ok := lookup("MEDCORD_SYNC_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "MEDCORD_SYNC_ENABLED", err)
		}
		c.Sync.Enabled = b
	}
	return nil
}

// Validate rejects unknown enum values and unparsable durations.
func (c *Config) Validate() error {
	var problems []string

	if c.Participant.Role != "" {
		if _, ok := models.ParseRole(c.Participant.Role); !ok {
			problems = append(problems, fmt.Sprintf("participant.role %q must be patient or provider", c.Participant.Role))
		}
	}
	switch c.Storage.FallbackBackend {
	case "memory", "file", "redis":
	default:
		problems = append(problems, fmt.Sprintf("storage.fallback_backend %q must be memory, file or redis", c.Storage.FallbackBackend))
	}
	if c.Storage.FallbackBackend == "redis" && c.Redis.Addr == "" {
		problems = append(problems, "storage.fallback_backend redis requires redis.addr")
	}
	if c.Storage.CapacityBytes < 0 {
		problems = append(problems, "storage.capacity_bytes must not be negative")
	}
	if c.Storage.RetentionDays <= 0 {
		problems = append(problems, "storage.retention_days must be positive")
	}
	if _, err := parseDuration(c.Sync.Interval); err != nil {
		problems = append(problems, fmt.Sprintf("sync.interval: %v", err))
	}
	if _, err := parseDuration(c.Sync.ProbeInterval); err != nil {
		problems = append(problems, fmt.Sprintf("sync.probe_interval: %v", err))
	}
	if c.Sync.MaxPushAttempts <= 0 {
		problems = append(problems, "sync.max_push_attempts must be positive")
	}
	switch c.Sync.ConflictPolicy {
	case "", "remote_wins", "last_write_wins":
	default:
		problems = append(problems, fmt.Sprintf("sync.conflict_policy %q must be remote_wins or last_write_wins", c.Sync.ConflictPolicy))
	}
	switch strings.ToLower(c.Remote.Driver) {
	case "memory":
	case "postgres", "postgresql", "mysql":
		if c.Remote.DSN == "" {
			problems = append(problems, "remote.dsn is required for driver "+c.Remote.Driver)
		}
	default:
		problems = append(problems, fmt.Sprintf("remote.driver %q must be memory, postgres or mysql", c.Remote.Driver))
	}
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not a known level", c.Log.Level))
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrInvalid, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}

// LocalParticipant returns the configured local participant.
func (c *Config) LocalParticipant() models.Participant {
	role, _ := models.ParseRole(c.Participant.Role)
	return models.Participant{ID: c.Participant.ID, Role: role, DisplayName: c.Participant.DisplayName}
}

// SyncInterval returns the parsed periodic sync interval.
func (c *Config) SyncInterval() time.Duration {
	d, _ := parseDuration(c.Sync.Interval)
	return d
}

// ProbeInterval returns the parsed probe interval; zero disables probing.
func (c *Config) ProbeInterval() time.Duration {
	d, _ := parseDuration(c.Sync.ProbeInterval)
	return d
}

// Retention returns the message retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

// FallbackPath returns the file backend's snapshot path.
func (c *Config) FallbackPath() string {
	if c.Storage.FallbackPath != "" {
		return c.Storage.FallbackPath
	}
	return filepath.Join(c.Storage.DataDir, "fallback.json")
}

// parseDuration accepts an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}
