// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"progress-api/domain"
	"progress-api/storage"
)

// Config holds every setting used by the binaries in this repository.
type Config struct {
	StorageConnectionString string
	Tables                  storage.Tables
	CommandQueue            string

	RedisConnectionString string
	UpdatesChannel        string
	SnapshotCacheTTL      time.Duration
	DeduperTTL            time.Duration

	ChecklistFetchWorkers int
	Location              *time.Location

	LineChannelID string
	LineIssuer    string
	LineJWKSURL   string
	AuthTestMode  bool
	TestJWTSecret string
	JWKSCacheTTL  time.Duration

	Port  string
	Debug bool
}

func defaults(v *viper.Viper) {
	v.SetDefault("updates_channel", "project-updates")
	v.SetDefault("resource_likes_table", "ResourceLikes")
	v.SetDefault("resource_replies_table", "ResourceReplies")
	v.SetDefault("snapshot_cache_ttl", "2m")
	v.SetDefault("deduper_ttl", "24h")
	v.SetDefault("checklist_fetch_workers", 8)
	v.SetDefault("timezone", "UTC")
	v.SetDefault("line_issuer", "https://access.line.me")
	v.SetDefault("line_jwks_url", "https://api.line.me/oauth2/v2.1/certs")
	v.SetDefault("jwks_cache_ttl", "15m")
	v.SetDefault("port", "8080")
	v.SetDefault("debug", false)
	v.SetDefault("auth_test_mode", false)
}

// Load reads the configuration. A .env file (or the file named by ENV_FILE)
// is loaded first when present; real environment variables win over it.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		StorageConnectionString: v.GetString("storage_connection_string"),
		Tables: storage.Tables{
			Projects:   v.GetString("projects_table"),
			Tasks:      v.GetString("tasks_table"),
			Checklists: v.GetString("checklists_table"),
			Users:      v.GetString("users_table"),
			Members:    v.GetString("members_table"),
			Feedbacks:  v.GetString("feedbacks_table"),
			Resources:  v.GetString("resources_table"),
			Likes:      v.GetString("resource_likes_table"),
			Replies:    v.GetString("resource_replies_table"),
		},
		CommandQueue:          v.GetString("command_queue"),
		RedisConnectionString: v.GetString("redis_connection_string"),
		UpdatesChannel:        v.GetString("updates_channel"),
		ChecklistFetchWorkers: v.GetInt("checklist_fetch_workers"),
		LineChannelID:         v.GetString("line_channel_id"),
		LineIssuer:            v.GetString("line_issuer"),
		LineJWKSURL:           v.GetString("line_jwks_url"),
		AuthTestMode:          v.GetBool("auth_test_mode"),
		TestJWTSecret:         v.GetString("test_jwt_secret"),
		Port:                  v.GetString("port"),
		Debug:                 v.GetBool("debug"),
	}

	var err error
	if cfg.SnapshotCacheTTL, err = duration(v, "snapshot_cache_ttl", true); err != nil {
		return nil, err
	}
	if cfg.DeduperTTL, err = duration(v, "deduper_ttl", false); err != nil {
		return nil, err
	}
	if cfg.JWKSCacheTTL, err = duration(v, "jwks_cache_ttl", false); err != nil {
		return nil, err
	}
	if cfg.ChecklistFetchWorkers <= 0 {
		return nil, fmt.Errorf("invalid CHECKLIST_FETCH_WORKERS: must be greater than zero")
	}
	if cfg.Location, err = domain.LoadLocation(v.GetString("timezone")); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	return cfg, nil
}

// duration parses a Go duration string. Zero is accepted only when allowZero
// is set.
func duration(v *viper.Viper, key string, allowZero bool) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", strings.ToUpper(key))
	}
	return d, nil
}

func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("config: %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// RequireStorage reports whether the table and queue settings are present.
func (c *Config) RequireStorage() error {
	if c.StorageConnectionString == "" || c.CommandQueue == "" {
		return errors.New("missing storage config")
	}
	return c.Tables.Validate()
}

// RequireRedis reports whether a Redis connection string is present.
func (c *Config) RequireRedis() error {
	if c.RedisConnectionString == "" {
		return errors.New("missing redis config")
	}
	return nil
}

// ListenAddr is the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

// SetupLogging applies the log level.
func (c *Config) SetupLogging() {
	if c.Debug {
		log.SetLevel(log.DebugLevel)
	}
}

// RedisOptions accepts either a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	if opts.Addr == "" {
		return nil, errors.New("redis connection string has no address")
	}
	return opts, nil
}
