package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpdatesChannel != "project-updates" {
		t.Fatalf("unexpected channel: %s", cfg.UpdatesChannel)
	}
	if cfg.SnapshotCacheTTL != 2*time.Minute || cfg.DeduperTTL != 24*time.Hour || cfg.JWKSCacheTTL != 15*time.Minute {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.ChecklistFetchWorkers != 8 || cfg.Location != time.UTC || cfg.ListenAddr() != ":8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LineIssuer != "https://access.line.me" {
		t.Fatalf("unexpected issuer: %s", cfg.LineIssuer)
	}
	if err := cfg.RequireStorage(); err == nil {
		t.Fatalf("expected missing storage config")
	}
	if err := cfg.RequireRedis(); err == nil {
		t.Fatalf("expected missing redis config")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Chdir(t.TempDir())
	env := map[string]string{
		"STORAGE_CONNECTION_STRING": "UseDevelopmentStorage=true",
		"PROJECTS_TABLE":            "projects",
		"TASKS_TABLE":               "tasks",
		"CHECKLISTS_TABLE":          "checklists",
		"USERS_TABLE":               "users",
		"MEMBERS_TABLE":             "members",
		"FEEDBACKS_TABLE":           "feedbacks",
		"RESOURCES_TABLE":           "resources",
		"COMMAND_QUEUE":             "commands",
		"REDIS_CONNECTION_STRING":   "localhost:6379",
		"SNAPSHOT_CACHE_TTL":        "0s",
		"CHECKLIST_FETCH_WORKERS":   "3",
		"TIMEZONE":                  "Asia/Taipei",
		"AUTH_TEST_MODE":            "true",
		"DEBUG":                     "1",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.RequireStorage(); err != nil {
		t.Fatalf("storage config: %v", err)
	}
	if err := cfg.RequireRedis(); err != nil {
		t.Fatalf("redis config: %v", err)
	}
	if cfg.Tables.Checklists != "checklists" || cfg.CommandQueue != "commands" {
		t.Fatalf("unexpected tables: %+v", cfg.Tables)
	}
	if cfg.Tables.Likes != "ResourceLikes" || cfg.Tables.Replies != "ResourceReplies" {
		t.Fatalf("unexpected default reaction tables: %+v", cfg.Tables)
	}
	if cfg.SnapshotCacheTTL != 0 {
		t.Fatalf("zero cache TTL should disable caching, got %v", cfg.SnapshotCacheTTL)
	}
	if cfg.ChecklistFetchWorkers != 3 || !cfg.AuthTestMode || !cfg.Debug {
		t.Fatalf("unexpected settings: %+v", cfg)
	}
	if cfg.Location.String() != "Asia/Taipei" {
		t.Fatalf("unexpected location: %s", cfg.Location)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Chdir(t.TempDir())
	tests := map[string]string{
		"DEDUPER_TTL":             "soon",
		"JWKS_CACHE_TTL":          "0s",
		"CHECKLIST_FETCH_WORKERS": "0",
		"TIMEZONE":                "Mars/Olympus",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.env")
	if err := os.WriteFile(path, []byte("UPDATES_CHANNEL=from-file\nPORT=9090\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv does not override variables that are already set.
	t.Setenv("PORT", "7070")
	t.Setenv("UPDATES_CHANNEL", "")
	os.Unsetenv("UPDATES_CHANNEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpdatesChannel != "from-file" || cfg.Port != "7070" {
		t.Fatalf("unexpected values: channel=%s port=%s", cfg.UpdatesChannel, cfg.Port)
	}
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing ENV_FILE")
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@cache:6380/2")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected url options: %+v", opts)
	}

	opts, err = RedisOptions("myhost.redis.cache.windows.net:6380,password=abc=,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("parse azure string: %v", err)
	}
	if opts.Addr != "myhost.redis.cache.windows.net:6380" || opts.Password != "abc=" || opts.TLSConfig == nil {
		t.Fatalf("unexpected azure options: %+v", opts)
	}

	if _, err := RedisOptions(""); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}
