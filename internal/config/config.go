// Package config handles configuration loading and sync directory resolution.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Config types
// ---------------------------------------------------------------------------

// LockConfig bounds advisory lock acquisition for a sync directory.
type LockConfig struct {
	Timeout    time.Duration `yaml:"timeout"`     // overall wait before giving up
	Retry      time.Duration `yaml:"retry"`       // pause between attempts
	StaleAfter time.Duration `yaml:"stale_after"` // markers older than this are reclaimed
}

// RetireConfig controls when a fully merged store may be deleted.
type RetireConfig struct {
	SafetyDelay time.Duration `yaml:"safety_delay"` // grace period for slow replicas
}

// RotateConfig controls when this machine starts a fresh store generation.
type RotateConfig struct {
	MaxSessions int   `yaml:"max_sessions"`
	MaxBytes    int64 `yaml:"max_bytes"`
}

// SyncConfig is the root per-directory configuration.
type SyncConfig struct {
	Lock   LockConfig   `yaml:"lock"`
	Retire RetireConfig `yaml:"retire"`
	Rotate RotateConfig `yaml:"rotate"`
}

// Default returns a SyncConfig populated with sensible defaults.
func Default() *SyncConfig {
	return &SyncConfig{
		Lock: LockConfig{
			Timeout:    10 * time.Second,
			Retry:      100 * time.Millisecond,
			StaleAfter: 5 * time.Minute,
		},
		Retire: RetireConfig{
			SafetyDelay: 72 * time.Hour,
		},
		Rotate: RotateConfig{
			MaxSessions: 500,
			MaxBytes:    16 << 20,
		},
	}
}

// Load reads a per-directory config.yaml from path.
// If the file does not exist it returns Default() with no error.
// Missing keys retain their default values.
func Load(path string) (*SyncConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	// Unmarshal into a plain map so we can apply only the keys that are present.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if lock, ok := raw["lock"].(map[string]any); ok {
		applyDuration(lock, "timeout", &cfg.Lock.Timeout)
		applyDuration(lock, "retry", &cfg.Lock.Retry)
		applyDuration(lock, "stale_after", &cfg.Lock.StaleAfter)
	}

	if retire, ok := raw["retire"].(map[string]any); ok {
		applyDuration(retire, "safety_delay", &cfg.Retire.SafetyDelay)
	}

	if rotate, ok := raw["rotate"].(map[string]any); ok {
		if v, ok := rotate["max_sessions"].(int); ok && v > 0 {
			cfg.Rotate.MaxSessions = v
		}
		if v, ok := rotate["max_bytes"].(int); ok && v > 0 {
			cfg.Rotate.MaxBytes = int64(v)
		}
	}

	return cfg, nil
}

// applyDuration parses a duration string like "10s" or "72h" from m[key].
// Absent, empty, malformed, or negative values leave dst unchanged.
func applyDuration(m map[string]any, key string, dst *time.Duration) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		*dst = d
	}
}

// ---------------------------------------------------------------------------
// Sync directory resolution
// ---------------------------------------------------------------------------

// GlobalDir returns the directory holding global histsync state: the global
// config file and the persisted machine identity.
func GlobalDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "histsync"), nil
}

// globalConfigPath returns the path to the global histsync config file.
// This file stores only sync_dir (and future global settings).
func globalConfigPath() (string, error) {
	dir, err := GlobalDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// normalizePath expands ~ and makes the path absolute.
func normalizePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(os.ExpandEnv(path))
}

// ResolveSyncDir returns the sync directory path and the source of the
// resolution. Priority: HISTSYNC_DIR env → persisted global config →
// ~/syncthing/ipython_history. source is one of "env", "config", or
// "default".
func ResolveSyncDir() (path, source string) {
	if env := os.Getenv("HISTSYNC_DIR"); env != "" {
		p, err := normalizePath(env)
		if err == nil {
			return p, "env"
		}
	}

	if persisted, ok, _ := GetPersistedSyncDir(); ok {
		return persisted, "config"
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, "syncthing", "ipython_history"), "default"
}

// GetSyncDir returns the resolved sync directory path.
func GetSyncDir() string {
	path, _ := ResolveSyncDir()
	return path
}

// GetPersistedSyncDir reads sync_dir from the global config.
// Returns ("", false, nil) if not set.
func GetPersistedSyncDir() (string, bool, error) {
	cfgPath, err := globalConfigPath()
	if err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", false, nil
	}

	val, _ := raw["sync_dir"].(string)
	val = strings.TrimSpace(val)
	if val == "" {
		return "", false, nil
	}

	p, err := normalizePath(val)
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

// SetPersistedSyncDir normalizes path and persists it in the global config.
// Returns the normalized path.
func SetPersistedSyncDir(path string) (string, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return "", err
	}

	cfgPath, err := globalConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return "", err
	}

	// Read existing global config, preserving any other keys.
	var raw map[string]any
	if data, err := os.ReadFile(cfgPath); err == nil {
		_ = yaml.Unmarshal(data, &raw)
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	raw["sync_dir"] = normalized

	out, err := yaml.Marshal(raw)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(cfgPath, out, 0o600); err != nil {
		return "", err
	}
	return normalized, nil
}

// ClearPersistedSyncDir removes sync_dir from the global config.
// Returns true if the key was present and removed.
// If the file becomes empty after removal it is deleted.
func ClearPersistedSyncDir() (bool, error) {
	cfgPath, err := globalConfigPath()
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return false, nil
	}

	if _, ok := raw["sync_dir"]; !ok {
		return false, nil
	}
	delete(raw, "sync_dir")

	if len(raw) == 0 {
		_ = os.Remove(cfgPath)
		return true, nil
	}

	out, err := yaml.Marshal(raw)
	if err != nil {
		return false, err
	}
	return true, os.WriteFile(cfgPath, out, 0o600)
}
