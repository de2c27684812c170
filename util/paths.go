package util

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("ATT_ENGINE_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".attengine-data")
	}
	return filepath.Join(home, ".attengine-data")
}

// GetTraceDir returns the packet trace directory for one engine instance,
// creating it if needed
func GetTraceDir(name string) (string, error) {
	dir := filepath.Join(GetDataDir(), "trace", name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// EnvBool reads a boolean environment variable, returning def when unset or
// unparsable
func EnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvDuration reads a duration environment variable ("250ms", "30s")
func EnvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
