package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDataDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ATT_ENGINE_DIR", dir)

	if got := GetDataDir(); got != dir {
		t.Errorf("GetDataDir() = %s, want %s", got, dir)
	}

	traceDir, err := GetTraceDir("central")
	if err != nil {
		t.Fatalf("GetTraceDir failed: %v", err)
	}
	if traceDir != filepath.Join(dir, "trace", "central") {
		t.Errorf("GetTraceDir() = %s", traceDir)
	}
	if fi, err := os.Stat(traceDir); err != nil || !fi.IsDir() {
		t.Errorf("Expected trace dir to exist, err=%v", err)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("ATT_TEST_BOOL", "true")
	t.Setenv("ATT_TEST_BAD_BOOL", "maybe")
	t.Setenv("ATT_TEST_DURATION", "250ms")
	t.Setenv("ATT_TEST_BAD_DURATION", "-1s")

	if !EnvBool("ATT_TEST_BOOL", false) {
		t.Error("Expected EnvBool true")
	}
	if EnvBool("ATT_TEST_BAD_BOOL", false) {
		t.Error("Expected default for unparsable bool")
	}
	if EnvBool("ATT_TEST_UNSET", false) {
		t.Error("Expected default for unset bool")
	}
	if got := EnvDuration("ATT_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("EnvDuration = %v, want 250ms", got)
	}
	if got := EnvDuration("ATT_TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("EnvDuration(negative) = %v, want 1s", got)
	}
}
