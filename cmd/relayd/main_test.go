package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/relay/internal/config"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := strings.Join([]string{
		"# comment",
		"",
		"RELAYD_TEST_FRESH=from-dotenv",
		"RELAYD_TEST_TAKEN=from-dotenv",
		"NOT_AN_ASSIGNMENT",
		"=no-key",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RELAYD_TEST_TAKEN", "from-env")
	t.Setenv("RELAYD_TEST_FRESH", "")
	os.Unsetenv("RELAYD_TEST_FRESH")
	t.Cleanup(func() { os.Unsetenv("RELAYD_TEST_FRESH") })

	loadDotEnv(path)

	if got := os.Getenv("RELAYD_TEST_FRESH"); got != "from-dotenv" {
		t.Errorf("fresh var = %q, want from-dotenv", got)
	}
	// Existing environment wins over the file.
	if got := os.Getenv("RELAYD_TEST_TAKEN"); got != "from-env" {
		t.Errorf("taken var = %q, want from-env", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}

func TestLoadTokenSecret_FromConfig(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir(), TokenSecret: "configured"}
	got, err := loadTokenSecret(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got != "configured" {
		t.Errorf("secret = %q, want configured", got)
	}
}

func TestLoadTokenSecret_GeneratedAndStable(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	first, err := loadTokenSecret(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("generated secret is empty")
	}
	second, err := loadTokenSecret(cfg)
	if err != nil {
		t.Fatal(err)
	}
	// Restarting must reuse the persisted secret or outstanding capability
	// tokens would all be invalidated.
	if second != first {
		t.Errorf("secret changed across loads: %q then %q", first, second)
	}

	info, err := os.Stat(filepath.Join(cfg.HomeDir, "token.secret"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token.secret mode = %v, want 0600", perm)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(os.ErrNotExist) {
		t.Error("unrelated error reported as address in use")
	}
}
