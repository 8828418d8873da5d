// Package doctor runs offline diagnostic checks for a relay deployment:
// config, database, filesystem permissions, the docker daemon and the
// serverless runtime endpoint.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTokenSecret,
		checkDatabase,
		checkPermissions,
		checkDocker,
		checkServerless,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkTokenSecret(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Token Secret", Status: "SKIP", Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.TokenSecret) != "" {
		return CheckResult{Name: "Token Secret", Status: "PASS", Message: "Configured via config or environment"}
	}
	secretPath := filepath.Join(cfg.HomeDir, "token.secret")
	if info, err := os.Stat(secretPath); err == nil && !info.IsDir() {
		if perm := info.Mode().Perm(); perm != 0o600 {
			return CheckResult{
				Name:    "Token Secret",
				Status:  "WARN",
				Message: fmt.Sprintf("token.secret has mode %o, want 600", perm),
				Detail:  secretPath,
			}
		}
		return CheckResult{Name: "Token Secret", Status: "PASS", Message: "Persisted in token.secret"}
	}
	return CheckResult{
		Name:    "Token Secret",
		Status:  "WARN",
		Message: "No secret configured; one will be generated on next start",
		Detail:  "Set RELAY_TOKEN_SECRET or token_secret in config.yaml for multi-host deployments",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	n, err := store.EventCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%d events logged", n),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDocker(ctx context.Context, _ *config.Config) CheckResult {
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "WARN",
			Message: "docker CLI not found; docker sessions cannot spawn",
		}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "FAIL",
			Message: fmt.Sprintf("daemon unreachable (%v)", err),
		}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "Daemon reachable"}
}

func checkServerless(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || strings.TrimSpace(cfg.Serverless.BaseURL) == "" {
		return CheckResult{Name: "Serverless Runtime", Status: "SKIP", Message: "Not configured"}
	}
	u, err := url.Parse(cfg.Serverless.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{
			Name:    "Serverless Runtime",
			Status:  "FAIL",
			Message: fmt.Sprintf("Invalid base_url %q", cfg.Serverless.BaseURL),
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Serverless Runtime",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Serverless Runtime",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", u.Hostname(), len(addrs), latency.Milliseconds()),
	}
}
