package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/ctxwin/internal/audit"
	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/session"
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
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
		checkAPIKey,
		checkTokenizer,
		checkAuditDB,
		checkPermissions,
		checkNetwork,
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
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration invalid", Detail: err.Error()}
	}
	if cfg.FromDefaults {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

// summaryProvider is the provider whose key the configured summarizer needs,
// or "" when it needs none.
func summaryProvider(cfg *config.Config) string {
	switch cfg.Compaction.Summarizer {
	case "anthropic":
		return "anthropic"
	case "genkit":
		return cfg.Compaction.Provider
	}
	return ""
}

var envVars = map[string]string{
	"google":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	remote := "remote token counting off"
	if cfg.ProviderAPIKey("anthropic") != "" {
		remote = "remote token counting on"
	}

	provider := summaryProvider(cfg)
	if provider == "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "static summarizer needs no key", Detail: remote}
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s key configured", provider), Detail: remote}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for the %s summarizer)", envVars[provider], cfg.Compaction.Summarizer),
		Detail:  "Compaction falls back to static summaries",
	}
}

// checkTokenizer counts a probe with the default model and with a local
// BPE encoding.
func checkTokenizer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tokenizer", Status: "SKIP", Message: "Config missing"}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := session.NewCounter(*cfg, logger)
	if err != nil {
		return CheckResult{Name: "Tokenizer", Status: "FAIL", Message: fmt.Sprintf("Counter setup failed: %v", err)}
	}

	countCtx, cancel := context.WithTimeout(ctx, cfg.RemoteCountTimeout())
	defer cancel()
	const probe = "The quick brown fox jumps over the lazy dog."
	def := reg.Count(countCtx, probe, cfg.DefaultModel)
	bpe := reg.Count(countCtx, probe, "gpt-4o")
	detail := fmt.Sprintf("%s: %d tokens (%s), gpt-4o: %d tokens (%s)",
		cfg.DefaultModel, def.Tokens, def.Scheme, bpe.Tokens, bpe.Scheme)

	if bpe.Estimated {
		return CheckResult{Name: "Tokenizer", Status: "WARN", Message: "BPE encodings unavailable, counts are estimates", Detail: detail}
	}
	if _, known := reg.Table().Lookup(cfg.DefaultModel); !known {
		return CheckResult{Name: "Tokenizer", Status: "WARN", Message: fmt.Sprintf("Default model %q is not in the model table", cfg.DefaultModel), Detail: detail}
	}
	return CheckResult{Name: "Tokenizer", Status: "PASS", Message: "Counting works", Detail: detail}
}

func checkAuditDB(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Audit Journal", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Name: "Audit Journal", Status: "SKIP", Message: "Journal disabled"}
	}

	j, err := audit.Open(cfg.Audit.Path, nil)
	if err != nil {
		return CheckResult{Name: "Audit Journal", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer j.Close()

	n, err := j.TotalEventCount(ctx)
	if err != nil {
		return CheckResult{Name: "Audit Journal", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Audit Journal", Status: "PASS", Message: fmt.Sprintf("Schema valid, %d events", n), Detail: cfg.Audit.Path}
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

var endpoints = map[string]string{
	"google":    "generativelanguage.googleapis.com",
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
}

// checkNetwork resolves the host of the provider the summarizer calls, or
// Anthropic's when only remote counting is on.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := summaryProvider(cfg)
	if provider == "" && cfg.ProviderAPIKey("anthropic") != "" {
		provider = "anthropic"
	}
	if provider == "" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No remote provider in use"}
	}

	host := endpoints[provider]
	if base := cfg.ProviderBaseURL(provider); base != "" {
		if u, err := url.Parse(base); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
