// Package config provides configuration for the verification runner and the
// chat fixture server. Values come from environment variables, with CLI flags
// overriding them when set, and are validated before use.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/chatverify/internal/logutil"
	"github.com/kuitang/chatverify/internal/ratelimit"
)

const (
	DefaultBaseURL        = "http://localhost:5173"
	DefaultMessage        = "Hello, world!"
	DefaultScreenshotPath = "jules-scratch/verification/verification.png"
	DefaultListenAddr     = ":5173"

	defaultArtifactRegion = "auto"
	defaultArtifactPrefix = "verification"
)

// SupportedBrowsers lists the Playwright engines the runner can launch.
var SupportedBrowsers = []string{"chromium", "firefox", "webkit"}

// Config holds runner configuration.
type Config struct {
	// Target
	BaseURL string
	Message string

	// Output
	ScreenshotPath string
	ReportPath     string // empty disables the JSON report

	// Explicit waits; the driver defaults are never relied on.
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	AssertTimeout     time.Duration

	// Browser
	Browser         string
	Headless        bool
	InstallBrowsers bool

	// UseFixture starts the in-process chat fixture and targets it instead of BaseURL.
	UseFixture bool

	Artifact ArtifactConfig
}

// ArtifactConfig controls the optional S3 copy of the screenshot.
// Uses the AWS_ env vars; ARTIFACT_BUCKET turns the upload on.
type ArtifactConfig struct {
	Bucket          string // ARTIFACT_BUCKET
	Prefix          string // ARTIFACT_PREFIX
	Endpoint        string // AWS_ENDPOINT_URL_S3
	Region          string // AWS_REGION
	AccessKeyID     string // AWS_ACCESS_KEY_ID
	SecretAccessKey string // AWS_SECRET_ACCESS_KEY
	PublicURL       string // ARTIFACT_PUBLIC_URL
	UsePathStyle    bool   // ARTIFACT_PATH_STYLE
}

// Enabled reports whether screenshots should be uploaded.
func (a ArtifactConfig) Enabled() bool {
	return a.Bucket != ""
}

// FixtureConfig holds chat fixture server configuration.
type FixtureConfig struct {
	ListenAddr   string
	DatabasePath string
	ChunkDelay   time.Duration
	RateLimit    ratelimit.Config
}

// Flags are the CLI overrides for the runner. Zero values mean "not set".
type Flags struct {
	BaseURL    string
	Message    string
	Screenshot string
	Report     string
	Browser    string
	Headed     bool
	Install    bool
	Fixture    bool
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags parses runner flags from args (without the program name).
func ParseFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.StringVar(&f.BaseURL, "base-url", "", "Application URL (default "+DefaultBaseURL+", overrides VERIFY_BASE_URL)")
	fs.StringVar(&f.Message, "message", "", "Message typed into the chat input")
	fs.StringVar(&f.Screenshot, "screenshot", "", "Screenshot output path (default "+DefaultScreenshotPath+")")
	fs.StringVar(&f.Report, "report", "", "Write a JSON run report to this path")
	fs.StringVar(&f.Browser, "browser", "", "Browser engine: chromium, firefox or webkit")
	fs.BoolVar(&f.Headed, "headed", false, "Show the browser window")
	fs.BoolVar(&f.Install, "install", false, "Install the Playwright driver and browser before running")
	fs.BoolVar(&f.Fixture, "fixture", false, "Serve the built-in chat fixture and verify against it")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// LoadConfig loads runner configuration from the environment and applies flag overrides.
func LoadConfig(f Flags) (*Config, error) {
	cfg := &Config{}

	cfg.BaseURL = strings.TrimRight(getEnvOrDefault("VERIFY_BASE_URL", DefaultBaseURL), "/")
	if f.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(f.BaseURL, "/")
	}
	cfg.Message = getEnvOrDefault("VERIFY_MESSAGE", DefaultMessage)
	if f.Message != "" {
		cfg.Message = f.Message
	}

	cfg.ScreenshotPath = getEnvOrDefault("VERIFY_SCREENSHOT_PATH", DefaultScreenshotPath)
	if f.Screenshot != "" {
		cfg.ScreenshotPath = f.Screenshot
	}
	cfg.ReportPath = strings.TrimSpace(os.Getenv("VERIFY_REPORT_PATH"))
	if f.Report != "" {
		cfg.ReportPath = f.Report
	}

	cfg.NavigationTimeout = parseDurationOrDefault("VERIFY_NAV_TIMEOUT", 15*time.Second)
	cfg.ActionTimeout = parseDurationOrDefault("VERIFY_ACTION_TIMEOUT", 5*time.Second)
	cfg.AssertTimeout = parseDurationOrDefault("VERIFY_ASSERT_TIMEOUT", 10*time.Second)

	cfg.Browser = strings.ToLower(getEnvOrDefault("VERIFY_BROWSER", "chromium"))
	if f.Browser != "" {
		cfg.Browser = strings.ToLower(f.Browser)
	}
	cfg.Headless = parseBoolOrDefault("VERIFY_HEADLESS", true)
	if f.Headed {
		cfg.Headless = false
	}
	cfg.InstallBrowsers = parseBoolOrDefault("VERIFY_INSTALL_BROWSERS", false) || f.Install
	cfg.UseFixture = f.Fixture

	cfg.Artifact = ArtifactConfig{
		Bucket:          strings.TrimSpace(os.Getenv("ARTIFACT_BUCKET")),
		Prefix:          strings.Trim(getEnvOrDefault("ARTIFACT_PREFIX", defaultArtifactPrefix), "/"),
		Endpoint:        strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3")),
		Region:          getEnvOrDefault("AWS_REGION", defaultArtifactRegion),
		AccessKeyID:     strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")),
		PublicURL:       strings.TrimSpace(os.Getenv("ARTIFACT_PUBLIC_URL")),
		UsePathStyle:    parseBoolOrDefault("ARTIFACT_PATH_STYLE", false),
	}
	if cfg.Artifact.PublicURL == "" && cfg.Artifact.Endpoint != "" && cfg.Artifact.Bucket != "" {
		cfg.Artifact.PublicURL = strings.TrimRight(cfg.Artifact.Endpoint, "/") + "/" + cfg.Artifact.Bucket
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	var errs []string

	if !c.UseFixture {
		u, err := url.Parse(c.BaseURL)
		switch {
		case c.BaseURL == "":
			errs = append(errs, "VERIFY_BASE_URL must not be empty")
		case err != nil:
			errs = append(errs, fmt.Sprintf("VERIFY_BASE_URL is not a valid URL: %v", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, "VERIFY_BASE_URL must use http or https")
		case u.Host == "":
			errs = append(errs, "VERIFY_BASE_URL must include a host")
		}
	}

	if strings.TrimSpace(c.Message) == "" {
		errs = append(errs, "VERIFY_MESSAGE must not be blank")
	}

	if c.ScreenshotPath == "" {
		errs = append(errs, "VERIFY_SCREENSHOT_PATH must not be empty")
	} else {
		switch strings.ToLower(filepath.Ext(c.ScreenshotPath)) {
		case ".png", ".jpg", ".jpeg":
		default:
			errs = append(errs, "VERIFY_SCREENSHOT_PATH must end in .png, .jpg or .jpeg")
		}
	}

	if c.NavigationTimeout <= 0 {
		errs = append(errs, "VERIFY_NAV_TIMEOUT must be positive")
	}
	if c.ActionTimeout <= 0 {
		errs = append(errs, "VERIFY_ACTION_TIMEOUT must be positive")
	}
	if c.AssertTimeout <= 0 {
		errs = append(errs, "VERIFY_ASSERT_TIMEOUT must be positive")
	}

	if !isSupportedBrowser(c.Browser) {
		errs = append(errs, fmt.Sprintf("VERIFY_BROWSER must be one of %s", strings.Join(SupportedBrowsers, ", ")))
	}

	if c.Artifact.Enabled() {
		if c.Artifact.Region == "" {
			errs = append(errs, "AWS_REGION is required when ARTIFACT_BUCKET is set")
		}
		if (c.Artifact.AccessKeyID == "") != (c.Artifact.SecretAccessKey == "") {
			errs = append(errs, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func isSupportedBrowser(name string) bool {
	for _, b := range SupportedBrowsers {
		if b == name {
			return true
		}
	}
	return false
}

// PrintStartupSummary prints a human-readable summary of the configuration.
func (c *Config) PrintStartupSummary(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "chatverify starting...")
	if c.UseFixture {
		fmt.Fprintln(w, "  Target:     built-in chat fixture (--fixture)")
	} else {
		fmt.Fprintf(w, "  Target:     %s\n", logutil.RedactURLForLog(c.BaseURL))
	}
	mode := "headless"
	if !c.Headless {
		mode = "headed"
	}
	fmt.Fprintf(w, "  Browser:    %s (%s)\n", c.Browser, mode)
	fmt.Fprintf(w, "  Timeouts:   nav=%s action=%s assert=%s\n", c.NavigationTimeout, c.ActionTimeout, c.AssertTimeout)
	fmt.Fprintf(w, "  Screenshot: %s\n", c.ScreenshotPath)
	if c.ReportPath != "" {
		fmt.Fprintf(w, "  Report:     %s\n", c.ReportPath)
	}
	if c.Artifact.Enabled() {
		fmt.Fprintf(w, "  Upload:     s3://%s/%s/\n", c.Artifact.Bucket, c.Artifact.Prefix)
	}
	fmt.Fprintln(w, "")
}

// LoadFixtureConfig loads fixture server configuration. addr overrides
// FIXTURE_LISTEN_ADDR when non-empty.
func LoadFixtureConfig(addr string) (*FixtureConfig, error) {
	cfg := &FixtureConfig{
		ListenAddr:   getEnvOrDefault("FIXTURE_LISTEN_ADDR", DefaultListenAddr),
		DatabasePath: getEnvOrDefault("FIXTURE_DATABASE_PATH", ":memory:"),
		ChunkDelay:   parseDurationOrDefault("FIXTURE_CHUNK_DELAY", 20*time.Millisecond),
		RateLimit: ratelimit.Config{
			RPS:             parseFloat64OrDefault("FIXTURE_SEND_RPS", ratelimit.DefaultConfig.RPS),
			Burst:           parseIntOrDefault("FIXTURE_SEND_BURST", ratelimit.DefaultConfig.Burst),
			CleanupInterval: ratelimit.DefaultConfig.CleanupInterval,
		},
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks fixture configuration.
func (c *FixtureConfig) Validate() error {
	var errs []string
	if c.ListenAddr == "" {
		errs = append(errs, "FIXTURE_LISTEN_ADDR must not be empty")
	}
	if c.DatabasePath == "" {
		errs = append(errs, "FIXTURE_DATABASE_PATH must not be empty")
	}
	if c.ChunkDelay < 0 {
		errs = append(errs, "FIXTURE_CHUNK_DELAY must not be negative")
	}
	if c.RateLimit.RPS <= 0 {
		errs = append(errs, "FIXTURE_SEND_RPS must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		errs = append(errs, "FIXTURE_SEND_BURST must be positive")
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoadFixtureConfig loads fixture configuration and panics if validation fails.
// Use this in main() when the server should fail fast on bad config.
func MustLoadFixtureConfig(addr string) *FixtureConfig {
	cfg, err := LoadFixtureConfig(addr)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
