// Package config loads the gateway configuration from the environment.
// Values are read once at startup; there is no hot reload.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds everything the gateway needs to run.
type Config struct {
	// Addr is the HTTP bind address, e.g. ":8080".
	Addr string `env:"WAGATEWAY_ADDR,default=:8080"`
	// LogLevel is a zerolog level name: trace, debug, info, warn, error.
	LogLevel string `env:"WAGATEWAY_LOG_LEVEL,default=info"`
	// StoreDir holds the persisted link credentials (whatsmeow sqlite
	// store). Owned exclusively by the session; erased by reset.
	StoreDir string `env:"WAGATEWAY_STORE_DIR,default=wa-store"`
	// JournalPath is the sqlite file recording outbound sends. Empty
	// disables the journal. Must live outside StoreDir: the journal is an
	// audit log and has to survive a session reset.
	JournalPath string `env:"WAGATEWAY_JOURNAL_PATH,default=wa-data/sent.db"`

	// ReconnectDelay is the fixed pause before a reconnect attempt.
	ReconnectDelay time.Duration `env:"WAGATEWAY_RECONNECT_DELAY,default=3s"`

	// FetchTimeout bounds the HTML download step of a render job.
	FetchTimeout time.Duration `env:"WAGATEWAY_FETCH_TIMEOUT,default=30s"`
	// RenderTimeout bounds page load plus PDF generation.
	RenderTimeout time.Duration `env:"WAGATEWAY_RENDER_TIMEOUT,default=45s"`
	// TempDir is where render jobs place their scratch files. Empty
	// means the OS default.
	TempDir string `env:"WAGATEWAY_TEMP_DIR,default="`
	// ChromeNoSandbox disables Chrome's sandbox for the render step.
	// Escape hatch for containers whose kernel forbids the sandbox's
	// namespaces; leave off everywhere else.
	ChromeNoSandbox bool `env:"WAGATEWAY_CHROME_NO_SANDBOX,default=false"`

	// WebhookURL, when set, receives inbound message and link lifecycle
	// envelopes. WebhookSecret enables HMAC-SHA256 signing.
	WebhookURL    string `env:"WAGATEWAY_WEBHOOK_URL,default="`
	WebhookSecret string `env:"WAGATEWAY_WEBHOOK_SECRET,default="`

	ShutdownTimeout time.Duration `env:"WAGATEWAY_SHUTDOWN_TIMEOUT,default=5s"`
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.ReconnectDelay < time.Second {
		return Config{}, fmt.Errorf("WAGATEWAY_RECONNECT_DELAY must be at least 1s, got %s", cfg.ReconnectDelay)
	}
	cfg.StoreDir = filepath.Clean(cfg.StoreDir)
	if cfg.JournalPath != "" {
		cfg.JournalPath = filepath.Clean(cfg.JournalPath)
		// Reset erases StoreDir wholesale; a journal nested inside it
		// would be wiped along with the credentials.
		if insideDir(cfg.StoreDir, cfg.JournalPath) {
			return Config{}, fmt.Errorf("WAGATEWAY_JOURNAL_PATH %s must not live inside WAGATEWAY_STORE_DIR %s", cfg.JournalPath, cfg.StoreDir)
		}
	}
	return cfg, nil
}

// insideDir reports whether path is dir itself or nested under it. Both
// arguments are cleaned.
func insideDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
