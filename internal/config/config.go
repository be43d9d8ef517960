// Package config loads the agent core's ambient configuration: the
// environment variables spec.md §6 lists (re-hosted under a LOOM_ prefix,
// see SPEC_FULL.md §2), overlaid by an optional YAML file for anything an
// operator wants to pin rather than pass through the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomrun/loom/internal/mcp"
)

// Mode is the session-level approval-mode selector spec.md §6 calls
// GOOSE_MODE. These values are not internal/permission.Mode strings:
// cmd/loomd passes the value to permission.ParseMode, which accepts only
// "safe", "paranoid" and "autopilot", so any other value (including the
// default ModeAuto) leaves the permission engine in its default safe mode.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeApprove     Mode = "approve"
	ModeChat        Mode = "chat"
	ModeSmartApprove Mode = "smart_approve"
)

// Config is the top-level ambient configuration for a loomd process.
// Every field except MCPServers has a LOOM_* environment-variable source;
// yaml tags let an operator pin the same fields in a config file instead,
// except APIKey, which is read from the environment only.
type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Mode     Mode   `yaml:"mode"`

	// AutoCompactThreshold is the usage_ratio (0..1) at which the context
	// manager compacts proactively (spec.md §4.C). Values outside (0,1]
	// collapse to DefaultAutoCompactThreshold, matching spec.md §8's
	// "threshold 0 and 1 collapse to default" boundary case.
	AutoCompactThreshold float64 `yaml:"auto_compact_threshold"`

	// MaxConcurrentTools bounds the reply loop's tool-execution joinset
	// (spec.md §5, default 4).
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`

	// SessionDir is where internal/sessions.FileStore writes transcripts.
	SessionDir string `yaml:"session_dir"`

	// CheckpointDB is the SQLite file backing internal/sessions.CheckpointStore.
	CheckpointDB string `yaml:"checkpoint_db"`

	// ApprovalStorePath persists internal/permission's per-tool "always
	// allow" decisions (spec.md §4.F item 3).
	ApprovalStorePath string `yaml:"approval_store_path"`

	// AgentCacheSize is the bounded LRU capacity for internal/agentmgr
	// (spec.md §4.J).
	AgentCacheSize int `yaml:"agent_cache_size"`

	// MCPExtensionTimeoutSeconds is the per-RPC timeout spec.md §4.D
	// defaults to 30s, applied per extension unless overridden in its own
	// ServerConfig.
	MCPExtensionTimeoutSeconds int `yaml:"mcp_extension_timeout_seconds"`

	// MCPServers lists the extensions a loomd process connects to at
	// startup (spec.md §4.D). Empty by default — an operator opts in per
	// deployment via the YAML overlay.
	MCPServers []*mcp.ServerConfig `yaml:"mcp_servers"`

	// APIKey is the active provider's credential, sourced from LOOM_API_KEY
	// rather than the YAML file so it is never accidentally committed to a
	// checked-in config.
	APIKey string `yaml:"-"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures internal/obs's slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
}

const (
	DefaultAutoCompactThreshold       = 0.8
	DefaultMaxConcurrentTools         = 4
	DefaultAgentCacheSize             = 32
	DefaultMCPExtensionTimeoutSeconds = 30
)

// Default returns the zero-config baseline every field falls back to.
func Default() *Config {
	return &Config{
		Provider:                   "anthropic",
		Model:                      "",
		Mode:                       ModeAuto,
		AutoCompactThreshold:       DefaultAutoCompactThreshold,
		MaxConcurrentTools:         DefaultMaxConcurrentTools,
		SessionDir:                 defaultSessionDir(),
		CheckpointDB:               defaultCheckpointDB(),
		ApprovalStorePath:          defaultApprovalStorePath(),
		AgentCacheSize:             DefaultAgentCacheSize,
		MCPExtensionTimeoutSeconds: DefaultMCPExtensionTimeoutSeconds,
		Logging:                    LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom/sessions"
	}
	return home + "/.loom/sessions"
}

func defaultCheckpointDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom/checkpoints.db"
	}
	return home + "/.loom/checkpoints.db"
}

func defaultApprovalStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom/approvals.json"
	}
	return home + "/.loom/approvals.json"
}

// LoadFile reads a YAML overlay on top of Default(). A missing path is
// not an error: it means the caller only wants environment/defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays LOOM_* environment variables on top of cfg, the order
// spec.md §6 implies (env wins over file, file wins over Default()).
// Unset variables leave the existing field untouched.
func (c *Config) ApplyEnv() {
	if v, ok := lookupEnv("LOOM_PROVIDER"); ok {
		c.Provider = v
	}
	if v, ok := lookupEnv("LOOM_MODEL"); ok {
		c.Model = v
	}
	if v, ok := lookupEnv("LOOM_MODE"); ok {
		c.Mode = Mode(v)
	}
	if v, ok := lookupEnv("LOOM_AUTO_COMPACT_THRESHOLD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.AutoCompactThreshold = f
		}
	}
	if v, ok := lookupEnv("LOOM_MAX_CONCURRENT_TOOLS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentTools = n
		}
	}
	if v, ok := lookupEnv("LOOM_SESSION_DIR"); ok {
		c.SessionDir = v
	}
	if v, ok := lookupEnv("LOOM_CHECKPOINT_DB"); ok {
		c.CheckpointDB = v
	}
	if v, ok := lookupEnv("LOOM_APPROVAL_STORE_PATH"); ok {
		c.ApprovalStorePath = v
	}
	if v, ok := lookupEnv("LOOM_AGENT_CACHE_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.AgentCacheSize = n
		}
	}
	if v, ok := lookupEnv("LOOM_MCP_EXTENSION_TIMEOUT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MCPExtensionTimeoutSeconds = n
		}
	}
	if v, ok := lookupEnv("LOOM_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookupEnv("LOOM_LOG_FORMAT"); ok {
		c.Logging.Format = v
	}
	if v, ok := lookupEnv("LOOM_API_KEY"); ok {
		c.APIKey = v
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

// Normalize applies the boundary-case fallbacks spec.md §8 calls out:
// a threshold outside (0,1] collapses to the default, and non-positive
// concurrency/cache sizes fall back to their documented defaults.
func (c *Config) Normalize() {
	if c.AutoCompactThreshold <= 0 || c.AutoCompactThreshold > 1 {
		c.AutoCompactThreshold = DefaultAutoCompactThreshold
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = DefaultMaxConcurrentTools
	}
	if c.AgentCacheSize <= 0 {
		c.AgentCacheSize = DefaultAgentCacheSize
	}
	if c.MCPExtensionTimeoutSeconds <= 0 {
		c.MCPExtensionTimeoutSeconds = DefaultMCPExtensionTimeoutSeconds
	}
}

// Load is the convenience entry point cmd/loomd uses: file overlay, then
// env overlay, then normalize.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	return cfg, nil
}
