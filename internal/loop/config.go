package loop

import "time"

// Config holds the tunables spec.md §4.I/§5 call out by name. Unlike the
// donor's LoopConfig, MaxIterations here is a backstop against a runaway
// turn rather than a spec'd limit — §5 states the overall turn has no
// hard limit other than cancellation.
type Config struct {
	// MaxIterations bounds how many stream→tool-execute round trips a
	// single turn may take before the loop gives up and emits a fatal
	// event, protecting against a model that never stops calling tools.
	MaxIterations int

	// MaxCompactionAttempts bounds forced-compaction retries after a
	// ContextLengthExceeded provider error (spec.md §4.I step 3, default 3).
	MaxCompactionAttempts int

	// ToolConcurrency bounds how many tool calls execute in parallel
	// within one assistant turn (spec.md §5, default 4).
	ToolConcurrency int

	// CompactionThreshold is the usage ratio (0..1) above which the
	// context manager compacts before the next provider call.
	CompactionThreshold float64

	// ContextWindow is the model's context window in tokens, used by the
	// compactor's budget evaluation.
	ContextWindow int

	// ApprovalTTL bounds how long a needs-approval tool call waits for a
	// human decision before it is treated as denied.
	ApprovalTTL time.Duration

	// ApprovalPollInterval is how often the loop polls for an approval
	// decision while waiting, grounded on the donor's DBLockerConfig
	// poll-and-refresh idiom (internal/sessions/locker.go).
	ApprovalPollInterval time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:        50,
		MaxCompactionAttempts: 3,
		ToolConcurrency:      4,
		CompactionThreshold:  0.8,
		ContextWindow:        128_000,
		ApprovalTTL:          5 * time.Minute,
		ApprovalPollInterval: 200 * time.Millisecond,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxCompactionAttempts <= 0 {
		cfg.MaxCompactionAttempts = defaults.MaxCompactionAttempts
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = defaults.ToolConcurrency
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = defaults.CompactionThreshold
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaults.ContextWindow
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = defaults.ApprovalTTL
	}
	if cfg.ApprovalPollInterval <= 0 {
		cfg.ApprovalPollInterval = defaults.ApprovalPollInterval
	}
	return cfg
}
