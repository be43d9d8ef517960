package config

import "testing"

func TestDefaultThresholdCollapse(t *testing.T) {
	cases := []float64{0, 1.5, -1}
	for _, v := range cases {
		c := Default()
		c.AutoCompactThreshold = v
		c.Normalize()
		if c.AutoCompactThreshold != DefaultAutoCompactThreshold {
			t.Fatalf("Normalize(%v) = %v, want default %v", v, c.AutoCompactThreshold, DefaultAutoCompactThreshold)
		}
	}
}

func TestNormalizeKeepsValidThreshold(t *testing.T) {
	c := Default()
	c.AutoCompactThreshold = 0.5
	c.Normalize()
	if c.AutoCompactThreshold != 0.5 {
		t.Fatalf("Normalize should not touch a valid threshold, got %v", c.AutoCompactThreshold)
	}
}

func TestApplyEnvOverridesProvider(t *testing.T) {
	t.Setenv("LOOM_PROVIDER", "openai")
	t.Setenv("LOOM_MODEL", "gpt-5")
	t.Setenv("LOOM_MODE", "paranoid")

	c := Default()
	c.ApplyEnv()

	if c.Provider != "openai" {
		t.Fatalf("Provider = %q, want openai", c.Provider)
	}
	if c.Model != "gpt-5" {
		t.Fatalf("Model = %q, want gpt-5", c.Model)
	}
	if c.Mode != Mode("paranoid") {
		t.Fatalf("Mode = %q, want paranoid", c.Mode)
	}
}

func TestApplyEnvIgnoresBlank(t *testing.T) {
	t.Setenv("LOOM_PROVIDER", "")
	c := Default()
	want := c.Provider
	c.ApplyEnv()
	if c.Provider != want {
		t.Fatalf("blank env var should not override Provider, got %q", c.Provider)
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	c, err := LoadFile("/nonexistent/loom-config.yaml")
	if err != nil {
		t.Fatalf("LoadFile on missing path returned error: %v", err)
	}
	if c.Provider != Default().Provider {
		t.Fatalf("missing file should yield defaults, got provider %q", c.Provider)
	}
}

func TestNormalizeNonPositiveConcurrency(t *testing.T) {
	c := Default()
	c.MaxConcurrentTools = 0
	c.AgentCacheSize = -5
	c.MCPExtensionTimeoutSeconds = 0
	c.Normalize()
	if c.MaxConcurrentTools != DefaultMaxConcurrentTools {
		t.Fatalf("MaxConcurrentTools = %d, want default", c.MaxConcurrentTools)
	}
	if c.AgentCacheSize != DefaultAgentCacheSize {
		t.Fatalf("AgentCacheSize = %d, want default", c.AgentCacheSize)
	}
	if c.MCPExtensionTimeoutSeconds != DefaultMCPExtensionTimeoutSeconds {
		t.Fatalf("MCPExtensionTimeoutSeconds = %d, want default", c.MCPExtensionTimeoutSeconds)
	}
}
