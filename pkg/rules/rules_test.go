package rules

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func writeBundle(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBundle(t *testing.T) {
	path := writeBundle(t, `{
		"bundle_version": "1",
		"domain_index": {
			"api.openai.com": "openai",
			"API.Example-AI.com": "example"
		},
		"domain_patterns": [
			{"pattern": "*.openai.azure.com", "provider": "azure_openai", "regex": "^[a-z0-9-]+\\.openai\\.azure\\.com$"}
		]
	}`)

	rs := Load(slog.Default(), path)

	assert.Equal(t, path, rs.Source())
	domains, patterns := rs.Size()
	assert.Equal(t, 2, domains)
	assert.Equal(t, 1, patterns)

	assert.True(t, rs.Classify("api.openai.com"))
	assert.True(t, rs.Classify("api.example-ai.com"), "index keys are lowercased at load")
	assert.True(t, rs.Classify("myinstance.openai.azure.com"))
	assert.False(t, rs.Classify("example.com"))

	provider, ok := rs.Provider("myinstance.openai.azure.com")
	require.True(t, ok)
	assert.Equal(t, "azure_openai", provider)
}

func TestLoadSkipsInvalidPattern(t *testing.T) {
	path := writeBundle(t, `{
		"domain_index": {"api.openai.com": "openai"},
		"domain_patterns": [
			{"pattern": "bad", "provider": "x", "regex": "([unclosed"},
			{"pattern": "*.anthropic.com", "provider": "anthropic", "regex": "^.*\\.anthropic\\.com$"}
		]
	}`)

	rs := Load(slog.Default(), path)

	domains, patterns := rs.Size()
	assert.Equal(t, 1, domains, "exact domains survive a bad pattern")
	assert.Equal(t, 1, patterns, "only the valid pattern compiles")
	assert.True(t, rs.Classify("console.anthropic.com"))
}

func TestLoadFallbackWhenMissing(t *testing.T) {
	rs := Load(slog.Default(), filepath.Join(t.TempDir(), "nope.json"))

	assert.Equal(t, "fallback", rs.Source())
	assert.True(t, rs.Classify("api.anthropic.com"))
	assert.True(t, rs.Classify("api.openai.com"))
	assert.False(t, rs.Classify("randomsite.io"))

	_, patterns := rs.Size()
	assert.Zero(t, patterns, "pattern matching is disabled in fallback mode")
}

func TestLoadFallbackWhenUnparsable(t *testing.T) {
	path := writeBundle(t, `{not json`)

	rs := Load(slog.Default(), path)

	assert.Equal(t, "fallback", rs.Source())
	assert.True(t, rs.Classify("api.mistral.ai"))
}

func TestLoadProbesPathsInOrder(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.json")
	present := writeBundle(t, `{"domain_index": {"api.groq.com": "groq"}}`)

	rs := Load(slog.Default(), missing, present)

	assert.Equal(t, present, rs.Source())
	assert.True(t, rs.Classify("api.groq.com"))
}

func TestPatternsAnchorAtStart(t *testing.T) {
	path := writeBundle(t, `{
		"domain_index": {},
		"domain_patterns": [
			{"pattern": "api.*", "provider": "p", "regex": "api\\."}
		]
	}`)

	rs := Load(slog.Default(), path)

	assert.True(t, rs.Classify("api.something.com"))
	assert.False(t, rs.Classify("evil-api.something.com"), "match must anchor at the start of the host")
}

// Exact-domain membership is case-insensitive for any letter casing of a
// known host.
func TestClassifyCaseInsensitiveProperty(t *testing.T) {
	rs := Load(slog.Default(), filepath.Join(t.TempDir(), "absent.json"))

	rapid.Check(t, func(t *rapid.T) {
		host := rapid.SampledFrom(fallbackDomains).Draw(t, "host")
		flips := rapid.SliceOfN(rapid.Bool(), len(host), len(host)).Draw(t, "flips")

		mangled := make([]byte, len(host))
		for i := 0; i < len(host); i++ {
			c := host[i]
			if flips[i] && c >= 'a' && c <= 'z' {
				c = c - 'a' + 'A'
			}
			mangled[i] = c
		}

		if !rs.Classify(string(mangled)) {
			t.Fatalf("expected %q to classify", mangled)
		}
	})
}

func TestClassifierSwap(t *testing.T) {
	old := Load(slog.Default(), filepath.Join(t.TempDir(), "absent.json"))
	c := NewClassifier(old)
	require.True(t, c.Classify("api.openai.com"))

	path := writeBundle(t, `{"domain_index": {"only.example.ai": "x"}}`)
	replaced := c.Swap(Load(slog.Default(), path))

	assert.Same(t, old, replaced)
	assert.False(t, c.Classify("api.openai.com"))
	assert.True(t, c.Classify("only.example.ai"))
}

func TestDefaultBundlePaths(t *testing.T) {
	paths := DefaultBundlePaths()
	require.NotEmpty(t, paths)
	assert.True(t, strings.HasSuffix(paths[len(paths)-1], "bundle.json"))
}
