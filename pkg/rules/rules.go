// Package rules loads the AI-service domain bundle and classifies hosts
// against it. A RuleSet is immutable once built; reloads produce a fresh
// RuleSet that is swapped in atomically through a Classifier handle.
package rules

import (
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
)

// DefaultBundlePaths is the ordered list of well-known bundle locations
// probed by Load when no explicit path is given. The first existing file
// wins.
func DefaultBundlePaths() []string {
	paths := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home+"/.cache/ailens/bundle.json")
	}
	paths = append(paths, "/usr/share/ailens/bundle.json")
	return paths
}

// fallbackDomains keeps the bridge functional when no bundle can be loaded.
var fallbackDomains = []string{
	"api.openai.com",
	"api.anthropic.com",
	"generativelanguage.googleapis.com",
	"api.cohere.ai",
	"api.mistral.ai",
	"api.groq.com",
	"api.together.xyz",
}

// bundleDocument mirrors the on-disk rule bundle. Only the domain index and
// the pattern list are consumed here; provider metadata rides along for
// labeling.
type bundleDocument struct {
	BundleVersion  string               `json:"bundle_version"`
	DomainIndex    map[string]string    `json:"domain_index"`
	DomainPatterns []domainPatternEntry `json:"domain_patterns"`
}

type domainPatternEntry struct {
	Pattern  string `json:"pattern"`
	Provider string `json:"provider"`
	Regex    string `json:"regex"`
}

type compiledPattern struct {
	re       *regexp.Regexp
	provider string
}

// RuleSet holds the exact-domain set and compiled wildcard patterns.
// It is read-only after construction.
type RuleSet struct {
	exact    map[string]string // lowercase domain -> provider id
	patterns []compiledPattern
	source   string // bundle path, or "fallback"
}

// Load builds a RuleSet from the first existing bundle among paths (or the
// default locations when paths is empty). Load never fails: a missing or
// unparsable bundle yields the built-in fallback set with pattern matching
// disabled, and an individual pattern that does not compile is skipped.
func Load(logger *slog.Logger, paths ...string) *RuleSet {
	if logger == nil {
		logger = slog.Default()
	}
	if len(paths) == 0 {
		paths = DefaultBundlePaths()
	}

	var bundlePath string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			bundlePath = p
			break
		}
	}

	if bundlePath == "" {
		logger.Warn("Rule bundle not found, using fallback domains", "searched", paths)
		return fallbackRuleSet()
	}

	rs, err := loadBundle(bundlePath, logger)
	if err != nil {
		logger.Warn("Failed to load rule bundle, using fallback domains",
			"path", bundlePath, "error", err)
		return fallbackRuleSet()
	}

	logger.Info("Loaded rule bundle",
		"path", bundlePath,
		"domains", len(rs.exact),
		"patterns", len(rs.patterns))
	return rs
}

func loadBundle(path string, logger *slog.Logger) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc bundleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	rs := &RuleSet{
		exact:  make(map[string]string, len(doc.DomainIndex)),
		source: path,
	}
	for domain, provider := range doc.DomainIndex {
		rs.exact[strings.ToLower(domain)] = provider
	}
	for _, entry := range doc.DomainPatterns {
		re, err := regexp.Compile("(?i)" + entry.Regex)
		if err != nil {
			logger.Warn("Skipping invalid domain pattern",
				"pattern", entry.Pattern, "regex", entry.Regex, "error", err)
			continue
		}
		rs.patterns = append(rs.patterns, compiledPattern{re: re, provider: entry.Provider})
	}
	return rs, nil
}

func fallbackRuleSet() *RuleSet {
	rs := &RuleSet{
		exact:  make(map[string]string, len(fallbackDomains)),
		source: "fallback",
	}
	for _, d := range fallbackDomains {
		rs.exact[d] = ""
	}
	return rs
}

// Classify reports whether host belongs to the AI-service domain set.
// Exact membership is tested first, then each pattern in order; pattern
// matches must anchor at the start of the host string.
func (rs *RuleSet) Classify(host string) bool {
	_, ok := rs.Provider(host)
	return ok
}

// Provider returns the provider identifier associated with host, if the
// host matches. The identifier may be empty for fallback domains.
func (rs *RuleSet) Provider(host string) (string, bool) {
	lower := strings.ToLower(host)
	if provider, ok := rs.exact[lower]; ok {
		return provider, true
	}
	for _, p := range rs.patterns {
		loc := p.re.FindStringIndex(lower)
		if loc != nil && loc[0] == 0 {
			return p.provider, true
		}
	}
	return "", false
}

// Source identifies where the rule set came from: the bundle path, or
// "fallback" when the built-in set is in use.
func (rs *RuleSet) Source() string { return rs.source }

// Size returns the number of exact domains and compiled patterns.
func (rs *RuleSet) Size() (domains, patterns int) {
	return len(rs.exact), len(rs.patterns)
}

// Classifier is a handle over the current RuleSet. Callbacks read it
// lock-free; reloads swap in a whole new RuleSet.
type Classifier struct {
	current atomic.Pointer[RuleSet]
}

// NewClassifier wraps an initial rule set.
func NewClassifier(rs *RuleSet) *Classifier {
	c := &Classifier{}
	c.current.Store(rs)
	return c
}

// Classify reports whether host matches the current rule set.
func (c *Classifier) Classify(host string) bool {
	return c.current.Load().Classify(host)
}

// Provider returns the matched provider identifier for host.
func (c *Classifier) Provider(host string) (string, bool) {
	return c.current.Load().Provider(host)
}

// RuleSet returns the rule set currently in effect.
func (c *Classifier) RuleSet() *RuleSet {
	return c.current.Load()
}

// Swap replaces the rule set in effect. The previous set is returned.
func (c *Classifier) Swap(rs *RuleSet) *RuleSet {
	return c.current.Swap(rs)
}
