package htmlproxy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort         = 8090
	DefaultProxyHost    = "localhost"
	DefaultFragmentRoot = "src"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 32 << 20
	DefaultOriginScheme = "http"
)

// FragmentErrorPolicy decides what happens to a request whose fragment
// cannot be loaded or rendered.
type FragmentErrorPolicy string

const (
	// PolicyPlaceholder logs the failure and inserts an HTML comment instead.
	PolicyPlaceholder FragmentErrorPolicy = "placeholder"
	// PolicyFail aborts the request with an internal server error.
	PolicyFail FragmentErrorPolicy = "fail"
)

// ReplacementRule swaps the children of every node matching Selector with the
// content of the Fragment file.
type ReplacementRule struct {
	Selector string `yaml:"selector"`
	Fragment string `yaml:"fragment"`
}

// ProxyRuleConfig is one configured URL pattern and its replacements.
type ProxyRuleConfig struct {
	URLReg       string            `yaml:"urlReg"`
	Replacements []ReplacementRule `yaml:"replacements,omitempty"`
}

// Config is the full proxy configuration as read from YAML.
type Config struct {
	Port                int                 `yaml:"htmlProxyPort,omitempty"`
	NeedServer          bool                `yaml:"needServer,omitempty"`
	ProxyHost           string              `yaml:"proxyHost,omitempty"`
	FragmentRoot        string              `yaml:"fragmentRoot,omitempty"`
	Timeout             time.Duration       `yaml:"timeout,omitempty"`
	MaxBodyBytes        int64               `yaml:"maxBodyBytes,omitempty"`
	FirstMatchOnly      bool                `yaml:"firstMatchOnly,omitempty"`
	Pretty              bool                `yaml:"pretty,omitempty"`
	FragmentErrorPolicy FragmentErrorPolicy `yaml:"fragmentErrorPolicy,omitempty"`
	Metrics             bool                `yaml:"metrics,omitempty"`

	// OriginScheme resolves a path-only reqUrl when the forwarded request
	// carries no X-Forwarded-Proto header.
	OriginScheme string `yaml:"originScheme,omitempty"`

	// Include lists extra rule files or directories. Their rules are appended
	// after HTMLProxyConfig in lexical file order.
	Include []string `yaml:"include,omitempty"`

	HTMLProxyConfig []ProxyRuleConfig `yaml:"htmlProxyConfig"`
}

// LoadConfig reads a YAML configuration file, resolves its includes and
// applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config file '%s': %w", path, err)
	}

	base := filepath.Dir(path)
	for _, inc := range cfg.Include {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(base, inc)
		}
		rules, err := loadRuleFiles(inc)
		if err != nil {
			return nil, err
		}
		cfg.HTMLProxyConfig = append(cfg.HTMLProxyConfig, rules...)
	}
	if len(cfg.Include) > 0 {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rules included from '%s': %w", path, err)
		}
	}

	log.Infof("Loaded %d html proxy rules", len(cfg.HTMLProxyConfig))
	return cfg, nil
}

// ParseConfig decodes a YAML document and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills zero fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ProxyHost == "" {
		c.ProxyHost = DefaultProxyHost
	}
	if c.FragmentRoot == "" {
		c.FragmentRoot = DefaultFragmentRoot
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.FragmentErrorPolicy == "" {
		c.FragmentErrorPolicy = PolicyPlaceholder
	}
	if c.OriginScheme == "" {
		c.OriginScheme = DefaultOriginScheme
	}
}

// Validate checks settings that do not depend on compiling the rules.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("htmlProxyPort out of range: %d", c.Port)
	}
	switch c.FragmentErrorPolicy {
	case PolicyPlaceholder, PolicyFail:
	default:
		return fmt.Errorf("unknown fragmentErrorPolicy %q", c.FragmentErrorPolicy)
	}
	switch c.OriginScheme {
	case "http", "https":
	default:
		return fmt.Errorf("originScheme must be http or https, got %q", c.OriginScheme)
	}
	for i, rule := range c.HTMLProxyConfig {
		for j, r := range rule.Replacements {
			if strings.TrimSpace(r.Selector) == "" {
				return &ConfigParseError{Ordinal: i, Pattern: rule.URLReg, Err: fmt.Errorf("replacement %d: empty selector", j)}
			}
			if strings.TrimSpace(r.Fragment) == "" {
				return &ConfigParseError{Ordinal: i, Pattern: rule.URLReg, Err: fmt.Errorf("replacement %d: empty fragment", j)}
			}
		}
	}
	return nil
}

// loadRuleFiles walks a file or directory and decodes every .yml/.yaml file
// found as a list of ProxyRuleConfig.
func loadRuleFiles(root string) ([]ProxyRuleConfig, error) {
	var rules []ProxyRuleConfig
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !(strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")) {
			return nil
		}
		yamlFile, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read rules file '%s': %w", path, err)
		}
		var r []ProxyRuleConfig
		if err := yaml.Unmarshal(yamlFile, &r); err != nil {
			return fmt.Errorf("syntax error in rules file '%s': %w", path, err)
		}
		rules = append(rules, r...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from '%s': %w", root, err)
	}
	return rules, nil
}

// Matcher is a compiled rule. Ordinal is its position in the configuration.
type Matcher struct {
	Ordinal      int
	Pattern      *regexp.Regexp
	Replacements []ReplacementRule
}

// ConfigIndex is the compiled, read-only rule list shared by all requests.
type ConfigIndex struct {
	matchers []Matcher
}

// Compile builds a ConfigIndex, keeping list order as the rule ordinal.
func Compile(rules []ProxyRuleConfig) (*ConfigIndex, error) {
	matchers := make([]Matcher, 0, len(rules))
	for i, rule := range rules {
		re, err := regexp.Compile(rule.URLReg)
		if err != nil {
			return nil, &ConfigParseError{Ordinal: i, Pattern: rule.URLReg, Err: fmt.Errorf("invalid urlReg: %w", err)}
		}
		for j, r := range rule.Replacements {
			if _, err := cascadia.Compile(r.Selector); err != nil {
				return nil, &ConfigParseError{Ordinal: i, Pattern: rule.URLReg, Err: fmt.Errorf("replacement %d: selector %q: %w", j, r.Selector, err)}
			}
		}
		replacements := make([]ReplacementRule, len(rule.Replacements))
		copy(replacements, rule.Replacements)
		matchers = append(matchers, Matcher{
			Ordinal:      i,
			Pattern:      re,
			Replacements: replacements,
		})
	}
	return &ConfigIndex{matchers: matchers}, nil
}

// Match returns every matcher whose pattern matches url, in ordinal order.
func (ci *ConfigIndex) Match(url string) []Matcher {
	var matched []Matcher
	for _, m := range ci.matchers {
		if m.Pattern.MatchString(url) {
			matched = append(matched, m)
		}
	}
	return matched
}

// Rule returns the matcher with the given ordinal.
func (ci *ConfigIndex) Rule(ordinal int) (Matcher, bool) {
	if ordinal < 0 || ordinal >= len(ci.matchers) {
		return Matcher{}, false
	}
	return ci.matchers[ordinal], true
}

// Len returns the number of compiled rules.
func (ci *ConfigIndex) Len() int {
	return len(ci.matchers)
}
