// Package config loads the CLI-facing sandbox configuration file. The file
// carries the access rules handed to the reference policy engine; everything
// the traced process itself needs travels in the binary manifest instead.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/hermit/internal/manifest"
)

// File is the on-disk configuration document.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// Rule is one access rule. Paths are glob patterns with '/' as the
// separator; Operations narrows the rule to an operation vocabulary subset
// (empty means all).
type Rule struct {
	Name       string   `yaml:"name"`
	Paths      []string `yaml:"paths"`
	Operations []string `yaml:"operations"`
	Decision   string   `yaml:"decision"`
	NoReport   bool     `yaml:"no_report"`
}

// Load reads and parses the configuration at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	for i, r := range f.Rules {
		if len(r.Paths) == 0 {
			return fmt.Errorf("rule %d (%q) has no paths", i, r.Name)
		}
		switch r.Decision {
		case "", "allow", "deny":
		default:
			return fmt.Errorf("rule %d (%q) has unknown decision %q", i, r.Name, r.Decision)
		}
	}
	return nil
}

// ManifestRules converts the document into the manifest representation.
func (f *File) ManifestRules() []manifest.Rule {
	if f == nil || len(f.Rules) == 0 {
		return nil
	}
	rules := make([]manifest.Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		rules = append(rules, manifest.Rule{
			Name:       r.Name,
			Paths:      r.Paths,
			Operations: r.Operations,
			Decision:   r.Decision,
			NoReport:   r.NoReport,
		})
	}
	return rules
}
