// Package mapping implements the declarative, bidirectional field
// mapper and its backing mapping registry.
package mapping

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StatusMap holds the case-folded status translation tables and their
// defaults.
type StatusMap struct {
	SrcToTgt        map[string]string `yaml:"src_to_tgt"`
	TgtToSrc        map[string]string `yaml:"tgt_to_src"`
	DefaultSrcValue string            `yaml:"default_src_value"`
	DefaultTgtValue string            `yaml:"default_tgt_value"`
}

// Filters holds the ignore rules applied before translating an issue.
type Filters struct {
	IgnoreBots       bool     `yaml:"ignore_bots"`
	IgnoredLabels    []string `yaml:"ignored_labels"`
	IgnoredProviders []string `yaml:"ignored_providers"`
}

// SyncOptions holds the orchestrator's configurable toggles.
type SyncOptions struct {
	Bidirectional     bool `yaml:"bidirectional"`
	SyncComments      bool `yaml:"sync_comments"`
	BatchSize         int  `yaml:"batch_size"`
	RateLimitDelayMS  int  `yaml:"rate_limit_delay_ms"`
}

// Registry is the static declarative map between IssueRecord and
// PageRecord, loaded once at startup from the mapping registry
// document named by the MAPPING_PATH configuration option.
type Registry struct {
	SrcToTgt    map[string]string `yaml:"src_to_tgt"` // issue_field_path -> tgt_property_name
	TgtToSrc    map[string]string `yaml:"tgt_to_src"` // tgt_property_name -> issue_field_path
	StatusMap   StatusMap         `yaml:"status_map"`
	Filters     Filters           `yaml:"filters"`
	SyncOptions SyncOptions       `yaml:"sync_options"`

	// DerivedCheckboxProperty names a real target checkbox property
	// (e.g. "Done") that should carry state == closed whenever state
	// itself has no dedicated src_to_tgt entry. Left empty, no
	// checkbox is derived.
	DerivedCheckboxProperty string `yaml:"derived_checkbox_property"`
}

// Load reads and parses the mapping registry document at path,
// case-folding the status_map keys.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}
	var reg Registry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("mapping: parse %s: %w", path, err)
	}
	reg.StatusMap.SrcToTgt = foldKeys(reg.StatusMap.SrcToTgt)
	reg.StatusMap.TgtToSrc = foldKeys(reg.StatusMap.TgtToSrc)
	if reg.SyncOptions.BatchSize == 0 {
		reg.SyncOptions.BatchSize = 25
	}
	return &reg, nil
}

func foldKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
