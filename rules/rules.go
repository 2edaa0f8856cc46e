/*
Package rules loads the forwardable-adjustment table and payer profiles.

PURPOSE:
  The secondary trigger forwards only adjustment types the rules table marks
  forwardable. Payer profiles switch on per-payer posting behavior such as
  patient-responsibility bundling. Both come from one YAML (or JSON) file so
  billing staff can change them without a deploy.

FILE FORMAT:
  payers:
    - id: PAYER-1
      name: Acme Health
      track_reason_amounts: true
  forwardable:
    - {group: PR, reason: "1"}
    - {group: PR, reason: "2"}
    - {group: PR, reason: "3"}
    - {group: CO, reason: "45", forwardable: false}
    - {group: OA, reason: "*"}

LOOKUP:
  An exact (group, reason) entry wins over a group wildcard "*". Anything not
  listed is not forwardable.

DEFAULTS:
  Without a file: deductible (PR-1), coinsurance (PR-2) and copay (PR-3).

SEE ALSO:
  - posting/store.go:     RuleLookup
  - posting/secondary.go: the secondary trigger
*/
package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/warp/posting-engine/posting"
)

// Wildcard matches every reason code of a group.
const Wildcard = "*"

// =============================================================================
// FILE SCHEMA
// =============================================================================

type File struct {
	Payers      []PayerEntry `yaml:"payers" json:"payers"`
	Forwardable []RuleEntry  `yaml:"forwardable" json:"forwardable"`
}

type PayerEntry struct {
	ID                 string `yaml:"id" json:"id"`
	Name               string `yaml:"name" json:"name,omitempty"`
	TrackReasonAmounts bool   `yaml:"track_reason_amounts" json:"track_reason_amounts,omitempty"`
}

type RuleEntry struct {
	Group       string `yaml:"group" json:"group"`
	Reason      string `yaml:"reason" json:"reason"`
	Forwardable *bool  `yaml:"forwardable,omitempty" json:"forwardable,omitempty"` // default true
}

// =============================================================================
// TABLE
// =============================================================================

type ruleKey struct {
	group  posting.GroupCode
	reason string
}

// Table implements posting.RuleLookup. Read-only after construction.
type Table struct {
	entries map[ruleKey]bool
}

// Default returns the built-in table.
func Default() *Table {
	t := &Table{entries: make(map[ruleKey]bool)}
	for _, reason := range []string{"1", "2", "3"} {
		t.entries[ruleKey{posting.GroupPatientResponsible, reason}] = true
	}
	return t
}

func (t *Table) IsForwardable(group posting.GroupCode, reason string) bool {
	reason = strings.TrimSpace(reason)
	if v, ok := t.entries[ruleKey{group, reason}]; ok {
		return v
	}
	return t.entries[ruleKey{group, Wildcard}]
}

// Len is the number of entries, forwardable or not.
func (t *Table) Len() int {
	return len(t.entries)
}

// =============================================================================
// LOADING
// =============================================================================

// Config is a parsed rules file.
type Config struct {
	Rules  *Table
	Payers []posting.Payer
}

// LoadFile reads a rules file; ".json" files are parsed as JSON, anything
// else as YAML. An empty path yields the defaults.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return &Config{Rules: Default()}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

func ParseYAML(data []byte) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	return FromFile(f)
}

func ParseJSON(data []byte) (*Config, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules json: %w", err)
	}
	return FromFile(f)
}

// FromFile validates f. A file without forwardable entries keeps the
// defaults.
func FromFile(f File) (*Config, error) {
	cfg := &Config{Rules: Default()}

	if len(f.Forwardable) > 0 {
		cfg.Rules = &Table{entries: make(map[ruleKey]bool, len(f.Forwardable))}
		for i, r := range f.Forwardable {
			group, err := posting.ParseGroupCode(r.Group)
			if err != nil {
				return nil, fmt.Errorf("forwardable[%d]: %w", i, err)
			}
			reason := strings.TrimSpace(r.Reason)
			if reason == "" {
				return nil, fmt.Errorf("forwardable[%d]: reason is required (use %q for any)", i, Wildcard)
			}
			key := ruleKey{group, reason}
			if _, dup := cfg.Rules.entries[key]; dup {
				return nil, fmt.Errorf("forwardable[%d]: duplicate rule %s-%s", i, group, reason)
			}
			cfg.Rules.entries[key] = r.Forwardable == nil || *r.Forwardable
		}
	}

	seen := make(map[string]bool, len(f.Payers))
	for i, p := range f.Payers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("payers[%d]: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("payers[%d]: duplicate payer %s", i, id)
		}
		seen[id] = true
		cfg.Payers = append(cfg.Payers, posting.Payer{
			ID:                 posting.PayerID(id),
			Name:               p.Name,
			TrackReasonAmounts: p.TrackReasonAmounts,
		})
	}
	return cfg, nil
}

// =============================================================================
// PAYER PROFILES
// =============================================================================

// PayerSaver persists payer profiles. Implemented by every store.
type PayerSaver interface {
	SavePayer(ctx context.Context, p posting.Payer) error
}

// SeedPayers writes every payer profile of the config.
func (c *Config) SeedPayers(ctx context.Context, s PayerSaver) error {
	for _, p := range c.Payers {
		if err := s.SavePayer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
