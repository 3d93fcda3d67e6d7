// Package policy classifies master menu changes into auto, manual and never
// buckets for a franchise.
package policy

import (
	"fmt"
	"os"
	"sort"

	"github.com/localnerve/menusync/internal/menu"
	"gopkg.in/yaml.v3"
)

// Classification decides what reconciliation does with a change.
type Classification string

const (
	Auto   Classification = "auto"
	Manual Classification = "manual"
	Never  Classification = "never"
)

// Valid reports whether c is one of the three known buckets.
func (c Classification) Valid() bool {
	return c == Auto || c == Manual || c == Never
}

// Policy is the sync_policy of a master menu. Field rules win over change type
// rules for item field changes; NeverSync wins over both.
type Policy struct {
	ChangeTypes map[menu.Kind]Classification  `json:"change_types,omitempty" yaml:"change_types,omitempty"`
	Fields      map[menu.Field]Classification `json:"fields,omitempty" yaml:"fields,omitempty"`
	NeverSync   []menu.Field                  `json:"never_sync,omitempty" yaml:"never_sync,omitempty"`
}

// builtin is the fallback table used when neither the configured defaults nor
// the franchise policy say anything about a change.
var builtin = Policy{
	ChangeTypes: map[menu.Kind]Classification{
		menu.KindItemAdded:         Auto,
		menu.KindItemRemoved:       Auto,
		menu.KindCategoryAdded:     Auto,
		menu.KindCategoryRemoved:   Auto,
		menu.KindCategoryRenamed:   Auto,
		menu.KindCategoryReordered: Auto,
		menu.KindItemFieldChanged:  Auto,
	},
	Fields: map[menu.Field]Classification{
		menu.FieldPrice:       Manual,
		menu.FieldDescription: Manual,
	},
}

// Default returns a copy of the built-in policy.
func Default() Policy {
	return builtin.Clone()
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	out := Policy{
		ChangeTypes: make(map[menu.Kind]Classification, len(p.ChangeTypes)),
		Fields:      make(map[menu.Field]Classification, len(p.Fields)),
		NeverSync:   append([]menu.Field(nil), p.NeverSync...),
	}
	for k, v := range p.ChangeTypes {
		out.ChangeTypes[k] = v
	}
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	return out
}

// Merge layers override on top of p. Rules in override replace rules in p and
// the NeverSync lists are joined.
func (p Policy) Merge(override Policy) Policy {
	out := p.Clone()
	for k, v := range override.ChangeTypes {
		out.ChangeTypes[k] = v
	}
	for k, v := range override.Fields {
		out.Fields[k] = v
	}
	seen := make(map[menu.Field]bool, len(out.NeverSync))
	for _, f := range out.NeverSync {
		seen[f] = true
	}
	for _, f := range override.NeverSync {
		if !seen[f] {
			out.NeverSync = append(out.NeverSync, f)
			seen[f] = true
		}
	}
	return out
}

// Classify returns the bucket for a change of the given kind touching field.
// Anything the policy cannot resolve, such as an unknown kind, an unknown field
// or a misspelled bucket, falls back to Manual so the change is held for an
// operator rather than dropped.
func (p Policy) Classify(kind menu.Kind, field menu.Field) Classification {
	if !kind.Valid() {
		return Manual
	}
	if kind == menu.KindItemFieldChanged {
		if !field.Valid() {
			return Manual
		}
		for _, f := range p.NeverSync {
			if f == field {
				return Never
			}
		}
		if c, ok := p.Fields[field]; ok {
			return orManual(c)
		}
	}
	if c, ok := p.ChangeTypes[kind]; ok {
		return orManual(c)
	}
	if kind == menu.KindItemFieldChanged {
		if c, ok := builtin.Fields[field]; ok {
			return c
		}
	}
	if c, ok := builtin.ChangeTypes[kind]; ok {
		return c
	}
	return Manual
}

// ClassifyChange is Classify for a concrete change.
func (p Policy) ClassifyChange(c menu.Change) Classification {
	return p.Classify(c.Kind(), menu.FieldOf(c))
}

func orManual(c Classification) Classification {
	if c.Valid() {
		return c
	}
	return Manual
}

// Problem describes one policy entry that Classify will treat as Manual.
type Problem struct {
	Section string
	Key     string
	Value   string
}

func (pr Problem) String() string {
	if pr.Value == "" {
		return fmt.Sprintf("%s: unknown key %q", pr.Section, pr.Key)
	}
	return fmt.Sprintf("%s: %q has unknown classification %q", pr.Section, pr.Key, pr.Value)
}

// Validate lists misconfigured entries in a stable order.
func (p Policy) Validate() []Problem {
	var problems []Problem
	for k, v := range p.ChangeTypes {
		if !k.Valid() {
			problems = append(problems, Problem{Section: "change_types", Key: string(k)})
		} else if !v.Valid() {
			problems = append(problems, Problem{Section: "change_types", Key: string(k), Value: string(v)})
		}
	}
	for k, v := range p.Fields {
		if !k.Valid() {
			problems = append(problems, Problem{Section: "fields", Key: string(k)})
		} else if !v.Valid() {
			problems = append(problems, Problem{Section: "fields", Key: string(k), Value: string(v)})
		}
	}
	for _, f := range p.NeverSync {
		if !f.Valid() {
			problems = append(problems, Problem{Section: "never_sync", Key: string(f)})
		}
	}
	sort.Slice(problems, func(i, j int) bool {
		if problems[i].Section != problems[j].Section {
			return problems[i].Section < problems[j].Section
		}
		return problems[i].Key < problems[j].Key
	})
	return problems
}

// ParseYAML decodes a policy document.
func ParseYAML(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse sync policy: %w", err)
	}
	return p, nil
}

// LoadFile reads a YAML policy document from path.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read sync policy %s: %w", path, err)
	}
	return ParseYAML(data)
}
