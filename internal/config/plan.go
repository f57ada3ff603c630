package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// Plan describes what to run against a particular library build.
//
// Capability gaps and workarounds are properties of the build under test, so
// they live here rather than in test code. Every PE loads the same file and
// therefore makes the same decisions.
type Plan struct {
	// Include lists glob patterns over case names. Empty runs everything.
	Include []string `yaml:"include,omitempty" json:"include,omitempty"`

	// Skip declares operations the build does not provide.
	Skip []SkipRule `yaml:"skip,omitempty" json:"skip,omitempty"`

	// Workarounds maps an operation to the substitute tests should use,
	// e.g. fcollect: collect for a build with a defective fcollect.
	Workarounds map[string]string `yaml:"workarounds,omitempty" json:"workarounds,omitempty"`

	// PollTimeout overrides the completion poll bound ("2s", "500ms").
	PollTimeout string `yaml:"poll_timeout,omitempty" json:"poll_timeout,omitempty"`
}

// SkipRule marks op unavailable, for the listed shapes or for all of them.
type SkipRule struct {
	Op     string   `yaml:"op" json:"op"`
	Shapes []string `yaml:"shapes,omitempty" json:"shapes,omitempty"`
	Reason string   `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Substitutes lists, per operation, the replacements test bodies can route it
// through. A workaround outside this table is rejected when the plan loads.
var Substitutes = map[string][]string{
	"fcollect": {"collect"},
}

var planFields = []string{"include", "skip", "workarounds", "poll_timeout"}

// LoadPlan reads a plan file. Files ending in .cue are evaluated as CUE;
// anything else is parsed as YAML. Unknown fields are rejected in both.
func LoadPlan(p string) (*Plan, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var plan *Plan
	if filepath.Ext(p) == ".cue" {
		plan, err = parseCUE(p, data)
	} else {
		plan, err = parseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

func parseYAML(data []byte) (*Plan, error) {
	var plan Plan
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&plan); err != nil {
		// An empty file is an empty plan.
		if errors.Is(err, io.EOF) {
			return &plan, nil
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &plan, nil
}

func parseCUE(filename string, data []byte) (*Plan, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE: %w", err)
	}

	iter, err := value.Fields()
	if err != nil {
		return nil, fmt.Errorf("plan must be a CUE struct: %w", err)
	}
	for iter.Next() {
		if !slices.Contains(planFields, iter.Label()) {
			return nil, fmt.Errorf("unknown plan field %q", iter.Label())
		}
	}

	var plan Plan
	if err := value.Decode(&plan); err != nil {
		return nil, fmt.Errorf("failed to decode CUE: %w", err)
	}
	return &plan, nil
}

// validatePlan checks patterns, shapes and workaround entries.
func validatePlan(p *Plan) error {
	for _, pattern := range p.Include {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("include pattern %q: %w", pattern, err)
		}
	}
	for i, rule := range p.Skip {
		if rule.Op == "" {
			return fmt.Errorf("skip[%d]: op is required", i)
		}
		for _, s := range rule.Shapes {
			if _, err := shmem.ParseKind(s); err != nil {
				return fmt.Errorf("skip[%d]: %w", i, err)
			}
		}
	}
	for op, sub := range p.Workarounds {
		if op == "" || sub == "" {
			return fmt.Errorf("workaround %q -> %q: both operations are required", op, sub)
		}
		if op == sub {
			return fmt.Errorf("workaround %q maps to itself", op)
		}
		if !slices.Contains(Substitutes[op], sub) {
			return fmt.Errorf("unsupported workaround %q -> %q", op, sub)
		}
	}
	if p.PollTimeout != "" {
		d, err := time.ParseDuration(p.PollTimeout)
		if err != nil {
			return fmt.Errorf("poll_timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_timeout must be positive, got %s", p.PollTimeout)
		}
	}
	return nil
}

// Includes reports whether the case name is selected.
func (p *Plan) Includes(name string) bool {
	if p == nil || len(p.Include) == 0 {
		return true
	}
	for _, pattern := range p.Include {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Supports reports whether the plan allows op on shape k.
func (p *Plan) Supports(op string, k shmem.Kind) bool {
	if p == nil {
		return true
	}
	for _, rule := range p.Skip {
		if rule.Op != op {
			continue
		}
		if len(rule.Shapes) == 0 {
			return false
		}
		for _, s := range rule.Shapes {
			if kind, err := shmem.ParseKind(s); err == nil && kind == k {
				return false
			}
		}
	}
	return true
}

// Resolve returns the operation tests should call in place of op and whether
// a workaround substituted it.
func (p *Plan) Resolve(op string) (string, bool) {
	if p == nil {
		return op, false
	}
	if sub, ok := p.Workarounds[op]; ok {
		return sub, true
	}
	return op, false
}

// Timeout returns the plan's poll bound, or fallback when unset.
func (p *Plan) Timeout(fallback time.Duration) time.Duration {
	if p == nil || p.PollTimeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(p.PollTimeout)
	if err != nil {
		return fallback
	}
	return d
}
