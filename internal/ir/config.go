package ir

import (
	"errors"
	"fmt"
	"time"
)

// Config is the top-level unit file.
type Config struct {
	Region string  `pkl:"region" yaml:"region"`
	Units  []*Unit `pkl:"units" yaml:"units"`
}

// Unit is one independently runnable pipeline, either instantiated from a
// named blueprint or spelled out step by step.
type Unit struct {
	Name      string         `pkl:"name" yaml:"name"`
	Blueprint string         `pkl:"blueprint" yaml:"blueprint"`
	Params    map[string]any `pkl:"params" yaml:"params"`
	Steps     []*StepConfig  `pkl:"steps" yaml:"steps"`
}

// StepConfig is the file form of a pipeline step.
type StepConfig struct {
	Action      string              `pkl:"action" yaml:"action"` // ensure, upsert, attach, wait, delete
	Kind        string              `pkl:"kind" yaml:"kind"`
	Name        string              `pkl:"name" yaml:"name"`
	Scope       string              `pkl:"scope" yaml:"scope"`
	Properties  map[string]any      `pkl:"properties" yaml:"properties"`
	Attachments []*AttachmentConfig `pkl:"attachments" yaml:"attachments"`
	Target      []string            `pkl:"target" yaml:"target"`
	Failure     []string            `pkl:"failure" yaml:"failure"`
	Interval    string              `pkl:"interval" yaml:"interval"`
	Attempts    int                 `pkl:"attempts" yaml:"attempts"`
	Required    bool                `pkl:"required" yaml:"required"`
}

type AttachmentConfig struct {
	Kind       string         `pkl:"kind" yaml:"kind"`
	Properties map[string]any `pkl:"properties" yaml:"properties"`
}

var stepActions = map[string]bool{
	"ensure": true,
	"upsert": true,
	"attach": true,
	"wait":   true,
	"delete": true,
}

// Key returns the natural key the step addresses.
func (s *StepConfig) Key() Key {
	return Key{Kind: Kind(s.Kind), Name: s.Name, Scope: s.Scope}
}

// Unit returns the unit with the given name, or nil.
func (c *Config) Unit(name string) *Unit {
	for _, u := range c.Units {
		if u.Name == name {
			return u
		}
	}
	return nil
}

// Validate checks the structural rules of the file. Blueprint names and
// parameters are checked when the unit is built.
func (c *Config) Validate() error {
	if len(c.Units) == 0 {
		return errors.New("config defines no units")
	}
	var errs []error
	seen := make(map[string]bool)
	for i, u := range c.Units {
		if u == nil {
			errs = append(errs, fmt.Errorf("units[%d]: empty unit", i))
			continue
		}
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("units[%d]: name is required", i))
		} else if seen[u.Name] {
			errs = append(errs, fmt.Errorf("units[%d]: duplicate unit name %q", i, u.Name))
		}
		seen[u.Name] = true
		if err := u.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("unit %q: %w", u.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (u *Unit) Validate() error {
	switch {
	case u.Blueprint != "" && len(u.Steps) > 0:
		return errors.New("blueprint and steps are mutually exclusive")
	case u.Blueprint == "" && len(u.Steps) == 0:
		return errors.New("either blueprint or steps is required")
	}
	var errs []error
	for i, s := range u.Steps {
		if s == nil {
			errs = append(errs, fmt.Errorf("steps[%d]: empty step", i))
			continue
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (s *StepConfig) Validate() error {
	if !stepActions[s.Action] {
		return fmt.Errorf("unknown action %q", s.Action)
	}
	if !Kind(s.Kind).Valid() {
		return fmt.Errorf("invalid kind %q", s.Kind)
	}
	if s.Name == "" {
		return errors.New("name is required")
	}
	for _, a := range s.Attachments {
		if a == nil || !AttachmentKind(a.Kind).Known() {
			return fmt.Errorf("unknown attachment kind in %s step", s.Action)
		}
	}
	if s.Action == "attach" && len(s.Attachments) == 0 {
		return errors.New("attach step has no attachments")
	}
	if _, err := ParseStatusSet(s.Target); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if _, err := ParseStatusSet(s.Failure); err != nil {
		return fmt.Errorf("failure: %w", err)
	}
	if s.Action == "wait" && len(s.Target) == 0 {
		return errors.New("wait step has no target status")
	}
	if s.Interval != "" {
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("interval must be positive, got %s", s.Interval)
		}
	}
	if s.Attempts < 0 {
		return fmt.Errorf("attempts must not be negative, got %d", s.Attempts)
	}
	return nil
}
