// Package blueprint turns units from a config file into engine pipelines,
// either from a named blueprint or from explicit steps.
package blueprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

// Env is what a blueprint may know about its surroundings.
type Env struct {
	// Dir is the directory of the unit file. Relative paths in params
	// resolve against it.
	Dir    string
	Region string
}

// Blueprint is a named pipeline builder.
type Blueprint struct {
	Name        string
	Description string
	build       func(unit string, params map[string]any, env Env) ([]engine.Step, error)
}

var blueprints = map[string]Blueprint{}

func register(b Blueprint) {
	if _, dup := blueprints[b.Name]; dup {
		panic("blueprint registered twice: " + b.Name)
	}
	blueprints[b.Name] = b
}

// All returns every blueprint sorted by name.
func All() []Blueprint {
	out := make([]Blueprint, 0, len(blueprints))
	for _, b := range blueprints {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the blueprint with the given name.
func Lookup(name string) (Blueprint, bool) {
	b, ok := blueprints[name]
	return b, ok
}

// Build returns the pipeline of a unit.
func Build(u *ir.Unit, env Env) (*engine.Pipeline, error) {
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("unit %q: %w", u.Name, err)
	}
	var (
		steps []engine.Step
		err   error
	)
	if u.Blueprint != "" {
		b, ok := Lookup(u.Blueprint)
		if !ok {
			return nil, fmt.Errorf("unit %q: unknown blueprint %q", u.Name, u.Blueprint)
		}
		steps, err = b.build(u.Name, u.Params, env)
	} else {
		steps, err = FromSteps(u.Steps)
	}
	if err != nil {
		return nil, fmt.Errorf("unit %q: %w", u.Name, err)
	}
	return &engine.Pipeline{Name: u.Name, Steps: steps}, nil
}

// BuildAll builds every unit of cfg, in file order.
func BuildAll(cfg *ir.Config, env Env) ([]*engine.Pipeline, error) {
	if env.Region == "" {
		env.Region = cfg.Region
	}
	pipelines := make([]*engine.Pipeline, 0, len(cfg.Units))
	for _, u := range cfg.Units {
		p, err := Build(u, env)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

// FromSteps converts explicit step configs into engine steps.
func FromSteps(configs []*ir.StepConfig) ([]engine.Step, error) {
	steps := make([]engine.Step, 0, len(configs))
	for i, sc := range configs {
		s, err := fromStep(sc)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func fromStep(sc *ir.StepConfig) (engine.Step, error) {
	key := sc.Key()
	switch engine.Action(sc.Action) {
	case engine.ActionEnsure:
		return engine.Ensure(ir.Spec{Key: key, Properties: sc.Properties}), nil
	case engine.ActionUpsert:
		return engine.Upsert(ir.Spec{Key: key, Properties: sc.Properties}), nil
	case engine.ActionDelete:
		return engine.Delete(key), nil
	case engine.ActionAttach:
		rules := make([]ir.AttachmentRule, 0, len(sc.Attachments))
		for _, a := range sc.Attachments {
			rules = append(rules, ir.AttachmentRule{Kind: ir.AttachmentKind(a.Kind), Properties: a.Properties})
		}
		if sc.Required {
			return engine.MustAttach(key, rules...), nil
		}
		return engine.Attach(key, rules...), nil
	case engine.ActionWait:
		target, err := ir.ParseStatusSet(sc.Target)
		if err != nil {
			return engine.Step{}, err
		}
		w := ir.DefaultWait(key, target...)
		if len(sc.Failure) > 0 {
			if w.Failure, err = ir.ParseStatusSet(sc.Failure); err != nil {
				return engine.Step{}, err
			}
		}
		if sc.Interval != "" {
			if w.PollInterval, err = time.ParseDuration(sc.Interval); err != nil {
				return engine.Step{}, err
			}
		}
		if sc.Attempts > 0 {
			w.MaxAttempts = sc.Attempts
		}
		return engine.Wait(w), nil
	}
	return engine.Step{}, fmt.Errorf("unknown action %q", sc.Action)
}

// decodeParams unmarshals blueprint params into v through their JSON form.
// Unknown fields are rejected so typos surface at build time.
func decodeParams(params map[string]any, v any) error {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(ir.Normalize(params))
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func key(kind ir.Kind, name string) ir.Key {
	return ir.Key{Kind: kind, Name: name}
}

func scoped(kind ir.Kind, name, scope string) ir.Key {
	return ir.Key{Kind: kind, Name: name, Scope: scope}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
