package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/picklr-io/converge/internal/ir"
)

// RefPrefix starts a reference to an attribute of a resource handled
// earlier in the same run: ptr://<kind>/<name>/<attr>.
const RefPrefix = "ptr://"

// errUnresolved marks a reference to a resource the run has no handle for.
var errUnresolved = errors.New("unresolved reference")

// Ref builds a reference string.
func Ref(kind ir.Kind, name, attr string) string {
	return RefPrefix + string(kind) + "/" + name + "/" + attr
}

func parseRef(s string) (kind ir.Kind, name, attr string, ok bool) {
	rest, found := strings.CutPrefix(s, RefPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return ir.Kind(parts[0]), parts[1], parts[2], true
}

func resolveString(s string, st *ir.State) (string, error) {
	kind, name, attr, ok := parseRef(s)
	if !ok {
		if strings.HasPrefix(s, RefPrefix) {
			return "", fmt.Errorf("malformed reference %q", s)
		}
		return s, nil
	}
	h, found := st.Lookup(kind, name)
	if !found {
		return "", fmt.Errorf("%w %s", errUnresolved, s)
	}
	v, found := h.Attr(attr)
	if !found {
		return "", fmt.Errorf("reference %s: %s has no attribute %q", s, h.Key, attr)
	}
	return v, nil
}

func resolveValue(val any, st *ir.State) (any, error) {
	switch v := val.(type) {
	case string:
		return resolveString(v, st)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := resolveValue(item, st)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case map[any]any:
		return resolveValue(ir.Normalize(v), st)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := resolveValue(item, st)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			r, err := resolveString(item, st)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveProps(props map[string]any, st *ir.State) (map[string]any, error) {
	if props == nil {
		return nil, nil
	}
	v, err := resolveValue(props, st)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func resolveKey(k ir.Key, st *ir.State) (ir.Key, error) {
	name, err := resolveString(k.Name, st)
	if err != nil {
		return k, err
	}
	scope, err := resolveString(k.Scope, st)
	if err != nil {
		return k, err
	}
	return ir.Key{Kind: k.Kind, Name: name, Scope: scope}, nil
}

// resolveStep returns a copy of s with every reference replaced by the
// attribute value. The step itself is left untouched.
func resolveStep(s Step, st *ir.State) (Step, error) {
	out := s
	var err error
	switch s.Action {
	case ActionEnsure, ActionUpsert:
		if out.Spec.Key, err = resolveKey(s.Spec.Key, st); err != nil {
			return s, err
		}
		if out.Spec.Properties, err = resolveProps(s.Spec.Properties, st); err != nil {
			return s, err
		}
	case ActionAttach:
		if out.Key, err = resolveKey(s.Key, st); err != nil {
			return s, err
		}
		out.Rules = make([]ir.AttachmentRule, len(s.Rules))
		for i, r := range s.Rules {
			if !r.Parent.IsZero() {
				if r.Parent, err = resolveKey(r.Parent, st); err != nil {
					return s, err
				}
			}
			if r.Properties, err = resolveProps(r.Properties, st); err != nil {
				return s, err
			}
			out.Rules[i] = r
		}
	case ActionWait:
		if out.Wait.Key, err = resolveKey(s.Wait.Key, st); err != nil {
			return s, err
		}
	case ActionDelete, ActionLookup:
		if out.Key, err = resolveKey(s.Key, st); err != nil {
			return s, err
		}
	}
	return out, nil
}

// References lists the resources s refers to, in order of first use. The
// keys carry kind and name only.
func (s Step) References() []ir.Key {
	var (
		out  []ir.Key
		seen = make(map[ir.Key]bool)
	)
	add := func(str string) {
		kind, name, _, ok := parseRef(str)
		if !ok {
			return
		}
		k := ir.Key{Kind: kind, Name: name}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			add(val)
		case []string:
			for _, item := range val {
				add(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case map[any]any:
			walk(ir.Normalize(val))
		}
	}

	key := s.Target()
	add(key.Name)
	add(key.Scope)
	walk(s.Spec.Properties)
	for _, r := range s.Rules {
		add(r.Parent.Name)
		add(r.Parent.Scope)
		walk(r.Properties)
	}
	return out
}
