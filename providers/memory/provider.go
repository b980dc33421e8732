// Package memory is an in-process control plane. Resources become Active
// only after a configurable number of describes, which makes it usable both
// for dry runs and for exercising eventual consistency in tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

type Provider struct {
	pendingPolls int
	failCreate   func(ir.Spec) error
	failAttach   func(ir.AttachmentRule) error
	raceOnCreate bool

	mu          sync.Mutex
	seq         int
	records     map[ir.Key]*record
	attachments map[ir.Key]map[string]bool
	raced       map[ir.Key]bool
	calls       map[string]int
}

type record struct {
	handle   ir.Handle
	props    map[string]any
	polls    int
	deleting bool
	pinned   *ir.Status
}

type Option func(*Provider)

// WithPendingPolls sets how many describes a new or deleted resource spends
// Pending (or Deleting) before it settles.
func WithPendingPolls(n int) Option {
	return func(p *Provider) { p.pendingPolls = n }
}

// WithFailCreate installs a hook consulted before every create. A non-nil
// return is reported as the create error.
func WithFailCreate(fn func(ir.Spec) error) Option {
	return func(p *Provider) { p.failCreate = fn }
}

// WithFailAttach installs a hook consulted before every attach.
func WithFailAttach(fn func(ir.AttachmentRule) error) Option {
	return func(p *Provider) { p.failAttach = fn }
}

// WithRaceOnCreate makes the first create of every key lose a race: the
// resource appears as if another caller made it, and the create reports
// AlreadyExists.
func WithRaceOnCreate() Option {
	return func(p *Provider) { p.raceOnCreate = true }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		records:     make(map[ir.Key]*record),
		attachments: make(map[ir.Key]map[string]bool),
		raced:       make(map[ir.Key]bool),
		calls:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Describe(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, adapter.NewError(adapter.ClassCancelled, "describe", key, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["describe"]++

	rec, ok := p.records[key]
	if !ok {
		return nil, nil
	}
	rec.polls++
	switch {
	case rec.pinned != nil:
		rec.handle.Status = *rec.pinned
	case rec.deleting:
		if rec.polls > p.pendingPolls {
			delete(p.records, key)
			delete(p.attachments, key)
			return nil, nil
		}
		rec.handle.Status = ir.StatusDeleting
	case rec.polls > p.pendingPolls:
		rec.handle.Status = ir.StatusActive
	default:
		rec.handle.Status = ir.StatusPending
	}
	rec.handle.State = rec.handle.Status.String()
	return rec.copyHandle(), nil
}

func (p *Provider) Create(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, adapter.NewError(adapter.ClassCancelled, "create", spec.Key, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["create"]++

	if p.failCreate != nil {
		if err := p.failCreate(spec); err != nil {
			return nil, err
		}
	}
	if p.raceOnCreate && !p.raced[spec.Key] {
		p.raced[spec.Key] = true
		p.insert(spec, ir.StatusActive)
		return nil, adapter.Errorf(adapter.ClassAlreadyExists, "create", spec.Key, "created concurrently")
	}
	if _, ok := p.records[spec.Key]; ok {
		return nil, adapter.Errorf(adapter.ClassAlreadyExists, "create", spec.Key, "resource already exists")
	}
	status := ir.StatusActive
	if p.pendingPolls > 0 {
		status = ir.StatusPending
	}
	return p.insert(spec, status).copyHandle(), nil
}

func (p *Provider) Update(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, adapter.NewError(adapter.ClassCancelled, "update", spec.Key, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["update"]++

	rec, ok := p.records[spec.Key]
	if !ok || rec.deleting {
		return nil, adapter.Errorf(adapter.ClassNotFound, "update", spec.Key, "resource does not exist")
	}
	if fingerprint(rec.props) == fingerprint(spec.Properties) {
		return nil, adapter.Errorf(adapter.ClassUnchanged, "update", spec.Key, "no updates are to be performed")
	}
	rec.props = spec.Properties
	rec.handle.Attributes = attributes(spec.Properties)
	rec.polls = 0
	if p.pendingPolls > 0 && rec.pinned == nil {
		rec.handle.Status = ir.StatusPending
	}
	return rec.copyHandle(), nil
}

func (p *Provider) Delete(ctx context.Context, key ir.Key) error {
	if err := ctx.Err(); err != nil {
		return adapter.NewError(adapter.ClassCancelled, "delete", key, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["delete"]++

	rec, ok := p.records[key]
	if !ok {
		return adapter.Errorf(adapter.ClassNotFound, "delete", key, "resource does not exist")
	}
	if rec.deleting {
		return nil
	}
	if p.pendingPolls == 0 {
		delete(p.records, key)
		delete(p.attachments, key)
		return nil
	}
	rec.deleting = true
	rec.pinned = nil
	rec.polls = 0
	rec.handle.Status = ir.StatusDeleting
	return nil
}

func (p *Provider) Attach(ctx context.Context, rule ir.AttachmentRule) error {
	if err := ctx.Err(); err != nil {
		return adapter.NewError(adapter.ClassCancelled, "attach", rule.Parent, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["attach"]++

	if p.failAttach != nil {
		if err := p.failAttach(rule); err != nil {
			return err
		}
	}
	if rec, ok := p.records[rule.Parent]; !ok || rec.deleting {
		return adapter.Errorf(adapter.ClassNotFound, "attach", rule.Parent, "parent does not exist")
	}
	fp := string(rule.Kind) + ":" + fingerprint(rule.Properties)
	set := p.attachments[rule.Parent]
	if set == nil {
		set = make(map[string]bool)
		p.attachments[rule.Parent] = set
	}
	if set[fp] {
		return adapter.Errorf(adapter.ClassAlreadyExists, "attach", rule.Parent, "%s already present", rule.Kind)
	}
	set[fp] = true
	return nil
}

// Seed stores a resource directly, bypassing Create and its hooks.
func (p *Provider) Seed(spec ir.Spec, status ir.Status) *ir.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.insert(spec, status)
	switch status {
	case ir.StatusActive:
		rec.polls = p.pendingPolls
	case ir.StatusDeleting:
		rec.deleting = true
	case ir.StatusPending:
	default:
		rec.pinned = &status
	}
	return rec.copyHandle()
}

// SetStatus pins the status every later describe of key reports.
func (p *Provider) SetStatus(key ir.Key, status ir.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[key]; ok {
		rec.pinned = &status
	}
}

// Calls returns how many times op (describe, create, update, delete,
// attach) was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Keys lists the stored resources in key order.
func (p *Provider) Keys() []ir.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]ir.Key, 0, len(p.records))
	for k := range p.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Attachments returns the number of attachments recorded on parent.
func (p *Provider) Attachments(parent ir.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.attachments[parent])
}

func (p *Provider) insert(spec ir.Spec, status ir.Status) *record {
	p.seq++
	slug := strings.ToLower(strings.ReplaceAll(spec.Key.Kind.Type(), ".", "-"))
	rec := &record{
		handle: ir.Handle{
			Key:        spec.Key,
			ID:         fmt.Sprintf("%s-%d", slug, p.seq),
			ARN:        "arn:memory:" + spec.Key.String(),
			Status:     status,
			State:      status.String(),
			Attributes: attributes(spec.Properties),
		},
		props: spec.Properties,
	}
	p.records[spec.Key] = rec
	return rec
}

func (r *record) copyHandle() *ir.Handle {
	h := r.handle
	if r.handle.Attributes != nil {
		h.Attributes = make(map[string]string, len(r.handle.Attributes))
		for k, v := range r.handle.Attributes {
			h.Attributes[k] = v
		}
	}
	return &h
}

// attributes exposes scalar properties so later steps can reference them.
func attributes(props map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range props {
		switch v.(type) {
		case string, bool, int, int64, float64:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func fingerprint(props map[string]any) string {
	if len(props) == 0 {
		return "{}"
	}
	data, err := json.Marshal(ir.Normalize(props))
	if err != nil {
		return fmt.Sprintf("%v", props)
	}
	return string(data)
}
