package repository

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Vusisean11/valiant/pkg/errors"
)

// Registry publishes agent versions. Readers get the current version with a
// single atomic load; a publish never touches versions already handed out.
type Registry struct {
	mu     sync.Mutex // serializes publishers
	agents sync.Map   // agent id -> *atomic.Pointer[Version]
	logger *slog.Logger
	now    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish compiles def and makes it the current version of its agent.
// A rejected definition leaves the previous version live. Publishing an
// unchanged definition returns the current version without bumping it.
func (r *Registry) Publish(def Definition) (*Version, error) {
	v, err := Compile(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ptr := r.slot(def.Agent)
	prev := ptr.Load()
	if prev != nil && prev.Digest == v.Digest {
		return prev, nil
	}
	v.Number = 1
	if prev != nil {
		v.Number = prev.Number + 1
	}
	v.PublishedAt = r.now().UTC()
	ptr.Store(v)

	r.logger.Info("repository.publish",
		slog.String("agent_id", v.AgentID),
		slog.Int64("version", v.Number),
		slog.String("digest", v.Digest),
	)
	return v, nil
}

// PublishAll publishes every definition and returns the rejections keyed by agent.
func (r *Registry) PublishAll(defs []Definition) map[string]error {
	failed := map[string]error{}
	for _, def := range defs {
		if _, err := r.Publish(def); err != nil {
			failed[def.Agent] = err
		}
	}
	return failed
}

// Current returns the live version of agentID.
func (r *Registry) Current(agentID string) (*Version, error) {
	if p, ok := r.agents.Load(agentID); ok {
		if v := p.(*atomic.Pointer[Version]).Load(); v != nil {
			return v, nil
		}
	}
	return nil, errors.Newf(errors.CodeNotFound, "agent %q has no published version", agentID)
}

// Agents lists agents with a published version, sorted.
func (r *Registry) Agents() []string {
	var out []string
	r.agents.Range(func(k, v any) bool {
		if v.(*atomic.Pointer[Version]).Load() != nil {
			out = append(out, k.(string))
		}
		return true
	})
	sort.Strings(out)
	return out
}

func (r *Registry) slot(agentID string) *atomic.Pointer[Version] {
	p, _ := r.agents.LoadOrStore(agentID, new(atomic.Pointer[Version]))
	return p.(*atomic.Pointer[Version])
}

// Source supplies definitions, e.g. from a directory or a database.
type Source interface {
	Load(ctx context.Context) ([]Definition, error)
}

// FileSource reads definitions from a directory.
type FileSource struct {
	Dir string
}

// Load implements Source.
func (s FileSource) Load(ctx context.Context) ([]Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadDir(s.Dir)
}

// Refresh loads src and publishes every definition. Load failures are
// returned; per-agent validation failures are logged and leave the
// previous versions live.
func (r *Registry) Refresh(ctx context.Context, src Source) error {
	defs, err := src.Load(ctx)
	if err != nil {
		return errors.New(errors.CodeConfiguration, "load agent definitions", err)
	}
	for agent, err := range r.PublishAll(defs) {
		r.logger.Warn("repository.refresh.rejected",
			slog.String("agent_id", agent),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
