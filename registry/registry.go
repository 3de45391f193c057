package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/repository"
)

// DefaultProcessType is the template used when no process specific
// template matches.
const DefaultProcessType = "default"

// AnyUrgency matches every urgency during resolution.
const AnyUrgency orchestrator.Urgency = ""

// Key identifies a registered template.
type Key struct {
	ProcessType string
	Urgency     orchestrator.Urgency
}

func (k Key) String() string {
	urgency := string(k.Urgency)
	if urgency == "" {
		urgency = "*"
	}
	return k.ProcessType + "/" + urgency
}

// ParseKey is the inverse of Key.String.
func ParseKey(value string) Key {
	pt, urgency, _ := strings.Cut(value, "/")
	if urgency == "*" {
		urgency = ""
	}
	return Key{ProcessType: pt, Urgency: orchestrator.Urgency(urgency)}
}

// KeyFor returns the key a definition registers under.
func KeyFor(def orchestrator.WorkflowDefinition) Key {
	return Key{ProcessType: def.ProcessType, Urgency: def.Urgency}
}

// Registry holds read-only workflow templates.
type Registry struct {
	mu     sync.RWMutex
	defs   map[Key]orchestrator.WorkflowDefinition
	store  repository.DefinitionStore
	logger orchestrator.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists every registered template to store.
func WithStore(store repository.DefinitionStore) Option {
	return func(r *Registry) {
		r.store = store
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(r *Registry) {
		r.logger = orchestrator.NormalizeLogger(logger)
	}
}

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		defs:   make(map[Key]orchestrator.WorkflowDefinition),
		logger: orchestrator.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register validates def and stores a private copy under key. Registering
// the same key again replaces the template for future requests only.
func (r *Registry) Register(ctx context.Context, key Key, def orchestrator.WorkflowDefinition) error {
	key.ProcessType = strings.TrimSpace(key.ProcessType)
	if key.ProcessType == "" {
		return orchestrator.Errorf(orchestrator.ErrInvalidDefinition, "process type required")
	}
	if def.ProcessType == "" {
		def.ProcessType = key.ProcessType
	}
	if err := Validate(def); err != nil {
		return err
	}
	cp := def.Clone()

	r.mu.Lock()
	r.defs[key] = cp
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveDefinition(ctx, key.String(), cp); err != nil {
			return err
		}
	}
	r.logger.Debug("registered workflow template %s (%s v%s)", key, def.Name, def.Version)
	return nil
}

// MustRegister is Register for static setup code.
func (r *Registry) MustRegister(key Key, def orchestrator.WorkflowDefinition) {
	if err := r.Register(context.Background(), key, def); err != nil {
		panic(err)
	}
}

// Resolve returns an independent instance of the best matching template.
// Lookup order: (processType, urgency), (processType, any), (default, any).
func (r *Registry) Resolve(processType string, urgency orchestrator.Urgency) (orchestrator.WorkflowDefinition, error) {
	candidates := []Key{
		{ProcessType: processType, Urgency: urgency},
		{ProcessType: processType, Urgency: AnyUrgency},
		{ProcessType: DefaultProcessType, Urgency: AnyUrgency},
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range candidates {
		if def, ok := r.defs[key]; ok {
			return Instantiate(def), nil
		}
	}
	return orchestrator.WorkflowDefinition{}, orchestrator.NewError(orchestrator.ErrNoDefinition, "", nil, map[string]any{
		"process_type": processType,
		"urgency":      string(urgency),
	})
}

// Definition returns a copy of the template registered under key.
func (r *Registry) Definition(key Key) (orchestrator.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[key]
	if !ok {
		return orchestrator.WorkflowDefinition{}, false
	}
	return def.Clone(), true
}

// Keys lists registered keys in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.defs))
	for key := range r.defs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Restore loads templates previously persisted to the definition store and
// reports how many were registered. Invalid stored templates are skipped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	defs, err := r.store.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for raw, def := range defs {
		if err := Validate(def); err != nil {
			r.logger.Warn("skipping stored template %s: %v", raw, err)
			continue
		}
		r.defs[ParseKey(raw)] = def
		restored++
	}
	return restored, nil
}
