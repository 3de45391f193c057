package repository

import (
	"context"
	"strings"
	"sync"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Memory is a thread-safe in-memory Store. Requests are cloned on the way in
// and out so callers never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	requests    map[string]*orchestrator.WorkflowRequest
	definitions map[string]orchestrator.WorkflowDefinition
	sequence    uint64
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[string]*orchestrator.WorkflowRequest),
		definitions: make(map[string]orchestrator.WorkflowDefinition),
	}
}

func (m *Memory) Create(_ context.Context, req *orchestrator.WorkflowRequest) error {
	id, err := validateRequest(req)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; ok {
		return alreadyExists(id)
	}
	m.sequence++
	req.Sequence = m.sequence
	req.Version = 1
	m.requests[id] = req.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*orchestrator.WorkflowRequest, error) {
	id = strings.TrimSpace(id)
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, notFound(id)
	}
	return req.Clone(), nil
}

func (m *Memory) List(_ context.Context, filter Filter) ([]*orchestrator.WorkflowRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*orchestrator.WorkflowRequest, 0, len(m.requests))
	for _, req := range m.requests {
		if filter.Matches(req) {
			out = append(out, req.Clone())
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (m *Memory) Save(_ context.Context, req *orchestrator.WorkflowRequest) error {
	id, err := validateRequest(req)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[id]
	if !ok {
		return notFound(id)
	}
	if current.Version != req.Version {
		return versionConflict(id, req.Version, current.Version)
	}
	req.Version++
	m.requests[id] = req.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return notFound(id)
	}
	delete(m.requests, id)
	return nil
}

func (m *Memory) SaveDefinition(_ context.Context, key string, def orchestrator.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[key] = def.Clone()
	return nil
}

func (m *Memory) GetDefinition(_ context.Context, key string) (orchestrator.WorkflowDefinition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[key]
	if !ok {
		return orchestrator.WorkflowDefinition{}, false, nil
	}
	return def.Clone(), true, nil
}

func (m *Memory) ListDefinitions(_ context.Context) (map[string]orchestrator.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]orchestrator.WorkflowDefinition, len(m.definitions))
	for key, def := range m.definitions {
		out[key] = def.Clone()
	}
	return out, nil
}
