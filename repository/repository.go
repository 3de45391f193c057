package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Repository persists workflow requests. Save is a compare-and-set on
// WorkflowRequest.Version; a stale version yields VERSION_CONFLICT.
type Repository interface {
	Create(ctx context.Context, req *orchestrator.WorkflowRequest) error
	Get(ctx context.Context, id string) (*orchestrator.WorkflowRequest, error)
	List(ctx context.Context, filter Filter) ([]*orchestrator.WorkflowRequest, error)
	Save(ctx context.Context, req *orchestrator.WorkflowRequest) error
	Delete(ctx context.Context, id string) error
}

// DefinitionStore persists registered workflow templates by registry key.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, key string, def orchestrator.WorkflowDefinition) error
	GetDefinition(ctx context.Context, key string) (orchestrator.WorkflowDefinition, bool, error)
	ListDefinitions(ctx context.Context) (map[string]orchestrator.WorkflowDefinition, error)
}

// Store is a Repository that also keeps definitions.
type Store interface {
	Repository
	DefinitionStore
}

// Filter selects requests. Zero fields match everything.
type Filter struct {
	SubjectID       string
	TenantID        string
	ProcessType     string
	Statuses        []orchestrator.RequestStatus
	ActiveOnly      bool
	SubmittedAfter  time.Time
	SubmittedBefore time.Time
	TerminalBefore  time.Time
	Limit           int
}

// Matches reports whether req satisfies f.
func (f Filter) Matches(req *orchestrator.WorkflowRequest) bool {
	if req == nil {
		return false
	}
	if f.SubjectID != "" && req.SubjectID != f.SubjectID {
		return false
	}
	if f.TenantID != "" && req.TenantID != f.TenantID {
		return false
	}
	if f.ProcessType != "" && req.ProcessType != f.ProcessType {
		return false
	}
	if f.ActiveOnly && req.Status.IsTerminal() {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if req.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.SubmittedAfter.IsZero() && !req.SubmittedAt.After(f.SubmittedAfter) {
		return false
	}
	if !f.SubmittedBefore.IsZero() && !req.SubmittedAt.Before(f.SubmittedBefore) {
		return false
	}
	if !f.TerminalBefore.IsZero() {
		if req.TerminalAt == nil || !req.TerminalAt.Before(f.TerminalBefore) {
			return false
		}
	}
	return true
}

// sortAndLimit orders by submission sequence and applies the limit.
func sortAndLimit(items []*orchestrator.WorkflowRequest, limit int) []*orchestrator.WorkflowRequest {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Sequence < items[j].Sequence
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func validateRequest(req *orchestrator.WorkflowRequest) (string, error) {
	if req == nil {
		return "", orchestrator.Errorf(orchestrator.ErrInvalidRequest, "request required")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return "", orchestrator.Errorf(orchestrator.ErrInvalidRequest, "request id required")
	}
	return id, nil
}

func notFound(id string) error {
	return orchestrator.NewError(orchestrator.ErrRequestNotFound, "workflow request "+id+" not found", nil, map[string]any{
		"request_id": id,
	})
}

func versionConflict(id string, expected, current int) error {
	return orchestrator.NewError(orchestrator.ErrVersionConflict, "", nil, map[string]any{
		"request_id":       id,
		"expected_version": expected,
		"current_version":  current,
	})
}

func alreadyExists(id string) error {
	return orchestrator.NewError(orchestrator.ErrVersionConflict, "workflow request "+id+" already exists", nil, map[string]any{
		"request_id": id,
	})
}
