// Package notify defines the outbound notification and approver lookup
// contracts. Delivery transports live outside the engine.
package notify

import (
	"context"
	"sort"
	"strings"
	"sync"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Notifier delivers a rendered template to one recipient. Failures are
// reported but never retried by the engine.
type Notifier interface {
	Send(ctx context.Context, template, recipient string, vars map[string]any) error
}

// Message is one recorded Send call.
type Message struct {
	Template  string
	Recipient string
	Variables map[string]any
}

// RequestID returns the request_id variable, if any.
func (m Message) RequestID() string {
	id, _ := m.Variables["request_id"].(string)
	return id
}

// ApproverResolver maps a role within a tenant to concrete recipients.
type ApproverResolver interface {
	Resolve(ctx context.Context, tenantID, role string) ([]string, error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, template, recipient string, vars map[string]any) error

func (f NotifierFunc) Send(ctx context.Context, template, recipient string, vars map[string]any) error {
	return f(ctx, template, recipient, vars)
}

// ResolverFunc adapts a function to ApproverResolver.
type ResolverFunc func(ctx context.Context, tenantID, role string) ([]string, error)

func (f ResolverFunc) Resolve(ctx context.Context, tenantID, role string) ([]string, error) {
	return f(ctx, tenantID, role)
}

// LogNotifier writes each message to a logger.
type LogNotifier struct {
	Logger orchestrator.Logger
}

func (n LogNotifier) Send(ctx context.Context, template, recipient string, vars map[string]any) error {
	logger := orchestrator.WithLoggerFields(orchestrator.NormalizeLogger(n.Logger).WithContext(ctx), vars)
	logger.Info("notify template=%s recipient=%s", template, recipient)
	return nil
}

// StaticResolver resolves roles from a fixed table. Tenant specific entries
// use "tenant/role" keys and win over plain role keys. Unknown roles resolve
// to the role name itself.
type StaticResolver map[string][]string

func (s StaticResolver) Resolve(_ context.Context, tenantID, role string) ([]string, error) {
	if tenantID != "" {
		if rs, ok := s[tenantID+"/"+role]; ok {
			return append([]string(nil), rs...), nil
		}
	}
	if rs, ok := s[role]; ok {
		return append([]string(nil), rs...), nil
	}
	return []string{role}, nil
}

// RecordingNotifier keeps sent messages in memory.
type RecordingNotifier struct {
	mu       sync.Mutex
	messages []Message
	// Err, when set, is returned from every Notify call after recording.
	Err error
}

func (r *RecordingNotifier) Send(_ context.Context, template, recipient string, vars map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]any, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	r.messages = append(r.messages, Message{Template: template, Recipient: recipient, Variables: cp})
	return r.Err
}

// Sent returns how many messages used template.
func (r *RecordingNotifier) Sent(template string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Template == template {
			n++
		}
	}
	return n
}

// Messages returns a copy of the recorded messages.
func (r *RecordingNotifier) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Templates returns the distinct templates sent, sorted.
func (r *RecordingNotifier) Templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	for _, m := range r.messages {
		seen[m.Template] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Fanout resolves roles into recipients, deduplicating, and appends the
// explicit recipients.
func Fanout(ctx context.Context, resolver ApproverResolver, tenantID string, roles, recipients []string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(r string) {
		r = strings.TrimSpace(r)
		if r == "" {
			return
		}
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	for _, r := range recipients {
		add(r)
	}
	for _, role := range roles {
		if resolver == nil {
			add(role)
			continue
		}
		resolved, err := resolver.Resolve(ctx, tenantID, role)
		if err != nil {
			return out, err
		}
		for _, r := range resolved {
			add(r)
		}
	}
	return out, nil
}
