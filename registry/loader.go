package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// TemplateSet is the on-disk template document. JSON documents are
// accepted as well since yaml.v3 parses JSON.
type TemplateSet struct {
	Templates []TemplateConfig `yaml:"templates" json:"templates"`
}

// TemplateConfig is one workflow template as written in a template file.
type TemplateConfig struct {
	Name           string             `yaml:"name"`
	Version        string             `yaml:"version"`
	Description    string             `yaml:"description"`
	ProcessType    string             `yaml:"process_type"`
	Urgency        string             `yaml:"urgency"`
	AllowedReasons []string           `yaml:"allowed_reasons"`
	RetryPolicy    RetryPolicyConfig  `yaml:"retry_policy"`
	Steps          []StepConfig       `yaml:"steps"`
	Dependencies   []DependencyConfig `yaml:"dependencies"`
	Approvals      []ApprovalConfig   `yaml:"approvals"`
	Rollback       RollbackConfig     `yaml:"rollback"`
}

type RetryPolicyConfig struct {
	Strategy string        `yaml:"strategy"`
	Delay    time.Duration `yaml:"delay"`
	Factor   float64       `yaml:"factor"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type StepConfig struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	DependsOn   []string           `yaml:"depends_on"`
	MaxRetries  int                `yaml:"max_retries"`
	Timeout     time.Duration      `yaml:"timeout"`
	Actions     []ActionConfig     `yaml:"actions"`
	Validations []ValidationConfig `yaml:"validations"`
	Payload     yaml.Node          `yaml:"payload"`
}

type ActionConfig struct {
	Type         string         `yaml:"type"`
	Parameters   map[string]any `yaml:"parameters"`
	Timeout      time.Duration  `yaml:"timeout"`
	Irreversible bool           `yaml:"irreversible"`
}

type ValidationConfig struct {
	Rule          string         `yaml:"rule"`
	Parameters    map[string]any `yaml:"parameters"`
	FailureAction string         `yaml:"failure_action"`
	MaxRetries    int            `yaml:"max_retries"`
}

type DependencyConfig struct {
	ID          string `yaml:"id"`
	StepID      string `yaml:"step_id"`
	Type        string `yaml:"type"`
	Target      string `yaml:"target"`
	Blocking    *bool  `yaml:"blocking"`
	Description string `yaml:"description"`
}

type ApprovalConfig struct {
	StepID       string `yaml:"step_id"`
	ApproverRole string `yaml:"approver_role"`
	Required     *bool  `yaml:"required"`
}

type RollbackConfig struct {
	Enabled         *bool                `yaml:"enabled"`
	PointOfNoReturn string               `yaml:"point_of_no_return"`
	TimeWindow      time.Duration        `yaml:"time_window"`
	Steps           []RollbackStepConfig `yaml:"steps"`
}

type RollbackStepConfig struct {
	ID            string             `yaml:"id"`
	Name          string             `yaml:"name"`
	Actions       []ActionConfig     `yaml:"actions"`
	Verifications []ValidationConfig `yaml:"verifications"`
}

// ParseTemplates parses a YAML or JSON template set into validated
// definitions.
func ParseTemplates(data []byte) ([]orchestrator.WorkflowDefinition, error) {
	var set TemplateSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidDefinition, "parse template set", err, nil)
	}
	defs := make([]orchestrator.WorkflowDefinition, 0, len(set.Templates))
	for i, tpl := range set.Templates {
		def, err := tpl.Definition()
		if err != nil {
			return nil, fmt.Errorf("template %d (%s): %w", i, tpl.Name, err)
		}
		if err := Validate(def); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile reads and parses a template file.
func LoadFile(path string) ([]orchestrator.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTemplates(data)
}

// RegisterAll registers each definition under its own key.
func (r *Registry) RegisterAll(ctx context.Context, defs []orchestrator.WorkflowDefinition) error {
	for _, def := range defs {
		if err := r.Register(ctx, KeyFor(def), def); err != nil {
			return err
		}
	}
	return nil
}

// LoadTemplates parses data and registers every template it contains.
func (r *Registry) LoadTemplates(ctx context.Context, data []byte) (int, error) {
	defs, err := ParseTemplates(data)
	if err != nil {
		return 0, err
	}
	return len(defs), r.RegisterAll(ctx, defs)
}

// Definition converts the file form into a WorkflowDefinition.
func (c TemplateConfig) Definition() (orchestrator.WorkflowDefinition, error) {
	def := orchestrator.WorkflowDefinition{
		Name:           c.Name,
		Version:        c.Version,
		Description:    c.Description,
		ProcessType:    c.ProcessType,
		Urgency:        orchestrator.Urgency(c.Urgency),
		AllowedReasons: c.AllowedReasons,
		RetryPolicy: orchestrator.RetryPolicy{
			Strategy: c.RetryPolicy.Strategy,
			Delay:    c.RetryPolicy.Delay,
			Factor:   c.RetryPolicy.Factor,
			MaxDelay: c.RetryPolicy.MaxDelay,
		},
	}
	if def.Urgency == "*" {
		def.Urgency = AnyUrgency
	}
	for _, sc := range c.Steps {
		step := orchestrator.Step{
			ID:           sc.ID,
			Name:         sc.Name,
			Type:         orchestrator.StepType(sc.Type),
			Status:       orchestrator.StepPending,
			Dependencies: sc.DependsOn,
			MaxRetries:   sc.MaxRetries,
			Timeout:      sc.Timeout,
			Actions:      actionsFromConfig(sc.Actions),
			Validations:  validationsFromConfig(sc.Validations),
		}
		payload, err := decodePayloadNode(step.Type, &sc.Payload)
		if err != nil {
			return def, fmt.Errorf("step %s payload: %w", sc.ID, err)
		}
		step.Payload = payload
		def.Steps = append(def.Steps, step)
	}
	for _, dc := range c.Dependencies {
		blocking := true
		if dc.Blocking != nil {
			blocking = *dc.Blocking
		}
		def.Dependencies = append(def.Dependencies, orchestrator.DependencyDefinition{
			ID:          dc.ID,
			StepID:      dc.StepID,
			Type:        orchestrator.DependencyType(dc.Type),
			Target:      dc.Target,
			Blocking:    blocking,
			Description: dc.Description,
		})
	}
	for _, ac := range c.Approvals {
		required := true
		if ac.Required != nil {
			required = *ac.Required
		}
		def.Approvals = append(def.Approvals, orchestrator.ApprovalDefinition{
			StepID:       ac.StepID,
			ApproverRole: ac.ApproverRole,
			Required:     required,
		})
	}
	enabled := true
	if c.Rollback.Enabled != nil {
		enabled = *c.Rollback.Enabled
	}
	def.Rollback = orchestrator.RollbackPlan{
		PointOfNoReturn:    c.Rollback.PointOfNoReturn,
		TimeWindow:         c.Rollback.TimeWindow,
		IsRollbackPossible: enabled,
	}
	for _, rs := range c.Rollback.Steps {
		def.Rollback.Steps = append(def.Rollback.Steps, orchestrator.RollbackStep{
			ID:            rs.ID,
			Name:          rs.Name,
			Actions:       actionsFromConfig(rs.Actions),
			Verifications: validationsFromConfig(rs.Verifications),
			Status:        orchestrator.StepPending,
		})
	}
	return def, nil
}

func actionsFromConfig(in []ActionConfig) []orchestrator.Action {
	if len(in) == 0 {
		return nil
	}
	out := make([]orchestrator.Action, len(in))
	for i, a := range in {
		out[i] = orchestrator.Action{
			Type:         a.Type,
			Parameters:   a.Parameters,
			Timeout:      a.Timeout,
			Irreversible: a.Irreversible,
		}
	}
	return out
}

func validationsFromConfig(in []ValidationConfig) []orchestrator.Validation {
	if len(in) == 0 {
		return nil
	}
	out := make([]orchestrator.Validation, len(in))
	for i, v := range in {
		action := orchestrator.FailureAction(v.FailureAction)
		if action == "" {
			action = orchestrator.FailStep
		}
		out[i] = orchestrator.Validation{
			Rule:          v.Rule,
			Parameters:    v.Parameters,
			FailureAction: action,
			MaxRetries:    v.MaxRetries,
		}
	}
	return out
}

func decodePayloadNode(t orchestrator.StepType, node *yaml.Node) (orchestrator.StepPayload, error) {
	empty := node == nil || node.Kind == 0
	decode := func(v any) error {
		if empty {
			return nil
		}
		return node.Decode(v)
	}
	switch t {
	case orchestrator.StepManual:
		var p orchestrator.ManualPayload
		err := decode(&p)
		return p, err
	case orchestrator.StepAutomated:
		var p orchestrator.AutomatedPayload
		err := decode(&p)
		return p, err
	case orchestrator.StepApproval:
		var p orchestrator.ApprovalPayload
		err := decode(&p)
		return p, err
	case orchestrator.StepNotification:
		var p orchestrator.NotificationPayload
		err := decode(&p)
		return p, err
	case orchestrator.StepDataProcessing:
		var p orchestrator.DataProcessingPayload
		err := decode(&p)
		return p, err
	case orchestrator.StepComplianceCheck:
		var p orchestrator.CompliancePayload
		err := decode(&p)
		return p, err
	default:
		return nil, orchestrator.Errorf(orchestrator.ErrInvalidDefinition, "unknown step type %q", t)
	}
}
