package orchestrator

import (
	"encoding/json"
	"fmt"
)

// StepPayload carries the fields that only make sense for one step type.
// The set of implementations is closed; executors switch over it exhaustively.
type StepPayload interface {
	StepType() StepType
	clonePayload() StepPayload
}

// ManualPayload describes work a person has to complete and confirm.
type ManualPayload struct {
	AssigneeRole string `json:"assignee_role" yaml:"assignee_role"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Template     string `json:"template,omitempty" yaml:"template,omitempty"`
}

func (ManualPayload) StepType() StepType { return StepManual }

func (p ManualPayload) clonePayload() StepPayload { return p }

// AutomatedPayload runs registered actions without human input.
type AutomatedPayload struct {
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`
}

func (AutomatedPayload) StepType() StepType { return StepAutomated }

func (p AutomatedPayload) clonePayload() StepPayload { return p }

// ApprovalPayload is a step whose only purpose is to collect sign-off.
type ApprovalPayload struct {
	ApproverRoles []string `json:"approver_roles" yaml:"approver_roles"`
	Template      string   `json:"template,omitempty" yaml:"template,omitempty"`
}

func (ApprovalPayload) StepType() StepType { return StepApproval }

func (p ApprovalPayload) clonePayload() StepPayload {
	p.ApproverRoles = cloneStrings(p.ApproverRoles)
	return p
}

// NotificationPayload sends a template to recipients or roles.
type NotificationPayload struct {
	Template       string         `json:"template" yaml:"template"`
	Recipients     []string       `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	RecipientRoles []string       `json:"recipient_roles,omitempty" yaml:"recipient_roles,omitempty"`
	Variables      map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

func (NotificationPayload) StepType() StepType { return StepNotification }

func (p NotificationPayload) clonePayload() StepPayload {
	p.Recipients = cloneStrings(p.Recipients)
	p.RecipientRoles = cloneStrings(p.RecipientRoles)
	p.Variables = cloneMap(p.Variables)
	return p
}

// DataProcessingPayload names the dataset and operation of a data step.
type DataProcessingPayload struct {
	Operation string `json:"operation" yaml:"operation"`
	Dataset   string `json:"dataset,omitempty" yaml:"dataset,omitempty"`
}

func (DataProcessingPayload) StepType() StepType { return StepDataProcessing }

func (p DataProcessingPayload) clonePayload() StepPayload { return p }

// CompliancePayload lists the regulations a compliance check covers.
type CompliancePayload struct {
	Regulations  []string `json:"regulations" yaml:"regulations"`
	Jurisdiction string   `json:"jurisdiction,omitempty" yaml:"jurisdiction,omitempty"`
}

func (CompliancePayload) StepType() StepType { return StepComplianceCheck }

func (p CompliancePayload) clonePayload() StepPayload {
	p.Regulations = cloneStrings(p.Regulations)
	return p
}

// ClonePayload returns an independent copy of p.
func ClonePayload(p StepPayload) StepPayload {
	if p == nil {
		return nil
	}
	return p.clonePayload()
}

// DecodePayload decodes raw JSON into the payload type matching t.
// Empty input yields the zero payload for t.
func DecodePayload(t StepType, raw []byte) (StepPayload, error) {
	var target StepPayload
	switch t {
	case StepManual:
		p := ManualPayload{}
		if err := decodeRaw(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case StepAutomated:
		p := AutomatedPayload{}
		if err := decodeRaw(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case StepApproval:
		p := ApprovalPayload{}
		if err := decodeRaw(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case StepNotification:
		p := NotificationPayload{}
		if err := decodeRaw(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case StepDataProcessing:
		p := DataProcessingPayload{}
		if err := decodeRaw(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case StepComplianceCheck:
		p := CompliancePayload{}
		if err := decodeRaw(raw, &p); err != nil {
			return nil, err
		}
		target = p
	default:
		return nil, fmt.Errorf("unknown step type %q", t)
	}
	return target, nil
}

func decodeRaw(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return cloneStrings(typed)
	default:
		return v
	}
}
