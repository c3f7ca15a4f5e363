// Package action defines the contract every pluggable unit of work
// implements: declarative metadata, the executor interface with its
// synchronous and event-driven result types, the contexts handed to
// executors, and the process-wide registry that holds them.
package action

import (
	"fmt"
	"regexp"
)

// Mode declares how an action completes.
type Mode string

const (
	// ModeSync actions finish their work inside Execute.
	ModeSync Mode = "sync"

	// ModeEvent actions start external work in Execute and complete
	// later, when a matching event is routed to OnEvent.
	ModeEvent Mode = "event"
)

// ParamType is the declared type of an action parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamEnum   ParamType = "enum"
	ParamObject ParamType = "object"
	ParamList   ParamType = "list"
)

// ParamSpec declares one parameter an action accepts.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`

	// Options enumerates the allowed values. Required for ParamEnum.
	Options []string `json:"options,omitempty"`
}

// OutputSpec declares one named output an action produces.
type OutputSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// typeNamePattern restricts action type names to alphanumerics and
// underscores.
var typeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Meta is the immutable, declarative description of an action type.
// It is defined by the action's implementer and validated at
// registration time.
type Meta struct {
	// Type is the registry key. Alphanumeric and underscore only.
	Type string `json:"type"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Mode        Mode   `json:"mode"`

	// MaxRetries bounds how many times a failed or timed-out step of
	// this action may be re-entered. Zero declares no budget: retries
	// are unlimited.
	MaxRetries int `json:"max_retries,omitempty"`

	Params  []ParamSpec  `json:"params,omitempty"`
	Outputs []OutputSpec `json:"outputs,omitempty"`
}

// Validate checks the metadata's structural rules. Registration rejects
// actions whose metadata fails here.
func (m *Meta) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("action: meta has no type")
	}
	if !typeNamePattern.MatchString(m.Type) {
		return fmt.Errorf("action: type %q must be alphanumeric with underscores", m.Type)
	}
	if m.Name == "" {
		return fmt.Errorf("action %q: meta has no name", m.Type)
	}
	if m.Mode != ModeSync && m.Mode != ModeEvent {
		return fmt.Errorf("action %q: invalid mode %q", m.Type, m.Mode)
	}
	if m.MaxRetries < 0 {
		return fmt.Errorf("action %q: negative max retries %d", m.Type, m.MaxRetries)
	}

	params := make(map[string]struct{}, len(m.Params))
	for _, p := range m.Params {
		if p.Name == "" {
			return fmt.Errorf("action %q: parameter with empty name", m.Type)
		}
		if _, dup := params[p.Name]; dup {
			return fmt.Errorf("action %q: duplicate parameter %q", m.Type, p.Name)
		}
		params[p.Name] = struct{}{}

		if p.Type == ParamEnum && len(p.Options) == 0 {
			return fmt.Errorf("action %q: enum parameter %q declares no options", m.Type, p.Name)
		}
	}

	outputs := make(map[string]struct{}, len(m.Outputs))
	for _, o := range m.Outputs {
		if o.Name == "" {
			return fmt.Errorf("action %q: output with empty name", m.Type)
		}
		if _, dup := outputs[o.Name]; dup {
			return fmt.Errorf("action %q: duplicate output %q", m.Type, o.Name)
		}
		outputs[o.Name] = struct{}{}
	}

	return nil
}
