// Package pipeline defines the pipeline definition record — a named,
// versioned DAG template — and its store contract.
package pipeline

import (
	"fmt"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/id"
)

// Visibility controls who can see and start a definition.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// Status is the lifecycle state of a definition. Deletion is soft: the
// record stays readable but is excluded from active listings.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// StepTemplate describes one DAG node of a definition. Steps sharing a
// Sequence fan out concurrently at run time.
type StepTemplate struct {
	// StepID names the node within the DAG. Unique per definition.
	StepID string `json:"step_id"`

	// Sequence orders the DAG: a node runs only after every node at the
	// previous sequence is terminal.
	Sequence int `json:"sequence"`

	// ActionType selects the registered action executed for this node.
	ActionType string `json:"action_type"`

	// Params are the node's action parameters, merged over the
	// execution-level parameters at run time.
	Params map[string]any `json:"params,omitempty"`
}

// Definition is a named, versioned DAG template. Mutations are
// version-checked like every other record.
type Definition struct {
	conduct.Entity

	ID         id.DefinitionID `json:"id"`
	Name       string          `json:"name"`
	Version    int64           `json:"version"`
	Steps      []StepTemplate  `json:"steps"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Visibility Visibility      `json:"visibility"`
	Status     Status          `json:"status"`
}

// Validate checks structural soundness before the definition is stored.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline: definition name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("pipeline: definition %q has no steps", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i, st := range d.Steps {
		if st.StepID == "" {
			return fmt.Errorf("pipeline: definition %q: step %d has no step id", d.Name, i)
		}
		if st.ActionType == "" {
			return fmt.Errorf("pipeline: definition %q: step %q has no action type", d.Name, st.StepID)
		}
		if st.Sequence < 1 {
			return fmt.Errorf("pipeline: definition %q: step %q has sequence %d, must be >= 1", d.Name, st.StepID, st.Sequence)
		}
		if _, dup := seen[st.StepID]; dup {
			return fmt.Errorf("pipeline: definition %q: duplicate step id %q", d.Name, st.StepID)
		}
		seen[st.StepID] = struct{}{}
	}
	return nil
}
