// Package experiments implements the Experiment record and its launch/
// conclude lifecycle (spec 4.7): a validated definition of branches and
// constraints, tracked by the "active-experiments"/"concluded-experiments"
// process-level lists and, on launch, realised as bucket-ring entries via
// pkg/buckets.
package experiments

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jacquard/jacquard/pkg/constraints"
	"github.com/jacquard/jacquard/pkg/log"
)

var logger = log.WithComponent("experiments")

// Branch is one arm of an experiment: its own settings and, at launch time,
// its share of the bucket ring, as a percentage of NUM_BUCKETS.
type Branch struct {
	ID       string
	Settings map[string]interface{}
	// Percent is nil when the definition didn't specify one; Launch then
	// defaults it to floor(100 / len(branches)).
	Percent *float64
}

// ValidationError marks a malformed experiment definition (spec 4: unique
// branch ids, non-empty branches, concluded implies launched and
// launched <= concluded).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "experiments: " + e.Msg }

// IllegalTransitionError marks an invalid lifecycle transition: relaunching
// an active experiment, concluding a non-active one, loading a definition
// over a live experiment without the skip-launched flag.
type IllegalTransitionError struct {
	Msg string
}

func (e *IllegalTransitionError) Error() string { return "experiments: " + e.Msg }

// BranchNotFoundError is raised by Experiment.Branch when no branch with the
// given id exists.
type BranchNotFoundError struct {
	ExperimentID, BranchID string
}

func (e *BranchNotFoundError) Error() string {
	return fmt.Sprintf("experiments: no such branch %q in experiment %q", e.BranchID, e.ExperimentID)
}

// Experiment is the record stored under "experiments/<id>" (spec 3/4.7).
type Experiment struct {
	id          string
	Name        string
	Branches    []Branch
	Constraints constraints.Constraints
	Launched    *time.Time
	Concluded   *time.Time
}

// NewExperiment constructs a blank, unattached Experiment for id. Callers
// populate Name/Branches/Constraints before calling Validate/Flush.
func NewExperiment(id string) *Experiment {
	return &Experiment{id: id}
}

// StorageName implements odm.Model.
func (e *Experiment) StorageName() string { return "experiments" }

// PK implements odm.Model.
func (e *Experiment) PK() string { return e.id }

// Branch returns the branch with the given id.
func (e *Experiment) Branch(id string) (Branch, error) {
	for _, b := range e.Branches {
		if b.ID == id {
			return b, nil
		}
	}
	return Branch{}, &BranchNotFoundError{ExperimentID: e.id, BranchID: id}
}

// IsActive reports whether launched is set but concluded is not.
func (e *Experiment) IsActive() bool {
	return e.Launched != nil && e.Concluded == nil
}

// IsConcluded reports whether concluded is set.
func (e *Experiment) IsConcluded() bool {
	return e.Concluded != nil
}

// Validate implements odm.Model.
func (e *Experiment) Validate() error {
	if len(e.Branches) == 0 {
		return &ValidationError{Msg: fmt.Sprintf("experiment %q has no branches", e.id)}
	}

	seen := make(map[string]struct{}, len(e.Branches))
	for _, b := range e.Branches {
		if _, dup := seen[b.ID]; dup {
			return &ValidationError{Msg: fmt.Sprintf("experiment %q has duplicate branch id %q", e.id, b.ID)}
		}
		seen[b.ID] = struct{}{}
	}

	if e.Concluded != nil && e.Launched == nil {
		return &ValidationError{Msg: fmt.Sprintf("experiment %q is concluded but never launched", e.id)}
	}
	if e.Concluded != nil && e.Launched != nil && e.Launched.After(*e.Concluded) {
		return &ValidationError{Msg: fmt.Sprintf("experiment %q launched after it concluded", e.id)}
	}

	return nil
}

type branchJSON struct {
	ID       string                 `json:"id"`
	Settings map[string]interface{} `json:"settings"`
	Percent  *float64               `json:"percent,omitempty"`
}

type experimentJSON struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	Branches    []branchJSON           `json:"branches"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
	Launched    *string                `json:"launched,omitempty"`
	Concluded   *string                `json:"concluded,omitempty"`
}

// MarshalFields implements odm.Model.
func (e *Experiment) MarshalFields() (json.RawMessage, error) {
	out := experimentJSON{ID: e.id, Branches: make([]branchJSON, len(e.Branches))}

	if e.Name != e.id {
		out.Name = e.Name
	}
	if !e.Constraints.IsUniversal() {
		out.Constraints = e.Constraints.ToJSON()
	}
	for i, b := range e.Branches {
		out.Branches[i] = branchJSON{ID: b.ID, Settings: b.Settings, Percent: b.Percent}
	}
	if e.Launched != nil {
		s := e.Launched.Format(time.RFC3339)
		out.Launched = &s
	}
	if e.Concluded != nil {
		s := e.Concluded.Format(time.RFC3339)
		out.Concluded = &s
	}

	return json.Marshal(out)
}

// UnmarshalFields implements odm.Model.
func (e *Experiment) UnmarshalFields(raw json.RawMessage) error {
	var decoded experimentJSON
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("experiments: decode %s: %w", e.id, err)
	}

	e.Name = decoded.Name
	if e.Name == "" {
		e.Name = e.id
	}

	if decoded.Constraints != nil {
		c, err := constraints.FromJSON(decoded.Constraints)
		if err != nil {
			return fmt.Errorf("experiments: decode constraints for %s: %w", e.id, err)
		}
		e.Constraints = c
	} else {
		e.Constraints = constraints.Universal()
	}

	e.Branches = make([]Branch, len(decoded.Branches))
	for i, b := range decoded.Branches {
		e.Branches[i] = Branch{ID: b.ID, Settings: b.Settings, Percent: b.Percent}
	}

	if decoded.Launched != nil {
		t, err := time.Parse(time.RFC3339, *decoded.Launched)
		if err != nil {
			return fmt.Errorf("experiments: decode launched for %s: %w", e.id, err)
		}
		e.Launched = &t
	}
	if decoded.Concluded != nil {
		t, err := time.Parse(time.RFC3339, *decoded.Concluded)
		if err != nil {
			return fmt.Errorf("experiments: decode concluded for %s: %w", e.id, err)
		}
		e.Concluded = &t
	}

	return nil
}
