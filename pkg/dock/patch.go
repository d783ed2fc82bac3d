package dock

import (
	"errors"
	"time"
)

// Patch carries the fields a caller wants to change. Nil fields are left
// untouched. ETA fields use ClearEtaIn/ClearEtaOut to unset a stored value.
type Patch struct {
	DockID      *int64     `json:"dock_id,omitempty"`
	LoadID      *int64     `json:"load_id,omitempty"`
	StatusID    *int64     `json:"status_id,omitempty"`
	Direction   *Direction `json:"direction,omitempty"`
	EtaIn       *time.Time `json:"eta_in,omitempty"`
	EtaOut      *time.Time `json:"eta_out,omitempty"`
	ClearEtaIn  bool       `json:"clear_eta_in,omitempty"`
	ClearEtaOut bool       `json:"clear_eta_out,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.DockID == nil && p.LoadID == nil && p.StatusID == nil &&
		p.Direction == nil && p.EtaIn == nil && p.EtaOut == nil &&
		!p.ClearEtaIn && !p.ClearEtaOut
}

// Apply copies the set fields onto a.
func (p Patch) Apply(a *Assignment) {
	if p.DockID != nil {
		a.DockID = *p.DockID
	}
	if p.LoadID != nil {
		a.LoadID = *p.LoadID
	}
	if p.StatusID != nil {
		a.StatusID = *p.StatusID
	}
	if p.Direction != nil {
		a.Direction = *p.Direction
	}
	if p.ClearEtaIn {
		a.EtaIn = nil
	}
	if p.EtaIn != nil {
		a.EtaIn = cloneTime(p.EtaIn)
	}
	if p.ClearEtaOut {
		a.EtaOut = nil
	}
	if p.EtaOut != nil {
		a.EtaOut = cloneTime(p.EtaOut)
	}
}

// --------- validation ----------------

var ErrInvalid = errors.New("invalid assignment")

type ValidationIssue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type ValidationError struct{ Issues []ValidationIssue }

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrInvalid.Error()
	}
	return ErrInvalid.Error() + ": " + e.Issues[0].Field + " " + e.Issues[0].Reason
}
func (e *ValidationError) add(f, r string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: f, Reason: r})
}
func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func (e *ValidationError) orNil() error {
	if len(e.Issues) > 0 {
		return e
	}
	return nil
}

// Validate checks an update patch.
func (p Patch) Validate() error {
	ve := &ValidationError{}
	if p.IsEmpty() {
		ve.add("patch", "no fields to change")
	}
	p.checkFields(ve)
	return ve.orNil()
}

// ValidateCreate checks a patch used as the full field set of a new record.
func (p Patch) ValidateCreate() error {
	ve := &ValidationError{}
	if p.DockID == nil {
		ve.add("dock_id", "required")
	}
	if p.LoadID == nil {
		ve.add("load_id", "required")
	}
	if p.StatusID == nil {
		ve.add("status_id", "required")
	}
	if p.Direction == nil {
		ve.add("direction", "required")
	}
	p.checkFields(ve)
	return ve.orNil()
}

func (p Patch) checkFields(ve *ValidationError) {
	if p.DockID != nil && *p.DockID <= 0 {
		ve.add("dock_id", "must be positive")
	}
	if p.LoadID != nil && *p.LoadID <= 0 {
		ve.add("load_id", "must be positive")
	}
	if p.StatusID != nil && *p.StatusID <= 0 {
		ve.add("status_id", "must be positive")
	}
	if p.Direction != nil && *p.Direction != Inbound && *p.Direction != Outbound {
		ve.add("direction", "unknown")
	}
	if p.ClearEtaIn && p.EtaIn != nil {
		ve.add("eta_in", "cannot set and clear together")
	}
	if p.ClearEtaOut && p.EtaOut != nil {
		ve.add("eta_out", "cannot set and clear together")
	}
}
