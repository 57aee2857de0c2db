package models

import (
	dErrors "evalbus/pkg/domain-errors"
)

// Description declares what an evaluation produces. It is the first message on
// the evaluation destination.
type Description struct {
	Name       string            `json:"name" yaml:"name"`
	Formats    []Format          `json:"formats" yaml:"formats"`
	PoolCount  int               `json:"pool_count" yaml:"pool_count"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Validate enforces the construction invariants of an evaluation.
func (d *Description) Validate() error {
	if d == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "evaluation description is required")
	}
	if len(d.Formats) == 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "evaluation description must declare at least one format")
	}
	for _, f := range d.Formats {
		if _, err := ParseFormat(string(f)); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "evaluation description declares an invalid format")
		}
	}
	if d.PoolCount <= 0 {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "evaluation description must declare a positive pool count, got %d", d.PoolCount)
	}
	return nil
}
