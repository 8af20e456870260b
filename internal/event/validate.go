package event

import (
	"fmt"
	"math"
)

// FieldError reports a field that violates the schema's enum or range
// constraints.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// Validate checks every enum and range constraint of the record.
func (e QuantumEvent) Validate() error {
	if e.JobID == "" {
		return &FieldError{Field: "jobId", Reason: "empty"}
	}
	if !e.Algo.Valid() {
		return &FieldError{Field: "algo", Reason: fmt.Sprintf("unknown symbol %q", e.Algo)}
	}
	if !e.Provider.Valid() {
		return &FieldError{Field: "provider", Reason: fmt.Sprintf("unknown symbol %q", e.Provider)}
	}

	for _, f := range []struct {
		name string
		v    int
	}{
		{"logicalQubits", e.LogicalQubits},
		{"physicalQubits", e.PhysicalQubits},
		{"circuitDepth", e.CircuitDepth},
		{"etaSec", e.EtaSec},
	} {
		if f.v < 0 {
			return &FieldError{Field: f.name, Reason: fmt.Sprintf("negative value %d", f.v)}
		}
	}
	if e.ScaledEtaSec != nil && *e.ScaledEtaSec < 0 {
		return &FieldError{Field: "scaledEtaSec", Reason: fmt.Sprintf("negative value %d", *e.ScaledEtaSec)}
	}

	for _, f := range []struct {
		name     string
		v, limit float64
	}{
		{"gateError", e.GateError, 1},
		{"fidelity", e.Fidelity, 1},
		{"progressPct", float64(e.ProgressPct), 100},
		{"pSuccess", float64(e.PSuccess), 1},
	} {
		if err := checkRange(f.name, f.v, f.limit); err != nil {
			return err
		}
	}
	return nil
}

func checkRange(name string, v, limit float64) error {
	// NaN fails both comparisons, so test for it explicitly.
	if math.IsNaN(v) || v < 0 || v > limit {
		return &FieldError{Field: name, Reason: fmt.Sprintf("%v outside [0, %v]", v, limit)}
	}
	return nil
}
