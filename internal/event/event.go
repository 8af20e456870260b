// Package event defines the QuantumEvent wire record and its Avro codec.
package event

import "time"

// Algo is the attack algorithm a job runs.
type Algo string

const (
	AlgoShor   Algo = "SHOR"
	AlgoGrover Algo = "GROVER"
	AlgoECC    Algo = "ECC"
)

// Algos lists every algorithm in schema symbol order.
var Algos = []Algo{AlgoShor, AlgoGrover, AlgoECC}

func (a Algo) Valid() bool {
	for _, v := range Algos {
		if a == v {
			return true
		}
	}
	return false
}

// Provider is the quantum hardware vendor executing a job.
type Provider string

const (
	ProviderIBM        Provider = "IBM"
	ProviderGoogle     Provider = "GOOGLE"
	ProviderIonQ       Provider = "IONQ"
	ProviderQuantinuum Provider = "QUANTINUUM"
	ProviderRigetti    Provider = "RIGETTI"
)

// Providers lists every provider in schema symbol order.
var Providers = []Provider{ProviderIBM, ProviderGoogle, ProviderIonQ, ProviderQuantinuum, ProviderRigetti}

func (p Provider) Valid() bool {
	for _, v := range Providers {
		if p == v {
			return true
		}
	}
	return false
}

// QuantumEvent is one progress update for a job. Values are treated as
// immutable once decoded; subscribers share them read-only.
type QuantumEvent struct {
	JobID          string
	TS             int64 // milliseconds since epoch
	Algo           Algo
	Provider       Provider
	Phase          string
	LogicalQubits  int
	PhysicalQubits int
	CircuitDepth   int
	GateError      float64
	Fidelity       float64
	ProgressPct    float32
	EtaSec         int
	PSuccess       float32
	// ScaledEtaSec is nil until the server has computed it.
	ScaledEtaSec *int
}

// Time returns TS as a time.Time.
func (e QuantumEvent) Time() time.Time {
	return time.UnixMilli(e.TS)
}

// ETA returns the remaining time estimate.
func (e QuantumEvent) ETA() time.Duration {
	return time.Duration(e.EtaSec) * time.Second
}

// ScaledETA returns the scaled estimate and whether it has been computed.
func (e QuantumEvent) ScaledETA() (time.Duration, bool) {
	if e.ScaledEtaSec == nil {
		return 0, false
	}
	return time.Duration(*e.ScaledEtaSec) * time.Second, true
}

// Equal compares two events field by field, including the optional scaled ETA.
func (e QuantumEvent) Equal(o QuantumEvent) bool {
	if (e.ScaledEtaSec == nil) != (o.ScaledEtaSec == nil) {
		return false
	}
	if e.ScaledEtaSec != nil && *e.ScaledEtaSec != *o.ScaledEtaSec {
		return false
	}
	a, b := e, o
	a.ScaledEtaSec, b.ScaledEtaSec = nil, nil
	return a == b
}
