package event

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"

	"github.com/hamba/avro/v2"
)

// Namespace and Protocol identify the schema on the wire.
const (
	Namespace = "com.qstrike"
	Protocol  = "QE"
)

//go:embed quantum_event.avsc
var schemaJSON string

var schema = avro.MustParse(schemaJSON)

// ErrTrailingBytes is returned when a frame holds more than one record.
var ErrTrailingBytes = errors.New("trailing bytes after record")

// DecodeError wraps any failure to turn a binary frame into a QuantumEvent.
// It is reported per frame and never tears down the connection.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Schema returns the parsed QuantumEvent schema.
func Schema() avro.Schema {
	return schema
}

// wireEvent mirrors the Avro record field for field.
type wireEvent struct {
	JobID          string  `avro:"jobId"`
	TS             int64   `avro:"ts"`
	Algo           string  `avro:"algo"`
	Provider       string  `avro:"provider"`
	Phase          string  `avro:"phase"`
	LogicalQubits  int     `avro:"logicalQubits"`
	PhysicalQubits int     `avro:"physicalQubits"`
	CircuitDepth   int     `avro:"circuitDepth"`
	GateError      float64 `avro:"gateError"`
	Fidelity       float64 `avro:"fidelity"`
	ProgressPct    float32 `avro:"progressPct"`
	EtaSec         int     `avro:"etaSec"`
	PSuccess       float32 `avro:"pSuccess"`
	ScaledEtaSec   *int    `avro:"scaledEtaSec"`
}

func toWire(e QuantumEvent) wireEvent {
	return wireEvent{
		JobID:          e.JobID,
		TS:             e.TS,
		Algo:           string(e.Algo),
		Provider:       string(e.Provider),
		Phase:          e.Phase,
		LogicalQubits:  e.LogicalQubits,
		PhysicalQubits: e.PhysicalQubits,
		CircuitDepth:   e.CircuitDepth,
		GateError:      e.GateError,
		Fidelity:       e.Fidelity,
		ProgressPct:    e.ProgressPct,
		EtaSec:         e.EtaSec,
		PSuccess:       e.PSuccess,
		ScaledEtaSec:   e.ScaledEtaSec,
	}
}

func (w wireEvent) event() QuantumEvent {
	return QuantumEvent{
		JobID:          w.JobID,
		TS:             w.TS,
		Algo:           Algo(w.Algo),
		Provider:       Provider(w.Provider),
		Phase:          w.Phase,
		LogicalQubits:  w.LogicalQubits,
		PhysicalQubits: w.PhysicalQubits,
		CircuitDepth:   w.CircuitDepth,
		GateError:      w.GateError,
		Fidelity:       w.Fidelity,
		ProgressPct:    w.ProgressPct,
		EtaSec:         w.EtaSec,
		PSuccess:       w.PSuccess,
		ScaledEtaSec:   w.ScaledEtaSec,
	}
}

// Encode validates e and serialises it as a single Avro binary record.
func Encode(e QuantumEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	data, err := avro.Marshal(schema, toWire(e))
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Decode parses one binary frame. Truncated frames, frames with extra bytes,
// enum indexes outside the symbol sets and out-of-range values all yield a
// *DecodeError.
func Decode(frame []byte) (QuantumEvent, error) {
	src := bytes.NewReader(frame)
	// A one-byte buffer leaves src positioned right after the record.
	r := avro.NewReader(src, 1)

	var w wireEvent
	r.ReadVal(schema, &w)
	if err := r.Error; err != nil {
		if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%v: %w", err, io.ErrUnexpectedEOF)
		}
		return QuantumEvent{}, &DecodeError{Size: len(frame), Err: err}
	}
	if src.Len() > 0 {
		return QuantumEvent{}, &DecodeError{Size: len(frame), Err: ErrTrailingBytes}
	}

	ev := w.event()
	if err := ev.Validate(); err != nil {
		return QuantumEvent{}, &DecodeError{Size: len(frame), Err: err}
	}
	return ev, nil
}
