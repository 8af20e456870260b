package stream

import (
	"fmt"
	"sync"
)

// AckWriter emits the plain-text ACK frame on the socket.
type AckWriter interface {
	WriteAck() error
}

// FlowController drives the client side of the ACK backpressure contract.
// It counts frames since the last ACK and writes an ACK inline when the
// count reaches the threshold, so ACK N always follows frame N.
type FlowController struct {
	mu        sync.Mutex
	w         AckWriter
	threshold int
	pending   int
	received  uint64
	acks      uint64
	paused    bool
}

// NewFlowController returns a controller that ACKs every threshold frames.
// A threshold below one is treated as one.
func NewFlowController(threshold int, w AckWriter) *FlowController {
	if threshold < 1 {
		threshold = 1
	}
	return &FlowController{w: w, threshold: threshold}
}

// OnFrameReceived counts one binary frame, valid or malformed. It reports
// whether an ACK was written.
func (f *FlowController) OnFrameReceived() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.received++
	f.pending++
	if f.paused || f.pending < f.threshold {
		return false, nil
	}
	return true, f.ackLocked()
}

// Pause withholds ACKs. The server keeps sending until its own pause
// threshold, then stops until Resume.
func (f *FlowController) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

// Resume re-enables ACKs and acknowledges anything outstanding at once.
func (f *FlowController) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paused = false
	if f.pending == 0 {
		return nil
	}
	return f.ackLocked()
}

func (f *FlowController) ackLocked() error {
	if err := f.w.WriteAck(); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	f.pending = 0
	f.acks++
	return nil
}

// Paused reports whether ACKs are being withheld.
func (f *FlowController) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Pending returns the frames received since the last ACK.
func (f *FlowController) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Received returns the total frames counted.
func (f *FlowController) Received() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

// Acks returns the number of ACK frames written.
func (f *FlowController) Acks() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks
}
