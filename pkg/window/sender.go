// Package window holds the two reassembly rings of the transfer
// protocol: the sender's sliding window of in-flight DATA packets and
// the receiver's out-of-order buffer. Both are fixed-size arrays
// indexed by sequence modulo size.
package window

import (
	"fmt"
	"strings"
)

// Slot is one cached packet in either ring.
type Slot struct {
	Seq     uint32
	Flag    uint8
	Payload []byte
	Valid   bool
}

// SenderWindow keeps up to windowSize un-acknowledged DATA packets.
// lower is the oldest un-ACKed sequence, current the next sequence to
// emit, upper = lower + windowSize. New packets may be emitted while
// current - lower < windowSize.
type SenderWindow struct {
	slots   []Slot
	size    uint32
	lower   uint32
	current uint32
	upper   uint32
}

func NewSenderWindow(size uint8) *SenderWindow {
	return &SenderWindow{
		slots: make([]Slot, int(size)),
		size:  uint32(size),
		upper: uint32(size),
	}
}

func (w *SenderWindow) Lower() uint32   { return w.lower }
func (w *SenderWindow) Current() uint32 { return w.current }
func (w *SenderWindow) Upper() uint32   { return w.upper }

// IsOpen reports whether a new DATA packet may be emitted.
func (w *SenderWindow) IsOpen() bool {
	return w.current-w.lower < w.size
}

// InFlight reports whether any emitted packet is still un-acknowledged.
func (w *SenderWindow) InFlight() bool {
	return w.lower < w.current
}

// Record stores a freshly transmitted packet at seq mod size and
// advances current. The payload is copied: the caller's buffer is
// reused for the next file read.
func (w *SenderWindow) Record(seq uint32, flag uint8, payload []byte) {
	s := &w.slots[seq%w.size]
	s.Seq = seq
	s.Flag = flag
	s.Payload = append(s.Payload[:0], payload...)
	s.Valid = true
	if seq == w.current {
		w.current++
	}
}

// OnRR applies a cumulative acknowledgement: lower advances to
// nextExpected and every slot below it is released. A stale RR
// (nextExpected <= lower) is a no-op, which makes RRs idempotent. An
// RR beyond current acknowledges packets never sent and is clamped.
func (w *SenderWindow) OnRR(nextExpected uint32) {
	if nextExpected > w.current {
		nextExpected = w.current
	}
	if nextExpected <= w.lower {
		return
	}
	for seq := w.lower; seq < nextExpected; seq++ {
		w.slots[seq%w.size].Valid = false
	}
	w.lower = nextExpected
	w.upper = w.lower + w.size
}

// Get returns the cached packet for a selective retransmit, or nil if
// the slot no longer holds seq (the SREJ crossed with an RR that
// already advanced past it).
func (w *SenderWindow) Get(seq uint32) *Slot {
	s := &w.slots[seq%w.size]
	if !s.Valid || s.Seq != seq {
		return nil
	}
	return s
}

// Oldest returns the slot at lower, used for timeout retransmission.
func (w *SenderWindow) Oldest() *Slot {
	return w.Get(w.lower)
}

// Dump renders the ring for tracing.
func (w *SenderWindow) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lower=%d current=%d upper=%d", w.lower, w.current, w.upper)
	for i := range w.slots {
		s := &w.slots[i]
		fmt.Fprintf(&b, " [%d]seq=%d valid=%v", i, s.Seq, s.Valid)
	}
	return b.String()
}
