package capture

import (
	"sync/atomic"

	"github.com/andresmejia3/facegate/internal/types"
)

// mailbox holds at most one frame. A publish while the slot is full replaces
// the stale frame instead of blocking the producer.
//
// There must be exactly one publisher; the consumer reads from ch directly.
type mailbox struct {
	ch        chan types.FrameSample
	published atomic.Uint64
	dropped   atomic.Uint64
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan types.FrameSample, 1)}
}

func (m *mailbox) publish(f types.FrameSample) {
	m.published.Add(1)
	select {
	case m.ch <- f:
		return
	default:
	}

	// Slot full: evict the unread frame.
	select {
	case <-m.ch:
		m.dropped.Add(1)
	default:
		// Consumer took it in between.
	}

	select {
	case m.ch <- f:
	default:
		// Unreachable with a single publisher, but never block the capture loop.
		m.dropped.Add(1)
	}
}

// Stats is a snapshot of the frame source counters.
type Stats struct {
	Published uint64 // frames read from the device
	Dropped   uint64 // frames overwritten before the consumer read them
}

func (m *mailbox) stats() Stats {
	return Stats{Published: m.published.Load(), Dropped: m.dropped.Load()}
}
