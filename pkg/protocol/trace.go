package protocol

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

const defaultTraceSize = 500

// TraceEntry is one recorded wire exchange direction.
type TraceEntry struct {
	Time  time.Time `json:"time"`
	Dir   string    `json:"dir"` // "TX" or "RX"
	Hex   string    `json:"hex"`
	Cmd   string    `json:"cmd,omitempty"`
	Value int       `json:"value,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// Trace is a bounded, process-wide ring of wire-level TX/RX records,
// constructed once at program start and handed to every transport. All
// methods are safe on a nil receiver so tests can omit it.
type Trace struct {
	mu      sync.Mutex
	entries []TraceEntry
	next    int
	full    bool
	off     bool
}

// NewTrace returns a ring holding the last 500 entries.
func NewTrace() *Trace {
	return &Trace{entries: make([]TraceEntry, defaultTraceSize)}
}

// SetEnabled turns recording on or off. Recording is on by default.
func (t *Trace) SetEnabled(enabled bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.off = !enabled
	t.mu.Unlock()
}

// Enabled reports whether recording is on.
func (t *Trace) Enabled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.off
}

func (t *Trace) add(e TraceEntry) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.off {
		return
	}
	e.Time = time.Now()
	t.entries[t.next] = e
	t.next++
	if t.next == len(t.entries) {
		t.next = 0
		t.full = true
	}
}

// TX records an outbound frame.
func (t *Trace) TX(frame []byte) {
	e := TraceEntry{Dir: "TX", Hex: hexDump(frame)}
	if p, err := Parse(frame); err == nil {
		e.Cmd, e.Value = string(p.Cmd), p.Value
	}
	t.add(e)
}

// RX records an inbound frame or stray byte.
func (t *Trace) RX(frame []byte) {
	e := TraceEntry{Dir: "RX", Hex: hexDump(frame)}
	if p, err := Parse(frame); err == nil {
		e.Cmd, e.Value = string(p.Cmd), p.Value
	}
	t.add(e)
}

// Error records a wire-level failure.
func (t *Trace) Error(note string) {
	t.add(TraceEntry{Dir: "RX", Note: note})
}

// Entries returns up to limit entries starting at offset, oldest first.
func (t *Trace) Entries(limit, offset int) []TraceEntry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []TraceEntry
	if t.full {
		all = append(all, t.entries[t.next:]...)
		all = append(all, t.entries[:t.next]...)
	} else {
		all = append(all, t.entries[:t.next]...)
	}

	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// Clear discards all recorded entries.
func (t *Trace) Clear() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.next = 0
	t.full = false
	t.mu.Unlock()
}

func hexDump(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
