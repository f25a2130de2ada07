// Package tokens counts chat text in cl100k_base BPE tokens and tracks
// per-response throughput.
//
// The encoding's vocabulary is compiled into the tokenizer module, so
// counting never touches the network.
package tokens

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiktoken-go/tokenizer"
)

// Encoding is the BPE encoding every count uses.
const Encoding = tokenizer.Cl100kBase

var codec = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(Encoding)
})

// Count returns the number of cl100k_base tokens in s.
func Count(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	enc, err := codec()
	if err != nil {
		return 0, fmt.Errorf("load %s encoding: %w", Encoding, err)
	}
	ids, _, err := enc.Encode(s)
	if err != nil {
		return 0, fmt.Errorf("encode text: %w", err)
	}
	return len(ids), nil
}

// Stats is a point-in-time view of a Meter.
type Stats struct {
	Tokens int     `json:"tokens"`
	TPS    float64 `json:"tps"`
}

// Meter accumulates tokens for one streamed response. Each chunk is encoded
// on its own, so the total is the sum of per-chunk counts.
type Meter struct {
	mu     sync.Mutex
	now    func() time.Time
	start  time.Time
	tokens int
}

// NewMeter returns a meter using the wall clock.
func NewMeter() *Meter {
	return &Meter{now: time.Now}
}

// Start resets the meter for a new response.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = 0
	m.start = m.now()
}

// Add counts a chunk into the current response and returns the new snapshot.
func (m *Meter) Add(chunk string) (Stats, error) {
	n, err := Count(chunk)
	if err != nil {
		return Stats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens += n
	return m.snapshotLocked(), nil
}

// Snapshot returns the current totals.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Meter) snapshotLocked() Stats {
	s := Stats{Tokens: m.tokens}
	if m.start.IsZero() {
		return s
	}
	if elapsed := m.now().Sub(m.start).Seconds(); elapsed > 0 {
		s.TPS = float64(m.tokens) / elapsed
	}
	return s
}
