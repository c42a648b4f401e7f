package agent

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pairdesk/internal/utils"
)

const maxEvents = 12

// Stats is shared between a running agent and its TUI.
type Stats struct {
	BytesIn    int64 // atomic
	BytesOut   int64 // atomic
	Frames     int64 // atomic
	Reconnects int64 // atomic

	mu      sync.Mutex
	since   time.Time
	status  string
	quality string
	latency time.Duration
	events  []string
}

func (s *Stats) SetStatus(status string) {
	s.mu.Lock()
	if s.since.IsZero() {
		s.since = time.Now()
	}
	s.status = status
	s.mu.Unlock()
	s.Event("●", status)
}

func (s *Stats) setQuality(quality string) {
	s.mu.Lock()
	s.quality = quality
	s.mu.Unlock()
}

func (s *Stats) setLatency(rtt time.Duration) {
	s.mu.Lock()
	s.latency = rtt
	s.mu.Unlock()
}

// Event appends a timestamped line to the TUI's event log.
func (s *Stats) Event(emoji, msg string) {
	line := strings.TrimSuffix(utils.FormatLog(emoji, msg), "\n")
	s.mu.Lock()
	s.events = append(s.events, line)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	s.mu.Unlock()
}

type Snapshot struct {
	BytesIn    int64
	BytesOut   int64
	Frames     int64
	Reconnects int64
	Since      time.Time
	Status     string
	Quality    string
	Latency    time.Duration
	Events     []string
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		BytesIn:    atomic.LoadInt64(&s.BytesIn),
		BytesOut:   atomic.LoadInt64(&s.BytesOut),
		Frames:     atomic.LoadInt64(&s.Frames),
		Reconnects: atomic.LoadInt64(&s.Reconnects),
		Since:      s.since,
		Status:     s.status,
		Quality:    s.quality,
		Latency:    s.latency,
		Events:     append([]string(nil), s.events...),
	}
}
