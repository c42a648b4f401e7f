package security

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	ActionValidateToken = "validate-token"
	ActionLogAccess     = "log-access"
)

type AccessLogEntry struct {
	ID        string            `json:"id"`
	IP        string            `json:"ip"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AccessLogStore is the append-only per-code access history. Every store
// keeps at least the entries newer than the retention window plus the most
// recent Retention.Keep entries.
type AccessLogStore interface {
	Append(ctx context.Context, code string, entry AccessLogEntry) error
	// Since returns the entries with a timestamp after from, oldest first.
	Since(ctx context.Context, code string, from time.Time) ([]AccessLogEntry, error)
	// Recent returns at most n of the newest entries, oldest first, and the
	// number of entries retained for code.
	Recent(ctx context.Context, code string, n int) ([]AccessLogEntry, int, error)
	Delete(ctx context.Context, code string) error
	Close() error
}

type Retention struct {
	Window time.Duration
	Keep   int
	// Idle drops the whole history of a code with no entry for this long.
	Idle time.Duration
}

// MemoryLogStore is the single-process AccessLogStore.
type MemoryLogStore struct {
	retention Retention
	now       func() time.Time

	mu   sync.Mutex
	logs map[string][]AccessLogEntry

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMemoryLogStore creates the store; a positive sweep interval starts a
// goroutine dropping idle histories.
func NewMemoryLogStore(r Retention, sweep time.Duration, now func() time.Time) *MemoryLogStore {
	if now == nil {
		now = time.Now
	}
	st := &MemoryLogStore{
		retention: r,
		now:       now,
		logs:      make(map[string][]AccessLogEntry),
		done:      make(chan struct{}),
	}
	if sweep > 0 {
		st.wg.Add(1)
		go st.sweepLoop(sweep)
	}
	return st
}

func (st *MemoryLogStore) Append(_ context.Context, code string, entry AccessLogEntry) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	entries := append(st.logs[code], entry)
	if n := len(entries); n > 1 && entries[n-1].Timestamp.Before(entries[n-2].Timestamp) {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		})
	}
	st.logs[code] = st.trim(entries)
	return nil
}

// trim drops the oldest entries that are both outside the window and
// beyond the kept tail.
func (st *MemoryLogStore) trim(entries []AccessLogEntry) []AccessLogEntry {
	cutoff := st.now().Add(-st.retention.Window)
	drop := 0
	for drop < len(entries)-st.retention.Keep && !entries[drop].Timestamp.After(cutoff) {
		drop++
	}
	if drop == 0 {
		return entries
	}
	return append([]AccessLogEntry(nil), entries[drop:]...)
}

func (st *MemoryLogStore) Since(_ context.Context, code string, from time.Time) ([]AccessLogEntry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entries := st.logs[code]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp.After(from) })
	return append([]AccessLogEntry(nil), entries[i:]...), nil
}

func (st *MemoryLogStore) Recent(_ context.Context, code string, n int) ([]AccessLogEntry, int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entries := st.logs[code]
	total := len(entries)
	if n <= 0 {
		return nil, total, nil
	}
	if n < total {
		entries = entries[total-n:]
	}
	return append([]AccessLogEntry(nil), entries...), total, nil
}

func (st *MemoryLogStore) Delete(_ context.Context, code string) error {
	st.mu.Lock()
	delete(st.logs, code)
	st.mu.Unlock()
	return nil
}

// Sweep removes histories whose newest entry is older than the idle limit.
func (st *MemoryLogStore) Sweep() int {
	if st.retention.Idle <= 0 {
		return 0
	}
	cutoff := st.now().Add(-st.retention.Idle)

	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for code, entries := range st.logs {
		if len(entries) == 0 || entries[len(entries)-1].Timestamp.Before(cutoff) {
			delete(st.logs, code)
			removed++
		}
	}
	return removed
}

func (st *MemoryLogStore) Close() error {
	st.once.Do(func() { close(st.done) })
	st.wg.Wait()
	return nil
}

func (st *MemoryLogStore) sweepLoop(interval time.Duration) {
	defer st.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			st.Sweep()
		}
	}
}
