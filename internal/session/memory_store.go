package session

import (
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. It is the single-instance
// and test implementation of Repository.
type MemoryStore struct {
	opts     options
	mu       sync.Mutex
	sessions map[string]*Session
	onExpire func(code string)
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	store := &MemoryStore{
		opts:     o,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	if o.sweepInterval > 0 {
		store.wg.Add(1)
		go store.cleanupLoop()
	}
	return store
}

func (st *MemoryStore) OnExpire(fn func(code string)) {
	st.mu.Lock()
	st.onExpire = fn
	st.mu.Unlock()
}

func (st *MemoryStore) Create(perms *Permissions) (*Session, error) {
	for i := 0; i < st.opts.maxAttempts; i++ {
		code, err := st.opts.codes()
		if err != nil {
			return nil, err
		}

		st.mu.Lock()
		now := st.opts.now()
		existing, taken := st.sessions[code]
		if taken && !existing.IsExpired(now) {
			st.mu.Unlock()
			st.opts.log.Debug().Str("code", code).Msg("🔁 Pairing code collision, regenerating")
			continue
		}
		s := newSession(code, perms, now, st.opts.ttl)
		st.sessions[code] = s
		onExpire := st.onExpire
		st.mu.Unlock()

		// The expired holder is released before its code is handed out again.
		if taken && onExpire != nil {
			onExpire(code)
		}

		st.opts.log.Info().Str("code", code).Time("expires", s.ExpiresAt).Msg("💾 Session created")
		return s.Clone(), nil
	}
	return nil, ErrCodeSpaceExhausted
}

func (st *MemoryStore) Get(code string) (*Session, bool) {
	st.mu.Lock()
	s, ok := st.lookupLocked(code)
	st.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (st *MemoryStore) Update(code string, patch Patch) (*Session, bool) {
	st.mu.Lock()
	s, ok := st.lookupLocked(code)
	if !ok {
		st.mu.Unlock()
		return nil, false
	}
	if err := patch.apply(s); err != nil {
		st.mu.Unlock()
		return nil, false
	}
	out := s.Clone()
	st.mu.Unlock()
	return out, true
}

func (st *MemoryStore) Delete(code string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[code]; !ok {
		return false
	}
	delete(st.sessions, code)
	return true
}

// Sweep removes every expired session and returns how many were removed.
func (st *MemoryStore) Sweep() int {
	st.mu.Lock()
	now := st.opts.now()
	var expired []string
	for code, s := range st.sessions {
		if s.IsExpired(now) {
			delete(st.sessions, code)
			expired = append(expired, code)
		}
	}
	onExpire := st.onExpire
	st.mu.Unlock()

	for _, code := range expired {
		if onExpire != nil {
			onExpire(code)
		}
		st.opts.log.Info().Str("code", code).Msg("🗑 Expired session cleaned up")
	}
	return len(expired)
}

func (st *MemoryStore) Close() error {
	st.once.Do(func() { close(st.done) })
	st.wg.Wait()
	return nil
}

// lookupLocked returns the live session for code, dropping it if expired.
// Must be called with st.mu held.
func (st *MemoryStore) lookupLocked(code string) (*Session, bool) {
	s, ok := st.sessions[code]
	if !ok {
		return nil, false
	}
	if s.IsExpired(st.opts.now()) {
		delete(st.sessions, code)
		if st.onExpire != nil {
			go st.onExpire(code)
		}
		return nil, false
	}
	return s, true
}

func (st *MemoryStore) cleanupLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.opts.sweepInterval)
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
