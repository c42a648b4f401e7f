// Package transfer moves files between the two sides of a session in
// ordered chunks spooled to disk.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairdesk/internal/config"
	"pairdesk/internal/logger"
	"pairdesk/internal/metrics"
	"pairdesk/internal/security"
	"pairdesk/internal/session"
)

var (
	ErrSessionNotFound  = errors.New("transfer: session not found or ended")
	ErrTransferNotFound = errors.New("transfer: unknown transfer")
	ErrOutOfOrder       = errors.New("transfer: chunk out of order")
	ErrSizeExceeded     = errors.New("transfer: data exceeds declared size")
	ErrIncomplete       = errors.New("transfer: size mismatch on complete")
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	ErrFileTooLarge     = errors.New("transfer: file too large")
	ErrChunkTooLarge    = errors.New("transfer: chunk too large")
	ErrInvalidName      = errors.New("transfer: invalid file name")
	ErrAlreadyCompleted = errors.New("transfer: already completed")
	ErrNotCompleted     = errors.New("transfer: not completed")
)

// OutOfOrderError carries the chunk index the receiver expects next.
type OutOfOrderError struct {
	Expected int
	Got      int
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("transfer: chunk %d out of order, expected %d", e.Got, e.Expected)
}

func (e *OutOfOrderError) Unwrap() error { return ErrOutOfOrder }

type State string

const (
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

type Transfer struct {
	ID        string    `json:"transferId"`
	Code      string    `json:"code"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	Checksum  string    `json:"checksum,omitempty"`
	Received  int64     `json:"received"`
	NextChunk int       `json:"nextChunk"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ChunkAck struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Received   int64  `json:"received"`
	NextChunk  int    `json:"nextChunk"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

type CompleteAck struct {
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
}

type upload struct {
	mu   sync.Mutex
	info Transfer
	file *os.File
	hash hash.Hash
	path string
}

// Manager owns every transfer of this process. Spool files live under one
// directory and are removed on abort, sweep or Close.
type Manager struct {
	sessions     session.Repository
	dir          string
	maxFileSize  int64
	maxChunkSize int
	ttl          time.Duration
	now          func() time.Time
	log          *logger.Logger

	mu        sync.Mutex
	transfers map[string]*upload

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l *logger.Logger) Option { return func(m *Manager) { m.log = l } }

// WithSweepInterval starts a goroutine removing expired transfers.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.wg.Add(1)
			go m.sweepLoop(d)
		}
	}
}

// NewManager creates the spool directory. An empty conf.SpoolDir uses a
// directory under the system temp dir.
func NewManager(conf config.Transfer, ttl time.Duration, sessions session.Repository, opts ...Option) (*Manager, error) {
	dir := conf.SpoolDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "pairdesk-spool")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}

	m := &Manager{
		sessions:     sessions,
		dir:          dir,
		maxFileSize:  conf.MaxFileSize,
		maxChunkSize: conf.MaxChunkSize,
		ttl:          ttl,
		now:          time.Now,
		log:          logger.Nop(),
		transfers:    make(map[string]*upload),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start opens a transfer for an existing, not yet ended session. checksum
// is an optional hex SHA-256 of the whole file.
func (m *Manager) Start(code, fileName string, fileSize int64, checksum string) (*Transfer, error) {
	s, ok := m.sessions.Get(code)
	if !ok || s.Status == session.StatusDisconnected {
		return nil, ErrSessionNotFound
	}

	name := security.SanitizeFileName(fileName)
	if name == "" {
		return nil, ErrInvalidName
	}
	if fileSize < 0 || fileSize > m.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, fileSize, m.maxFileSize)
	}
	checksum = strings.ToLower(strings.TrimSpace(checksum))
	if checksum != "" {
		if b, err := hex.DecodeString(checksum); err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("%w: malformed sha256", ErrChecksumMismatch)
		}
	}

	id := uuid.NewString()
	path := filepath.Join(m.dir, id+".part")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	now := m.now()
	expires := now.Add(m.ttl)
	if s.ExpiresAt.Before(expires) {
		expires = s.ExpiresAt
	}
	u := &upload{
		info: Transfer{
			ID:        id,
			Code:      code,
			FileName:  name,
			FileSize:  fileSize,
			Checksum:  checksum,
			State:     StateUploading,
			CreatedAt: now,
			ExpiresAt: expires,
		},
		file: file,
		hash: sha256.New(),
		path: path,
	}

	m.mu.Lock()
	m.transfers[id] = u
	m.mu.Unlock()

	m.log.Info().Str("code", code).Str("transfer", id).Str("file", name).Int64("size", fileSize).Msg("📦 Transfer started")
	info := u.info
	return &info, nil
}

func (m *Manager) lookup(id string) (*upload, error) {
	m.mu.Lock()
	u, ok := m.transfers[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrTransferNotFound
	}
	return u, nil
}

// Chunk appends chunk index to the transfer. Chunks must arrive in order:
// an already received index is acknowledged without being written again, a
// gap is rejected with the index expected next.
func (m *Manager) Chunk(id string, index int, data []byte) (ChunkAck, error) {
	if len(data) > m.maxChunkSize {
		return ChunkAck{}, fmt.Errorf("%w: %d bytes (max %d)", ErrChunkTooLarge, len(data), m.maxChunkSize)
	}
	u, err := m.lookup(id)
	if err != nil {
		return ChunkAck{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.info.State {
	case StateCompleted:
		return ChunkAck{}, ErrAlreadyCompleted
	case StateAborted:
		return ChunkAck{}, ErrTransferNotFound
	}

	ack := ChunkAck{TransferID: id, ChunkIndex: index}
	switch {
	case index < 0:
		return ChunkAck{}, &OutOfOrderError{Expected: u.info.NextChunk, Got: index}
	case index < u.info.NextChunk:
		ack.Duplicate = true
	case index > u.info.NextChunk:
		return ChunkAck{}, &OutOfOrderError{Expected: u.info.NextChunk, Got: index}
	default:
		if u.info.Received+int64(len(data)) > u.info.FileSize {
			m.abortLocked(u)
			return ChunkAck{}, fmt.Errorf("%w: %d > %d", ErrSizeExceeded, u.info.Received+int64(len(data)), u.info.FileSize)
		}
		if _, err := u.file.Write(data); err != nil {
			m.abortLocked(u)
			return ChunkAck{}, fmt.Errorf("failed to write chunk: %w", err)
		}
		u.hash.Write(data)
		u.info.Received += int64(len(data))
		u.info.NextChunk++
		metrics.TransferBytes.Add(float64(len(data)))
	}

	ack.Received = u.info.Received
	ack.NextChunk = u.info.NextChunk
	return ack, nil
}

// Complete finalizes the transfer once every declared byte has arrived and
// the optional checksum matches. A checksum mismatch aborts the transfer.
func (m *Manager) Complete(id string) (CompleteAck, error) {
	u, err := m.lookup(id)
	if err != nil {
		return CompleteAck{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.info.State {
	case StateCompleted:
		return CompleteAck{}, ErrAlreadyCompleted
	case StateAborted:
		return CompleteAck{}, ErrTransferNotFound
	}
	if u.info.Received != u.info.FileSize {
		return CompleteAck{}, fmt.Errorf("%w: received %d of %d bytes", ErrIncomplete, u.info.Received, u.info.FileSize)
	}

	sum := hex.EncodeToString(u.hash.Sum(nil))
	if u.info.Checksum != "" && u.info.Checksum != sum {
		m.abortLocked(u)
		metrics.TransfersCompleted.WithLabelValues("checksum_mismatch").Inc()
		return CompleteAck{}, ErrChecksumMismatch
	}
	if err := u.file.Close(); err != nil {
		m.abortLocked(u)
		return CompleteAck{}, fmt.Errorf("failed to flush spool file: %w", err)
	}
	u.file = nil
	u.info.Checksum = sum
	u.info.State = StateCompleted
	metrics.TransfersCompleted.WithLabelValues("ok").Inc()

	m.log.Info().Str("code", u.info.Code).Str("transfer", id).Int64("size", u.info.Received).Msg("✅ Transfer completed")
	return CompleteAck{TransferID: id, FileName: u.info.FileName, Size: u.info.Received, Checksum: sum}, nil
}

func (m *Manager) Status(id string) (*Transfer, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	info := u.info
	u.mu.Unlock()
	return &info, nil
}

// Open returns the content of a completed transfer.
func (m *Manager) Open(id string) (io.ReadCloser, *Transfer, error) {
	u, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.info.State != StateCompleted {
		return nil, nil, ErrNotCompleted
	}
	f, err := os.Open(u.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	info := u.info
	return f, &info, nil
}

// Abort drops a transfer and its spool file.
func (m *Manager) Abort(id string) error {
	u, err := m.lookup(id)
	if err != nil {
		return err
	}
	u.mu.Lock()
	m.abortLocked(u)
	u.mu.Unlock()
	return nil
}

// DropSession aborts every transfer of code.
func (m *Manager) DropSession(code string) int {
	m.mu.Lock()
	var victims []*upload
	for _, u := range m.transfers {
		if u.info.Code == code {
			victims = append(victims, u)
		}
	}
	m.mu.Unlock()

	for _, u := range victims {
		u.mu.Lock()
		m.abortLocked(u)
		u.mu.Unlock()
	}
	return len(victims)
}

// abortLocked must be called with u.mu held.
func (m *Manager) abortLocked(u *upload) {
	if u.file != nil {
		_ = u.file.Close()
		u.file = nil
	}
	_ = os.Remove(u.path)
	u.info.State = StateAborted

	m.mu.Lock()
	delete(m.transfers, u.info.ID)
	m.mu.Unlock()
	m.log.Debug().Str("transfer", u.info.ID).Msg("🗑 Transfer removed")
}

// Sweep removes transfers past their expiry or whose session is gone.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	all := make([]*upload, 0, len(m.transfers))
	for _, u := range m.transfers {
		all = append(all, u)
	}
	m.mu.Unlock()

	removed := 0
	for _, u := range all {
		if now.Before(u.info.ExpiresAt) {
			if _, ok := m.sessions.Get(u.info.Code); ok {
				continue
			}
		}
		u.mu.Lock()
		m.abortLocked(u)
		u.mu.Unlock()
		removed++
	}
	return removed
}

func (m *Manager) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()
	all := make([]*upload, 0, len(m.transfers))
	for _, u := range m.transfers {
		all = append(all, u)
	}
	m.mu.Unlock()
	for _, u := range all {
		u.mu.Lock()
		m.abortLocked(u)
		u.mu.Unlock()
	}
	return nil
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
