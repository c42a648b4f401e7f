package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairdesk/internal/config"
	"pairdesk/internal/session"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	m     *Manager
	repo  *session.MemoryStore
	clock *clock
	code  string
	dir   string
}

func setup(t *testing.T) *fixture {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := session.NewMemoryStore(session.WithClock(c.Now), session.WithSweepInterval(0))
	t.Cleanup(func() { repo.Close() })

	s, err := repo.Create(nil)
	require.NoError(t, err)

	dir := t.TempDir()
	conf := config.Transfer{SpoolDir: dir, MaxFileSize: 1024, MaxChunkSize: 16}
	m, err := NewManager(conf, 30*time.Minute, repo, WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return &fixture{m: m, repo: repo, clock: c, code: s.Code, dir: dir}
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestTransfer_HappyPath(t *testing.T) {
	f := setup(t)
	payload := []byte("hello pairdesk, this is a file!")

	tr, err := f.m.Start(f.code, "notes.txt", int64(len(payload)), sum(payload))
	require.NoError(t, err)
	assert.Equal(t, StateUploading, tr.State)
	assert.Equal(t, "notes.txt", tr.FileName)

	ack, err := f.m.Chunk(tr.ID, 0, payload[:16])
	require.NoError(t, err)
	assert.Equal(t, ChunkAck{TransferID: tr.ID, ChunkIndex: 0, Received: 16, NextChunk: 1}, ack)

	ack, err = f.m.Chunk(tr.ID, 1, payload[16:])
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), ack.Received)

	done, err := f.m.Complete(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, sum(payload), done.Checksum)
	assert.EqualValues(t, len(payload), done.Size)

	rc, info, err := f.m.Open(tr.ID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, StateCompleted, info.State)

	_, err = f.m.Complete(tr.ID)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	_, err = f.m.Chunk(tr.ID, 2, []byte("x"))
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestTransfer_Ordering(t *testing.T) {
	f := setup(t)
	tr, err := f.m.Start(f.code, "a.bin", 8, "")
	require.NoError(t, err)

	_, err = f.m.Chunk(tr.ID, 1, []byte("abcd"))
	require.ErrorIs(t, err, ErrOutOfOrder)
	var ooo *OutOfOrderError
	require.True(t, errors.As(err, &ooo))
	assert.Equal(t, 0, ooo.Expected)

	_, err = f.m.Chunk(tr.ID, 0, []byte("abcd"))
	require.NoError(t, err)

	dup, err := f.m.Chunk(tr.ID, 0, []byte("abcd"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.EqualValues(t, 4, dup.Received, "duplicates are not written twice")

	st, err := f.m.Status(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.NextChunk)

	_, err = f.m.Complete(tr.ID)
	assert.ErrorIs(t, err, ErrIncomplete)

	_, err = f.m.Chunk(tr.ID, 1, []byte("efgh"))
	require.NoError(t, err)
	_, err = f.m.Complete(tr.ID)
	assert.NoError(t, err)
}

func TestTransfer_SizeExceededAborts(t *testing.T) {
	f := setup(t)
	tr, err := f.m.Start(f.code, "a.bin", 4, "")
	require.NoError(t, err)

	_, err = f.m.Chunk(tr.ID, 0, []byte("too long"))
	assert.ErrorIs(t, err, ErrSizeExceeded)

	_, err = f.m.Status(tr.ID)
	assert.ErrorIs(t, err, ErrTransferNotFound)
	_, statErr := os.Stat(filepath.Join(f.dir, tr.ID+".part"))
	assert.True(t, os.IsNotExist(statErr), "spool file removed")
}

func TestTransfer_ChecksumMismatch(t *testing.T) {
	f := setup(t)
	tr, err := f.m.Start(f.code, "a.bin", 4, sum([]byte("good")))
	require.NoError(t, err)

	_, err = f.m.Chunk(tr.ID, 0, []byte("evil"))
	require.NoError(t, err)
	_, err = f.m.Complete(tr.ID)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, _, err = f.m.Open(tr.ID)
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestTransfer_StartValidation(t *testing.T) {
	f := setup(t)

	_, err := f.m.Start("000000", "a.bin", 4, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.m.Start(f.code, "../..", 4, "")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = f.m.Start(f.code, "big.iso", 4096, "")
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = f.m.Start(f.code, "a.bin", 4, "not-hex")
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	tr, err := f.m.Start(f.code, "../../etc/passwd", 4, "")
	require.NoError(t, err)
	assert.Equal(t, "passwd", tr.FileName)

	_, err = f.m.Chunk(tr.ID, 0, make([]byte, 17))
	assert.ErrorIs(t, err, ErrChunkTooLarge)

	_, err = f.m.Chunk("nope", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrTransferNotFound)

	_, _, err = f.m.Open(tr.ID)
	assert.ErrorIs(t, err, ErrNotCompleted)

	ended := session.StatusDisconnected
	_, ok := f.repo.Update(f.code, session.Patch{Status: &ended})
	require.True(t, ok)
	_, err = f.m.Start(f.code, "a.bin", 4, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTransfer_SweepAndDropSession(t *testing.T) {
	f := setup(t)

	a, err := f.m.Start(f.code, "a.bin", 4, "")
	require.NoError(t, err)
	other, err := f.repo.Create(nil)
	require.NoError(t, err)
	b, err := f.m.Start(other.Code, "b.bin", 4, "")
	require.NoError(t, err)

	assert.Equal(t, 0, f.m.Sweep())
	assert.Equal(t, 1, f.m.DropSession(other.Code))
	_, err = f.m.Status(b.ID)
	assert.ErrorIs(t, err, ErrTransferNotFound)

	f.clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, f.m.Sweep())
	_, err = f.m.Status(a.ID)
	assert.ErrorIs(t, err, ErrTransferNotFound)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
