package security

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairdesk/internal/constants"
)

func TestAuditLogger_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	al := newAuditWriter(&buf, "")

	al.LogTokenIssued("1.2.3.4", "482913")
	al.LogAnomaly("1.2.3.4", "482913", 11)

	sc := bufio.NewScanner(&buf)
	var events []AuditEvent
	for sc.Scan() {
		var e AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "token_issued", events[0].EventType)
	assert.Equal(t, "482913", events[0].Code)
	assert.Equal(t, "critical", events[1].Severity)
	assert.False(t, events[1].Timestamp.IsZero())
}

func TestAuditLogger_PerMinuteCap(t *testing.T) {
	var buf bytes.Buffer
	al := newAuditWriter(&buf, "")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	al.now = func() time.Time { return now }
	al.windowStart = now

	for i := 0; i < constants.MaxAuditLogsPerMinute+25; i++ {
		al.LogTokenAccepted("1.2.3.4", "482913")
	}
	assert.Equal(t, constants.MaxAuditLogsPerMinute, bytes.Count(buf.Bytes(), []byte("\n")))

	now = now.Add(61 * time.Second)
	al.LogTokenAccepted("1.2.3.4", "482913")
	assert.Equal(t, constants.MaxAuditLogsPerMinute+1, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestAuditLogger_LowDiskSkips(t *testing.T) {
	var buf bytes.Buffer
	al := newAuditWriter(&buf, "")
	al.diskCheck = func() bool { return false }

	al.LogTokenIssued("1.2.3.4", "482913")
	assert.Zero(t, buf.Len())
}

func TestAuditLogger_NilIsSafe(t *testing.T) {
	var al *AuditLogger
	al.LogTokenIssued("1.2.3.4", "482913")
	assert.NoError(t, al.Close())
}

func TestNewAuditLogger_File(t *testing.T) {
	al, err := NewAuditLogger(t.TempDir())
	require.NoError(t, err)
	al.LogSessionCreated("1.2.3.4", "482913")
	assert.NoError(t, al.Close())
}
