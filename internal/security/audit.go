package security

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"pairdesk/internal/constants"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	IP        string    `json:"ip,omitempty"`
	Code      string    `json:"code,omitempty"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
}

// AuditLogger writes security decisions as JSON lines. Output is capped per
// minute and suspended while the disk is nearly full. All methods are safe
// on a nil receiver so the audit trail stays optional.
type AuditLogger struct {
	mu          sync.Mutex
	logDir      string
	closer      io.Closer
	enc         *json.Encoder
	logCount    map[string]int
	windowStart time.Time
	now         func() time.Time
	diskCheck   func() bool
}

// NewAuditLogger opens the daily audit file in dir, or in the per-OS
// default directory when dir is empty.
func NewAuditLogger(dir string) (*AuditLogger, error) {
	if dir == "" {
		var err error
		if dir, err = auditLogDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	al := newAuditWriter(file, dir)
	al.closer = file
	return al, nil
}

func newAuditWriter(w io.Writer, dir string) *AuditLogger {
	al := &AuditLogger{
		logDir:      dir,
		enc:         json.NewEncoder(w),
		logCount:    make(map[string]int),
		windowStart: time.Now(),
		now:         time.Now,
	}
	al.diskCheck = al.hasEnoughDiskSpace
	return al
}

func auditLogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", constants.AppName, "audit"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Logs", constants.AppName, "audit"), nil
	default:
		return filepath.Join(home, ".local", "share", constants.AppName, "audit"), nil
	}
}

func (al *AuditLogger) Log(event AuditEvent) {
	if al == nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	if now.Sub(al.windowStart) > time.Minute {
		al.windowStart = now
		al.logCount = make(map[string]int)
	}

	totalLogs := 0
	for _, count := range al.logCount {
		totalLogs += count
	}
	if totalLogs >= constants.MaxAuditLogsPerMinute {
		return
	}
	if totalLogs == 0 && !al.diskCheck() {
		return
	}

	al.logCount[event.EventType]++
	event.Timestamp = now
	_ = al.enc.Encode(event)
}

func (al *AuditLogger) LogSessionCreated(ip, code string) {
	al.Log(AuditEvent{
		EventType: "session_created",
		IP:        ip,
		Code:      code,
		Details:   "Pairing code generated",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogSessionJoined(ip, code string) {
	al.Log(AuditEvent{
		EventType: "session_joined",
		IP:        ip,
		Code:      code,
		Details:   "Client joined session",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogSessionEnded(ip, code, reason string) {
	al.Log(AuditEvent{
		EventType: "session_ended",
		IP:        ip,
		Code:      code,
		Details:   fmt.Sprintf("Session ended: %s", reason),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogTokenIssued(ip, code string) {
	al.Log(AuditEvent{
		EventType: "token_issued",
		IP:        ip,
		Code:      code,
		Details:   "Join token issued",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogTokenAccepted(ip, code string) {
	al.Log(AuditEvent{
		EventType: "auth_success",
		IP:        ip,
		Code:      code,
		Details:   "Token validated",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogTokenRejected(ip, code, reason string) {
	al.Log(AuditEvent{
		EventType: "auth_failure",
		IP:        ip,
		Code:      code,
		Details:   reason,
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogAnomaly(ip, code string, attempts int) {
	al.Log(AuditEvent{
		EventType: "anomaly",
		IP:        ip,
		Code:      code,
		Details:   fmt.Sprintf("Anomalous access pattern: %d attempts in window", attempts),
		Severity:  "critical",
	})
}

func (al *AuditLogger) LogBruteForce(ip string, attempts int) {
	al.Log(AuditEvent{
		EventType: "brute_force",
		IP:        ip,
		Details:   fmt.Sprintf("Multiple unknown code lookups: %d", attempts),
		Severity:  "critical",
	})
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "Connection limit exceeded",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogRelayConnect(ip, code, role string) {
	al.Log(AuditEvent{
		EventType: "relay_connect",
		IP:        ip,
		Code:      code,
		Details:   fmt.Sprintf("%s attached to relay", role),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogRelayDisconnect(ip, code, role, reason string) {
	al.Log(AuditEvent{
		EventType: "relay_disconnect",
		IP:        ip,
		Code:      code,
		Details:   fmt.Sprintf("%s left relay: %s", role, reason),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogInvalidRequest(ip, path, reason string) {
	al.Log(AuditEvent{
		EventType: "invalid_request",
		IP:        ip,
		Details:   fmt.Sprintf("Invalid request to %s: %s", path, reason),
		Severity:  "warning",
	})
}

func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.closer != nil {
		return al.closer.Close()
	}
	return nil
}
