package constants

import "time"

const (
	AppName = "pairdesk"
	Version = "0.4.0"
)

// Network defaults
const (
	DefaultHost        = "localhost"
	DefaultPort        = 8080
	DefaultServerURL   = "http://localhost:8080"
	WSBufferSize       = 131072 // 128KB WebSocket buffer
	MaxWSMessageSize   = 4 * 1024 * 1024
	WSHandshakeTimeout = 10 * time.Second
	WSPingInterval     = 5 * time.Second
	ShutdownTimeout    = 5 * time.Second
)

// Session settings
const (
	SessionTTL           = 30 * time.Minute
	SweepInterval        = 60 * time.Second
	CodeMin              = 100000
	CodeMax              = 999999
	MaxCodeAttempts      = 20
	RedisKeyPrefix       = "pairdesk:session:"
	RedisAccessLogPrefix = "pairdesk:access:"
)

// Access guard
const (
	TokenTTL          = 30 * time.Minute
	AnomalyWindow     = 60 * time.Second
	MaxAttemptsWindow = 10
	MaxDistinctIPs    = 3
	AccessLogLimit    = 50
	TokenKeyInfo      = "pairdesk/token/v1"
)

// Audit log
const (
	MaxAuditLogsPerMinute = 600
	MinDiskSpaceRequired  = 100 * 1024 * 1024 // 100MB
)

// Reconnection
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 3 * time.Second
	ReconnectGrace    = 30 * time.Second
)

// Relay
const (
	MaxConnectionsPerIP      = 10
	MaxLookupFailures        = 30
	BlockDuration            = 5 * time.Minute
	YamuxMaxStreamWindowSize = 4 * 1024 * 1024
	YamuxAcceptBacklog       = 64
	YamuxEnableKeepAlive     = true
	YamuxKeepAliveInterval   = 15 * time.Second
	RelayWriteTimeout        = 10 * time.Second
)

// Transfer limits
const (
	MaxFileSize      = 100 * 1024 * 1024 // 100MB
	MaxChunkSize     = 1024 * 1024
	// JSONEnvelopeSize is the body allowance on top of a base64 chunk.
	JSONEnvelopeSize = 64 * 1024
	MaxFileNameBytes = 255
)

// Quality sampling
const (
	QualitySampleInterval = 5 * time.Second
)

// API endpoints
const (
	EndpointGenerateCode = "/api/generate-code"
	EndpointVerify       = "/api/verify"
	EndpointSecurity     = "/api/security"
	EndpointFileTransfer = "/api/file-transfer"
	EndpointSessions     = "/api/sessions/"
	EndpointQR           = "/api/qr"
	EndpointQuality      = "/api/quality"
	EndpointWebSocket    = "/ws/"
	EndpointMetrics      = "/metrics"
	EndpointHealth       = "/healthz"
)

// Time formats
const (
	TimeFormatShort = "15:04:05"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
	ColorPurple = "\033[35m"
)

// Messages
const (
	MsgInvalidJSON       = "Invalid JSON"
	MsgMethodNotAllowed  = "Method not allowed"
	MsgCodeRequired      = "Code is required"
	MsgCodeGenerated     = "Pairing code generated"
	MsgCodeValidFormat   = "Code format is valid"
	MsgCodeInvalidFormat = "Code must be 6 digits"
	MsgCodeNoLongerValid = "This code is no longer valid"
	MsgSessionNotFound   = "Session not found or expired"
	MsgTokenValid        = "Token is valid"
	MsgAccessLogged      = "Access logged"
	MsgUnknownAction     = "Unknown action"
	MsgInternalError     = "Internal Server Error"
	MsgTooManyAttempts   = "Too many failed attempts. Try again later."
	MsgHostOnly          = "Only the host can do this"
	MsgClientOnly        = "Only the joined client can do this"
	MsgInvalidRole       = "Role must be host or client"
	MsgSessionEnded      = "Session ended"
	MsgUsage             = "Usage: pairdesk-agent host | join <code>"
)
