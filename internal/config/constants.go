package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Session encryption key length (AES-256)
const EncryptionKeyBytesLen = 32

// Session State Store write retry: the initial try plus three delayed
// retries, with linear 500ms steps (500, 1000, 1500).
const (
	StoreWriteRetryAttempts = 4
	StoreWriteRetryStep     = 500 * time.Millisecond
)

// How long a synchronous connect request waits for the transport to produce
// a QR token or an open session before answering "connecting".
const ConnectWaitTimeout = 5 * time.Second

// Ceiling on a single transport connect or logout call.
const TransportCallTimeout = 10 * time.Second

// Default rate limiting for the caller-facing API
const DefaultRateLimitPerMin = 60
