package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
	DBTxMaxAttempts   = 3
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
const (
	CleanupJobInterval = 5 * time.Minute
	CleanupJobTimeout  = 30 * time.Second
)

// Terminal download sessions older than this are purged
const TerminalSessionRetention = 7 * 24 * time.Hour

// Download token lifetime bounds
const (
	MinDownloadTokenTTL = 5 * time.Minute
	MaxDownloadTokenTTL = 15 * time.Minute
)

// Delay before the single storage retry
const StorageRetryDelay = 200 * time.Millisecond

// Notifier send timeout
const NotifierTimeout = 10 * time.Second
