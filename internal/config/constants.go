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

// Queue ordering: score = unix millis - priority*PriorityWeight, so higher
// priority sorts earlier while FIFO holds within equal priority.
const PriorityWeight = 1000

// Leader lease renewal cadence
const LeaderRenewInterval = 5 * time.Second

// Heartbeat broadcast cadence and peer staleness cutoff
const (
	HeartbeatInterval = 15 * time.Second
	PeerStaleAfter    = 45 * time.Second
)

// Cross-node ownership query timeout
const OwnershipQueryTimeout = 2 * time.Second

// Background sweep cadence (runs on every node, removal is idempotent)
const SweepInterval = 1 * time.Minute

// Outbound webhook request timeout
const WebhookTimeout = 5 * time.Second

// Notification rate limit window
const NotifyWindow = 1 * time.Minute
