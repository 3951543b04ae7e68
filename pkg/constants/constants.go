// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize bounds a single signaling frame (SDP blobs included)
	WebSocketMaxMessageSize = 64 * 1024

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// AgentTokenExpiry is the lifetime of the token a call agent presents to the relay
	AgentTokenExpiry = 24 * time.Hour

	// TokenAudience is the audience every accepted token must carry
	TokenAudience = "callsignal-api"
)

// Database connection constants
const (
	MaxConnLifetime   = 1 * time.Hour
	MaxConnIdleTime   = 30 * time.Minute
	HealthCheckPeriod = 1 * time.Minute

	// RedisHealthCheckInterval is how often Redis is pinged to leave degraded mode
	RedisHealthCheckInterval = 10 * time.Second
)

// Call session constants
const (
	// ReconnectGracePeriod is how long a left participant may rejoin a direct call
	ReconnectGracePeriod = 180 * time.Second

	// GroupInviteTTL is how long a group invite stays Pending before it is dropped
	GroupInviteTTL = 30 * time.Second

	// GroupSweepInterval is the logical tick of the group invite sweep
	GroupSweepInterval = 1 * time.Second

	// MaxGroupMembers caps Active plus Pending members of a group call
	MaxGroupMembers = 10

	// EndedSessionRetention keeps an Ended session readable before it is dropped
	EndedSessionRetention = 1 * time.Minute

	// SessionQueueSize is the inbox depth of one session actor
	SessionQueueSize = 64
)

// Presence and relay constants
const (
	// PresenceTTL is how long a user stays routable without a heartbeat
	PresenceTTL = 5 * time.Minute

	// InstanceChannelPrefix prefixes the Redis channel each relay instance listens on
	InstanceChannelPrefix = "signal:instance:"

	// SendQueueSize is the outbound frame buffer per connection
	SendQueueSize = 256

	// ReconnectMinBackoff is the first delay before an agent redials the relay
	ReconnectMinBackoff = 500 * time.Millisecond

	// ReconnectMaxBackoff caps the delay between redials
	ReconnectMaxBackoff = 30 * time.Second

	// DialTimeout bounds the WebSocket handshake with the relay
	DialTimeout = 15 * time.Second
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days

	// RingPushTTL is how long a ring notification stays deliverable
	RingPushTTL = 45 * time.Second
)

// Pagination constants
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)
