package services

import "time"

const (
	KeyGameSession       = "game:session:%s"
	KeyUserActiveSession = "user:%s:active_session"
	KeySessionExpiry     = "game:sessions:expiry"
	KeyRateLimit         = "ratelimit:%s:%s"
	KeyUserLease         = "user:%s:lease"

	// TTLSessionGrace keeps a session in Redis past its expires_at so the
	// sweeper still sees it.
	TTLSessionGrace = 10 * time.Minute

	// leaseRetryInterval is how often a waiting Acquire retries SET NX.
	leaseRetryInterval = 25 * time.Millisecond

	DefaultRateLimitStarts   = 30  // per minute
	DefaultRateLimitMoves    = 120 // per minute
	DefaultRateLimitCashouts = 60  // per minute
)
