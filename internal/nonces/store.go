// Package nonces records OpenID response nonces so that a signed assertion can
// be accepted at most once inside the clock-skew window.
package nonces

import (
	"context"
	"errors"
)

var (
	errMissingDatabase = errors.New("nonces: database connection required")
	errMissingClient   = errors.New("nonces: redis client required")
)

// Store consumes one-time (server, timestamp, salt) triples.
type Store interface {
	// Consume reports true exactly once per triple whose timestamp lies within
	// the skew window. Replays and out-of-window timestamps return false with a
	// nil error.
	Consume(ctx context.Context, serverURL string, timestamp int64, salt string) (bool, error)
	// Sweep removes records that can no longer be presented and returns how
	// many were deleted.
	Sweep(ctx context.Context) (int64, error)
}
