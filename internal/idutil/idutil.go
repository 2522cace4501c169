// Package idutil holds identifier and time utilities shared across the
// broker: queue-name scoping, server-issued ID generation, and the
// jittered backoff schedule used by retry points in the message and
// claim controllers.
package idutil

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/marconibroker/internal/brokererr"
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidQueueName reports whether name satisfies the broker's charset and
// length rule: 1-64 chars from [A-Za-z0-9_-], ASCII only.
func ValidQueueName(name string) bool {
	return queueNamePattern.MatchString(name)
}

// NewMessageID returns a fresh server-issued message identifier.
func NewMessageID() string { return uuid.New().String() }

// NewClaimID returns a fresh server-issued claim identifier.
func NewClaimID() string { return uuid.New().String() }

// ValidClientID reports whether s is a well-formed RFC-4122 UUID string.
func ValidClientID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ScopeKey builds the canonical cache/map key for a (project, queue) pair.
func ScopeKey(project, queue string) string {
	return project + "\x00" + queue
}

// Backoff computes the retry delay for attempt (0-indexed) out of maxAttempts
// total attempts, per:
//
//	delay = (attempt / maxAttempts) * baseInterval * jitterFactor
//
// where jitterFactor is drawn uniformly from [1, 1+jitter]. Inputs are
// validated; violations are programmer errors (internal invariant), never
// translated into a request-facing 4xx.
func Backoff(attempt, maxAttempts int, baseInterval time.Duration, jitter float64, rng *rand.Rand) (time.Duration, error) {
	if maxAttempts <= 0 {
		return 0, brokererr.InvariantViolationf("backoff: max_attempts must be > 0, got %d", maxAttempts)
	}
	if baseInterval <= 0 {
		return 0, brokererr.InvariantViolationf("backoff: base_interval must be > 0, got %s", baseInterval)
	}
	if jitter < 0 {
		return 0, brokererr.InvariantViolationf("backoff: jitter must be >= 0, got %f", jitter)
	}
	if attempt < 0 || attempt >= maxAttempts {
		return 0, brokererr.InvariantViolationf("backoff: attempt %d out of range [0, %d)", attempt, maxAttempts)
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitterFactor := 1 + rng.Float64()*jitter

	ratio := float64(attempt) / float64(maxAttempts)
	delay := time.Duration(ratio * float64(baseInterval) * jitterFactor)
	return delay, nil
}

// LocationIDs formats the comma-separated id list carried by the Location
// header after a successful post, e.g. "ids=I1,I2,I3".
func LocationIDs(ids []string) string {
	out := "ids="
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

// MessageHref renders the canonical resource URI for a message, in the form
// required by §6: /v1.1/queues/{queue}/messages/{id}, with no repeated
// "/messages/messages/" segment.
func MessageHref(prefix, queue, id string) string {
	return fmt.Sprintf("%s/queues/%s/messages/%s", prefix, queue, id)
}
