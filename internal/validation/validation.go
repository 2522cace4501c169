// Package validation implements the request-boundary checks in SPEC_FULL.md
// §4.1. Every check method on Limits (and Int64Range) returns the first
// violation it finds as a brokererr.ErrInvalidArgument-classified error
// (PostBodySize uses brokererr.ErrPayloadTooLarge), or nil.
package validation

import (
	"unicode"

	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/idutil"
)

// Limits bundles the configured ceilings validation checks against. Values
// come from Config, never hardcoded at the call site.
type Limits struct {
	MaxProjectIDLength  int
	MaxMessageSize      int // bytes
	MaxMessagesPerPage  int
	MaxBulkIDs          int
	MaxListLimit        int
	MinMessageTTL       int
	MaxMessageTTL       int
	MinClaimTTL         int
	MaxClaimTTL         int
	MinClaimGrace       int
	MaxClaimGrace       int
}

// DefaultLimits mirrors the numeric ranges named explicitly in SPEC_FULL.md.
func DefaultLimits() Limits {
	return Limits{
		MaxProjectIDLength: 256,
		MaxMessageSize:     256 * 1024,
		MaxMessagesPerPage: 20,
		MaxBulkIDs:         20,
		MaxListLimit:       20,
		MinMessageTTL:      60,
		MaxMessageTTL:      1209600,
		MinClaimTTL:        60,
		MaxClaimTTL:        43200,
		MinClaimGrace:      60,
		MaxClaimGrace:      43200,
	}
}

// QueueName checks the name rule: length 1..64, charset [A-Za-z0-9_-], ASCII only.
func (l Limits) QueueName(name string) error {
	if !idutil.ValidQueueName(name) {
		return brokererr.InvalidArgumentf("invalid queue name %q: must be 1-64 chars of [A-Za-z0-9_-]", name)
	}
	return nil
}

// ProjectID checks the X-Project-ID header: non-empty, printable, within length.
func (l Limits) ProjectID(project string) error {
	if project == "" {
		return brokererr.InvalidArgumentf("X-Project-ID header is required")
	}
	if len(project) > l.MaxProjectIDLength {
		return brokererr.InvalidArgumentf("X-Project-ID exceeds %d characters", l.MaxProjectIDLength)
	}
	for _, r := range project {
		if !unicode.IsPrint(r) {
			return brokererr.InvalidArgumentf("X-Project-ID contains non-printable characters")
		}
	}
	return nil
}

// ClientID checks the Client-ID header: an RFC-4122 UUID string.
func (l Limits) ClientID(clientID string) error {
	if !idutil.ValidClientID(clientID) {
		return brokererr.InvalidArgumentf("Client-ID must be a UUID, got %q", clientID)
	}
	return nil
}

// MessageTTL checks 60 <= ttl <= 1209600.
func (l Limits) MessageTTL(ttl int) error {
	if ttl < l.MinMessageTTL || ttl > l.MaxMessageTTL {
		return brokererr.InvalidArgumentf("message ttl %d out of range [%d, %d]", ttl, l.MinMessageTTL, l.MaxMessageTTL)
	}
	return nil
}

// ClaimTTL checks the configured claim ttl range.
func (l Limits) ClaimTTL(ttl int) error {
	if ttl < l.MinClaimTTL || ttl > l.MaxClaimTTL {
		return brokererr.InvalidArgumentf("claim ttl %d out of range [%d, %d]", ttl, l.MinClaimTTL, l.MaxClaimTTL)
	}
	return nil
}

// ClaimGrace checks the configured claim grace range.
func (l Limits) ClaimGrace(grace int) error {
	if grace < l.MinClaimGrace || grace > l.MaxClaimGrace {
		return brokererr.InvalidArgumentf("claim grace %d out of range [%d, %d]", grace, l.MinClaimGrace, l.MaxClaimGrace)
	}
	return nil
}

// PostBodySize checks the raw decoded byte length of a post body.
func (l Limits) PostBodySize(n int) error {
	if n > l.MaxMessageSize {
		return brokererr.PayloadTooLargef("post body of %d bytes exceeds max_message_size %d", n, l.MaxMessageSize)
	}
	return nil
}

// PostBatchLength checks the number of messages in one post batch.
func (l Limits) PostBatchLength(n int) error {
	if n > l.MaxMessagesPerPage {
		return brokererr.InvalidArgumentf("post batch of %d messages exceeds max_messages_per_page %d", n, l.MaxMessagesPerPage)
	}
	return nil
}

// BulkIDs checks a bulk GET/DELETE id count against MaxBulkIDs. GET and
// DELETE share this one ceiling, although SPEC_FULL.md lists them as
// separate rules.
func (l Limits) BulkIDs(n int) error {
	if n > l.MaxBulkIDs {
		return brokererr.InvalidArgumentf("bulk operation on %d ids exceeds limit %d", n, l.MaxBulkIDs)
	}
	return nil
}

// ListLimit checks 1 <= limit <= 20.
func (l Limits) ListLimit(limit int) error {
	if limit < 1 || limit > l.MaxListLimit {
		return brokererr.InvalidArgumentf("list limit %d out of range [1, %d]", limit, l.MaxListLimit)
	}
	return nil
}

// Int64Range checks that a decoded JSON number fits a signed 64-bit integer.
// The codec calls this while walking a decoded document (see internal/codec).
func Int64Range(v float64) error {
	const maxSafe = 1<<63 - 1
	const minSafe = -(1 << 63)
	if v > maxSafe || v < minSafe {
		return brokererr.InvalidArgumentf("numeric value %v does not fit a signed 64-bit integer", v)
	}
	return nil
}
