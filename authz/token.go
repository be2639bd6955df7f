package authz

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// UpdateToken is the causality token attached to every store mutation. The
// store persists EventID as the watermark atomically with the mutation and
// may use the token to order concurrent updates to the same path mapping;
// the processor never interprets it beyond construction.
type UpdateToken struct {
	EventID     int64  // Notification id the mutation applies
	Origin      uint64 // Follower instance that produced the mutation
	Fingerprint uint64 // Hash of the operation and its target object
}

// NewUpdateToken builds the token for one mutation of obj by op
func NewUpdateToken(eventID int64, origin uint64, op, obj string) UpdateToken {
	h := xxhash.New()
	h.WriteString(op)
	h.WriteString("\x00")
	h.WriteString(obj)
	h.WriteString("\x00")
	h.WriteString(strconv.FormatInt(eventID, 10))
	return UpdateToken{
		EventID:     eventID,
		Origin:      origin,
		Fingerprint: h.Sum64(),
	}
}
