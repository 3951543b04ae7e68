package call

import (
	"bytes"

	"github.com/google/uuid"

	"callsignal-backend/pkg/errors"
)

// ShouldInitiate reports whether self makes the offer to peer. The side with
// the bytewise greater id initiates, so both ends reach the same answer
// without talking to each other.
func ShouldInitiate(self, peer uuid.UUID) bool {
	return bytes.Compare(self[:], peer[:]) > 0
}

// SelectInitiator returns which of a and b initiates negotiation
func SelectInitiator(a, b uuid.UUID) (uuid.UUID, error) {
	if a == b {
		return uuid.Nil, errors.ValidationError("participants must be distinct")
	}
	if ShouldInitiate(a, b) {
		return a, nil
	}
	return b, nil
}
