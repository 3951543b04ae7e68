package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallLog is the persisted record of a terminated session, written by the
// relay when it forwards the terminal event.
type CallLog struct {
	SessionID       uuid.UUID   `json:"session_id"`
	ReportedBy      uuid.UUID   `json:"reported_by"`
	PeerID          uuid.UUID   `json:"peer_id"`
	Kind            CallKind    `json:"kind"`
	Outcome         CallOutcome `json:"outcome"`
	Reason          EndReason   `json:"reason,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	EndedAt         time.Time   `json:"ended_at"`
	DurationSeconds int         `json:"duration_seconds"`
}
