// Package relay routes signaling frames between users. It never interprets or
// rewrites a frame it forwards; delivery is at-most-once.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
	"callsignal-backend/pkg/push"
)

// Route says where a frame went
type Route string

const (
	RouteLocal   Route = "local"
	RouteRemote  Route = "remote"
	RouteDropped Route = "dropped"
)

// LocalDelivery hands a frame to a connection held by this instance
type LocalDelivery interface {
	Deliver(userID uuid.UUID, payload []byte) bool
}

// Presence resolves the instance holding a user's connection
type Presence interface {
	GetUserInstance(ctx context.Context, userID uuid.UUID) (string, error)
}

// Publisher sends a message on a pub/sub channel
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RingNotifier rings a user that has no live connection
type RingNotifier interface {
	NotifyIncomingCall(ctx context.Context, call *push.IncomingCall, calleeID uuid.UUID) error
}

// Recorder receives every terminal event the relay forwards
type Recorder interface {
	Record(ctx context.Context, ev *domain.Event) error
}

// Dependencies are the optional collaborators of a Relay. A nil field turns
// the matching feature off.
type Dependencies struct {
	Presence  Presence
	Publisher Publisher
	Notifier  RingNotifier
	Recorder  Recorder
	Metrics   *metrics.Metrics
}

// Envelope carries a frame to the instance that holds the destination
type Envelope struct {
	To      uuid.UUID       `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// Relay forwards frames locally, then across instances, then gives up
type Relay struct {
	instanceID string
	local      LocalDelivery
	deps       Dependencies
}

// NewRelay creates a relay for the instance named instanceID
func NewRelay(instanceID string, local LocalDelivery, deps Dependencies) *Relay {
	return &Relay{
		instanceID: instanceID,
		local:      local,
		deps:       deps,
	}
}

// InstanceChannel is the pub/sub channel an instance listens on
func InstanceChannel(instanceID string) string {
	return constants.InstanceChannelPrefix + instanceID
}

// Channel is this instance's pub/sub channel
func (r *Relay) Channel() string {
	return InstanceChannel(r.instanceID)
}

// Relay forwards payload from one user to another
func (r *Relay) Relay(ctx context.Context, from, to uuid.UUID, payload []byte) Route {
	var header *domain.Event
	if r.deps.Notifier != nil || r.deps.Recorder != nil {
		header = peek(payload)
	}

	route := r.route(ctx, to, payload)
	if route == RouteDropped {
		msgType := "unknown"
		if header != nil {
			msgType = string(header.Type)
		}
		r.deps.Metrics.RecordRelayDropped(msgType)
		logger.Debug("Relay dropped frame",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("type", msgType))
	}

	if header != nil {
		r.observe(ctx, header, to, route)
	}
	return route
}

func (r *Relay) route(ctx context.Context, to uuid.UUID, payload []byte) Route {
	if r.local.Deliver(to, payload) {
		return RouteLocal
	}

	if r.deps.Presence == nil || r.deps.Publisher == nil {
		return RouteDropped
	}

	instanceID, err := r.deps.Presence.GetUserInstance(ctx, to)
	if err != nil {
		logger.Warn("Presence lookup failed",
			zap.String("user_id", to.String()),
			zap.Error(err))
		return RouteDropped
	}
	if instanceID == "" || instanceID == r.instanceID {
		return RouteDropped
	}

	data, err := json.Marshal(Envelope{To: to, Payload: payload})
	if err != nil {
		return RouteDropped
	}
	if err := r.deps.Publisher.Publish(ctx, InstanceChannel(instanceID), data); err != nil {
		logger.Warn("Failed to publish frame to instance",
			zap.String("instance_id", instanceID),
			zap.Error(err))
		return RouteDropped
	}
	return RouteRemote
}

// HandleRemote delivers a frame another instance published for one of our users.
// It never re-publishes.
func (r *Relay) HandleRemote(ctx context.Context, data []byte) (Route, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RouteDropped, fmt.Errorf("invalid relay envelope: %w", err)
	}
	if r.local.Deliver(env.To, env.Payload) {
		return RouteLocal, nil
	}
	r.deps.Metrics.RecordRelayDropped("remote")
	return RouteDropped, nil
}

func (r *Relay) observe(ctx context.Context, ev *domain.Event, to uuid.UUID, route Route) {
	if ev.Type == domain.EventCallRinging && route == RouteDropped && r.deps.Notifier != nil {
		call := &push.IncomingCall{
			SessionID: ev.SessionID,
			CallerID:  ev.From,
			Kind:      string(ev.Kind),
			Media:     string(ev.Media),
			Timestamp: ev.Timestamp,
		}
		if err := r.deps.Notifier.NotifyIncomingCall(ctx, call, to); err != nil {
			r.deps.Metrics.RecordPushNotificationFailure("incoming_call", "send")
			logger.Warn("Failed to push incoming call",
				zap.String("session_id", ev.SessionID.String()),
				zap.Error(err))
		} else {
			r.deps.Metrics.RecordPushNotification("incoming_call")
		}
	}

	if ev.Type.IsTerminal() && r.deps.Recorder != nil {
		if err := r.deps.Recorder.Record(ctx, ev); err != nil {
			logger.Warn("Failed to record terminated call",
				zap.String("session_id", ev.SessionID.String()),
				zap.Error(err))
		}
	}
}

func peek(payload []byte) *domain.Event {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil
	}
	return &ev
}
