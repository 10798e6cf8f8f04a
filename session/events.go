package session

import (
	evbus "github.com/asaskevich/EventBus"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/profile"
	"github.com/jrsteele09/go-fit-session/reconcile"
)

// Event topics published to the host application.
const (
	// Session lifecycle.
	EventAuthenticated   = "session:authenticated"
	EventUnauthenticated = "session:unauthenticated"
	EventExpired         = "session:expired"

	// Profile data.
	EventProfileUpdated = "profile:updated"

	// Reconciliation.
	EventReconcilePrompt   = "reconcile:prompt"
	EventReconcileResolved = "reconcile:resolved"
)

// Reasons carried by UnauthenticatedEvent.
const (
	ReasonSignInFailed       = "sign-in-failed"
	ReasonSignedOut          = "signed-out"
	ReasonSignedOutElsewhere = "signed-out-elsewhere"
)

// AuthenticatedEvent announces an established session.
type AuthenticatedEvent struct {
	Instance string          `json:"instance"`
	Kind     credential.Kind `json:"kind"`
}

// UnauthenticatedEvent announces a session ending without expiry.
type UnauthenticatedEvent struct {
	Instance string `json:"instance"`
	Reason   string `json:"reason"`
}

// ExpiredEvent announces an unrecoverable credential lapse.
type ExpiredEvent struct {
	Instance string `json:"instance"`
	Reason   string `json:"reason"`
}

// ProfileUpdatedEvent carries the current profile document. Snapshot is nil
// when the document was removed.
type ProfileUpdatedEvent struct {
	Instance string            `json:"instance"`
	Snapshot *profile.Snapshot `json:"snapshot"`
}

// ReconcilePromptEvent asks the host to put the measurement conflict to the
// user. Answer through Controller.ResolveConflict.
type ReconcilePromptEvent struct {
	Instance   string              `json:"instance"`
	ConflictID string              `json:"conflict_id"`
	SlotKey    string              `json:"slot_key"`
	Local      profile.Measurement `json:"local"`
	Remote     profile.Measurement `json:"remote"`
}

// ReconcileResolvedEvent announces the outcome of a conflict resolution.
type ReconcileResolvedEvent struct {
	Instance   string           `json:"instance"`
	ConflictID string           `json:"conflict_id"`
	Choice     reconcile.Choice `json:"choice"`
	Action     reconcile.Action `json:"action"`
}

// Events is the controller's notification surface. Handlers are plain
// functions taking the topic's payload struct and run synchronously on the
// publishing goroutine.
type Events struct {
	bus evbus.Bus
}

func newEvents() *Events {
	return &Events{bus: evbus.New()}
}

// Subscribe registers fn for topic. fn must be a func whose single argument
// is the topic's payload type.
func (e *Events) Subscribe(topic string, fn any) error {
	return e.bus.Subscribe(topic, fn)
}

// Unsubscribe removes a previously subscribed fn from topic.
func (e *Events) Unsubscribe(topic string, fn any) error {
	return e.bus.Unsubscribe(topic, fn)
}

func (e *Events) publish(topic string, payload any) {
	e.bus.Publish(topic, payload)
}
