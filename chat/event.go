package chat

import "context"

// EventKind names one kind of inbound chat event.
type EventKind string

const (
	KindConnected          EventKind = "connected"
	KindJoined             EventKind = "joined"
	KindCheer              EventKind = "cheer"
	KindSubscription       EventKind = "subscription"
	KindResubscription     EventKind = "resubscription"
	KindGiftedSubscription EventKind = "gifted_subscription"
)

// Subscription tiers as reported by the platform. TierUnknown covers Prime
// and any plan the gateway does not recognize.
const (
	TierUnknown = 0
	Tier1       = 1
	Tier2       = 2
	Tier3       = 3
)

// Event is one inbound occurrence on a joined channel. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Channel string
	// User is the login of the chatter who cheered, subscribed or gifted.
	User string
	// Bits is the cheer amount for KindCheer.
	Bits int
	// Tier is the subscription tier for the subscription kinds.
	Tier int
	// Recipient is the gift target for KindGiftedSubscription, empty for
	// mystery gift bundles.
	Recipient string
	// Count is the number of gifts in a bundle.
	Count int
}

// HandlerFunc processes one event. Returned errors and panics are logged at
// the dispatch boundary and never reach the connection.
type HandlerFunc func(ctx context.Context, ev Event) error

// Registrar accepts handlers per event kind.
type Registrar interface {
	Handle(kind EventKind, h HandlerFunc)
}

// TierFromPlan maps a msg-param-sub-plan value to a tier.
func TierFromPlan(plan string) int {
	switch plan {
	case "1000":
		return Tier1
	case "2000":
		return Tier2
	case "3000":
		return Tier3
	default:
		return TierUnknown
	}
}
