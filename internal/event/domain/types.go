package domain

// EventType is the closed vocabulary of domain events. Types are grouped into
// families; anything outside this list is rejected at the emit boundary.
type EventType string

const (
	// Customer family.
	CustomerCreated EventType = "customer.created"
	CustomerUpdated EventType = "customer.updated"

	// Transaction family.
	TransactionSucceeded EventType = "transaction.succeeded"
	TransactionRefunded  EventType = "transaction.refunded"
	TransactionFailed    EventType = "transaction.failed"

	// Loyalty family.
	LoyaltyPointsEarned   EventType = "loyalty.points_earned"
	LoyaltyPointsRedeemed EventType = "loyalty.points_redeemed"

	// Communication family.
	CommunicationMessageSent EventType = "communication.message_sent"

	// Membership family.
	MembershipActivated EventType = "membership.activated"
	MembershipCanceled  EventType = "membership.canceled"

	// AI family.
	AIInsightGenerated EventType = "ai.insight_generated"

	// System family.
	SystemTest EventType = "system.test"
)

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorSystem  ActorType = "system"
	ActorClinic  ActorType = "clinic"
	ActorPatient ActorType = "patient"
)

func KnownActor(a ActorType) bool {
	switch a {
	case ActorSystem, ActorClinic, ActorPatient:
		return true
	default:
		return false
	}
}
