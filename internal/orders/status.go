package orders

import "fmt"

type Status string

const (
	StatusDraft           Status = "draft"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusFulfilling      Status = "fulfilling"
	StatusCompleted       Status = "completed"
	StatusPaymentFailed   Status = "payment_failed"
	StatusCancelled       Status = "cancelled"
	StatusRefunded        Status = "refunded"
)

// paidFor reports whether an order in s has taken the customer's money.
func (s Status) paidFor() bool {
	switch s {
	case StatusPaid, StatusFulfilling, StatusCompleted, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

type Event string

const (
	EventIntentCreated        Event = "intent_created"
	EventPaymentSucceeded     Event = "payment_succeeded"
	EventPaymentFailed        Event = "payment_failed"
	EventFulfillmentStarted   Event = "fulfillment_started"
	EventFulfillmentCompleted Event = "fulfillment_completed"
	EventCancel               Event = "cancel"
	EventRefund               Event = "refund"
)

// Effect is the inventory side effect a transition asks for.
type Effect string

const (
	EffectNone         Effect = "none"
	EffectCommitStock  Effect = "commit_stock"
	EffectReleaseStock Effect = "release_stock"
	EffectRestock      Effect = "restock"
)

type step struct {
	to     Status
	effect Effect
}

var transitions = map[Status]map[Event]step{
	StatusDraft: {
		EventIntentCreated: {StatusAwaitingPayment, EffectNone},
		EventCancel:        {StatusCancelled, EffectReleaseStock},
	},
	StatusAwaitingPayment: {
		EventPaymentSucceeded: {StatusPaid, EffectCommitStock},
		EventPaymentFailed:    {StatusPaymentFailed, EffectReleaseStock},
		EventCancel:           {StatusCancelled, EffectReleaseStock},
	},
	StatusPaymentFailed: {
		// The provider lets the customer retry the same intent. The released
		// hold is reclaimed on commit.
		EventPaymentSucceeded: {StatusPaid, EffectCommitStock},
		EventCancel:           {StatusCancelled, EffectNone},
	},
	StatusPaid: {
		EventFulfillmentStarted: {StatusFulfilling, EffectNone},
		EventRefund:             {StatusRefunded, EffectRestock},
		EventCancel:             {StatusCancelled, EffectRestock},
	},
	StatusFulfilling: {
		EventFulfillmentCompleted: {StatusCompleted, EffectNone},
		EventCancel:               {StatusCancelled, EffectRestock},
	},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// targets maps each event to the only status it can lead to.
var targets = map[Event]Status{
	EventIntentCreated:        StatusAwaitingPayment,
	EventPaymentSucceeded:     StatusPaid,
	EventPaymentFailed:        StatusPaymentFailed,
	EventFulfillmentStarted:   StatusFulfilling,
	EventFulfillmentCompleted: StatusCompleted,
	EventCancel:               StatusCancelled,
	EventRefund:               StatusRefunded,
}

// Next is the transition function: it returns the new status and the side
// effect for applying ev in from, or an *InvalidTransitionError.
func Next(from Status, ev Event) (Status, Effect, error) {
	s, ok := transitions[from][ev]
	if !ok {
		return from, EffectNone, &InvalidTransitionError{From: from, Event: ev}
	}
	return s.to, s.effect, nil
}

func CanTransition(from Status, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}

// TargetOf returns the status ev leads to.
func TargetOf(ev Event) (Status, bool) {
	s, ok := targets[ev]
	return s, ok
}

type InvalidTransitionError struct {
	From  Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s in status %s", e.Event, e.From)
}

// AlreadyApplied reports whether the order already sits in the status the
// event would have produced, i.e. the event is a repeat.
func (e *InvalidTransitionError) AlreadyApplied() bool {
	to, ok := targets[e.Event]
	return ok && to == e.From
}
