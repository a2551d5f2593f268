package orders

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_ValidTransitions(t *testing.T) {
	cases := []struct {
		from   Status
		ev     Event
		to     Status
		effect Effect
	}{
		{StatusDraft, EventIntentCreated, StatusAwaitingPayment, EffectNone},
		{StatusDraft, EventCancel, StatusCancelled, EffectReleaseStock},
		{StatusAwaitingPayment, EventPaymentSucceeded, StatusPaid, EffectCommitStock},
		{StatusAwaitingPayment, EventPaymentFailed, StatusPaymentFailed, EffectReleaseStock},
		{StatusAwaitingPayment, EventCancel, StatusCancelled, EffectReleaseStock},
		{StatusPaymentFailed, EventCancel, StatusCancelled, EffectNone},
		{StatusPaymentFailed, EventPaymentSucceeded, StatusPaid, EffectCommitStock},
		{StatusPaid, EventFulfillmentStarted, StatusFulfilling, EffectNone},
		{StatusPaid, EventRefund, StatusRefunded, EffectRestock},
		{StatusPaid, EventCancel, StatusCancelled, EffectRestock},
		{StatusFulfilling, EventFulfillmentCompleted, StatusCompleted, EffectNone},
		{StatusFulfilling, EventCancel, StatusCancelled, EffectRestock},
	}
	for _, tc := range cases {
		to, effect, err := Next(tc.from, tc.ev)
		require.NoError(t, err, "%s + %s", tc.from, tc.ev)
		assert.Equal(t, tc.to, to, "%s + %s", tc.from, tc.ev)
		assert.Equal(t, tc.effect, effect, "%s + %s", tc.from, tc.ev)
	}
}

func TestNext_RejectsInvalid(t *testing.T) {
	cases := []struct {
		from    Status
		ev      Event
		applied bool
	}{
		{StatusCompleted, EventPaymentSucceeded, false},
		{StatusPaid, EventPaymentSucceeded, true},
		{StatusCancelled, EventCancel, true},
		{StatusRefunded, EventRefund, true},
		{StatusDraft, EventPaymentSucceeded, false},
		{StatusCancelled, EventPaymentSucceeded, false},
		{StatusFulfilling, EventRefund, false},
		{StatusAwaitingPayment, EventIntentCreated, true},
	}
	for _, tc := range cases {
		to, effect, err := Next(tc.from, tc.ev)
		var ite *InvalidTransitionError
		require.True(t, errors.As(err, &ite), "%s + %s should be rejected", tc.from, tc.ev)
		assert.Equal(t, tc.from, to)
		assert.Equal(t, EffectNone, effect)
		assert.Equal(t, tc.applied, ite.AlreadyApplied(), "%s + %s", tc.from, tc.ev)
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRefunded} {
		assert.True(t, s.Terminal())
		for ev := range targets {
			assert.False(t, CanTransition(s, ev), "%s + %s", s, ev)
		}
	}
	assert.False(t, StatusPaid.Terminal())
}

func TestEveryTransitionLandsOnItsEventTarget(t *testing.T) {
	for from, evs := range transitions {
		for ev, st := range evs {
			target, ok := TargetOf(ev)
			require.True(t, ok)
			assert.Equal(t, target, st.to, "%s + %s", from, ev)
		}
	}
}
