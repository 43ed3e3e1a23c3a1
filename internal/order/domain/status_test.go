package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	legal := [][2]Status{
		{StatusPaid, StatusShipped},
		{StatusPaid, StatusCancelled},
		{StatusShipped, StatusInTransit},
		{StatusShipped, StatusCancelled},
		{StatusInTransit, StatusDelivered},
		{StatusDelivered, StatusRefundRequested},
		{StatusRefundRequested, StatusRefunded},
	}
	for _, pair := range legal {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	illegal := [][2]Status{
		{StatusDelivered, StatusCancelled},
		{StatusInTransit, StatusCancelled},
		{StatusPaid, StatusRefunded},
		{StatusPaid, StatusDelivered},
		{StatusCancelled, StatusPaid},
		{StatusRefunded, StatusRefundRequested},
		{StatusPaid, StatusPaid},
	}
	for _, pair := range illegal {
		assert.False(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestTerminalAndNotifyingStates(t *testing.T) {
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusRefunded.IsTerminal())
	assert.False(t, StatusDelivered.IsTerminal())

	assert.True(t, StatusShipped.NotifiesOn())
	assert.True(t, StatusRefunded.NotifiesOn())
	assert.True(t, StatusCancelled.NotifiesOn())
	assert.False(t, StatusInTransit.NotifiesOn())
	assert.False(t, StatusRefundRequested.NotifiesOn())
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("IN_TRANSIT")
	assert.True(t, ok)
	assert.Equal(t, StatusInTransit, s)

	_, ok = ParseStatus("in_transit")
	assert.False(t, ok)
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	var err error = &IllegalTransitionError{From: StatusShipped, To: StatusCancelled}
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	upstream := errors.New("stripe 503")
	err = &GatewayCompensationError{PaymentExternalID: "pi_1", Err: upstream}
	assert.True(t, errors.Is(err, ErrGatewayCompensation))
	assert.True(t, errors.Is(err, upstream))
}
