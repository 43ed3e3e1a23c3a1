package domain

import (
	"errors"
	"fmt"

	pricingdomain "github.com/smallbiznis/orderflow/internal/pricing/domain"
)

var (
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrPaymentNotFound     = errors.New("payment_not_found")
	ErrIllegalTransition   = errors.New("illegal_state_transition")
	ErrGatewayCompensation = errors.New("gateway_compensation_failed")
	ErrAlreadyRefunded     = errors.New("already_refunded")
	ErrCheckoutRejected    = errors.New("checkout_rejected")
	ErrInvalidRequest      = errors.New("invalid_order_request")
)

// IllegalTransitionError is a guard violation. It is never retried.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal_state_transition: %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// GatewayCompensationError carries the upstream refund failure that blocked a
// transition.
type GatewayCompensationError struct {
	PaymentExternalID string
	Err               error
}

func (e *GatewayCompensationError) Error() string {
	return fmt.Sprintf("gateway_compensation_failed: payment %s: %v", e.PaymentExternalID, e.Err)
}

func (e *GatewayCompensationError) Is(target error) bool {
	return target == ErrGatewayCompensation
}

func (e *GatewayCompensationError) Unwrap() error { return e.Err }

// CheckoutRejectedError reports a cart that no longer passes checkout
// validation when its payment arrives.
type CheckoutRejectedError struct {
	Reason string
	Errors []pricingdomain.ValidationError
}

func (e *CheckoutRejectedError) Error() string {
	if len(e.Errors) == 0 {
		return "checkout_rejected: " + e.Reason
	}
	return fmt.Sprintf("checkout_rejected: %s (%s)", e.Reason, e.Errors[0].Code)
}

func (e *CheckoutRejectedError) Is(target error) bool {
	return target == ErrCheckoutRejected
}
