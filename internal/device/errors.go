package device

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Wrap with context and test with
// errors.Is.
var (
	// ErrDeviceNotFound: resolution found no device matching the identifier
	// within the discovery timeout.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAmbiguousDevice: a friendly-name match hit more than one device and
	// no hostname or URL disambiguated it.
	ErrAmbiguousDevice = errors.New("ambiguous device match")

	// ErrDeviceUnreachable: an action could not reach the device at all.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrDeviceRejected: the device answered an action with an error or fault.
	ErrDeviceRejected = errors.New("device rejected request")

	// ErrSubscriptionExpired: a UPnP event arrived for a lease the adapter no
	// longer holds (device restarted or the lease lapsed).
	ErrSubscriptionExpired = errors.New("event subscription expired")

	// ErrSubscriptionRenewalFailed: a lease renewal attempt failed; the
	// subscription manager re-subscribes from scratch before surfacing this.
	ErrSubscriptionRenewalFailed = errors.New("event subscription renewal failed")

	// ErrMalformedEvent: an inbound event payload could not be parsed. Logged
	// and discarded, never fatal.
	ErrMalformedEvent = errors.New("malformed event")
)

// NotFoundError wraps ErrDeviceNotFound with the role and identifier that
// failed to resolve.
type NotFoundError struct {
	Role       Role
	Identifier string
}

func (e *NotFoundError) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("no %s device found on the network", e.Role)
	}
	return fmt.Sprintf("no %s device matching %q found on the network", e.Role, e.Identifier)
}

func (e *NotFoundError) Unwrap() error { return ErrDeviceNotFound }

// AmbiguousError wraps ErrAmbiguousDevice with the candidate friendly names.
type AmbiguousError struct {
	Role       Role
	Identifier string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%d devices match %s identifier %q: %v",
		len(e.Candidates), e.Role, e.Identifier, e.Candidates)
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguousDevice }

// RejectedError wraps ErrDeviceRejected with the failed action and the
// device-reported fault.
type RejectedError struct {
	Role   Role
	Action string
	Code   string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s rejected %s: [%s] %s", e.Role, e.Action, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s rejected %s: %s", e.Role, e.Action, e.Detail)
}

func (e *RejectedError) Unwrap() error { return ErrDeviceRejected }
