package vaultd

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies every failure the daemon can surface. Kinds survive
// wrapping; use KindOf to classify.
type ErrorKind string

const (
	// KindDeviceNotFound: the device is not enumerable.
	KindDeviceNotFound ErrorKind = "device_not_found"
	// KindDeviceBusy: the device is mid-interactive-flow.
	KindDeviceBusy ErrorKind = "device_busy"
	// KindDeviceClaimed: another process holds the device open.
	KindDeviceClaimed ErrorKind = "device_claimed"
	// KindCommunicationTimeout: a bounded wait elapsed.
	KindCommunicationTimeout ErrorKind = "communication_timeout"
	// KindCommunicationFailure: the transport failed mid-exchange.
	KindCommunicationFailure ErrorKind = "communication_failure"
	// KindDeviceRejected: explicit device-side Failure with message.
	KindDeviceRejected ErrorKind = "device_rejected"
	// KindProtocolViolation: unexpected message for the current state.
	// Always a programming or firmware-mismatch bug; never retried.
	KindProtocolViolation ErrorKind = "protocol_violation"
	// KindRequiresUpdateOrInit: blocked pending bootloader/firmware/init.
	KindRequiresUpdateOrInit ErrorKind = "requires_update_or_init"
	// KindRequiresPinUnlock: blocked pending PIN entry; the prompt has
	// been triggered on the device.
	KindRequiresPinUnlock ErrorKind = "requires_pin_unlock"
	// KindInvalidInput: request rejected before any device communication.
	KindInvalidInput ErrorKind = "invalid_input"
)

// DeviceError is a classified, device-scoped failure.
type DeviceError struct {
	Kind     ErrorKind
	DeviceID string
	Message  string
	cause    error
}

func (e *DeviceError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s: device %s: %s", e.Kind, e.DeviceID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DeviceError) Unwrap() error { return e.cause }

// newDeviceError builds a classified error without a cause.
func newDeviceError(kind ErrorKind, deviceID, format string, args ...any) *DeviceError {
	return &DeviceError{Kind: kind, DeviceID: deviceID, Message: fmt.Sprintf(format, args...)}
}

// wrapDeviceError classifies an underlying failure.
func wrapDeviceError(cause error, kind ErrorKind, deviceID, msg string) *DeviceError {
	return &DeviceError{Kind: kind, DeviceID: deviceID, Message: msg, cause: cause}
}

// KindOf returns the classification of err, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// claimedGuidance is appended to DeviceClaimed errors: this is the most
// common support scenario and the caller can recover without replugging.
const claimedGuidance = "the device is open in another application; " +
	"close other wallet software (or a lingering browser session) and retry"

func claimedError(deviceID string, cause error) *DeviceError {
	return wrapDeviceError(cause, KindDeviceClaimed, deviceID, claimedGuidance)
}

func invalidInput(format string, args ...any) *DeviceError {
	return newDeviceError(KindInvalidInput, "", format, args...)
}
