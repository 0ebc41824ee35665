// Package usb abstracts device discovery and transport creation. Raw HID
// framing lives behind a bridge daemon; this package only speaks its HTTP
// surface.
package usb

import (
	"context"

	"github.com/keepwallet/vaultd/firmware"
)

// DeviceInfo describes one enumerable device.
type DeviceInfo struct {
	UniqueID string `json:"unique_id"`
	Vendor   string `json:"vendor,omitempty"`
	Product  string `json:"product,omitempty"`
	Serial   string `json:"serial,omitempty"`
}

// Provider lists connected devices and opens transports to them.
type Provider interface {
	// List returns every currently connected device.
	List(ctx context.Context) ([]DeviceInfo, error)
	// Open claims the device and returns its exclusive transport.
	Open(ctx context.Context, uniqueID string) (firmware.Transport, error)
}
