package vaultd

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd/firmware"
	"github.com/keepwallet/vaultd/providers/usb"
)

// Registry owns the process-wide mutable device state: the device→queue
// table, the interactive-flow marker sets, and the transient-id alias table.
// All locks are internal; callers only see narrow create-or-get and
// mark/unmark methods, and no device I/O ever happens under a lock.
type Registry struct {
	provider usb.Provider

	mu            sync.Mutex
	queues        map[string]*QueueHandle
	pinFlows      map[string]struct{}
	recoveryFlows map[string]struct{}
	aliases       map[string]string // transient id -> canonical id
}

// NewRegistry builds an empty registry around a device provider.
func NewRegistry(provider usb.Provider) *Registry {
	return &Registry{
		provider:      provider,
		queues:        make(map[string]*QueueHandle),
		pinFlows:      make(map[string]struct{}),
		recoveryFlows: make(map[string]struct{}),
		aliases:       make(map[string]string),
	}
}

// Queue returns the live QueueHandle for a device, creating it on first
// reference. Creation uses check-lock-check so that concurrent callers can
// never produce two transports for the same device.
func (r *Registry) Queue(ctx context.Context, deviceID string) (*QueueHandle, error) {
	r.mu.Lock()
	if h, ok := r.queues[deviceID]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	if _, err := r.lookupDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	transport, err := r.provider.Open(ctx, deviceID)
	if err != nil {
		if errors.Is(err, firmware.ErrClaimed) {
			return nil, claimedError(deviceID, err)
		}
		return nil, wrapDeviceError(err, KindCommunicationFailure, deviceID, "open device transport")
	}

	r.mu.Lock()
	if h, ok := r.queues[deviceID]; ok {
		// Lost the race: another caller created the handle while we were
		// opening. Ours must not survive as a second transport.
		r.mu.Unlock()
		if cerr := transport.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("device_id", deviceID).Msg("close duplicate transport failed")
		}
		return h, nil
	}
	h := newQueueHandle(deviceID, transport)
	r.queues[deviceID] = h
	r.mu.Unlock()
	log.Info().Str("device_id", deviceID).Msg("device queue started")
	return h, nil
}

// ExistingQueue returns a previously created handle without creating one.
func (r *Registry) ExistingQueue(deviceID string) (*QueueHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.queues[deviceID]
	return h, ok
}

// DropQueue shuts down and forgets the queue of a disconnected device.
func (r *Registry) DropQueue(deviceID string) {
	r.mu.Lock()
	h, ok := r.queues[deviceID]
	delete(r.queues, deviceID)
	r.mu.Unlock()
	if ok {
		h.Close()
		log.Info().Str("device_id", deviceID).Msg("device queue dropped")
	}
}

// Enumerable reports whether the device is currently visible to the
// provider, regardless of whether it answers feature queries.
func (r *Registry) Enumerable(ctx context.Context, deviceID string) bool {
	_, err := r.lookupDevice(ctx, deviceID)
	return err == nil
}

// ListDevices returns every currently connected device.
func (r *Registry) ListDevices(ctx context.Context) ([]usb.DeviceInfo, error) {
	infos, err := r.provider.List(ctx)
	if err != nil {
		return nil, wrapDeviceError(err, KindCommunicationFailure, "", "enumerate devices")
	}
	return infos, nil
}

func (r *Registry) lookupDevice(ctx context.Context, deviceID string) (usb.DeviceInfo, error) {
	infos, err := r.provider.List(ctx)
	if err != nil {
		return usb.DeviceInfo{}, wrapDeviceError(err, KindCommunicationFailure, deviceID, "enumerate devices")
	}
	for _, info := range infos {
		if info.UniqueID == deviceID {
			return info, nil
		}
	}
	return usb.DeviceInfo{}, newDeviceError(KindDeviceNotFound, deviceID, "device not connected")
}

// MarkPinFlow atomically claims the device for a PIN session. Returns
// DeviceBusy when any interactive flow is already active.
func (r *Registry) MarkPinFlow(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.busyLocked(deviceID); err != nil {
		return err
	}
	r.pinFlows[deviceID] = struct{}{}
	return nil
}

// UnmarkPinFlow releases a device from the PIN flow set. Safe to call on
// every exit path; unmarking an unmarked device is a no-op.
func (r *Registry) UnmarkPinFlow(deviceID string) {
	r.mu.Lock()
	delete(r.pinFlows, deviceID)
	r.mu.Unlock()
}

// InPinFlow reports whether the device has an active PIN session.
func (r *Registry) InPinFlow(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pinFlows[deviceID]
	return ok
}

// MarkRecoveryFlow atomically claims the device for a recovery or
// seed-verification session.
func (r *Registry) MarkRecoveryFlow(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.busyLocked(deviceID); err != nil {
		return err
	}
	r.recoveryFlows[deviceID] = struct{}{}
	return nil
}

// UnmarkRecoveryFlow releases the device's recovery marker and any identity
// aliases established while the flow was active.
func (r *Registry) UnmarkRecoveryFlow(deviceID string) {
	r.mu.Lock()
	delete(r.recoveryFlows, deviceID)
	for alias, canonical := range r.aliases {
		if canonical == deviceID || alias == deviceID {
			delete(r.aliases, alias)
		}
	}
	r.mu.Unlock()
}

// InRecoveryFlow reports whether the device has an active recovery session.
func (r *Registry) InRecoveryFlow(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.recoveryFlows[deviceID]
	return ok
}

// InAnyFlow reports whether the device is mid-interactive-flow of any kind.
func (r *Registry) InAnyFlow(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busyLocked(deviceID) != nil
}

func (r *Registry) busyLocked(deviceID string) error {
	if _, ok := r.pinFlows[deviceID]; ok {
		return newDeviceError(KindDeviceBusy, deviceID, "device is in a PIN flow; complete PIN entry before other requests")
	}
	if _, ok := r.recoveryFlows[deviceID]; ok {
		return newDeviceError(KindDeviceBusy, deviceID, "device is in a recovery flow; complete or cancel it before other requests")
	}
	return nil
}

// AddAlias records that a transient id observed mid-flow refers to the same
// physical device as canonical. Devices can re-enumerate under a new id
// during recovery.
func (r *Registry) AddAlias(alias, canonical string) {
	if alias == canonical {
		return
	}
	r.mu.Lock()
	r.aliases[alias] = canonical
	r.mu.Unlock()
	log.Debug().Str("alias", alias).Str("device_id", canonical).Msg("device alias added")
}

// RelinkDevice finds the id a mid-flow device re-enumerated under. Recovery
// reboots the device and the bridge can hand it a fresh transient id. The
// replacement is adopted only when the old id no longer enumerates and
// exactly one connected device has no queue of its own.
func (r *Registry) RelinkDevice(ctx context.Context, deviceID string) (string, bool) {
	infos, err := r.provider.List(ctx)
	if err != nil {
		return "", false
	}
	var candidate string
	for _, info := range infos {
		if info.UniqueID == deviceID {
			// Still enumerating under the old id; nothing to relink.
			return "", false
		}
		if r.hasQueue(info.UniqueID) {
			continue
		}
		if candidate != "" {
			// More than one unclaimed device; cannot tell which one it is.
			return "", false
		}
		candidate = info.UniqueID
	}
	if candidate == "" {
		return "", false
	}
	r.AddAlias(deviceID, candidate)
	log.Info().Str("device_id", deviceID).Str("relinked_id", candidate).
		Msg("device relinked after re-enumeration")
	return candidate, true
}

func (r *Registry) hasQueue(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.queues[deviceID]
	return ok
}

// Canonical resolves a possibly transient id to its canonical device id.
func (r *Registry) Canonical(deviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	id := deviceID
	for {
		next, ok := r.aliases[id]
		if !ok {
			return id
		}
		if _, looped := seen[next]; looped {
			return id
		}
		seen[id] = struct{}{}
		id = next
	}
}

// Close shuts down every queue. Used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]*QueueHandle, 0, len(r.queues))
	for _, h := range r.queues {
		handles = append(handles, h)
	}
	r.queues = make(map[string]*QueueHandle)
	r.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}
