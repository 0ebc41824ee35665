package vaultd

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/keepwallet/vaultd/firmware"
)

func newTestDispatcher(t *testing.T, provider *fakeProvider) (*Dispatcher, *Registry, *Emitter) {
	t.Helper()
	registry := NewRegistry(provider)
	t.Cleanup(registry.Close)
	events := NewEmitter()
	events.Ready()
	dispatcher, err := NewDispatcher(registry, NewDerivationCache(nil), events)
	if err != nil {
		t.Fatal(err)
	}
	return dispatcher, registry, events
}

func pinLockedFeatures() *firmware.Features {
	f := initializedFeatures()
	f.PinProtection = true
	f.PinCached = false
	return f
}

func TestDispatcherAddressCacheIdempotence(t *testing.T) {
	transport := newScripted(
		reply(initializedFeatures()),
		reply(&firmware.Address{Address: "1FirstAddr"}),
		reply(initializedFeatures()),
		// No scripted Address for the second request: it must be served
		// from cache without a device exchange.
	)
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, _, _ := newTestDispatcher(t, provider)

	req := AddressRequest{Network: NetworkUTXO, Path: "m/44'/0'/0'/0/0"}
	first := dispatcher.Submit(context.Background(), "dev1", "req-1", req)
	if !first.Success {
		t.Fatalf("first: %+v", first)
	}
	second := dispatcher.Submit(context.Background(), "dev1", "req-2", req)
	if !second.Success {
		t.Fatalf("second: %+v", second)
	}
	if second.Address != first.Address {
		t.Fatalf("cache returned %q, want %q", second.Address, first.Address)
	}

	kinds := transport.sentKinds()
	derives := 0
	for _, kind := range kinds {
		if kind == "GetAddress" {
			derives++
		}
	}
	if derives != 1 {
		t.Fatalf("device derived %d times, want 1: %v", derives, kinds)
	}
}

func TestDispatcherFailedDerivationNotCached(t *testing.T) {
	transport := newScripted(
		reply(initializedFeatures()),
		reply(&firmware.Failure{Message: "declined"}),
		reply(initializedFeatures()),
		reply(&firmware.Address{Address: "1Retry"}),
	)
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, _, _ := newTestDispatcher(t, provider)

	req := AddressRequest{Network: NetworkUTXO, Path: "m/44'/0'/0'/0/0"}
	first := dispatcher.Submit(context.Background(), "dev1", "", req)
	if first.Success {
		t.Fatal("first derivation should have failed")
	}
	second := dispatcher.Submit(context.Background(), "dev1", "", req)
	if !second.Success || second.Address != "1Retry" {
		t.Fatalf("retry must reach the device: %+v", second)
	}
}

func TestDispatcherRejectsMidFlow(t *testing.T) {
	provider := newFakeProvider()
	provider.add("dev1", newScripted())
	dispatcher, registry, _ := newTestDispatcher(t, provider)

	if err := registry.MarkRecoveryFlow("dev1"); err != nil {
		t.Fatal(err)
	}
	resp := dispatcher.Submit(context.Background(), "dev1", "", PingRequest{})
	if resp.Success || resp.ErrorCode != string(KindDeviceBusy) {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDispatcherNamesEveryMissingPrecondition(t *testing.T) {
	oob := &firmware.Features{MajorVersion: 1, MinorVersion: 0, PatchVersion: 3}
	transport := newScripted(reply(oob))
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, _, _ := newTestDispatcher(t, provider)

	resp := dispatcher.Submit(context.Background(), "dev1", "", PingRequest{})
	if resp.Success || resp.ErrorCode != string(KindRequiresUpdateOrInit) {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.Contains(resp.Error, "bootloader update") {
		t.Fatalf("error must name the bootloader update: %q", resp.Error)
	}
	if !strings.Contains(resp.Error, "initialization") {
		t.Fatalf("error must name initialization: %q", resp.Error)
	}
	if strings.Contains(resp.Error, "firmware update") {
		t.Fatalf("out-of-box firmware must be suppressed: %q", resp.Error)
	}
}

func TestDispatcherAutoTriggersPinUnlock(t *testing.T) {
	transport := newScripted(
		reply(pinLockedFeatures()),
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestCurrent}),
	)
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, registry, events := newTestDispatcher(t, provider)

	triggered := make(chan Event, 1)
	if err := events.Subscribe(EventPinRequestTriggered, func(evt Event) {
		triggered <- evt
	}); err != nil {
		t.Fatal(err)
	}

	resp := dispatcher.Submit(context.Background(), "dev1", "", PingRequest{})
	if resp.Success || resp.ErrorCode != string(KindRequiresPinUnlock) {
		t.Fatalf("resp = %+v", resp)
	}
	select {
	case evt := <-triggered:
		if evt.DeviceID != "dev1" {
			t.Fatalf("event device = %q", evt.DeviceID)
		}
	default:
		t.Fatal("pin-request-triggered event not emitted")
	}
	if !registry.InPinFlow("dev1") {
		t.Fatal("device must be marked in PIN flow after trigger")
	}
	// The probe must be a benign first-account address derivation.
	kinds := transport.sentKinds()
	if kinds[len(kinds)-1] != "GetAddress" {
		t.Fatalf("probe = %v", kinds)
	}
}

func TestDispatcherTreatsUnknownMessageAsAwaitingPin(t *testing.T) {
	transport := newScripted(
		reply(pinLockedFeatures()),
		reply(&firmware.Failure{Message: "Unknown message"}),
	)
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, registry, _ := newTestDispatcher(t, provider)

	resp := dispatcher.Submit(context.Background(), "dev1", "", PingRequest{})
	if resp.ErrorCode != string(KindRequiresPinUnlock) {
		t.Fatalf("resp = %+v", resp)
	}
	if !registry.InPinFlow("dev1") {
		t.Fatal("device already at a PIN prompt must stay marked in PIN flow")
	}
}

func TestDispatcherPinTriggerRecoverableByUnlockSession(t *testing.T) {
	unlocked := pinLockedFeatures()
	unlocked.PinCached = true
	transport := newScripted(
		reply(pinLockedFeatures()),
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestCurrent}),
		reply(&firmware.Success{}),
		reply(unlocked),
		reply(&firmware.Success{Message: "pong"}),
	)
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, registry, _ := newTestDispatcher(t, provider)
	pins := NewPinManager(registry)

	resp := dispatcher.Submit(context.Background(), "dev1", "", PingRequest{})
	if resp.ErrorCode != string(KindRequiresPinUnlock) {
		t.Fatalf("resp = %+v", resp)
	}

	// The trigger left the device on a matrix prompt. An unlock session must
	// attach to that prompt without sending another probe.
	session, err := pins.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinAwaitingUnlock {
		t.Fatalf("step = %s", session.Step)
	}
	if len(transport.sent) != 2 {
		t.Fatalf("attaching to the prompt reached the device: %v", transport.sentKinds())
	}

	session, err = pins.SubmitPositions(context.Background(), session.SessionID, []int{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinCompleted {
		t.Fatalf("step = %s", session.Step)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("completed unlock must release the flow marker")
	}

	resp = dispatcher.Submit(context.Background(), "dev1", "", PingRequest{})
	if !resp.Success {
		t.Fatalf("retry after unlock failed: %+v", resp)
	}
}

func TestDispatcherUnknownStateRejection(t *testing.T) {
	transport := newScripted(replyErr(errors.New("no response")))
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, registry, _ := newTestDispatcher(t, provider)

	// Create the queue while the device is still visible, then unplug.
	if _, err := registry.Queue(context.Background(), "dev1"); err != nil {
		t.Fatal(err)
	}
	provider.mu.Lock()
	provider.listErr = errors.New("bridge gone")
	provider.mu.Unlock()

	resp := dispatcher.Submit(context.Background(), "dev1", "", PingRequest{})
	if resp.ErrorCode != string(KindDeviceNotFound) {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDispatcherOOBBootloaderFallback(t *testing.T) {
	bootloader := &firmware.Features{BootloaderMode: true, MajorVersion: 1, MinorVersion: 0, PatchVersion: 3}
	transport := newScripted(
		reply(bootloader),
		replyErr(errors.New("device rebooting")),
	)
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, _, _ := newTestDispatcher(t, provider)

	// First sighting records the bootloader-mode marker.
	features := dispatcher.Submit(context.Background(), "dev1", "", FeaturesRequest{})
	if !features.Success {
		t.Fatalf("features: %+v", features)
	}
	// Feature fetch now fails, but the device still enumerates: the cached
	// marker must keep the rejection actionable instead of "unknown state".
	resp := dispatcher.Submit(context.Background(), "dev1", "", PingRequest{})
	if resp.ErrorCode != string(KindRequiresUpdateOrInit) {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDispatcherStoresResponseBeforeEvent(t *testing.T) {
	transport := newScripted(
		reply(initializedFeatures()),
		reply(&firmware.Success{Message: "pong"}),
	)
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, _, events := newTestDispatcher(t, provider)

	type observation struct {
		stored bool
		match  bool
	}
	seen := make(chan observation, 1)
	if err := events.Subscribe(EventResponse, func(evt Event) {
		resp, ok := evt.Payload.(Response)
		if !ok {
			seen <- observation{}
			return
		}
		stored, found := dispatcher.Response(resp.RequestID)
		seen <- observation{stored: found, match: found && stored.RequestID == resp.RequestID}
	}); err != nil {
		t.Fatal(err)
	}

	dispatcher.Submit(context.Background(), "dev1", "req-42", PingRequest{})
	select {
	case obs := <-seen:
		if !obs.stored || !obs.match {
			t.Fatalf("response not readable at event time: %+v", obs)
		}
	default:
		t.Fatal("no response event observed")
	}
}

func TestDispatcherFeaturesBypassesGate(t *testing.T) {
	// A pin-locked device must still answer a bare feature query without
	// triggering the unlock machinery.
	transport := newScripted(reply(pinLockedFeatures()))
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, registry, _ := newTestDispatcher(t, provider)

	resp := dispatcher.Submit(context.Background(), "dev1", "", FeaturesRequest{})
	if !resp.Success || resp.Features == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("feature query must not start a PIN flow")
	}
}

func TestDispatcherInvalidPathRejectedBeforeDevice(t *testing.T) {
	transport := newScripted(reply(initializedFeatures()))
	provider := newFakeProvider()
	provider.add("dev1", transport)
	dispatcher, _, _ := newTestDispatcher(t, provider)

	resp := dispatcher.Submit(context.Background(), "dev1", "", AddressRequest{
		Network: NetworkUTXO,
		Path:    "not-a-path",
	})
	if resp.ErrorCode != string(KindInvalidInput) {
		t.Fatalf("resp = %+v", resp)
	}
	for _, kind := range transport.sentKinds() {
		if kind == "GetAddress" {
			t.Fatal("malformed path must never reach the device")
		}
	}
}
