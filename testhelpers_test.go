package vaultd

import (
	"context"
	"sync"
	"testing"

	"github.com/keepwallet/vaultd/firmware"
	"github.com/keepwallet/vaultd/providers/usb"
)

// scriptedTransport replays a fixed sequence of device replies and records
// every message it was sent.
type scriptedTransport struct {
	mu     sync.Mutex
	script []scriptStep
	sent   []firmware.Message
	closed bool
}

type scriptStep func(firmware.Message) (firmware.Message, error)

func reply(msg firmware.Message) scriptStep {
	return func(firmware.Message) (firmware.Message, error) { return msg, nil }
}

func replyErr(err error) scriptStep {
	return func(firmware.Message) (firmware.Message, error) { return nil, err }
}

func newScripted(steps ...scriptStep) *scriptedTransport {
	return &scriptedTransport{script: steps}
}

func (t *scriptedTransport) Exchange(ctx context.Context, msg firmware.Message) (firmware.Message, error) {
	t.mu.Lock()
	if len(t.script) == 0 {
		t.mu.Unlock()
		return nil, errUnscripted(msg)
	}
	step := t.script[0]
	t.script = t.script[1:]
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	return step(msg)
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *scriptedTransport) sentKinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := make([]string, len(t.sent))
	for i, msg := range t.sent {
		kinds[i] = msg.Kind()
	}
	return kinds
}

func errUnscripted(msg firmware.Message) error {
	return &DeviceError{
		Kind:    KindProtocolViolation,
		Message: "test transport has no scripted reply for " + msg.Kind(),
	}
}

// fakeProvider serves transports from a fixed table.
type fakeProvider struct {
	mu         sync.Mutex
	devices    []usb.DeviceInfo
	transports map[string]firmware.Transport
	opens      int
	listErr    error
	openErr    error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{transports: make(map[string]firmware.Transport)}
}

func (p *fakeProvider) add(deviceID string, transport firmware.Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, usb.DeviceInfo{UniqueID: deviceID})
	p.transports[deviceID] = transport
}

func (p *fakeProvider) remove(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.devices[:0]
	for _, info := range p.devices {
		if info.UniqueID != deviceID {
			kept = append(kept, info)
		}
	}
	p.devices = kept
	delete(p.transports, deviceID)
}

func (p *fakeProvider) List(ctx context.Context) ([]usb.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]usb.DeviceInfo(nil), p.devices...), nil
}

func (p *fakeProvider) Open(ctx context.Context, uniqueID string) (firmware.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.openErr != nil {
		return nil, p.openErr
	}
	transport, ok := p.transports[uniqueID]
	if !ok {
		return nil, errUnscripted(firmware.Initialize{})
	}
	return transport, nil
}

// initializedFeatures is a baseline device in a good state: current firmware,
// initialized, no PIN.
func initializedFeatures() *firmware.Features {
	return &firmware.Features{
		Vendor:            "keepkey.com",
		MajorVersion:      7,
		MinorVersion:      10,
		PatchVersion:      0,
		BootloaderVersion: "2.1.4",
		Initialized:       true,
		Label:             "test device",
	}
}

func mustKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("expected %s error, got %s (%v)", want, got, err)
	}
}
