package vaultd

import (
	"context"
	"testing"

	"github.com/keepwallet/vaultd/firmware"
)

func newPinFixture(t *testing.T, transport *scriptedTransport) (*PinManager, *Registry) {
	t.Helper()
	provider := newFakeProvider()
	provider.add("dev1", transport)
	registry := NewRegistry(provider)
	t.Cleanup(registry.Close)
	return NewPinManager(registry), registry
}

func TestPositionsToPin(t *testing.T) {
	pin, err := positionsToPin([]int{1, 2, 3, 4, 5, 6, 7, 8, 9})
	if err != nil {
		t.Fatal(err)
	}
	if pin != "123456789" {
		t.Fatalf("pin = %q", pin)
	}
}

func TestPositionsToPinValidation(t *testing.T) {
	cases := [][]int{
		{},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 1},
		{0},
		{10},
		{-1},
	}
	for _, positions := range cases {
		if _, err := positionsToPin(positions); KindOf(err) != KindInvalidInput {
			t.Errorf("positions %v: %v", positions, err)
		}
	}
}

func TestPinCreationFlow(t *testing.T) {
	transport := newScripted(
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestNewFirst}),
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestNewSecond}),
		reply(&firmware.Success{Message: "device reset"}),
	)
	manager, registry := newPinFixture(t, transport)

	session, err := manager.StartCreation(context.Background(), "dev1", "my wallet")
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinAwaitingFirst {
		t.Fatalf("step = %s", session.Step)
	}
	if !registry.InPinFlow("dev1") {
		t.Fatal("device must be marked during the flow")
	}

	session, err = manager.SubmitPositions(context.Background(), session.SessionID, []int{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinAwaitingSecond {
		t.Fatalf("step = %s", session.Step)
	}

	session, err = manager.SubmitPositions(context.Background(), session.SessionID, []int{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinCompleted {
		t.Fatalf("step = %s", session.Step)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("completion must release the flow marker")
	}

	// The reset must ask for PIN protection up front.
	reset, ok := transport.sent[0].(firmware.ResetDevice)
	if !ok || !reset.PinProtection {
		t.Fatalf("first message = %+v", transport.sent[0])
	}
}

func TestPinUnlockFlow(t *testing.T) {
	transport := newScripted(
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestCurrent}),
		reply(&firmware.Success{}),
	)
	manager, registry := newPinFixture(t, transport)

	session, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinAwaitingUnlock {
		t.Fatalf("step = %s", session.Step)
	}

	session, err = manager.SubmitPositions(context.Background(), session.SessionID, []int{5, 5, 5})
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinCompleted {
		t.Fatalf("step = %s", session.Step)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("completion must release the flow marker")
	}
}

func TestPinUnlockAddressMeansAlreadyCached(t *testing.T) {
	transport := newScripted(reply(&firmware.Address{Address: "1Cached"}))
	manager, registry := newPinFixture(t, transport)

	session, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinCompleted {
		t.Fatalf("step = %s", session.Step)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("no flow marker should remain when nothing needs unlocking")
	}
}

func TestPinRejectionFailsSession(t *testing.T) {
	transport := newScripted(
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestCurrent}),
		reply(&firmware.Failure{Message: "PIN invalid"}),
	)
	manager, registry := newPinFixture(t, transport)

	session, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	session, err = manager.SubmitPositions(context.Background(), session.SessionID, []int{1, 1, 1})
	mustKind(t, err, KindDeviceRejected)
	if session.Step != PinFailed {
		t.Fatalf("step = %s", session.Step)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("failure must release the flow marker")
	}

	// Terminal sessions accept no further steps.
	if _, err := manager.SubmitPositions(context.Background(), session.SessionID, []int{1}); KindOf(err) != KindInvalidInput {
		t.Fatalf("step on terminal session: %v", err)
	}
}

func TestPinValidationBeforeDeviceTraffic(t *testing.T) {
	transport := newScripted(
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestCurrent}),
	)
	manager, _ := newPinFixture(t, transport)

	session, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := manager.SubmitPositions(context.Background(), session.SessionID, []int{42}); KindOf(err) != KindInvalidInput {
		t.Fatalf("err = %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("invalid positions reached the device: %v", transport.sentKinds())
	}
	// The session survives a local validation failure.
	session, err = manager.Session(session.SessionID)
	if err != nil || session.Step != PinAwaitingUnlock {
		t.Fatalf("session = %+v, err = %v", session, err)
	}
}

func TestPinStartUnlockResumesActiveSession(t *testing.T) {
	transport := newScripted(
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestCurrent}),
	)
	manager, _ := newPinFixture(t, transport)

	first, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected resumed session %s, got %s", first.SessionID, second.SessionID)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("resume sent extra device traffic: %v", transport.sentKinds())
	}
}

func TestPinCreationBlocksUnlock(t *testing.T) {
	transport := newScripted(
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestNewFirst}),
	)
	manager, _ := newPinFixture(t, transport)

	if _, err := manager.StartCreation(context.Background(), "dev1", ""); err != nil {
		t.Fatal(err)
	}
	_, err := manager.StartUnlock(context.Background(), "dev1")
	mustKind(t, err, KindDeviceBusy)
}

func TestPinUnlockAdoptsTriggeredPrompt(t *testing.T) {
	// The dispatcher marks the flow and leaves the device on a matrix prompt.
	// StartUnlock must hand out a session for it, not refuse with busy.
	transport := newScripted(reply(&firmware.Success{}))
	manager, registry := newPinFixture(t, transport)

	if err := registry.MarkPinFlow("dev1"); err != nil {
		t.Fatal(err)
	}
	session, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinAwaitingUnlock {
		t.Fatalf("step = %s", session.Step)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("adoption probed the device: %v", transport.sentKinds())
	}

	session, err = manager.SubmitPositions(context.Background(), session.SessionID, []int{9, 8, 7})
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinCompleted {
		t.Fatalf("step = %s", session.Step)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("completion must release the flow marker")
	}
}

func TestPinUnlockAttachesToPendingPrompt(t *testing.T) {
	// A device already sitting on a prompt rejects the probe with "Unknown
	// message"; the unlock session answers the pending prompt instead.
	transport := newScripted(
		reply(&firmware.Failure{Message: "Unknown message"}),
		reply(&firmware.Success{}),
	)
	manager, registry := newPinFixture(t, transport)

	session, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinAwaitingUnlock {
		t.Fatalf("step = %s", session.Step)
	}
	if !registry.InPinFlow("dev1") {
		t.Fatal("flow marker must be held while the prompt is pending")
	}

	session, err = manager.SubmitPositions(context.Background(), session.SessionID, []int{4, 4, 4})
	if err != nil {
		t.Fatal(err)
	}
	if session.Step != PinCompleted {
		t.Fatalf("step = %s", session.Step)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("completion must release the flow marker")
	}
}

func TestPinCancelReleasesMarker(t *testing.T) {
	transport := newScripted(
		reply(&firmware.PinMatrixRequest{Type: firmware.PinMatrixRequestCurrent}),
		reply(&firmware.Failure{Message: "aborted"}),
	)
	manager, registry := newPinFixture(t, transport)

	session, err := manager.StartUnlock(context.Background(), "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.Cancel(context.Background(), session.SessionID); err != nil {
		t.Fatal(err)
	}
	if registry.InPinFlow("dev1") {
		t.Fatal("cancel must release the flow marker")
	}
	if _, err := manager.Session(session.SessionID); KindOf(err) != KindInvalidInput {
		t.Fatal("cancelled session must be dropped")
	}
}
