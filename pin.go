package vaultd

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd/firmware"
)

// PinStep is a PIN session's position in its state machine.
type PinStep string

const (
	PinAwaitingFirst  PinStep = "awaiting_first"
	PinAwaitingSecond PinStep = "awaiting_second"
	PinAwaitingUnlock PinStep = "awaiting_unlock"
	PinCompleted      PinStep = "completed"
	PinFailed         PinStep = "failed"
)

// PinSession tracks one PIN creation or unlock flow on one device.
type PinSession struct {
	SessionID string  `json:"session_id"`
	DeviceID  string  `json:"device_id"`
	Step      PinStep `json:"step"`
	Creation  bool    `json:"creation"`
	Error     string  `json:"error,omitempty"`
}

func (s *PinSession) terminal() bool {
	return s.Step == PinCompleted || s.Step == PinFailed
}

// PinManager owns all live PIN sessions. One active session per device,
// enforced through the registry's flow markers.
type PinManager struct {
	registry *Registry

	mu       sync.Mutex
	sessions map[string]*PinSession
	byDevice map[string]string
}

func NewPinManager(registry *Registry) *PinManager {
	return &PinManager{
		registry: registry,
		sessions: make(map[string]*PinSession),
		byDevice: make(map[string]string),
	}
}

// StartCreation begins setting a PIN on an uninitialized device. The device
// answers the reset with its first scrambled-keypad prompt.
func (m *PinManager) StartCreation(ctx context.Context, deviceID, label string) (*PinSession, error) {
	deviceID = m.registry.Canonical(deviceID)
	if err := m.registry.MarkPinFlow(deviceID); err != nil {
		return nil, err
	}
	queue, err := m.registry.Queue(ctx, deviceID)
	if err != nil {
		m.registry.UnmarkPinFlow(deviceID)
		return nil, err
	}
	reply, err := queue.Exchange(ctx, firmware.ResetDevice{
		Strength:      128,
		PinProtection: true,
		Label:         label,
	})
	if err != nil {
		m.registry.UnmarkPinFlow(deviceID)
		return nil, err
	}
	switch msg := reply.(type) {
	case *firmware.PinMatrixRequest:
		session := &PinSession{
			SessionID: uuid.NewString(),
			DeviceID:  deviceID,
			Step:      PinAwaitingFirst,
			Creation:  true,
		}
		m.put(session)
		log.Info().Str("device_id", deviceID).Str("session_id", session.SessionID).
			Msg("pin creation started")
		return session, nil
	case *firmware.Failure:
		m.registry.UnmarkPinFlow(deviceID)
		return nil, newDeviceError(KindDeviceRejected, deviceID,
			"device rejected pin setup: %s", msg.Message)
	default:
		m.registry.UnmarkPinFlow(deviceID)
		return nil, newDeviceError(KindProtocolViolation, deviceID,
			"unexpected %s starting pin setup", reply.Kind())
	}
}

// StartUnlock provokes a PIN prompt on a locked device so the operator can
// enter the existing PIN.
func (m *PinManager) StartUnlock(ctx context.Context, deviceID string) (*PinSession, error) {
	deviceID = m.registry.Canonical(deviceID)
	if existing := m.activeSession(deviceID); existing != nil {
		if existing.Creation {
			return nil, newDeviceError(KindDeviceBusy, deviceID,
				"device is in a pin creation flow; complete or cancel it first")
		}
		return existing, nil
	}
	if err := m.registry.MarkPinFlow(deviceID); err != nil {
		// The dispatcher's unlock trigger marks the flow and leaves the
		// device sitting on a matrix prompt with no session behind it.
		// Adopt that prompt so the pin can actually be entered.
		if m.registry.InPinFlow(deviceID) {
			session := &PinSession{
				SessionID: uuid.NewString(),
				DeviceID:  deviceID,
				Step:      PinAwaitingUnlock,
			}
			m.put(session)
			log.Info().Str("device_id", deviceID).Str("session_id", session.SessionID).
				Msg("pin unlock adopted pending prompt")
			return session, nil
		}
		return nil, err
	}
	queue, err := m.registry.Queue(ctx, deviceID)
	if err != nil {
		m.registry.UnmarkPinFlow(deviceID)
		return nil, err
	}
	reply, err := queue.Exchange(ctx, pinProbeMessage())
	if err != nil {
		m.registry.UnmarkPinFlow(deviceID)
		return nil, err
	}
	switch msg := reply.(type) {
	case *firmware.PinMatrixRequest:
		session := &PinSession{
			SessionID: uuid.NewString(),
			DeviceID:  deviceID,
			Step:      PinAwaitingUnlock,
		}
		m.put(session)
		log.Info().Str("device_id", deviceID).Str("session_id", session.SessionID).
			Msg("pin unlock started")
		return session, nil
	case *firmware.Address:
		// PIN already cached; nothing to unlock.
		m.registry.UnmarkPinFlow(deviceID)
		session := &PinSession{
			SessionID: uuid.NewString(),
			DeviceID:  deviceID,
			Step:      PinCompleted,
		}
		m.put(session)
		return session, nil
	case *firmware.Failure:
		if failureMeansAwaitingPin(msg) {
			// Device is already sitting on a prompt; answer that one.
			session := &PinSession{
				SessionID: uuid.NewString(),
				DeviceID:  deviceID,
				Step:      PinAwaitingUnlock,
			}
			m.put(session)
			log.Info().Str("device_id", deviceID).Str("session_id", session.SessionID).
				Msg("pin unlock attached to pending prompt")
			return session, nil
		}
		m.registry.UnmarkPinFlow(deviceID)
		return nil, newDeviceError(KindDeviceRejected, deviceID,
			"device rejected pin unlock: %s", msg.Message)
	default:
		m.registry.UnmarkPinFlow(deviceID)
		return nil, newDeviceError(KindProtocolViolation, deviceID,
			"unexpected %s starting pin unlock", reply.Kind())
	}
}

// SubmitPositions sends 1-9 scrambled keypad positions for the session's
// current prompt. Positions are validated before any device traffic.
func (m *PinManager) SubmitPositions(ctx context.Context, sessionID string, positions []int) (*PinSession, error) {
	pin, err := positionsToPin(positions)
	if err != nil {
		return nil, err
	}
	session, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if session.terminal() {
		return nil, invalidInput("pin session %s already %s", sessionID, session.Step)
	}

	queue, err := m.registry.Queue(ctx, session.DeviceID)
	if err != nil {
		return m.fail(session, err.Error()), err
	}
	reply, err := queue.Exchange(ctx, firmware.PinMatrixAck{Pin: pin})
	if err != nil {
		return m.fail(session, err.Error()), err
	}

	switch msg := reply.(type) {
	case *firmware.PinMatrixRequest:
		if session.Step != PinAwaitingFirst {
			failed := m.fail(session, "device asked for another pin entry unexpectedly")
			return failed, newDeviceError(KindProtocolViolation, session.DeviceID,
				"unexpected pin confirmation prompt at step %s", session.Step)
		}
		m.advance(session, PinAwaitingSecond)
		return session, nil
	case *firmware.Success:
		m.complete(session)
		return session, nil
	case *firmware.EntropyRequest:
		// Device wants host entropy to finish initialization after the PIN
		// was confirmed.
		reply, err = queue.Exchange(ctx, firmware.EntropyAck{Entropy: hostEntropy()})
		if err != nil {
			return m.fail(session, err.Error()), err
		}
		if failure, ok := reply.(*firmware.Failure); ok {
			failed := m.fail(session, failure.Message)
			return failed, newDeviceError(KindDeviceRejected, session.DeviceID,
				"device rejected entropy: %s", failure.Message)
		}
		m.complete(session)
		return session, nil
	case *firmware.ButtonRequest:
		reply, err = queue.Exchange(ctx, firmware.ButtonAck{})
		if err != nil {
			return m.fail(session, err.Error()), err
		}
		if _, ok := reply.(*firmware.Success); ok {
			m.complete(session)
			return session, nil
		}
		if failure, ok := reply.(*firmware.Failure); ok {
			failed := m.fail(session, failure.Message)
			return failed, newDeviceError(KindDeviceRejected, session.DeviceID,
				"device rejected pin: %s", failure.Message)
		}
		failed := m.fail(session, "unexpected reply after button confirmation")
		return failed, newDeviceError(KindProtocolViolation, session.DeviceID,
			"unexpected %s after button confirmation", reply.Kind())
	case *firmware.Failure:
		failed := m.fail(session, msg.Message)
		return failed, newDeviceError(KindDeviceRejected, session.DeviceID,
			"device rejected pin: %s", msg.Message)
	default:
		failed := m.fail(session, "unexpected device reply")
		return failed, newDeviceError(KindProtocolViolation, session.DeviceID,
			"unexpected %s during pin entry", reply.Kind())
	}
}

// Session returns a snapshot of one session.
func (m *PinManager) Session(sessionID string) (*PinSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, invalidInput("unknown pin session %q", sessionID)
	}
	return session, nil
}

// Cancel aborts a session: best-effort device cancel, unconditional local
// cleanup.
func (m *PinManager) Cancel(ctx context.Context, sessionID string) error {
	session, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	if !session.terminal() {
		if queue, ok := m.registry.ExistingQueue(session.DeviceID); ok {
			if _, err := queue.Exchange(ctx, firmware.Cancel{}); err != nil {
				log.Warn().Err(err).Str("device_id", session.DeviceID).
					Msg("pin cancel not acknowledged by device")
			}
		}
	}
	m.mu.Lock()
	session.Step = PinFailed
	session.Error = "cancelled"
	m.releaseLocked(session)
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.registry.UnmarkPinFlow(session.DeviceID)
	log.Info().Str("device_id", session.DeviceID).Str("session_id", sessionID).
		Msg("pin session cancelled")
	return nil
}

func (m *PinManager) put(session *PinSession) {
	m.mu.Lock()
	m.sessions[session.SessionID] = session
	if !session.terminal() {
		m.byDevice[session.DeviceID] = session.SessionID
	}
	m.mu.Unlock()
}

// activeSession returns the device's live session, if any.
func (m *PinManager) activeSession(deviceID string) *PinSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDevice[deviceID]
	if !ok {
		return nil
	}
	session := m.sessions[id]
	if session == nil || session.terminal() {
		return nil
	}
	return session
}

func (m *PinManager) releaseLocked(session *PinSession) {
	if m.byDevice[session.DeviceID] == session.SessionID {
		delete(m.byDevice, session.DeviceID)
	}
}

func (m *PinManager) advance(session *PinSession, step PinStep) {
	m.mu.Lock()
	session.Step = step
	m.mu.Unlock()
}

func (m *PinManager) complete(session *PinSession) {
	m.mu.Lock()
	session.Step = PinCompleted
	m.releaseLocked(session)
	m.mu.Unlock()
	m.registry.UnmarkPinFlow(session.DeviceID)
	log.Info().Str("device_id", session.DeviceID).Str("session_id", session.SessionID).
		Msg("pin session completed")
}

func (m *PinManager) fail(session *PinSession, reason string) *PinSession {
	m.mu.Lock()
	session.Step = PinFailed
	session.Error = reason
	m.releaseLocked(session)
	m.mu.Unlock()
	m.registry.UnmarkPinFlow(session.DeviceID)
	log.Warn().Str("device_id", session.DeviceID).Str("session_id", session.SessionID).
		Str("reason", reason).Msg("pin session failed")
	return session
}

// positionsToPin renders scrambled keypad positions as the digit string the
// device expects. Positions are 1-9 on a 3x3 grid; the literal PIN never
// leaves the device's display.
func positionsToPin(positions []int) (string, error) {
	if len(positions) == 0 || len(positions) > 9 {
		return "", invalidInput("pin must be 1-9 positions, got %d", len(positions))
	}
	buf := make([]byte, len(positions))
	for i, pos := range positions {
		if pos < 1 || pos > 9 {
			return "", invalidInput("pin position %d out of range 1-9", pos)
		}
		buf[i] = byte('0' + pos)
	}
	return string(buf), nil
}

// pinProbeMessage is a benign derivation request whose only purpose is to
// make a locked device raise its PIN prompt.
func pinProbeMessage() firmware.Message {
	return firmware.GetAddress{
		AddressN: []uint32{
			44 | hardenedBit, 0 | hardenedBit, 0 | hardenedBit, 0, 0,
		},
		CoinName: "Bitcoin",
	}
}

// failureMeansAwaitingPin detects the firmware's "Unknown message" rejection,
// which a locked device returns when it is already sitting on a PIN prompt.
func failureMeansAwaitingPin(f *firmware.Failure) bool {
	return strings.Contains(f.Message, "Unknown message")
}

// hostEntropy contributes host randomness to on-device seed generation.
func hostEntropy() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return buf
}
