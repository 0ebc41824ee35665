package vaultd

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd/firmware"
)

// RecoveryStep is a recovery session's position in its state machine.
type RecoveryStep string

const (
	RecoveryAwaitingPin       RecoveryStep = "awaiting_pin"
	RecoveryAwaitingCharacter RecoveryStep = "awaiting_character"
	RecoveryCompleted         RecoveryStep = "completed"
	RecoveryFailed            RecoveryStep = "failed"
)

// RecoverySession tracks one seed recovery or dry-run verification flow. The
// cursor mirrors the position the device last reported.
type RecoverySession struct {
	SessionID    string       `json:"session_id"`
	DeviceID     string       `json:"device_id"`
	Step         RecoveryStep `json:"step"`
	DryRun       bool         `json:"dry_run"`
	WordCount    uint32       `json:"word_count"`
	WordPos      uint32       `json:"word_pos"`
	CharacterPos uint32       `json:"character_pos"`
	Error        string       `json:"error,omitempty"`
}

func (s *RecoverySession) terminal() bool {
	return s.Step == RecoveryCompleted || s.Step == RecoveryFailed
}

// RecoveryManager owns all live recovery sessions, one active per device.
type RecoveryManager struct {
	registry *Registry

	mu       sync.Mutex
	sessions map[string]*RecoverySession
	byDevice map[string]string
}

func NewRecoveryManager(registry *Registry) *RecoveryManager {
	return &RecoveryManager{
		registry: registry,
		sessions: make(map[string]*RecoverySession),
		byDevice: make(map[string]string),
	}
}

func validWordCount(n uint32) bool {
	return n == 12 || n == 18 || n == 24
}

// StartRecovery begins cipher-based seed entry. If the device already has an
// active session the existing session is returned instead of erroring, so a
// client reconnecting mid-recovery can resume.
func (m *RecoveryManager) StartRecovery(ctx context.Context, deviceID string, wordCount uint32, passphrase bool, label string) (*RecoverySession, error) {
	if !validWordCount(wordCount) {
		return nil, invalidInput("word count must be 12, 18 or 24, got %d", wordCount)
	}
	return m.start(ctx, deviceID, firmware.RecoveryDevice{
		WordCount:            wordCount,
		PassphraseProtection: passphrase,
		PinProtection:        true,
		Label:                label,
		UseCharacterCipher:   true,
	})
}

// StartVerification begins a dry-run recovery that checks the entered seed
// against the device's stored one without changing device state.
func (m *RecoveryManager) StartVerification(ctx context.Context, deviceID string, wordCount uint32) (*RecoverySession, error) {
	if !validWordCount(wordCount) {
		return nil, invalidInput("word count must be 12, 18 or 24, got %d", wordCount)
	}
	return m.start(ctx, deviceID, firmware.RecoveryDevice{
		WordCount:          wordCount,
		UseCharacterCipher: true,
		DryRun:             true,
	})
}

func (m *RecoveryManager) start(ctx context.Context, deviceID string, msg firmware.RecoveryDevice) (*RecoverySession, error) {
	deviceID = m.registry.Canonical(deviceID)

	m.mu.Lock()
	if existingID, ok := m.byDevice[deviceID]; ok {
		existing := m.sessions[existingID]
		if existing != nil && !existing.terminal() {
			m.mu.Unlock()
			log.Info().Str("device_id", deviceID).Str("session_id", existingID).
				Msg("resuming active recovery session")
			return existing, nil
		}
	}
	m.mu.Unlock()

	if err := m.registry.MarkRecoveryFlow(deviceID); err != nil {
		return nil, err
	}
	queue, err := m.registry.Queue(ctx, deviceID)
	if err != nil {
		m.registry.UnmarkRecoveryFlow(deviceID)
		return nil, err
	}
	reply, err := queue.Exchange(ctx, msg)
	if err != nil {
		m.registry.UnmarkRecoveryFlow(deviceID)
		return nil, err
	}

	session := &RecoverySession{
		SessionID: uuid.NewString(),
		DeviceID:  deviceID,
		DryRun:    msg.DryRun,
		WordCount: msg.WordCount,
	}
	// The device may confirm on-screen before character entry begins.
	if _, ok := reply.(*firmware.ButtonRequest); ok {
		reply, err = queue.Exchange(ctx, firmware.ButtonAck{})
		if err != nil {
			m.registry.UnmarkRecoveryFlow(deviceID)
			return nil, err
		}
	}
	switch r := reply.(type) {
	case *firmware.CharacterRequest:
		session.Step = RecoveryAwaitingCharacter
		session.WordPos = r.WordPos
		session.CharacterPos = r.CharacterPos
	case *firmware.PinMatrixRequest:
		session.Step = RecoveryAwaitingPin
	case *firmware.Failure:
		m.registry.UnmarkRecoveryFlow(deviceID)
		return nil, newDeviceError(KindDeviceRejected, deviceID,
			"device rejected recovery: %s", r.Message)
	default:
		m.registry.UnmarkRecoveryFlow(deviceID)
		return nil, newDeviceError(KindProtocolViolation, deviceID,
			"unexpected %s starting recovery", reply.Kind())
	}

	m.mu.Lock()
	m.sessions[session.SessionID] = session
	m.byDevice[deviceID] = session.SessionID
	m.mu.Unlock()
	log.Info().Str("device_id", deviceID).Str("session_id", session.SessionID).
		Bool("dry_run", session.DryRun).Uint32("word_count", session.WordCount).
		Msg("recovery session started")
	return session, nil
}

// CharacterInput is one keystroke of cipher-based seed entry.
type CharacterInput struct {
	Character string `json:"character,omitempty"`
	Space     bool   `json:"space,omitempty"`
	Delete    bool   `json:"delete,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// SubmitCharacter forwards one keystroke and advances the session from the
// device's reply.
func (m *RecoveryManager) SubmitCharacter(ctx context.Context, sessionID string, input CharacterInput) (*RecoverySession, error) {
	ack, err := characterAck(input)
	if err != nil {
		return nil, err
	}
	session, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if session.terminal() {
		return nil, invalidInput("recovery session %s already %s", sessionID, session.Step)
	}
	if session.Step != RecoveryAwaitingCharacter {
		return nil, invalidInput("recovery session %s is %s, not awaiting characters", sessionID, session.Step)
	}
	return m.step(ctx, session, ack)
}

// SubmitPin answers a PIN prompt interleaved into the recovery flow.
func (m *RecoveryManager) SubmitPin(ctx context.Context, sessionID string, positions []int) (*RecoverySession, error) {
	pin, err := positionsToPin(positions)
	if err != nil {
		return nil, err
	}
	session, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Step != RecoveryAwaitingPin {
		return nil, invalidInput("recovery session %s is %s, not awaiting a pin", sessionID, session.Step)
	}
	return m.step(ctx, session, firmware.PinMatrixAck{Pin: pin})
}

func (m *RecoveryManager) step(ctx context.Context, session *RecoverySession, msg firmware.Message) (*RecoverySession, error) {
	// Re-resolve in case the device re-enumerated mid-flow.
	deviceID := m.registry.Canonical(session.DeviceID)
	reply, err := m.exchange(ctx, deviceID, msg)
	if err != nil {
		// Recovery reboots the device; it can come back under a new
		// transient id. Relink and retry once before failing the session.
		if newID, ok := m.registry.RelinkDevice(ctx, deviceID); ok {
			m.registry.DropQueue(deviceID)
			reply, err = m.exchange(ctx, newID, msg)
		}
		if err != nil {
			return m.fail(session, err.Error()), err
		}
	}

	switch r := reply.(type) {
	case *firmware.CharacterRequest:
		m.mu.Lock()
		session.Step = RecoveryAwaitingCharacter
		session.WordPos = r.WordPos
		session.CharacterPos = r.CharacterPos
		m.mu.Unlock()
		return session, nil
	case *firmware.PinMatrixRequest:
		m.mu.Lock()
		session.Step = RecoveryAwaitingPin
		m.mu.Unlock()
		return session, nil
	case *firmware.Success:
		m.mu.Lock()
		session.Step = RecoveryCompleted
		m.mu.Unlock()
		m.release(session)
		log.Info().Str("device_id", session.DeviceID).Str("session_id", session.SessionID).
			Msg("recovery session completed")
		return session, nil
	case *firmware.Failure:
		failed := m.fail(session, r.Message)
		return failed, newDeviceError(KindDeviceRejected, session.DeviceID,
			"device rejected recovery step: %s", r.Message)
	default:
		failed := m.fail(session, "unexpected device reply")
		return failed, newDeviceError(KindProtocolViolation, session.DeviceID,
			"unexpected %s during recovery", reply.Kind())
	}
}

func (m *RecoveryManager) exchange(ctx context.Context, deviceID string, msg firmware.Message) (firmware.Message, error) {
	queue, err := m.registry.Queue(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	reply, err := queue.Exchange(ctx, msg)
	if err != nil {
		return nil, err
	}
	if _, ok := reply.(*firmware.ButtonRequest); ok {
		return queue.Exchange(ctx, firmware.ButtonAck{})
	}
	return reply, nil
}

// Session returns a snapshot of one session.
func (m *RecoveryManager) Session(sessionID string) (*RecoverySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, invalidInput("unknown recovery session %q", sessionID)
	}
	return session, nil
}

// Cancel aborts a session. The device cancel is best-effort; local markers
// and aliases are always released.
func (m *RecoveryManager) Cancel(ctx context.Context, sessionID string) error {
	session, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	if !session.terminal() {
		deviceID := m.registry.Canonical(session.DeviceID)
		if queue, ok := m.registry.ExistingQueue(deviceID); ok {
			if _, err := queue.Exchange(ctx, firmware.Cancel{}); err != nil {
				log.Warn().Err(err).Str("device_id", deviceID).
					Msg("recovery cancel not acknowledged by device")
			}
		}
	}
	m.mu.Lock()
	session.Step = RecoveryFailed
	session.Error = "cancelled"
	delete(m.sessions, sessionID)
	if m.byDevice[session.DeviceID] == sessionID {
		delete(m.byDevice, session.DeviceID)
	}
	m.mu.Unlock()
	m.registry.UnmarkRecoveryFlow(session.DeviceID)
	log.Info().Str("device_id", session.DeviceID).Str("session_id", sessionID).
		Msg("recovery session cancelled")
	return nil
}

func (m *RecoveryManager) fail(session *RecoverySession, reason string) *RecoverySession {
	m.mu.Lock()
	session.Step = RecoveryFailed
	session.Error = reason
	m.mu.Unlock()
	m.release(session)
	log.Warn().Str("device_id", session.DeviceID).Str("session_id", session.SessionID).
		Str("reason", reason).Msg("recovery session failed")
	return session
}

func (m *RecoveryManager) release(session *RecoverySession) {
	m.mu.Lock()
	if m.byDevice[session.DeviceID] == session.SessionID {
		delete(m.byDevice, session.DeviceID)
	}
	m.mu.Unlock()
	m.registry.UnmarkRecoveryFlow(session.DeviceID)
}

func characterAck(input CharacterInput) (firmware.CharacterAck, error) {
	set := 0
	if input.Character != "" {
		set++
	}
	if input.Space {
		set++
	}
	if input.Delete {
		set++
	}
	if input.Done {
		set++
	}
	if set != 1 {
		return firmware.CharacterAck{}, invalidInput("exactly one of character, space, delete or done must be set")
	}
	switch {
	case input.Space:
		return firmware.CharacterAck{Character: " "}, nil
	case input.Delete:
		return firmware.CharacterAck{Delete: true}, nil
	case input.Done:
		return firmware.CharacterAck{Done: true}, nil
	default:
		c := input.Character
		if len(c) != 1 || c[0] < 'a' || c[0] > 'z' {
			return firmware.CharacterAck{}, invalidInput("character must be a single lowercase letter, got %q", c)
		}
		return firmware.CharacterAck{Character: c}, nil
	}
}
