package vaultd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd/firmware"
	"github.com/keepwallet/vaultd/pkg/cachestore"
)

const (
	// featureTimeout bounds the status-check feature fetch. Anything longer
	// means the device is effectively unreachable for gating purposes.
	featureTimeout = 30 * time.Second

	// responseCapacity bounds the completed-response store used for
	// out-of-band polling. Old responses are evicted least-recently-used.
	responseCapacity = 512
)

// Dispatcher gates every request on device status, routes it to the right
// handler, and records its response before publishing the completion event.
type Dispatcher struct {
	registry *Registry
	cache    *DerivationCache
	events   *Emitter

	responses *lru.Cache[string, Response]

	mu sync.Mutex
	// oobBootloader marks devices last seen in bootloader mode whose
	// early-boot firmware cannot answer a feature query.
	oobBootloader map[string]bool
}

func NewDispatcher(registry *Registry, cache *DerivationCache, events *Emitter) (*Dispatcher, error) {
	responses, err := lru.New[string, Response](responseCapacity)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		registry:      registry,
		cache:         cache,
		events:        events,
		responses:     responses,
		oobBootloader: make(map[string]bool),
	}, nil
}

// Submit runs one request end to end. The returned response is stored for
// polling before the completion event fires, so an observer reacting to the
// event always finds it.
func (d *Dispatcher) Submit(ctx context.Context, deviceID, requestID string, req Request) Response {
	deviceID = d.registry.Canonical(deviceID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	resp := d.handle(ctx, deviceID, requestID, req)
	d.responses.Add(requestID, resp)
	d.events.Emit(EventResponse, deviceID, resp)
	return resp
}

// Response returns a previously completed response by request id.
func (d *Dispatcher) Response(requestID string) (Response, bool) {
	return d.responses.Get(requestID)
}

func (d *Dispatcher) handle(ctx context.Context, deviceID, requestID string, req Request) Response {
	result, err := d.dispatch(ctx, deviceID, req)
	if err != nil {
		kind := KindOf(err)
		if kind == KindDeviceClaimed {
			d.events.Emit(EventAccessDenied, deviceID, err.Error())
		}
		log.Warn().Str("device_id", deviceID).Str("request_id", requestID).
			Str("kind", req.requestKind()).Str("error_kind", string(kind)).
			Err(err).Msg("request failed")
		return Response{
			RequestID: requestID,
			DeviceID:  deviceID,
			Kind:      req.requestKind(),
			Error:     err.Error(),
			ErrorCode: string(kind),
		}
	}
	result.RequestID = requestID
	result.DeviceID = deviceID
	result.Kind = req.requestKind()
	result.Success = true
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, deviceID string, req Request) (Response, error) {
	// A bare feature query always passes so clients can observe any state.
	if _, ok := req.(FeaturesRequest); ok {
		return d.handleFeatures(ctx, deviceID)
	}

	queue, err := d.registry.Queue(ctx, deviceID)
	if err != nil {
		return Response{}, err
	}
	if err := d.gate(ctx, deviceID, queue); err != nil {
		return Response{}, err
	}

	switch r := req.(type) {
	case AddressRequest:
		return d.handleAddress(ctx, deviceID, queue, r)
	case XpubRequest:
		return d.handleXpub(ctx, deviceID, queue, r)
	case SignTxRequest:
		signed, err := signTransaction(ctx, deviceID, queue, r)
		if err != nil {
			return Response{}, err
		}
		return Response{SignedTx: signed}, nil
	case RawRequest:
		return d.handleRaw(ctx, deviceID, queue, r)
	case PingRequest, EntropyRequest, PublicKeyRequest, ApplySettingsRequest, ClearSessionRequest, WipeDeviceRequest:
		return d.handleSystem(ctx, deviceID, queue, req)
	default:
		return Response{}, invalidInput("unsupported request kind %q", req.requestKind())
	}
}

// gate enforces the status preconditions of every non-feature request.
func (d *Dispatcher) gate(ctx context.Context, deviceID string, queue *QueueHandle) error {
	if d.registry.InAnyFlow(deviceID) {
		return newDeviceError(KindDeviceBusy, deviceID,
			"device is in an interactive flow; complete or cancel it first")
	}

	features, err := d.fetchFeatures(ctx, deviceID, queue)
	if err != nil {
		if KindOf(err) == KindDeviceClaimed {
			return err
		}
		// Early-boot bootloaders cannot answer a feature query. If the
		// device still enumerates and was last seen in bootloader mode,
		// treat it as still needing its update rather than unreachable.
		if d.knownOOBBootloader(deviceID) && d.registry.Enumerable(ctx, deviceID) {
			return newDeviceError(KindRequiresUpdateOrInit, deviceID,
				"device is in bootloader mode and needs a firmware update before use")
		}
		if !d.registry.Enumerable(ctx, deviceID) {
			return wrapDeviceError(err, KindDeviceNotFound, deviceID,
				"device is in an unknown state and no longer enumerates")
		}
		return err
	}

	status := EvaluateStatus(deviceID, features)
	d.markOOBBootloader(deviceID, features.BootloaderMode)

	var missing []string
	if status.NeedsBootloaderUpdate {
		missing = append(missing, "bootloader update")
	}
	if status.NeedsFirmwareUpdate {
		missing = append(missing, "firmware update")
	}
	if status.NeedsInitialization {
		missing = append(missing, "initialization")
	}
	if len(missing) > 0 {
		return newDeviceError(KindRequiresUpdateOrInit, deviceID,
			"device requires %s before accepting requests", strings.Join(missing, ", "))
	}

	if status.NeedsPinUnlock {
		return d.triggerPinUnlock(ctx, deviceID, queue)
	}
	return nil
}

// triggerPinUnlock provokes the device's PIN prompt so the operator can
// unlock, then tells the caller to retry after PIN entry.
func (d *Dispatcher) triggerPinUnlock(ctx context.Context, deviceID string, queue *QueueHandle) error {
	if err := d.registry.MarkPinFlow(deviceID); err != nil {
		return err
	}
	reply, err := queue.Exchange(ctx, pinProbeMessage())
	if err != nil {
		d.registry.UnmarkPinFlow(deviceID)
		return err
	}
	switch msg := reply.(type) {
	case *firmware.PinMatrixRequest:
		d.events.Emit(EventPinRequestTriggered, deviceID, map[string]any{
			"type": msg.Type,
		})
		return newDeviceError(KindRequiresPinUnlock, deviceID,
			"device is locked; start a pin unlock session, enter the pin, then retry")
	case *firmware.Failure:
		if failureMeansAwaitingPin(msg) {
			// The device was already sitting on a PIN prompt.
			d.events.Emit(EventPinRequestTriggered, deviceID, map[string]any{
				"type": firmware.PinMatrixRequestCurrent,
			})
			return newDeviceError(KindRequiresPinUnlock, deviceID,
				"device is already awaiting pin entry; start a pin unlock session to answer it")
		}
		d.registry.UnmarkPinFlow(deviceID)
		return newDeviceError(KindDeviceRejected, deviceID,
			"device rejected pin trigger: %s", msg.Message)
	default:
		d.registry.UnmarkPinFlow(deviceID)
		return newDeviceError(KindProtocolViolation, deviceID,
			"unexpected %s triggering pin prompt", reply.Kind())
	}
}

func (d *Dispatcher) fetchFeatures(ctx context.Context, deviceID string, queue *QueueHandle) (*FeatureSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, featureTimeout)
	defer cancel()
	features, err := queue.Features(ctx)
	if err != nil {
		return nil, err
	}
	d.events.Emit(EventFeatures, deviceID, features)
	return features, nil
}

func (d *Dispatcher) knownOOBBootloader(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.oobBootloader[deviceID]
}

func (d *Dispatcher) markOOBBootloader(deviceID string, inBootloader bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inBootloader {
		d.oobBootloader[deviceID] = true
	} else {
		delete(d.oobBootloader, deviceID)
	}
}

func (d *Dispatcher) handleFeatures(ctx context.Context, deviceID string) (Response, error) {
	queue, err := d.registry.Queue(ctx, deviceID)
	if err != nil {
		return Response{}, err
	}
	features, err := d.fetchFeatures(ctx, deviceID, queue)
	if err != nil {
		return Response{}, err
	}
	d.markOOBBootloader(deviceID, features.BootloaderMode)
	return Response{Features: features}, nil
}

func (d *Dispatcher) handleAddress(ctx context.Context, deviceID string, queue *QueueHandle, req AddressRequest) (Response, error) {
	addressN, err := ParseDerivationPath(req.Path)
	if err != nil {
		return Response{}, err
	}
	coin := req.Coin
	scriptType := req.ScriptType
	if req.Network == NetworkUTXO {
		if coin == "" {
			coin = "Bitcoin"
		}
		if scriptType == "" {
			scriptType = InferScriptType(req.Path)
		}
	} else {
		coin = string(req.Network)
		scriptType = ""
	}

	key := cachestore.Key{
		DeviceID:   deviceID,
		Path:       req.Path,
		Coin:       coin,
		ScriptType: scriptType,
	}
	// ShowDisplay must reach the device even when cached; the point is the
	// on-screen confirmation, not the value.
	if !req.ShowDisplay {
		if val, ok := d.cache.Lookup(ctx, key); ok && val.Address != "" {
			return Response{Path: req.Path, ScriptType: scriptType, Address: val.Address}, nil
		}
	}

	address, err := d.deriveAddress(ctx, deviceID, queue, req, addressN, coin, scriptType)
	if err != nil {
		return Response{}, err
	}
	d.cache.Remember(ctx, key, cachestore.Value{Address: address})
	return Response{Path: req.Path, ScriptType: scriptType, Address: address}, nil
}

func (d *Dispatcher) deriveAddress(ctx context.Context, deviceID string, queue *QueueHandle, req AddressRequest, addressN []uint32, coin, scriptType string) (string, error) {
	var msg firmware.Message
	switch req.Network {
	case NetworkUTXO:
		st, err := inputScriptType(scriptType)
		if err != nil {
			return "", err
		}
		msg = firmware.GetAddress{AddressN: addressN, CoinName: coin, ScriptType: st, ShowDisplay: req.ShowDisplay}
	case NetworkEthereum:
		msg = firmware.EthereumGetAddress{AddressN: addressN, ShowDisplay: req.ShowDisplay}
	case NetworkCosmos, NetworkThorchain, NetworkMayachain, NetworkOsmosis, NetworkTendermint:
		msg = firmware.TendermintGetAddress{AddressN: addressN, HRP: bech32HRPs[req.Network], ShowDisplay: req.ShowDisplay}
	case NetworkXRP:
		msg = firmware.XrpGetAddress{AddressN: addressN, ShowDisplay: req.ShowDisplay}
	case NetworkBinance:
		msg = firmware.BinanceGetAddress{AddressN: addressN, ShowDisplay: req.ShowDisplay}
	default:
		return "", invalidInput("unsupported network %q", req.Network)
	}

	reply, err := queue.Exchange(ctx, msg)
	if err != nil {
		return "", err
	}
	if _, ok := reply.(*firmware.ButtonRequest); ok {
		reply, err = queue.Exchange(ctx, firmware.ButtonAck{})
		if err != nil {
			return "", err
		}
	}
	switch r := reply.(type) {
	case *firmware.Address:
		return r.Address, nil
	case *firmware.EthereumAddress:
		return "0x" + hex.EncodeToString(r.Address), nil
	case *firmware.TendermintAddress:
		return r.Address, nil
	case *firmware.XrpAddress:
		return r.Address, nil
	case *firmware.BinanceAddress:
		return r.Address, nil
	case *firmware.Failure:
		return "", newDeviceError(KindDeviceRejected, deviceID,
			"device rejected address derivation: %s", r.Message)
	default:
		return "", newDeviceError(KindProtocolViolation, deviceID,
			"unexpected %s deriving address", reply.Kind())
	}
}

func (d *Dispatcher) handleXpub(ctx context.Context, deviceID string, queue *QueueHandle, req XpubRequest) (Response, error) {
	addressN, err := ParseDerivationPath(req.Path)
	if err != nil {
		return Response{}, err
	}
	scriptType := InferScriptType(req.Path)
	key := cachestore.Key{
		DeviceID:   deviceID,
		Path:       req.Path,
		Coin:       "Bitcoin",
		ScriptType: scriptType,
	}
	if val, ok := d.cache.Lookup(ctx, key); ok && val.Xpub != "" {
		return Response{Path: req.Path, ScriptType: scriptType, Xpub: val.Xpub}, nil
	}

	reply, err := queue.Exchange(ctx, firmware.GetPublicKey{AddressN: addressN, CoinName: "Bitcoin"})
	if err != nil {
		return Response{}, err
	}
	switch r := reply.(type) {
	case *firmware.PublicKey:
		d.cache.Remember(ctx, key, cachestore.Value{Xpub: r.Xpub})
		return Response{Path: req.Path, ScriptType: scriptType, Xpub: r.Xpub}, nil
	case *firmware.Failure:
		return Response{}, newDeviceError(KindDeviceRejected, deviceID,
			"device rejected xpub derivation: %s", r.Message)
	default:
		return Response{}, newDeviceError(KindProtocolViolation, deviceID,
			"unexpected %s deriving xpub", reply.Kind())
	}
}

func (d *Dispatcher) handleSystem(ctx context.Context, deviceID string, queue *QueueHandle, req Request) (Response, error) {
	var msg firmware.Message
	switch r := req.(type) {
	case PingRequest:
		msg = firmware.Ping{Message: r.Message, ButtonProtection: r.ButtonProtection}
	case EntropyRequest:
		if r.Size == 0 || r.Size > 1024 {
			return Response{}, invalidInput("entropy size must be 1-1024 bytes, got %d", r.Size)
		}
		msg = firmware.GetEntropy{Size: r.Size}
	case PublicKeyRequest:
		addressN, err := ParseDerivationPath(r.Path)
		if err != nil {
			return Response{}, err
		}
		msg = firmware.GetPublicKey{AddressN: addressN, EcdsaCurveName: r.Curve}
	case ApplySettingsRequest:
		msg = firmware.ApplySettings{
			Label:           r.Label,
			UsePassphrase:   r.UsePassphrase,
			AutoLockDelayMs: r.AutoLockDelayMs,
		}
	case ClearSessionRequest:
		msg = firmware.ClearSession{}
	case WipeDeviceRequest:
		msg = firmware.WipeDevice{}
	default:
		return Response{}, invalidInput("unsupported system request %q", req.requestKind())
	}

	reply, err := queue.Exchange(ctx, msg)
	if err != nil {
		return Response{}, err
	}
	if _, ok := reply.(*firmware.ButtonRequest); ok {
		reply, err = queue.Exchange(ctx, firmware.ButtonAck{})
		if err != nil {
			return Response{}, err
		}
	}
	switch r := reply.(type) {
	case *firmware.Success:
		return Response{Message: r.Message}, nil
	case *firmware.Entropy:
		return Response{Entropy: hex.EncodeToString(r.Entropy)}, nil
	case *firmware.PublicKey:
		return Response{Xpub: r.Xpub}, nil
	case *firmware.Failure:
		return Response{}, newDeviceError(KindDeviceRejected, deviceID,
			"device rejected %s: %s", req.requestKind(), r.Message)
	default:
		return Response{}, newDeviceError(KindProtocolViolation, deviceID,
			"unexpected %s answering %s", reply.Kind(), req.requestKind())
	}
}

// handleRaw passes a pre-encoded message body through unchanged and returns
// the reply as raw JSON.
func (d *Dispatcher) handleRaw(ctx context.Context, deviceID string, queue *QueueHandle, req RawRequest) (Response, error) {
	if req.MessageType == "" {
		return Response{}, invalidInput("raw request is missing a message type")
	}
	reply, err := queue.Exchange(ctx, firmware.Raw{Name: req.MessageType, Body: req.Data})
	if err != nil {
		return Response{}, err
	}
	if failure, ok := reply.(*firmware.Failure); ok {
		return Response{}, newDeviceError(KindDeviceRejected, deviceID,
			"device rejected %s: %s", req.MessageType, failure.Message)
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return Response{}, wrapDeviceError(err, KindProtocolViolation, deviceID, "encode raw reply")
	}
	return Response{Message: reply.Kind(), Raw: body}, nil
}

// Frontload warms the derivation cache for a standard path set in the
// background. Failures are logged, not surfaced; foreground requests for the
// same keys coalesce through the shared read-through.
func (d *Dispatcher) Frontload(ctx context.Context, deviceID string) {
	deviceID = d.registry.Canonical(deviceID)
	for _, fp := range standardFrontloadPaths() {
		if ctx.Err() != nil {
			return
		}
		if d.registry.InAnyFlow(deviceID) {
			log.Debug().Str("device_id", deviceID).Msg("frontload paused for interactive flow")
			return
		}
		var req Request
		if fp.WantXpub {
			req = XpubRequest{Path: fp.Path}
		} else {
			req = AddressRequest{Network: fp.Network, Path: fp.Path, Coin: fp.Coin, ScriptType: fp.ScriptType}
		}
		resp := d.Submit(ctx, deviceID, "", req)
		if !resp.Success {
			log.Debug().Str("device_id", deviceID).Str("path", fp.Path).
				Str("error", resp.Error).Msg("frontload derivation failed")
			if resp.ErrorCode != string(KindDeviceRejected) {
				// Device unreachable or gated; later paths will fail too.
				return
			}
		}
	}
	log.Info().Str("device_id", deviceID).Msg("frontload complete")
}
