package vaultd

import "encoding/json"

// Network identifies an address-derivation family. UTXO coins carry the
// concrete coin name separately.
type Network string

const (
	NetworkUTXO       Network = "utxo"
	NetworkEthereum   Network = "ethereum"
	NetworkCosmos     Network = "cosmos"
	NetworkThorchain  Network = "thorchain"
	NetworkMayachain  Network = "mayachain"
	NetworkOsmosis    Network = "osmosis"
	NetworkTendermint Network = "tendermint"
	NetworkXRP        Network = "xrp"
	NetworkBinance    Network = "binance"
)

// bech32HRPs maps Tendermint-family networks onto their address prefixes.
var bech32HRPs = map[Network]string{
	NetworkCosmos:     "cosmos",
	NetworkThorchain:  "thor",
	NetworkMayachain:  "maya",
	NetworkOsmosis:    "osmo",
	NetworkTendermint: "cosmos",
}

// Request is the closed sum of operations a client can submit for a device.
type Request interface{ requestKind() string }

// FeaturesRequest is a bare feature query. It bypasses the status gate so
// that clients can always observe device state.
type FeaturesRequest struct{}

// AddressRequest derives an address for a network at a path.
type AddressRequest struct {
	Network     Network `json:"network"`
	Path        string  `json:"path"`
	Coin        string  `json:"coin,omitempty"`        // UTXO networks only
	ScriptType  string  `json:"script_type,omitempty"` // UTXO networks only
	ShowDisplay bool    `json:"show_display,omitempty"`
}

// XpubRequest derives an extended public key at a path.
type XpubRequest struct {
	Path string `json:"path"`
}

// PingRequest round-trips a message through the device.
type PingRequest struct {
	Message          string `json:"message,omitempty"`
	ButtonProtection bool   `json:"button_protection,omitempty"`
}

// EntropyRequest asks the device for random bytes.
type EntropyRequest struct {
	Size uint32 `json:"size"`
}

// PublicKeyRequest derives a public key on a named curve.
type PublicKeyRequest struct {
	Path  string `json:"path"`
	Curve string `json:"curve,omitempty"`
}

// ApplySettingsRequest mutates device settings.
type ApplySettingsRequest struct {
	Label           *string `json:"label,omitempty"`
	UsePassphrase   *bool   `json:"use_passphrase,omitempty"`
	AutoLockDelayMs *uint32 `json:"auto_lock_delay_ms,omitempty"`
}

// ClearSessionRequest drops cached PIN/passphrase state.
type ClearSessionRequest struct{}

// WipeDeviceRequest factory-resets the device.
type WipeDeviceRequest struct{}

// TxSignInput is one input of a transaction to sign, referencing the raw
// hex of the transaction it spends.
type TxSignInput struct {
	Txid       string `json:"txid"`
	Vout       uint32 `json:"vout"`
	Amount     uint64 `json:"amount"`
	Path       string `json:"path"`
	ScriptType string `json:"script_type"`
	PrevTxHex  string `json:"prev_tx_hex"`
}

// TxSignOutput is one output of a transaction to sign: a spend to an
// explicit address, or change back to a derivation path.
type TxSignOutput struct {
	Address     string `json:"address,omitempty"`
	Path        string `json:"path,omitempty"`
	Amount      uint64 `json:"amount"`
	AddressType string `json:"address_type"` // "spend" or "change"
	ScriptType  string `json:"script_type,omitempty"`
}

// SignTxRequest signs a UTXO transaction through the multi-round device
// protocol.
type SignTxRequest struct {
	Coin     string         `json:"coin"`
	Inputs   []TxSignInput  `json:"inputs"`
	Outputs  []TxSignOutput `json:"outputs"`
	Version  uint32         `json:"version"`
	LockTime uint32         `json:"lock_time"`
}

// RawRequest passes an opaque pre-framed message through to the device.
type RawRequest struct {
	MessageType string `json:"message_type"`
	Data        []byte `json:"data"`
}

func (FeaturesRequest) requestKind() string      { return "GetFeatures" }
func (AddressRequest) requestKind() string       { return "GetAddress" }
func (XpubRequest) requestKind() string          { return "GetXpub" }
func (PingRequest) requestKind() string          { return "Ping" }
func (EntropyRequest) requestKind() string       { return "GetEntropy" }
func (PublicKeyRequest) requestKind() string     { return "GetPublicKey" }
func (ApplySettingsRequest) requestKind() string { return "ApplySettings" }
func (ClearSessionRequest) requestKind() string  { return "ClearSession" }
func (WipeDeviceRequest) requestKind() string    { return "WipeDevice" }
func (SignTxRequest) requestKind() string        { return "SignTransaction" }
func (RawRequest) requestKind() string           { return "SendRaw" }

// Response is the single tagged reply to a submitted request, stored for
// out-of-band polling and published to observers.
type Response struct {
	RequestID string `json:"request_id"`
	DeviceID  string `json:"device_id"`
	Kind      string `json:"kind"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	Path       string           `json:"path,omitempty"`
	ScriptType string           `json:"script_type,omitempty"`
	Address    string           `json:"address,omitempty"`
	Xpub       string           `json:"xpub,omitempty"`
	SignedTx   string           `json:"signed_tx,omitempty"`
	Entropy    string           `json:"entropy,omitempty"`
	Message    string           `json:"message,omitempty"`
	Features   *FeatureSnapshot `json:"features,omitempty"`
	Raw        json.RawMessage  `json:"raw,omitempty"`
}
