// Package firmware defines the message vocabulary spoken by KeepKey-class
// hardware wallets and the transport boundary used to exchange it. The
// package is deliberately free of orchestration logic: one message in, one
// message out.
package firmware

// Message is a single framed protocol message. Exactly one request and one
// response are in flight per device at any time.
type Message interface {
	// Kind returns the wire name of the message, used for framing and logs.
	Kind() string
}

// PinMatrixRequestType tells the client which PIN entry the scrambled keypad
// prompt is for.
type PinMatrixRequestType int32

const (
	PinMatrixRequestCurrent   PinMatrixRequestType = 1
	PinMatrixRequestNewFirst  PinMatrixRequestType = 2
	PinMatrixRequestNewSecond PinMatrixRequestType = 3
)

// InputScriptType selects how a transaction input is spent.
type InputScriptType int32

const (
	SpendAddress     InputScriptType = 0 // p2pkh
	SpendMultisig    InputScriptType = 1
	SpendWitness     InputScriptType = 4 // p2wpkh
	SpendP2SHWitness InputScriptType = 5 // p2sh-p2wpkh
)

// OutputScriptType selects how a transaction output is encumbered.
type OutputScriptType int32

const (
	PayToAddress    OutputScriptType = 0
	PayToScriptHash OutputScriptType = 1
	PayToWitness    OutputScriptType = 4
)

// OutputAddressType distinguishes spend outputs from change back to the
// device's own keys.
type OutputAddressType int32

const (
	AddressTypeSpend  OutputAddressType = 0
	AddressTypeChange OutputAddressType = 2
)

// TxRequestType is what element the device asks for next during the signing
// protocol.
type TxRequestType int32

const (
	TxRequestInput    TxRequestType = 0
	TxRequestOutput   TxRequestType = 1
	TxRequestMeta     TxRequestType = 2
	TxRequestFinished TxRequestType = 3
)

// Initialize resets the protocol state machine and returns Features.
type Initialize struct{}

// GetFeatures asks the device for a fresh self-report.
type GetFeatures struct{}

// Features is the device's point-in-time self-report.
type Features struct {
	Vendor               string   `json:"vendor,omitempty"`
	MajorVersion         uint32   `json:"major_version"`
	MinorVersion         uint32   `json:"minor_version"`
	PatchVersion         uint32   `json:"patch_version"`
	BootloaderMode       bool     `json:"bootloader_mode,omitempty"`
	DeviceID             string   `json:"device_id,omitempty"`
	PinProtection        bool     `json:"pin_protection,omitempty"`
	PassphraseProtection bool     `json:"passphrase_protection,omitempty"`
	Language             string   `json:"language,omitempty"`
	Label                string   `json:"label,omitempty"`
	Initialized          bool     `json:"initialized,omitempty"`
	BootloaderHash       []byte   `json:"bootloader_hash,omitempty"`
	FirmwareHash         []byte   `json:"firmware_hash,omitempty"`
	BootloaderVersion    string   `json:"bootloader_version,omitempty"`
	Imported             bool     `json:"imported,omitempty"`
	PinCached            bool     `json:"pin_cached,omitempty"`
	PassphraseCached     bool     `json:"passphrase_cached,omitempty"`
	WipeCodeProtection   bool     `json:"wipe_code_protection,omitempty"`
	NoBackup             bool     `json:"no_backup,omitempty"`
	Model                string   `json:"model,omitempty"`
	FirmwareVariant      string   `json:"firmware_variant,omitempty"`
	AutoLockDelayMs      uint32   `json:"auto_lock_delay_ms,omitempty"`
	Policies             []string `json:"policies,omitempty"`
}

// Success is the device's generic positive terminal response.
type Success struct {
	Message string `json:"message,omitempty"`
}

// Failure is the device's explicit rejection, with a human-readable reason.
type Failure struct {
	Code    int32  `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ButtonRequest asks the operator to confirm an action on the device itself.
type ButtonRequest struct {
	Code string `json:"code,omitempty"`
}

// ButtonAck acknowledges a ButtonRequest.
type ButtonAck struct{}

// Cancel aborts the current device-side flow.
type Cancel struct{}

// Ping round-trips a message through the device.
type Ping struct {
	Message          string `json:"message,omitempty"`
	ButtonProtection bool   `json:"button_protection,omitempty"`
}

// GetEntropy asks for device-generated random bytes.
type GetEntropy struct {
	Size uint32 `json:"size"`
}

// Entropy carries device-generated random bytes.
type Entropy struct {
	Entropy []byte `json:"entropy"`
}

// EntropyRequest asks the host to contribute entropy during device reset.
type EntropyRequest struct{}

// EntropyAck answers an EntropyRequest.
type EntropyAck struct {
	Entropy []byte `json:"entropy"`
}

// GetPublicKey derives an extended public key at a path.
type GetPublicKey struct {
	AddressN       []uint32 `json:"address_n"`
	CoinName       string   `json:"coin_name,omitempty"`
	EcdsaCurveName string   `json:"ecdsa_curve_name,omitempty"`
	ShowDisplay    bool     `json:"show_display,omitempty"`
}

// PublicKey carries a derived extended public key.
type PublicKey struct {
	Xpub string `json:"xpub"`
}

// GetAddress derives a UTXO-coin address at a path.
type GetAddress struct {
	AddressN    []uint32        `json:"address_n"`
	CoinName    string          `json:"coin_name,omitempty"`
	ScriptType  InputScriptType `json:"script_type,omitempty"`
	ShowDisplay bool            `json:"show_display,omitempty"`
}

// Address carries a derived UTXO-coin address.
type Address struct {
	Address string `json:"address"`
}

// EthereumGetAddress derives an Ethereum account address.
type EthereumGetAddress struct {
	AddressN    []uint32 `json:"address_n"`
	ShowDisplay bool     `json:"show_display,omitempty"`
}

// EthereumAddress carries the raw 20-byte Ethereum address.
type EthereumAddress struct {
	Address []byte `json:"address"`
}

// TendermintGetAddress derives a bech32 address for a Tendermint-family
// chain, selected by the human-readable part.
type TendermintGetAddress struct {
	AddressN    []uint32 `json:"address_n"`
	HRP         string   `json:"hrp"`
	Testnet     bool     `json:"testnet,omitempty"`
	ShowDisplay bool     `json:"show_display,omitempty"`
}

// TendermintAddress carries a derived bech32 address.
type TendermintAddress struct {
	Address string `json:"address"`
}

// XrpGetAddress derives an XRP ledger address.
type XrpGetAddress struct {
	AddressN    []uint32 `json:"address_n"`
	ShowDisplay bool     `json:"show_display,omitempty"`
}

// XrpAddress carries a derived XRP address.
type XrpAddress struct {
	Address string `json:"address"`
}

// BinanceGetAddress derives a Binance chain address.
type BinanceGetAddress struct {
	AddressN    []uint32 `json:"address_n"`
	ShowDisplay bool     `json:"show_display,omitempty"`
}

// BinanceAddress carries a derived Binance chain address.
type BinanceAddress struct {
	Address string `json:"address"`
}

// ApplySettings mutates device settings. Nil fields are left untouched.
type ApplySettings struct {
	Label           *string `json:"label,omitempty"`
	UsePassphrase   *bool   `json:"use_passphrase,omitempty"`
	AutoLockDelayMs *uint32 `json:"auto_lock_delay_ms,omitempty"`
}

// ClearSession drops cached PIN/passphrase state on the device.
type ClearSession struct{}

// WipeDevice factory-resets the device.
type WipeDevice struct{}

// ResetDevice starts on-device wallet creation. PinProtection true makes the
// device open a PIN matrix before generating the seed.
type ResetDevice struct {
	DisplayRandom        bool   `json:"display_random,omitempty"`
	Strength             uint32 `json:"strength,omitempty"`
	PassphraseProtection bool   `json:"passphrase_protection,omitempty"`
	PinProtection        bool   `json:"pin_protection,omitempty"`
	Language             string `json:"language,omitempty"`
	Label                string `json:"label,omitempty"`
	NoBackup             bool   `json:"no_backup,omitempty"`
}

// RecoveryDevice starts seed recovery. DryRun verifies an existing seed
// without changing device state.
type RecoveryDevice struct {
	WordCount            uint32 `json:"word_count"`
	PassphraseProtection bool   `json:"passphrase_protection,omitempty"`
	PinProtection        bool   `json:"pin_protection,omitempty"`
	Language             string `json:"language,omitempty"`
	Label                string `json:"label,omitempty"`
	UseCharacterCipher   bool   `json:"use_character_cipher,omitempty"`
	DryRun               bool   `json:"dry_run,omitempty"`
}

// CharacterRequest is the device-side cursor during cipher-based seed entry.
type CharacterRequest struct {
	WordPos      uint32 `json:"word_pos"`
	CharacterPos uint32 `json:"character_pos"`
}

// CharacterAck answers a CharacterRequest with a letter, a word break, a
// backspace, or completion.
type CharacterAck struct {
	Character string `json:"character,omitempty"`
	Delete    bool   `json:"delete,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// PinMatrixRequest asks the client for scrambled-keypad PIN positions.
type PinMatrixRequest struct {
	Type PinMatrixRequestType `json:"type,omitempty"`
}

// PinMatrixAck answers a PinMatrixRequest. Pin holds keypad positions
// rendered as digits, not the literal PIN.
type PinMatrixAck struct {
	Pin string `json:"pin"`
}

// SignTx opens the multi-round transaction signing protocol.
type SignTx struct {
	CoinName     string `json:"coin_name"`
	InputsCount  uint32 `json:"inputs_count"`
	OutputsCount uint32 `json:"outputs_count"`
	Version      uint32 `json:"version"`
	LockTime     uint32 `json:"lock_time"`
}

// TxRequestDetails scopes a TxRequest to an element index and, when TxHash is
// set, to a referenced previous transaction instead of the unsigned one.
type TxRequestDetails struct {
	RequestIndex uint32 `json:"request_index"`
	TxHash       []byte `json:"tx_hash,omitempty"`
}

// TxRequestSerialized carries signed-transaction fragments attached to a
// TxRequest.
type TxRequestSerialized struct {
	SignatureIndex *uint32 `json:"signature_index,omitempty"`
	Signature      []byte  `json:"signature,omitempty"`
	SerializedTx   []byte  `json:"serialized_tx,omitempty"`
}

// TxRequest is the device's next demand in the signing protocol.
type TxRequest struct {
	Type       TxRequestType        `json:"request_type"`
	Details    *TxRequestDetails    `json:"details,omitempty"`
	Serialized *TxRequestSerialized `json:"serialized,omitempty"`
}

// TxInput is one structured transaction input.
type TxInput struct {
	AddressN   []uint32        `json:"address_n,omitempty"`
	PrevHash   []byte          `json:"prev_hash"`
	PrevIndex  uint32          `json:"prev_index"`
	ScriptSig  []byte          `json:"script_sig,omitempty"`
	Sequence   uint32          `json:"sequence"`
	ScriptType InputScriptType `json:"script_type,omitempty"`
	Amount     uint64          `json:"amount,omitempty"`
}

// TxOutput is one structured output of the unsigned transaction.
type TxOutput struct {
	Address     string            `json:"address,omitempty"`
	AddressN    []uint32          `json:"address_n,omitempty"`
	Amount      uint64            `json:"amount"`
	ScriptType  OutputScriptType  `json:"script_type"`
	AddressType OutputAddressType `json:"address_type"`
}

// TxBinOutput is one already-encumbered output of a referenced previous
// transaction.
type TxBinOutput struct {
	Amount       uint64 `json:"amount"`
	ScriptPubkey []byte `json:"script_pubkey"`
}

// TransactionType is the structured transaction form shuttled element by
// element through TxAck.
type TransactionType struct {
	Version    uint32        `json:"version"`
	InputsCnt  uint32        `json:"inputs_cnt"`
	OutputsCnt uint32        `json:"outputs_cnt"`
	Inputs     []TxInput     `json:"inputs,omitempty"`
	Outputs    []TxOutput    `json:"outputs,omitempty"`
	BinOutputs []TxBinOutput `json:"bin_outputs,omitempty"`
	LockTime   uint32        `json:"lock_time"`
	ExtraData  []byte        `json:"extra_data,omitempty"`
}

// TxAck answers a TxRequest with exactly the element that was asked for.
type TxAck struct {
	Tx *TransactionType `json:"tx,omitempty"`
}

func (Initialize) Kind() string           { return "Initialize" }
func (GetFeatures) Kind() string          { return "GetFeatures" }
func (Features) Kind() string             { return "Features" }
func (Success) Kind() string              { return "Success" }
func (Failure) Kind() string              { return "Failure" }
func (ButtonRequest) Kind() string        { return "ButtonRequest" }
func (ButtonAck) Kind() string            { return "ButtonAck" }
func (Cancel) Kind() string               { return "Cancel" }
func (Ping) Kind() string                 { return "Ping" }
func (GetEntropy) Kind() string           { return "GetEntropy" }
func (Entropy) Kind() string              { return "Entropy" }
func (EntropyRequest) Kind() string       { return "EntropyRequest" }
func (EntropyAck) Kind() string           { return "EntropyAck" }
func (GetPublicKey) Kind() string         { return "GetPublicKey" }
func (PublicKey) Kind() string            { return "PublicKey" }
func (GetAddress) Kind() string           { return "GetAddress" }
func (Address) Kind() string              { return "Address" }
func (EthereumGetAddress) Kind() string   { return "EthereumGetAddress" }
func (EthereumAddress) Kind() string      { return "EthereumAddress" }
func (TendermintGetAddress) Kind() string { return "TendermintGetAddress" }
func (TendermintAddress) Kind() string    { return "TendermintAddress" }
func (XrpGetAddress) Kind() string        { return "XrpGetAddress" }
func (XrpAddress) Kind() string           { return "XrpAddress" }
func (BinanceGetAddress) Kind() string    { return "BinanceGetAddress" }
func (BinanceAddress) Kind() string       { return "BinanceAddress" }
func (ApplySettings) Kind() string        { return "ApplySettings" }
func (ClearSession) Kind() string         { return "ClearSession" }
func (WipeDevice) Kind() string           { return "WipeDevice" }
func (ResetDevice) Kind() string          { return "ResetDevice" }
func (RecoveryDevice) Kind() string       { return "RecoveryDevice" }
func (CharacterRequest) Kind() string     { return "CharacterRequest" }
func (CharacterAck) Kind() string         { return "CharacterAck" }
func (PinMatrixRequest) Kind() string     { return "PinMatrixRequest" }
func (PinMatrixAck) Kind() string         { return "PinMatrixAck" }
func (SignTx) Kind() string               { return "SignTx" }
func (TxRequest) Kind() string            { return "TxRequest" }
func (TxAck) Kind() string                { return "TxAck" }
