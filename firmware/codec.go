package firmware

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// Wire framing: a 2-byte big-endian kind tag, a 4-byte big-endian payload
// length, then the JSON-encoded message body. The tag table is closed; an
// unknown tag is a firmware-mismatch error, never skipped.

var kindTags = map[string]uint16{
	"Initialize":           0,
	"Ping":                 1,
	"Success":              2,
	"Failure":              3,
	"GetEntropy":           9,
	"Entropy":              10,
	"GetPublicKey":         11,
	"PublicKey":            12,
	"Features":             17,
	"GetFeatures":          55,
	"Cancel":               20,
	"ClearSession":         24,
	"ApplySettings":        25,
	"ButtonRequest":        26,
	"ButtonAck":            27,
	"GetAddress":           29,
	"Address":              30,
	"EntropyRequest":       35,
	"EntropyAck":           36,
	"SignTx":               15,
	"TxRequest":            21,
	"TxAck":                22,
	"PinMatrixRequest":     18,
	"PinMatrixAck":         19,
	"WipeDevice":           5,
	"ResetDevice":          14,
	"RecoveryDevice":       45,
	"CharacterRequest":     80,
	"CharacterAck":         81,
	"EthereumGetAddress":   56,
	"EthereumAddress":      57,
	"TendermintGetAddress": 600,
	"TendermintAddress":    601,
	"XrpGetAddress":        616,
	"XrpAddress":           617,
	"BinanceGetAddress":    700,
	"BinanceAddress":       701,
}

var kindFactories = map[uint16]func() Message{}

func init() {
	register := func(kind string, f func() Message) {
		tag, ok := kindTags[kind]
		if !ok {
			panic("firmware: unregistered kind " + kind)
		}
		kindFactories[tag] = f
	}
	register("Initialize", func() Message { return &Initialize{} })
	register("Ping", func() Message { return &Ping{} })
	register("Success", func() Message { return &Success{} })
	register("Failure", func() Message { return &Failure{} })
	register("GetEntropy", func() Message { return &GetEntropy{} })
	register("Entropy", func() Message { return &Entropy{} })
	register("GetPublicKey", func() Message { return &GetPublicKey{} })
	register("PublicKey", func() Message { return &PublicKey{} })
	register("Features", func() Message { return &Features{} })
	register("GetFeatures", func() Message { return &GetFeatures{} })
	register("Cancel", func() Message { return &Cancel{} })
	register("ClearSession", func() Message { return &ClearSession{} })
	register("ApplySettings", func() Message { return &ApplySettings{} })
	register("ButtonRequest", func() Message { return &ButtonRequest{} })
	register("ButtonAck", func() Message { return &ButtonAck{} })
	register("GetAddress", func() Message { return &GetAddress{} })
	register("Address", func() Message { return &Address{} })
	register("EntropyRequest", func() Message { return &EntropyRequest{} })
	register("EntropyAck", func() Message { return &EntropyAck{} })
	register("SignTx", func() Message { return &SignTx{} })
	register("TxRequest", func() Message { return &TxRequest{} })
	register("TxAck", func() Message { return &TxAck{} })
	register("PinMatrixRequest", func() Message { return &PinMatrixRequest{} })
	register("PinMatrixAck", func() Message { return &PinMatrixAck{} })
	register("WipeDevice", func() Message { return &WipeDevice{} })
	register("ResetDevice", func() Message { return &ResetDevice{} })
	register("RecoveryDevice", func() Message { return &RecoveryDevice{} })
	register("CharacterRequest", func() Message { return &CharacterRequest{} })
	register("CharacterAck", func() Message { return &CharacterAck{} })
	register("EthereumGetAddress", func() Message { return &EthereumGetAddress{} })
	register("EthereumAddress", func() Message { return &EthereumAddress{} })
	register("TendermintGetAddress", func() Message { return &TendermintGetAddress{} })
	register("TendermintAddress", func() Message { return &TendermintAddress{} })
	register("XrpGetAddress", func() Message { return &XrpGetAddress{} })
	register("XrpAddress", func() Message { return &XrpAddress{} })
	register("BinanceGetAddress", func() Message { return &BinanceGetAddress{} })
	register("BinanceAddress", func() Message { return &BinanceAddress{} })
}

// Raw is an escape hatch: a pre-encoded body sent under a named kind,
// bypassing the typed structs. The kind must still be a registered one.
type Raw struct {
	Name string
	Body []byte
}

func (r Raw) Kind() string { return r.Name }

// Marshal frames a message for the wire.
func Marshal(msg Message) ([]byte, error) {
	tag, ok := kindTags[msg.Kind()]
	if !ok {
		return nil, errors.Errorf("firmware: unknown message kind %q", msg.Kind())
	}
	var body []byte
	if raw, isRaw := msg.(Raw); isRaw {
		body = raw.Body
		if len(body) == 0 {
			body = []byte("{}")
		}
	} else {
		var err error
		body, err = json.Marshal(msg)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", msg.Kind())
		}
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, tag); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(body))); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// Unmarshal decodes a framed message from the wire.
func Unmarshal(data []byte) (Message, error) {
	if len(data) < 6 {
		return nil, errors.Errorf("firmware: short frame (%d bytes)", len(data))
	}
	tag := binary.BigEndian.Uint16(data[:2])
	size := binary.BigEndian.Uint32(data[2:6])
	body := data[6:]
	if uint32(len(body)) != size {
		return nil, errors.Errorf("firmware: frame length mismatch: header %d, body %d", size, len(body))
	}
	factory, ok := kindFactories[tag]
	if !ok {
		return nil, errors.Errorf("firmware: unknown message tag %d", tag)
	}
	msg := factory()
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, errors.Wrapf(err, "decode tag %d", tag)
	}
	return msg, nil
}
