package vaultd

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd/firmware"
)

// unsignedTxKey indexes the transaction being built in the signer's tx map;
// every other entry is keyed by the lowercase txid of a referenced previous
// transaction.
const unsignedTxKey = "unsigned"

// txReader consumes a raw serialized transaction left to right.
type txReader struct {
	buf []byte
	pos int
}

func (r *txReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, pkgerrors.Errorf("transaction truncated at byte %d", r.pos)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *txReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *txReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *txReader) varint() (uint64, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	switch b[0] {
	case 0xfd:
		v, err := r.take(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(v)), nil
	case 0xfe:
		v, err := r.u32()
		return uint64(v), err
	case 0xff:
		return r.u64()
	default:
		return uint64(b[0]), nil
	}
}

// parseTransactionHex decodes a legacy serialized Bitcoin-family transaction.
// Previous-output hashes come off the wire little endian and are stored
// reversed, matching the byte order the device asks with.
func parseTransactionHex(rawHex string) (*firmware.TransactionType, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, invalidInput("previous transaction is not valid hex")
	}
	r := &txReader{buf: raw}

	tx := &firmware.TransactionType{}
	if tx.Version, err = r.u32(); err != nil {
		return nil, err
	}
	inCount, err := r.varint()
	if err != nil {
		return nil, err
	}
	tx.InputsCnt = uint32(inCount)
	for i := uint64(0); i < inCount; i++ {
		var in firmware.TxInput
		hash, err := r.take(32)
		if err != nil {
			return nil, err
		}
		in.PrevHash = reverseBytes(hash)
		if in.PrevIndex, err = r.u32(); err != nil {
			return nil, err
		}
		scriptLen, err := r.varint()
		if err != nil {
			return nil, err
		}
		script, err := r.take(int(scriptLen))
		if err != nil {
			return nil, err
		}
		in.ScriptSig = append([]byte(nil), script...)
		if in.Sequence, err = r.u32(); err != nil {
			return nil, err
		}
		tx.Inputs = append(tx.Inputs, in)
	}
	outCount, err := r.varint()
	if err != nil {
		return nil, err
	}
	tx.OutputsCnt = uint32(outCount)
	for i := uint64(0); i < outCount; i++ {
		var out firmware.TxBinOutput
		if out.Amount, err = r.u64(); err != nil {
			return nil, err
		}
		scriptLen, err := r.varint()
		if err != nil {
			return nil, err
		}
		script, err := r.take(int(scriptLen))
		if err != nil {
			return nil, err
		}
		out.ScriptPubkey = append([]byte(nil), script...)
		tx.BinOutputs = append(tx.BinOutputs, out)
	}
	if tx.LockTime, err = r.u32(); err != nil {
		return nil, err
	}
	if r.pos != len(r.buf) {
		return nil, pkgerrors.Errorf("transaction has %d trailing bytes", len(r.buf)-r.pos)
	}
	return tx, nil
}

// serializeTransaction re-encodes a parsed previous transaction. Round-tripping
// through parseTransactionHex reproduces the input bytes.
func serializeTransaction(tx *firmware.TransactionType) []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, tx.Version)
	out = appendVarint(out, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		out = append(out, reverseBytes(in.PrevHash)...)
		out = binary.LittleEndian.AppendUint32(out, in.PrevIndex)
		out = appendVarint(out, uint64(len(in.ScriptSig)))
		out = append(out, in.ScriptSig...)
		out = binary.LittleEndian.AppendUint32(out, in.Sequence)
	}
	out = appendVarint(out, uint64(len(tx.BinOutputs)))
	for _, bin := range tx.BinOutputs {
		out = binary.LittleEndian.AppendUint64(out, bin.Amount)
		out = appendVarint(out, uint64(len(bin.ScriptPubkey)))
		out = append(out, bin.ScriptPubkey...)
	}
	out = binary.LittleEndian.AppendUint32(out, tx.LockTime)
	return out
}

func appendVarint(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 0xfd)
		return binary.LittleEndian.AppendUint16(buf, uint16(n))
	case n <= 0xffffffff:
		buf = append(buf, 0xfe)
		return binary.LittleEndian.AppendUint32(buf, uint32(n))
	default:
		buf = append(buf, 0xff)
		return binary.LittleEndian.AppendUint64(buf, n)
	}
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func inputScriptType(name string) (firmware.InputScriptType, error) {
	switch name {
	case "", ScriptTypeP2PKH:
		return firmware.SpendAddress, nil
	case ScriptTypeP2SHP2WPKH:
		return firmware.SpendP2SHWitness, nil
	case ScriptTypeP2WPKH:
		return firmware.SpendWitness, nil
	default:
		return 0, invalidInput("unknown input script type %q", name)
	}
}

func outputScriptType(name string) (firmware.OutputScriptType, error) {
	switch name {
	case "", ScriptTypeP2PKH:
		return firmware.PayToAddress, nil
	case ScriptTypeP2SHP2WPKH:
		return firmware.PayToScriptHash, nil
	case ScriptTypeP2WPKH:
		return firmware.PayToWitness, nil
	default:
		return 0, invalidInput("unknown output script type %q", name)
	}
}

// signingPlan holds the structured unsigned transaction and every referenced
// previous transaction, keyed the way TxRequest details address them.
type signingPlan struct {
	coin     string
	unsigned *firmware.TransactionType
	prev     map[string]*firmware.TransactionType
}

// buildSigningPlan validates a signing request and assembles its transaction
// map. Every input must carry the raw hex of the transaction it spends.
func buildSigningPlan(req SignTxRequest) (*signingPlan, error) {
	if len(req.Inputs) == 0 {
		return nil, invalidInput("transaction has no inputs")
	}
	if len(req.Outputs) == 0 {
		return nil, invalidInput("transaction has no outputs")
	}
	coin := req.Coin
	if coin == "" {
		coin = "Bitcoin"
	}
	version := req.Version
	if version == 0 {
		version = 1
	}

	unsigned := &firmware.TransactionType{
		Version:    version,
		InputsCnt:  uint32(len(req.Inputs)),
		OutputsCnt: uint32(len(req.Outputs)),
		LockTime:   req.LockTime,
	}
	prev := make(map[string]*firmware.TransactionType)

	for _, in := range req.Inputs {
		txid := strings.ToLower(strings.TrimSpace(in.Txid))
		prevHash, err := hex.DecodeString(txid)
		if err != nil || len(prevHash) != 32 {
			return nil, invalidInput("input txid %q is not a 32-byte hex hash", in.Txid)
		}
		addressN, err := ParseDerivationPath(in.Path)
		if err != nil {
			return nil, err
		}
		scriptType, err := inputScriptType(in.ScriptType)
		if err != nil {
			return nil, err
		}
		unsigned.Inputs = append(unsigned.Inputs, firmware.TxInput{
			AddressN:   addressN,
			PrevHash:   prevHash,
			PrevIndex:  in.Vout,
			Sequence:   0xffffffff,
			ScriptType: scriptType,
			Amount:     in.Amount,
		})
		parsed, ok := prev[txid]
		if !ok {
			if strings.TrimSpace(in.PrevTxHex) == "" {
				return nil, invalidInput("input %s:%d is missing its previous transaction hex", txid, in.Vout)
			}
			if parsed, err = parseTransactionHex(in.PrevTxHex); err != nil {
				return nil, wrapDeviceError(err, KindInvalidInput, "", "parse previous transaction "+txid)
			}
			prev[txid] = parsed
		}
		// Bounds-check every input, including repeats of an already-parsed
		// txid.
		if uint64(in.Vout) >= uint64(len(parsed.BinOutputs)) {
			return nil, invalidInput("input %s:%d exceeds the previous transaction's %d outputs",
				txid, in.Vout, len(parsed.BinOutputs))
		}
	}

	for _, out := range req.Outputs {
		fw := firmware.TxOutput{Amount: out.Amount}
		switch strings.ToLower(out.AddressType) {
		case "", "spend":
			if out.Address == "" {
				return nil, invalidInput("spend output is missing an address")
			}
			fw.Address = out.Address
			fw.AddressType = firmware.AddressTypeSpend
		case "change":
			if out.Path == "" {
				return nil, invalidInput("change output is missing a derivation path")
			}
			addressN, err := ParseDerivationPath(out.Path)
			if err != nil {
				return nil, err
			}
			fw.AddressN = addressN
			fw.AddressType = firmware.AddressTypeChange
		default:
			return nil, invalidInput("unknown output address type %q", out.AddressType)
		}
		scriptType, err := outputScriptType(out.ScriptType)
		if err != nil {
			return nil, err
		}
		fw.ScriptType = scriptType
		unsigned.Outputs = append(unsigned.Outputs, fw)
	}

	return &signingPlan{coin: coin, unsigned: unsigned, prev: prev}, nil
}

// lookupTx resolves a TxRequest scope: no tx_hash means the unsigned
// transaction, otherwise the previous transaction with that id.
func (p *signingPlan) lookupTx(txHash []byte) (*firmware.TransactionType, string, error) {
	if len(txHash) == 0 {
		return p.unsigned, unsignedTxKey, nil
	}
	key := hex.EncodeToString(txHash)
	tx, ok := p.prev[key]
	if !ok {
		return nil, key, pkgerrors.Errorf("device referenced unknown previous transaction %s", key)
	}
	return tx, key, nil
}

// signTransaction runs the multi-round signing protocol over an acquired
// queue. It returns the fully serialized signed transaction as hex, or an
// error with no partial result.
func signTransaction(ctx context.Context, deviceID string, queue *QueueHandle, req SignTxRequest) (string, error) {
	plan, err := buildSigningPlan(req)
	if err != nil {
		return "", err
	}

	var (
		serialized []byte
		signatures = make(map[uint32][]byte)
	)

	reply, err := queue.Exchange(ctx, firmware.SignTx{
		CoinName:     plan.coin,
		InputsCount:  plan.unsigned.InputsCnt,
		OutputsCount: plan.unsigned.OutputsCnt,
		Version:      plan.unsigned.Version,
		LockTime:     plan.unsigned.LockTime,
	})
	if err != nil {
		return "", err
	}

	for round := 0; ; round++ {
		if round > maxSigningRounds {
			return "", newDeviceError(KindProtocolViolation, deviceID,
				"signing exceeded %d protocol rounds", maxSigningRounds)
		}

		txReq, ok := reply.(*firmware.TxRequest)
		if !ok {
			if failure, isFailure := reply.(*firmware.Failure); isFailure {
				return "", newDeviceError(KindDeviceRejected, deviceID,
					"device rejected signing: %s", failure.Message)
			}
			return "", newDeviceError(KindProtocolViolation, deviceID,
				"unexpected %s during signing", reply.Kind())
		}

		if s := txReq.Serialized; s != nil {
			if s.SignatureIndex != nil && len(s.Signature) > 0 {
				signatures[*s.SignatureIndex] = append([]byte(nil), s.Signature...)
			}
			if len(s.SerializedTx) > 0 {
				serialized = append(serialized, s.SerializedTx...)
			}
		}

		if txReq.Type == firmware.TxRequestFinished {
			log.Info().
				Str("device_id", deviceID).
				Int("rounds", round).
				Int("signatures", len(signatures)).
				Int("size", len(serialized)).
				Msg("transaction signed")
			return hex.EncodeToString(serialized), nil
		}

		var details firmware.TxRequestDetails
		if txReq.Details != nil {
			details = *txReq.Details
		}
		tx, txKey, err := plan.lookupTx(details.TxHash)
		if err != nil {
			return "", newDeviceError(KindProtocolViolation, deviceID, "%s", err.Error())
		}

		ack := firmware.TransactionType{}
		index := details.RequestIndex
		switch txReq.Type {
		case firmware.TxRequestInput:
			if uint64(index) >= uint64(len(tx.Inputs)) {
				return "", newDeviceError(KindProtocolViolation, deviceID,
					"device asked for input %d of %s which has %d", index, txKey, len(tx.Inputs))
			}
			ack.Inputs = []firmware.TxInput{tx.Inputs[index]}
		case firmware.TxRequestOutput:
			if txKey == unsignedTxKey {
				if uint64(index) >= uint64(len(tx.Outputs)) {
					return "", newDeviceError(KindProtocolViolation, deviceID,
						"device asked for output %d of %s which has %d", index, txKey, len(tx.Outputs))
				}
				ack.Outputs = []firmware.TxOutput{tx.Outputs[index]}
			} else {
				if uint64(index) >= uint64(len(tx.BinOutputs)) {
					return "", newDeviceError(KindProtocolViolation, deviceID,
						"device asked for output %d of %s which has %d", index, txKey, len(tx.BinOutputs))
				}
				ack.BinOutputs = []firmware.TxBinOutput{tx.BinOutputs[index]}
			}
		case firmware.TxRequestMeta:
			ack.Version = tx.Version
			ack.InputsCnt = tx.InputsCnt
			ack.LockTime = tx.LockTime
			if txKey == unsignedTxKey {
				ack.OutputsCnt = uint32(len(tx.Outputs))
			} else {
				ack.OutputsCnt = uint32(len(tx.BinOutputs))
			}
		default:
			return "", newDeviceError(KindProtocolViolation, deviceID,
				"unknown tx request type %d", txReq.Type)
		}

		reply, err = queue.Exchange(ctx, firmware.TxAck{Tx: &ack})
		if err != nil {
			return "", err
		}
	}
}

// maxSigningRounds bounds the protocol loop against a device that never
// reaches TXFINISHED.
const maxSigningRounds = 4096
