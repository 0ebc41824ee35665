package vaultd

import (
	"fmt"
	"strconv"
	"strings"
)

const hardenedBit = 0x80000000

// ParseDerivationPath parses a BIP-32 path like "m/44'/0'/0'/0/0" into its
// hardened-aware uint32 components. Validation happens here, before any
// device communication.
func ParseDerivationPath(path string) ([]uint32, error) {
	trimmed := strings.TrimSpace(path)
	trimmed = strings.TrimPrefix(trimmed, "m/")
	trimmed = strings.TrimPrefix(trimmed, "M/")
	if trimmed == "" || trimmed == "m" {
		return nil, invalidInput("empty derivation path %q", path)
	}
	parts := strings.Split(trimmed, "/")
	out := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		number := strings.TrimRight(part, "'h")
		value, err := strconv.ParseUint(number, 10, 32)
		if err != nil {
			return nil, invalidInput("invalid path component %q in %q", part, path)
		}
		if value >= hardenedBit {
			return nil, invalidInput("path component %q out of range in %q", part, path)
		}
		if hardened {
			value |= hardenedBit
		}
		out = append(out, uint32(value))
	}
	return out, nil
}

// FormatDerivationPath renders components back to "m/44'/0'/0'/0/0" form.
func FormatDerivationPath(components []uint32) string {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		if c&hardenedBit != 0 {
			parts = append(parts, fmt.Sprintf("%d'", c&^uint32(hardenedBit)))
		} else {
			parts = append(parts, strconv.FormatUint(uint64(c), 10))
		}
	}
	return "m/" + strings.Join(parts, "/")
}

// Script types accepted on UTXO requests.
const (
	ScriptTypeP2PKH      = "p2pkh"
	ScriptTypeP2SHP2WPKH = "p2sh-p2wpkh"
	ScriptTypeP2WPKH     = "p2wpkh"
)

// InferScriptType maps a path's purpose field onto the script type its
// extended public key is conventionally used with. Unknown purposes return
// "".
func InferScriptType(path string) string {
	switch {
	case strings.HasPrefix(path, "m/44'"):
		return ScriptTypeP2PKH
	case strings.HasPrefix(path, "m/49'"):
		return ScriptTypeP2SHP2WPKH
	case strings.HasPrefix(path, "m/84'"):
		return ScriptTypeP2WPKH
	default:
		return ""
	}
}
