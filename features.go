package vaultd

import (
	"encoding/hex"
	"fmt"

	"github.com/keepwallet/vaultd/firmware"
)

// FeatureSnapshot is a point-in-time device self-report, flattened from the
// wire Features message. Immutable once built; re-fetched per status check.
type FeatureSnapshot struct {
	Label                string   `json:"label,omitempty"`
	Vendor               string   `json:"vendor,omitempty"`
	Model                string   `json:"model,omitempty"`
	FirmwareVariant      string   `json:"firmware_variant,omitempty"`
	DeviceID             string   `json:"device_id,omitempty"`
	Language             string   `json:"language,omitempty"`
	BootloaderMode       bool     `json:"bootloader_mode"`
	Version              string   `json:"version"`
	FirmwareHash         string   `json:"firmware_hash,omitempty"`
	BootloaderHash       string   `json:"bootloader_hash,omitempty"`
	BootloaderVersion    string   `json:"bootloader_version,omitempty"`
	Initialized          bool     `json:"initialized"`
	Imported             bool     `json:"imported"`
	NoBackup             bool     `json:"no_backup"`
	PinProtection        bool     `json:"pin_protection"`
	PinCached            bool     `json:"pin_cached"`
	PassphraseProtection bool     `json:"passphrase_protection"`
	PassphraseCached     bool     `json:"passphrase_cached"`
	WipeCodeProtection   bool     `json:"wipe_code_protection"`
	AutoLockDelayMs      uint32   `json:"auto_lock_delay_ms,omitempty"`
	Policies             []string `json:"policies,omitempty"`
}

// snapshotFromFeatures flattens the wire message into the orchestration view.
func snapshotFromFeatures(f *firmware.Features) *FeatureSnapshot {
	return &FeatureSnapshot{
		Label:                f.Label,
		Vendor:               f.Vendor,
		Model:                f.Model,
		FirmwareVariant:      f.FirmwareVariant,
		DeviceID:             f.DeviceID,
		Language:             f.Language,
		BootloaderMode:       f.BootloaderMode,
		Version:              fmt.Sprintf("%d.%d.%d", f.MajorVersion, f.MinorVersion, f.PatchVersion),
		FirmwareHash:         hex.EncodeToString(f.FirmwareHash),
		BootloaderHash:       hex.EncodeToString(f.BootloaderHash),
		BootloaderVersion:    f.BootloaderVersion,
		Initialized:          f.Initialized,
		Imported:             f.Imported,
		NoBackup:             f.NoBackup,
		PinProtection:        f.PinProtection,
		PinCached:            f.PinCached,
		PassphraseProtection: f.PassphraseProtection,
		PassphraseCached:     f.PassphraseCached,
		WipeCodeProtection:   f.WipeCodeProtection,
		AutoLockDelayMs:      f.AutoLockDelayMs,
		Policies:             append([]string(nil), f.Policies...),
	}
}
