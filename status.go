package vaultd

import (
	"strings"

	"github.com/blang/semver/v4"
)

const (
	latestBootloaderVersion = "2.1.4"
	latestFirmwareVersion   = "7.10.0"
)

// BootloaderCheck explains the bootloader portion of a status evaluation.
type BootloaderCheck struct {
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	NeedsUpdate    bool   `json:"needs_update"`
}

// FirmwareCheck explains the firmware portion of a status evaluation.
type FirmwareCheck struct {
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	NeedsUpdate    bool   `json:"needs_update"`
}

// InitializationCheck explains the setup portion of a status evaluation.
type InitializationCheck struct {
	Initialized bool `json:"initialized"`
	HasBackup   bool `json:"has_backup"`
	Imported    bool `json:"imported"`
	NeedsSetup  bool `json:"needs_setup"`
}

// DeviceStatus is a derived, disposable view over one FeatureSnapshot.
// Never persisted; recomputed on demand.
type DeviceStatus struct {
	DeviceID              string               `json:"device_id"`
	Connected             bool                 `json:"connected"`
	Features              *FeatureSnapshot     `json:"features,omitempty"`
	NeedsBootloaderUpdate bool                 `json:"needs_bootloader_update"`
	NeedsFirmwareUpdate   bool                 `json:"needs_firmware_update"`
	NeedsInitialization   bool                 `json:"needs_initialization"`
	NeedsPinUnlock        bool                 `json:"needs_pin_unlock"`
	BootloaderCheck       *BootloaderCheck     `json:"bootloader_check,omitempty"`
	FirmwareCheck         *FirmwareCheck       `json:"firmware_check,omitempty"`
	InitializationCheck   *InitializationCheck `json:"initialization_check,omitempty"`
}

// EvaluateStatus derives the actionable status for a device from an optional
// feature snapshot. A nil snapshot means the device is not communicating; no
// update flags are raised and PIN unlock is never required.
//
// Priority rules:
//   - A device in bootloader mode on an old (1.x) bootloader needs a
//     bootloader update; on a modern bootloader it needs a firmware update
//     to exit bootloader mode. The two are mutually exclusive.
//   - An out-of-box device (firmware 1.0.x in normal mode) is held on the
//     bootloader update only; firmware is suppressed until the bootloader
//     is current.
//   - A PIN-locked but initialized device is never flagged as needing
//     initialization.
func EvaluateStatus(deviceID string, features *FeatureSnapshot) DeviceStatus {
	status := DeviceStatus{
		DeviceID:  deviceID,
		Connected: features != nil,
		Features:  features,
	}
	if features == nil {
		return status
	}

	bootloaderVersion := currentBootloaderVersion(features)
	needsBootloader := false
	if features.BootloaderMode {
		// In bootloader mode the device's own version string is the
		// bootloader version. Only the old generation is updated in place.
		needsBootloader = strings.HasPrefix(bootloaderVersion, "1.")
	} else {
		needsBootloader = versionLess(bootloaderVersion, latestBootloaderVersion)
	}
	status.BootloaderCheck = &BootloaderCheck{
		CurrentVersion: bootloaderVersion,
		LatestVersion:  latestBootloaderVersion,
		NeedsUpdate:    needsBootloader,
	}
	status.NeedsBootloaderUpdate = needsBootloader

	firmwareVersion := features.Version
	needsFirmware := false
	if features.BootloaderMode {
		// Modern bootloaders need a firmware install to leave bootloader
		// mode; old bootloaders take the bootloader update first.
		needsFirmware = !strings.HasPrefix(firmwareVersion, "1.")
	} else if strings.HasPrefix(firmwareVersion, "1.0.") {
		// Out of box: bootloader strictly prioritized.
		needsFirmware = false
	} else {
		needsFirmware = versionLess(firmwareVersion, latestFirmwareVersion)
	}
	status.FirmwareCheck = &FirmwareCheck{
		CurrentVersion: firmwareVersion,
		LatestVersion:  latestFirmwareVersion,
		NeedsUpdate:    needsFirmware,
	}
	status.NeedsFirmwareUpdate = needsFirmware

	if features.BootloaderMode {
		// Setup state is unobservable from bootloader mode; the update
		// takes priority and status is re-evaluated after reboot.
		status.InitializationCheck = &InitializationCheck{
			NeedsSetup: strings.HasPrefix(firmwareVersion, "1."),
		}
		return status
	}

	hasBackup := !features.NoBackup
	needsSetup := !features.Initialized || !hasBackup
	status.InitializationCheck = &InitializationCheck{
		Initialized: features.Initialized,
		HasBackup:   hasBackup,
		Imported:    features.Imported,
		NeedsSetup:  needsSetup,
	}
	status.NeedsInitialization = needsSetup
	status.NeedsPinUnlock = features.Initialized && features.PinProtection && !features.PinCached
	return status
}

// currentBootloaderVersion infers the bootloader version from a snapshot.
// Out-of-box devices report their firmware version as the bootloader
// version; modern firmware without an explicit field is assumed current.
func currentBootloaderVersion(features *FeatureSnapshot) string {
	if features.BootloaderMode {
		return features.Version
	}
	if strings.HasPrefix(features.Version, "1.0.") {
		return features.Version
	}
	if features.BootloaderVersion != "" {
		return features.BootloaderVersion
	}
	return latestBootloaderVersion
}

// versionLess compares two semantic versions, falling back to a string
// prefix heuristic when parsing fails.
func versionLess(current, latest string) bool {
	cur, errCur := semver.Parse(current)
	lat, errLat := semver.Parse(latest)
	if errCur == nil && errLat == nil {
		return cur.LT(lat)
	}
	// Heuristic fallback: treat anything off the latest minor line as old.
	latestLine := latest[:strings.LastIndex(latest, ".")+1]
	return current != latest && !strings.HasPrefix(current, latestLine)
}
