package vaultd

import "testing"

func TestEvaluateStatusDisconnected(t *testing.T) {
	status := EvaluateStatus("dev1", nil)
	if status.Connected {
		t.Fatal("nil snapshot must report disconnected")
	}
	if status.NeedsBootloaderUpdate || status.NeedsFirmwareUpdate ||
		status.NeedsInitialization || status.NeedsPinUnlock {
		t.Fatalf("disconnected device must flag nothing: %+v", status)
	}
}

func TestEvaluateStatusBootloaderModeOldGeneration(t *testing.T) {
	status := EvaluateStatus("dev1", &FeatureSnapshot{
		BootloaderMode: true,
		Version:        "1.0.3",
	})
	if !status.NeedsBootloaderUpdate {
		t.Fatal("old-generation bootloader must need a bootloader update")
	}
	if status.NeedsFirmwareUpdate {
		t.Fatal("bootloader update and firmware update are mutually exclusive")
	}
}

func TestEvaluateStatusBootloaderModeModernGeneration(t *testing.T) {
	status := EvaluateStatus("dev1", &FeatureSnapshot{
		BootloaderMode: true,
		Version:        "2.1.4",
	})
	if status.NeedsBootloaderUpdate {
		t.Fatal("modern bootloader must not be updated in place")
	}
	if !status.NeedsFirmwareUpdate {
		t.Fatal("modern bootloader mode means firmware install is needed to exit")
	}
}

func TestEvaluateStatusOutOfBoxPrioritizesBootloader(t *testing.T) {
	status := EvaluateStatus("dev1", &FeatureSnapshot{
		Version: "1.0.3",
	})
	if !status.NeedsBootloaderUpdate {
		t.Fatal("out-of-box firmware implies an out-of-box bootloader")
	}
	if status.NeedsFirmwareUpdate {
		t.Fatal("firmware update must be suppressed until the bootloader is current")
	}
}

func TestEvaluateStatusCurrentDevice(t *testing.T) {
	status := EvaluateStatus("dev1", &FeatureSnapshot{
		Version:           "7.10.0",
		BootloaderVersion: "2.1.4",
		Initialized:       true,
	})
	if status.NeedsBootloaderUpdate || status.NeedsFirmwareUpdate || status.NeedsInitialization {
		t.Fatalf("up-to-date device must flag nothing: %+v", status)
	}
}

func TestEvaluateStatusStaleFirmware(t *testing.T) {
	status := EvaluateStatus("dev1", &FeatureSnapshot{
		Version:           "7.3.0",
		BootloaderVersion: "2.1.4",
		Initialized:       true,
	})
	if status.NeedsBootloaderUpdate {
		t.Fatal("current bootloader must not be flagged")
	}
	if !status.NeedsFirmwareUpdate {
		t.Fatal("stale firmware must be flagged")
	}
}

func TestEvaluateStatusUninitializedNeedsSetup(t *testing.T) {
	status := EvaluateStatus("dev1", &FeatureSnapshot{
		Version:           "7.10.0",
		BootloaderVersion: "2.1.4",
		Initialized:       false,
		NoBackup:          true,
	})
	if !status.NeedsInitialization {
		t.Fatal("uninitialized device must need setup")
	}
	if status.NeedsPinUnlock {
		t.Fatal("uninitialized device has no PIN to unlock")
	}
}

func TestEvaluateStatusPinLockedInitializedDevice(t *testing.T) {
	status := EvaluateStatus("dev1", &FeatureSnapshot{
		Version:           "7.10.0",
		BootloaderVersion: "2.1.4",
		Initialized:       true,
		PinProtection:     true,
		PinCached:         false,
	})
	if status.NeedsInitialization {
		t.Fatal("a PIN-locked but initialized device must not be flagged for setup")
	}
	if !status.NeedsPinUnlock {
		t.Fatal("locked PIN must be flagged for unlock")
	}
}

func TestEvaluateStatusPinCachedNeedsNoUnlock(t *testing.T) {
	status := EvaluateStatus("dev1", &FeatureSnapshot{
		Version:           "7.10.0",
		BootloaderVersion: "2.1.4",
		Initialized:       true,
		PinProtection:     true,
		PinCached:         true,
	})
	if status.NeedsPinUnlock {
		t.Fatal("cached PIN must not require unlock")
	}
}

func TestVersionLessFallbackOnUnparsable(t *testing.T) {
	if !versionLess("v-unknown", "2.1.4") {
		t.Fatal("unparsable off-line version must compare as old")
	}
	if versionLess("2.1.9", "2.1.4") {
		t.Fatal("same minor line must not compare as old")
	}
}
