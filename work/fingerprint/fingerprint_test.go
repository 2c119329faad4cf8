package fingerprint

import (
	"testing"

	"iptv-gate/work/types"
)

func TestComputeIsStable(t *testing.T) {
	a := Compute("TiviMate/4.7.0", "203.0.113.10")
	b := Compute("TiviMate/4.7.0", "203.0.113.10")

	if a != b {
		t.Fatalf("same inputs produced different fingerprints: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 character fingerprint, got %d: %q", len(a), a)
	}
}

func TestComputeVariesByInput(t *testing.T) {
	base := Compute("TiviMate/4.7.0", "203.0.113.10")

	if got := Compute("TiviMate/4.7.0", "203.0.113.11"); got == base {
		t.Error("different IP should produce a different fingerprint")
	}
	if got := Compute("VLC/3.0.18", "203.0.113.10"); got == base {
		t.Error("different user agent should produce a different fingerprint")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		wantName  string
		wantType  types.DeviceType
	}{
		{"tivimate", "TiviMate/4.7.0 (Android 11)", "TiviMate", types.DeviceTV},
		{"smarters", "IPTV Smarters Pro/3.1", "IPTV Smarters", types.DeviceMobile},
		{"vlc", "VLC/3.0.18 LibVLC/3.0.18", "VLC Media Player", types.DeviceDesktop},
		{"kodi", "Kodi/20.2 (Linux; x86_64)", "Kodi", types.DeviceTV},
		{"webos", "Mozilla/5.0 (Web0S; SmartTV) webOS.TV-2023", "LG Smart TV", types.DeviceTV},
		{"tizen", "Mozilla/5.0 (SMART-TV; Linux; Tizen 6.0)", "Samsung Smart TV", types.DeviceTV},
		{"firetv", "Mozilla/5.0 (Linux; Android 9; AFTMM) FireTV", "Amazon Fire TV", types.DeviceTV},
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 16_5 like Mac OS X)", "iPhone", types.DeviceMobile},
		{"android phone", "Mozilla/5.0 (Linux; Android 13; Pixel 7) Mobile", "Android Phone", types.DeviceMobile},
		{"android generic", "Dalvik/2.1.0 (Linux; Android 12)", "Android Device", types.DeviceMobile},
		{"chrome windows", "Mozilla/5.0 (Windows NT 10.0; Win64) Chrome/120.0", "Chrome - Windows", types.DeviceDesktop},
		{"firefox linux", "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Firefox/121.0", "Firefox - Linux", types.DeviceDesktop},
		{"unknown", "curl/8.4.0", "Unknown Device", types.DeviceUnknown},
		{"empty", "", "Unknown Device", types.DeviceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := Classify(tt.userAgent, "198.51.100.1")
			if dev.Name != tt.wantName {
				t.Errorf("name = %q, want %q", dev.Name, tt.wantName)
			}
			if dev.Type != tt.wantType {
				t.Errorf("type = %q, want %q", dev.Type, tt.wantType)
			}
			if len(dev.Fingerprint) != 32 {
				t.Errorf("fingerprint length = %d, want 32", len(dev.Fingerprint))
			}
		})
	}
}
