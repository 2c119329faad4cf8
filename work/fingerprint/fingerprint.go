// Package fingerprint derives stable device identities from request
// metadata. The same player reconnecting from the same address always maps
// to the same fingerprint, which is what lets a renewal reuse its slot
// instead of consuming a new one.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/grafana/regexp"

	"iptv-gate/work/types"
)

// Device describes one classified client device.
type Device struct {
	Fingerprint string
	Name        string
	Type        types.DeviceType
}

// Compute hashes the user agent and client IP into a 32 character device
// fingerprint.
func Compute(userAgent, ipAddress string) string {
	sum := sha256.Sum256([]byte(userAgent + ":" + ipAddress))
	return hex.EncodeToString(sum[:])[:32]
}

// Classify derives the full device identity from request metadata.
func Classify(userAgent, ipAddress string) Device {
	name, dtype := parseUserAgent(userAgent)
	return Device{
		Fingerprint: Compute(userAgent, ipAddress),
		Name:        name,
		Type:        dtype,
	}
}

// iptvApps maps user-agent substrings of well known IPTV players to a
// display name and device class. Checked before the generic patterns so
// "IPTV Smarters" on Android classifies as the app, not the OS.
var iptvApps = []struct {
	substr string
	name   string
	dtype  types.DeviceType
}{
	{"tivimate", "TiviMate", types.DeviceTV},
	{"iptv smarters", "IPTV Smarters", types.DeviceMobile},
	{"smarters", "IPTV Smarters", types.DeviceMobile},
	{"xciptv", "XCIPTV", types.DeviceMobile},
	{"ott navigator", "OTT Navigator", types.DeviceTV},
	{"perfect player", "Perfect Player", types.DeviceTV},
	{"kodi", "Kodi", types.DeviceTV},
	{"vlc", "VLC Media Player", types.DeviceDesktop},
	{"mpv", "MPV Player", types.DeviceDesktop},
	{"iptv pro", "IPTV Pro", types.DeviceMobile},
	{"gse", "GSE Smart IPTV", types.DeviceMobile},
	{"implayer", "iMPlayer", types.DeviceTV},
	{"duplex", "Duplex IPTV", types.DeviceTV},
	{"ibo player", "iBO Player", types.DeviceTV},
	{"lazy iptv", "Lazy IPTV", types.DeviceTV},
}

type uaPattern struct {
	re   *regexp.Regexp
	name string
}

var tvPatterns = []uaPattern{
	{regexp.MustCompile(`smarttv|smart-tv`), "Smart TV"},
	{regexp.MustCompile(`webos`), "LG Smart TV"},
	{regexp.MustCompile(`tizen`), "Samsung Smart TV"},
	{regexp.MustCompile(`roku`), "Roku"},
	{regexp.MustCompile(`fire ?tv`), "Amazon Fire TV"},
	{regexp.MustCompile(`androidtv`), "Android TV"},
	{regexp.MustCompile(`chromecast`), "Chromecast"},
	{regexp.MustCompile(`apple\s*tv`), "Apple TV"},
	{regexp.MustCompile(`playstation`), "PlayStation"},
	{regexp.MustCompile(`xbox`), "Xbox"},
}

var mobilePatterns = []uaPattern{
	{regexp.MustCompile(`iphone`), "iPhone"},
	{regexp.MustCompile(`ipad`), "iPad"},
	{regexp.MustCompile(`android.*mobile`), "Android Phone"},
	{regexp.MustCompile(`android`), "Android Device"},
}

var browserPatterns = []uaPattern{
	{regexp.MustCompile(`chrome`), "Chrome"},
	{regexp.MustCompile(`firefox`), "Firefox"},
	{regexp.MustCompile(`safari`), "Safari"},
	{regexp.MustCompile(`edge`), "Edge"},
	{regexp.MustCompile(`opera`), "Opera"},
}

func parseUserAgent(userAgent string) (string, types.DeviceType) {
	ua := strings.ToLower(userAgent)

	for _, app := range iptvApps {
		if strings.Contains(ua, app.substr) {
			return app.name, app.dtype
		}
	}

	for _, p := range tvPatterns {
		if p.re.MatchString(ua) {
			return p.name, types.DeviceTV
		}
	}

	for _, p := range mobilePatterns {
		if p.re.MatchString(ua) {
			return p.name, types.DeviceMobile
		}
	}

	for _, p := range browserPatterns {
		if p.re.MatchString(ua) {
			return p.name + " - " + desktopOS(ua), types.DeviceDesktop
		}
	}

	return "Unknown Device", types.DeviceUnknown
}

func desktopOS(ua string) string {
	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "mac"):
		return "macOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	default:
		return "Desktop"
	}
}
