package utils

import (
	"fmt"

	"iptv-gate/work/config"
)

// LogURL returns either the original URL or an obfuscated version for
// logging, depending on configuration.
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return config.ObfuscateURL(url)
	}
	return url
}

// FormatBytes renders a byte count in human readable units.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
