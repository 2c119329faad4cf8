package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the IPTV gate server.
// It covers the public endpoints, session admission limits, the upstream
// origin, and the background maintenance intervals.
type Config struct {
	BaseURL               string         `json:"baseURL"`               // Public base URL used when rewriting playlist stream links
	ListenPort            int            `json:"listenPort"`            // TCP port the HTTP server binds to
	DatabasePath          string         `json:"databasePath"`          // Path to the SQLite database file
	SessionTimeout        time.Duration  `json:"sessionTimeout"`        // Idle duration after which a session is reclaimable
	ReaperInterval        time.Duration  `json:"reaperInterval"`        // How often the session reaper sweeps
	TouchInterval         time.Duration  `json:"touchInterval"`         // How often an active relay renews its session
	CacheDuration         time.Duration  `json:"cacheDuration"`         // TTL for cached playlist documents
	StreamTimeout         time.Duration  `json:"streamTimeout"`         // Timeout for upstream connection establishment
	IngestRefreshInterval time.Duration  `json:"ingestRefreshInterval"` // Interval for refreshing the catalog from the upstream
	WorkerThreads         int            `json:"workerThreads"`         // Worker pool size for catalog ingest tasks
	JWTSecret             string         `json:"jwtSecret"`             // Signing secret for admin tokens
	AdminTokenTTL         time.Duration  `json:"adminTokenTTL"`         // Lifetime of issued admin tokens
	Debug                 bool           `json:"debug"`                 // Enable debug logging
	ObfuscateUrls         bool           `json:"obfuscateUrls"`         // Obfuscate upstream URLs in logs
	Upstream              UpstreamConfig `json:"upstream"`              // Upstream media origin
}

// UpstreamConfig describes the upstream media origin: where the catalog is
// ingested from and where relayed bytes are fetched. When Username and
// Password are set the ingest treats the URL as an Xtream Codes portal,
// otherwise as a plain M3U playlist.
type UpstreamConfig struct {
	URL              string        `json:"url"`              // Base URL of the upstream origin or playlist
	Username         string        `json:"username"`         // Xtream Codes username (optional)
	Password         string        `json:"password"`         // Xtream Codes password (optional)
	UserAgent        string        `json:"userAgent"`        // User-Agent header for upstream requests
	ReqOrigin        string        `json:"reqOrigin"`        // Origin header for upstream requests
	ReqReferrer      string        `json:"reqReferrer"`      // Referer header for upstream requests
	MaxRetries       int           `json:"maxRetries"`       // Connect attempts before surfacing upstream_unavailable
	RetryDelay       time.Duration `json:"retryDelay"`       // Backoff between connect attempts
	RateLimit        int           `json:"rateLimit"`        // Upstream requests per second
	LiveIncludeRegex string        `json:"liveIncludeRegex,omitempty"`
	LiveExcludeRegex string        `json:"liveExcludeRegex,omitempty"`
	VODIncludeRegex  string        `json:"vodIncludeRegex,omitempty"`
	VODExcludeRegex  string        `json:"vodExcludeRegex,omitempty"`
}

// ConfigFile mirrors Config for JSON marshaling; duration fields are stored
// as strings (e.g. "30m") and parsed into time.Duration values on load.
type ConfigFile struct {
	BaseURL               string             `json:"baseURL"`
	ListenPort            int                `json:"listenPort"`
	DatabasePath          string             `json:"databasePath"`
	SessionTimeout        string             `json:"sessionTimeout"`
	ReaperInterval        string             `json:"reaperInterval"`
	TouchInterval         string             `json:"touchInterval"`
	CacheDuration         string             `json:"cacheDuration"`
	StreamTimeout         string             `json:"streamTimeout"`
	IngestRefreshInterval string             `json:"ingestRefreshInterval"`
	WorkerThreads         int                `json:"workerThreads"`
	JWTSecret             string             `json:"jwtSecret"`
	AdminTokenTTL         string             `json:"adminTokenTTL"`
	Debug                 bool               `json:"debug"`
	ObfuscateUrls         bool               `json:"obfuscateUrls"`
	Upstream              UpstreamConfigFile `json:"upstream"`
}

// UpstreamConfigFile is the JSON form of UpstreamConfig.
type UpstreamConfigFile struct {
	URL              string `json:"url"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	UserAgent        string `json:"userAgent"`
	ReqOrigin        string `json:"reqOrigin"`
	ReqReferrer      string `json:"reqReferrer"`
	MaxRetries       int    `json:"maxRetries"`
	RetryDelay       string `json:"retryDelay"`
	RateLimit        int    `json:"rateLimit"`
	LiveIncludeRegex string `json:"liveIncludeRegex,omitempty"`
	LiveExcludeRegex string `json:"liveExcludeRegex,omitempty"`
	VODIncludeRegex  string `json:"vodIncludeRegex,omitempty"`
	VODExcludeRegex  string `json:"vodExcludeRegex,omitempty"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultPath is where LoadConfig looks for the configuration file.
const DefaultPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from /settings/config.json.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	config, err := loadFromFile(DefaultPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", DefaultPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	configCache = config
	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings
// into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:       cf.BaseURL,
		ListenPort:    cf.ListenPort,
		DatabasePath:  cf.DatabasePath,
		WorkerThreads: cf.WorkerThreads,
		JWTSecret:     cf.JWTSecret,
		Debug:         cf.Debug,
		ObfuscateUrls: cf.ObfuscateUrls,
	}

	// Parse duration fields
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cf.SessionTimeout, &config.SessionTimeout, "sessionTimeout"},
		{cf.ReaperInterval, &config.ReaperInterval, "reaperInterval"},
		{cf.TouchInterval, &config.TouchInterval, "touchInterval"},
		{cf.CacheDuration, &config.CacheDuration, "cacheDuration"},
		{cf.StreamTimeout, &config.StreamTimeout, "streamTimeout"},
		{cf.IngestRefreshInterval, &config.IngestRefreshInterval, "ingestRefreshInterval"},
		{cf.AdminTokenTTL, &config.AdminTokenTTL, "adminTokenTTL"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	// Convert the upstream block
	config.Upstream = UpstreamConfig{
		URL:              cf.Upstream.URL,
		Username:         cf.Upstream.Username,
		Password:         cf.Upstream.Password,
		UserAgent:        cf.Upstream.UserAgent,
		ReqOrigin:        cf.Upstream.ReqOrigin,
		ReqReferrer:      cf.Upstream.ReqReferrer,
		MaxRetries:       cf.Upstream.MaxRetries,
		RateLimit:        cf.Upstream.RateLimit,
		LiveIncludeRegex: cf.Upstream.LiveIncludeRegex,
		LiveExcludeRegex: cf.Upstream.LiveExcludeRegex,
		VODIncludeRegex:  cf.Upstream.VODIncludeRegex,
		VODExcludeRegex:  cf.Upstream.VODExcludeRegex,
	}
	if cf.Upstream.RetryDelay != "" {
		parsed, err := time.ParseDuration(cf.Upstream.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream retryDelay: %w", err)
		}
		config.Upstream.RetryDelay = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration with sensible defaults
// when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:               "http://localhost:8080",
		ListenPort:            8080,
		DatabasePath:          "/data/iptv-gate.db",
		SessionTimeout:        30 * time.Minute,
		ReaperInterval:        5 * time.Minute,
		TouchInterval:         60 * time.Second,
		CacheDuration:         5 * time.Minute,
		StreamTimeout:         10 * time.Second,
		IngestRefreshInterval: 12 * time.Hour,
		WorkerThreads:         4,
		AdminTokenTTL:         30 * time.Minute,
		Debug:                 false,
		ObfuscateUrls:         false,
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in
// defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenPort <= 0 {
		config.ListenPort = 8080
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/data/iptv-gate.db"
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 30 * time.Minute
	}
	if config.ReaperInterval <= 0 {
		config.ReaperInterval = 5 * time.Minute
	}
	if config.TouchInterval <= 0 {
		config.TouchInterval = 60 * time.Second
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 5 * time.Minute
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = 10 * time.Second
	}
	if config.IngestRefreshInterval <= 0 {
		config.IngestRefreshInterval = 12 * time.Hour
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.AdminTokenTTL <= 0 {
		config.AdminTokenTTL = 30 * time.Minute
	}
	if config.Upstream.UserAgent == "" {
		config.Upstream.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if config.Upstream.MaxRetries <= 0 {
		config.Upstream.MaxRetries = 2
	}
	if config.Upstream.RetryDelay <= 0 {
		config.Upstream.RetryDelay = 2 * time.Second
	}
	if config.Upstream.RateLimit <= 0 {
		config.Upstream.RateLimit = 10
	}
	// ReqOrigin and ReqReferrer may remain empty
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:               "http://localhost:8080",
		ListenPort:            8080,
		DatabasePath:          "/data/iptv-gate.db",
		SessionTimeout:        "30m",
		ReaperInterval:        "5m",
		TouchInterval:         "60s",
		CacheDuration:         "5m",
		StreamTimeout:         "10s",
		IngestRefreshInterval: "12h",
		WorkerThreads:         4,
		JWTSecret:             "change-me-in-production",
		AdminTokenTTL:         "30m",
		Debug:                 false,
		ObfuscateUrls:         true,
		Upstream: UpstreamConfigFile{
			URL:        "http://provider.example.com",
			Username:   "",
			Password:   "",
			UserAgent:  "VLC/3.0.18 LibVLC/3.0.18",
			MaxRetries: 2,
			RetryDelay: "2s",
			RateLimit:  10,
		},
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil. Forces a reload on the
// next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// ObfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.ts?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
