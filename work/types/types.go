package types

import (
	"fmt"
	"time"
)

// DeviceType classifies the kind of client device behind a stream request.
// The set is closed: unrecognized user agents fall back to DeviceUnknown
// instead of failing, so admission never depends on a complete catalogue
// of player signatures.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTV      DeviceType = "tv"
	DeviceDesktop DeviceType = "desktop"
	DeviceIPTVApp DeviceType = "iptv_app"
	DeviceUnknown DeviceType = "unknown"
)

// ContentKind identifies the catalog section a stream belongs to. It also
// forms the first path segment of rewritten stream URLs, so the string
// values are part of the public URL scheme.
type ContentKind string

const (
	KindLive   ContentKind = "live"
	KindMovie  ContentKind = "movie"
	KindSeries ContentKind = "series"
)

// ValidKind reports whether s names one of the three catalog sections.
func ValidKind(s string) bool {
	switch ContentKind(s) {
	case KindLive, KindMovie, KindSeries:
		return true
	}
	return false
}

// User is one subscription account. MaxConnections bounds how many distinct
// devices may hold a capacity slot at the same time; ExpiresAt is nil for
// accounts that never expire.
type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	PasswordHash   string     `json:"-"`
	MaxConnections int        `json:"maxConnections"`
	IsActive       bool       `json:"isActive"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Role           string     `json:"role"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// IsAdmin reports whether the account carries the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}

// Session is one granted capacity slot: a device recognized by its
// fingerprint, owned by a user. CreatedAt is the first-seen timestamp and
// LastActivity the most recent renewal; the reaper reclaims sessions whose
// LastActivity has fallen behind the configured idle timeout.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Fingerprint  string     `json:"fingerprint"`
	DeviceName   string     `json:"deviceName"`
	DeviceType   DeviceType `json:"deviceType"`
	IPAddress    string     `json:"ipAddress"`
	UserAgent    string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
}

// CatalogEntry is one stream in the read-only catalog. StreamID is the
// provider-side identifier carried in rewritten playlist URLs; Position
// preserves catalog insertion order for stable playlist output.
type CatalogEntry struct {
	ID       int64       `json:"id"`
	StreamID string      `json:"streamId"`
	Name     string      `json:"name"`
	Logo     string      `json:"logo"`
	URL      string      `json:"url"`
	Group    string      `json:"group"`
	Country  string      `json:"country"`
	Kind     ContentKind `json:"kind"`
	Position int         `json:"position"`
}

// Grant is the outcome of a slot acquisition attempt. When Granted is false
// the Active/Limit pair tells the client how full the account is; when a
// request renews an existing device, Renewed is true and no new slot was
// consumed.
type Grant struct {
	Granted   bool
	Renewed   bool
	SessionID string
	Active    int
	Limit     int
}

// DecisionCode is the closed error taxonomy of the admission path. Handlers
// map each code to exactly one HTTP status so clients can tell wrong-password
// apart from device-limit-reached.
type DecisionCode string

const (
	CodeInvalidCredentials  DecisionCode = "invalid_credentials"
	CodeAccountInactive     DecisionCode = "account_inactive"
	CodeAccountExpired      DecisionCode = "account_expired"
	CodeCapacityExceeded    DecisionCode = "capacity_exceeded"
	CodeStreamNotFound      DecisionCode = "stream_not_found"
	CodeUpstreamUnavailable DecisionCode = "upstream_unavailable"
	CodeBadRequest          DecisionCode = "bad_request"
)

// DecisionError carries a structured rejection through the admission and
// relay paths. Active/Limit are only populated for capacity rejections.
type DecisionError struct {
	Code   DecisionCode `json:"code"`
	Reason string       `json:"reason"`
	Active int          `json:"active,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewDecisionError builds a rejection with the given code and reason.
func NewDecisionError(code DecisionCode, reason string) *DecisionError {
	return &DecisionError{Code: code, Reason: reason}
}

// Decision is a successful admission outcome: the resolved upstream URL for
// the requested stream plus the session that now holds (or renewed) a slot.
type Decision struct {
	UserID      string
	SessionID   string
	UpstreamURL string
	Kind        ContentKind
	Entry       *CatalogEntry
}
