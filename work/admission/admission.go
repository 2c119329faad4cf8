// Package admission decides whether a request may consume upstream
// bandwidth. It chains credential checks, account state checks, and slot
// acquisition into a single yes-or-no answer with a machine readable
// refusal code.
package admission

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"iptv-gate/work/fingerprint"
	"iptv-gate/work/logger"
	"iptv-gate/work/metrics"
	"iptv-gate/work/types"
)

// UserSource resolves account records.
type UserSource interface {
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
}

// SlotRegistry is the slot accounting surface admission drives.
type SlotRegistry interface {
	AcquireOrRenew(ctx context.Context, user *types.User, device fingerprint.Device, ipAddress, userAgent string) (types.Grant, error)
}

// CatalogSource resolves stream identifiers to upstream URLs.
type CatalogSource interface {
	GetEntryByStreamID(ctx context.Context, kind types.ContentKind, streamID string) (*types.CatalogEntry, error)
}

// Request carries everything admission needs to decide.
type Request struct {
	Username  string
	Password  string
	UserAgent string
	IPAddress string
	Kind      types.ContentKind
	StreamID  string
}

// Controller is the admission decision point.
type Controller struct {
	users    UserSource
	registry SlotRegistry
	catalog  CatalogSource
	now      func() time.Time
}

// New creates an admission controller.
func New(users UserSource, registry SlotRegistry, catalog CatalogSource) *Controller {
	return &Controller{
		users:    users,
		registry: registry,
		catalog:  catalog,
		now:      time.Now,
	}
}

// Authorize runs the full admission chain for a stream request: credential
// check, account state check, slot acquisition, and stream resolution. On
// refusal the returned error is a *types.DecisionError carrying the code
// the transport layer maps to a status.
func (c *Controller) Authorize(ctx context.Context, req Request) (*types.Decision, error) {
	user, err := c.checkAccount(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	device := fingerprint.Classify(req.UserAgent, req.IPAddress)
	grant, err := c.registry.AcquireOrRenew(ctx, user, device, req.IPAddress, req.UserAgent)
	if err != nil {
		return nil, err
	}
	if !grant.Granted {
		return nil, &types.DecisionError{
			Code:   types.CodeCapacityExceeded,
			Reason: "maximum concurrent connections reached",
			Active: grant.Active,
			Limit:  grant.Limit,
		}
	}

	entry, err := c.catalog.GetEntryByStreamID(ctx, req.Kind, req.StreamID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		logger.Debug("{admission - Authorize} unknown %s stream %q requested by %s",
			req.Kind, req.StreamID, req.Username)
		return nil, types.NewDecisionError(types.CodeStreamNotFound, "stream not found")
	}

	return &types.Decision{
		UserID:      user.ID,
		SessionID:   grant.SessionID,
		UpstreamURL: entry.URL,
		Kind:        req.Kind,
		Entry:       entry,
	}, nil
}

// ValidateOnly checks credentials and account state without touching slot
// accounting. The playlist path uses this: fetching a playlist is not
// watching, so it never consumes a slot.
func (c *Controller) ValidateOnly(ctx context.Context, username, password string) (*types.User, error) {
	return c.checkAccount(ctx, username, password)
}

func (c *Controller) checkAccount(ctx context.Context, username, password string) (*types.User, error) {
	user, err := c.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		metrics.AdmissionDecisions.WithLabelValues("invalid_credentials").Inc()
		return nil, types.NewDecisionError(types.CodeInvalidCredentials, "invalid username or password")
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		metrics.AdmissionDecisions.WithLabelValues("invalid_credentials").Inc()
		return nil, types.NewDecisionError(types.CodeInvalidCredentials, "invalid username or password")
	}

	if !user.IsActive {
		metrics.AdmissionDecisions.WithLabelValues("account_inactive").Inc()
		return nil, types.NewDecisionError(types.CodeAccountInactive, "account is disabled")
	}

	if user.ExpiresAt != nil && !user.ExpiresAt.After(c.now().UTC()) {
		metrics.AdmissionDecisions.WithLabelValues("account_expired").Inc()
		return nil, types.NewDecisionError(types.CodeAccountExpired, "account has expired")
	}

	return user, nil
}
