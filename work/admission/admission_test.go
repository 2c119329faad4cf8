package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"iptv-gate/work/fingerprint"
	"iptv-gate/work/types"
)

type stubUsers struct {
	user *types.User
}

func (s *stubUsers) GetUserByUsername(_ context.Context, username string) (*types.User, error) {
	if s.user != nil && s.user.Username == username {
		return s.user, nil
	}
	return nil, nil
}

type stubRegistry struct {
	grant types.Grant
	err   error
	calls int
}

func (s *stubRegistry) AcquireOrRenew(_ context.Context, _ *types.User, _ fingerprint.Device, _, _ string) (types.Grant, error) {
	s.calls++
	return s.grant, s.err
}

type stubCatalog struct {
	entry *types.CatalogEntry
}

func (s *stubCatalog) GetEntryByStreamID(_ context.Context, _ types.ContentKind, streamID string) (*types.CatalogEntry, error) {
	if s.entry != nil && s.entry.StreamID == streamID {
		return s.entry, nil
	}
	return nil, nil
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func activeUser(t *testing.T) *types.User {
	return &types.User{
		ID:             "user-1",
		Username:       "alice",
		PasswordHash:   hash(t, "secret"),
		MaxConnections: 2,
		IsActive:       true,
	}
}

func request() Request {
	return Request{
		Username:  "alice",
		Password:  "secret",
		UserAgent: "TiviMate/4.7.0",
		IPAddress: "203.0.113.10",
		Kind:      types.KindLive,
		StreamID:  "42",
	}
}

func decisionCode(t *testing.T, err error) types.DecisionCode {
	t.Helper()
	var de *types.DecisionError
	if !errors.As(err, &de) {
		t.Fatalf("expected *types.DecisionError, got %T: %v", err, err)
	}
	return de.Code
}

func TestAuthorizeGranted(t *testing.T) {
	reg := &stubRegistry{grant: types.Grant{Granted: true, SessionID: "sess-1", Active: 1, Limit: 2}}
	ctrl := New(&stubUsers{user: activeUser(t)}, reg,
		&stubCatalog{entry: &types.CatalogEntry{StreamID: "42", URL: "http://upstream/live/42.ts", Kind: types.KindLive}})

	d, err := ctrl.Authorize(context.Background(), request())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.SessionID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", d.SessionID)
	}
	if d.UpstreamURL != "http://upstream/live/42.ts" {
		t.Errorf("upstream url = %q", d.UpstreamURL)
	}
}

func TestAuthorizeUnknownUser(t *testing.T) {
	ctrl := New(&stubUsers{}, &stubRegistry{}, &stubCatalog{})

	_, err := ctrl.Authorize(context.Background(), request())
	if code := decisionCode(t, err); code != types.CodeInvalidCredentials {
		t.Errorf("code = %q, want invalid_credentials", code)
	}
}

func TestAuthorizeWrongPassword(t *testing.T) {
	reg := &stubRegistry{}
	ctrl := New(&stubUsers{user: activeUser(t)}, reg, &stubCatalog{})

	req := request()
	req.Password = "wrong"
	_, err := ctrl.Authorize(context.Background(), req)
	if code := decisionCode(t, err); code != types.CodeInvalidCredentials {
		t.Errorf("code = %q, want invalid_credentials", code)
	}
	if reg.calls != 0 {
		t.Error("failed credentials must never reach slot acquisition")
	}
}

func TestAuthorizeInactiveAccount(t *testing.T) {
	user := activeUser(t)
	user.IsActive = false
	reg := &stubRegistry{}
	ctrl := New(&stubUsers{user: user}, reg, &stubCatalog{})

	_, err := ctrl.Authorize(context.Background(), request())
	if code := decisionCode(t, err); code != types.CodeAccountInactive {
		t.Errorf("code = %q, want account_inactive", code)
	}
	if reg.calls != 0 {
		t.Error("inactive account must never reach slot acquisition")
	}
}

func TestAuthorizeExpiredAccount(t *testing.T) {
	user := activeUser(t)
	past := time.Now().UTC().Add(-time.Hour)
	user.ExpiresAt = &past
	ctrl := New(&stubUsers{user: user}, &stubRegistry{}, &stubCatalog{})

	_, err := ctrl.Authorize(context.Background(), request())
	if code := decisionCode(t, err); code != types.CodeAccountExpired {
		t.Errorf("code = %q, want account_expired", code)
	}
}

func TestAuthorizeFutureExpiryAdmits(t *testing.T) {
	user := activeUser(t)
	future := time.Now().UTC().Add(24 * time.Hour)
	user.ExpiresAt = &future
	ctrl := New(&stubUsers{user: user},
		&stubRegistry{grant: types.Grant{Granted: true, SessionID: "sess-1"}},
		&stubCatalog{entry: &types.CatalogEntry{StreamID: "42", URL: "http://upstream/live/42.ts"}})

	if _, err := ctrl.Authorize(context.Background(), request()); err != nil {
		t.Fatalf("future expiry should admit: %v", err)
	}
}

func TestAuthorizeCapacityExceeded(t *testing.T) {
	ctrl := New(&stubUsers{user: activeUser(t)},
		&stubRegistry{grant: types.Grant{Granted: false, Active: 2, Limit: 2}},
		&stubCatalog{})

	_, err := ctrl.Authorize(context.Background(), request())
	var de *types.DecisionError
	if !errors.As(err, &de) {
		t.Fatalf("expected decision error, got %v", err)
	}
	if de.Code != types.CodeCapacityExceeded {
		t.Errorf("code = %q, want capacity_exceeded", de.Code)
	}
	if de.Active != 2 || de.Limit != 2 {
		t.Errorf("refusal should carry 2/2, got %d/%d", de.Active, de.Limit)
	}
}

func TestAuthorizeUnknownStream(t *testing.T) {
	ctrl := New(&stubUsers{user: activeUser(t)},
		&stubRegistry{grant: types.Grant{Granted: true, SessionID: "sess-1"}},
		&stubCatalog{})

	_, err := ctrl.Authorize(context.Background(), request())
	if code := decisionCode(t, err); code != types.CodeStreamNotFound {
		t.Errorf("code = %q, want stream_not_found", code)
	}
}

func TestValidateOnlyNeverAcquires(t *testing.T) {
	reg := &stubRegistry{}
	ctrl := New(&stubUsers{user: activeUser(t)}, reg, &stubCatalog{})

	user, err := ctrl.ValidateOnly(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("user id = %q", user.ID)
	}
	if reg.calls != 0 {
		t.Error("playlist validation must not consume a slot")
	}
}
