// Package handlers exposes the player-facing HTTP surface: playlist
// fetches and stream play requests. Admin endpoints live separately at the
// application root.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"iptv-gate/work/admission"
	"iptv-gate/work/logger"
	"iptv-gate/work/playlist"
	"iptv-gate/work/types"
)

// Streamer relays an admitted stream to the client.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, decision *types.Decision) error
}

// Admitter runs the admission chain for play requests.
type Admitter interface {
	Authorize(ctx context.Context, req admission.Request) (*types.Decision, error)
}

// PlaylistBuilder renders per-user playlists.
type PlaylistBuilder interface {
	Build(ctx context.Context, username, password string, filter playlist.Filter) (string, error)
}

// Handler serves the public player endpoints.
type Handler struct {
	admitter  Admitter
	relay     Streamer
	playlists PlaylistBuilder
}

// New creates the public handler set.
func New(admitter Admitter, relay Streamer, playlists PlaylistBuilder) *Handler {
	return &Handler{
		admitter:  admitter,
		relay:     relay,
		playlists: playlists,
	}
}

// HandlePlaylist serves GET /playlist/{username}/{password}.m3u. Optional
// query parameters type, group, and country narrow the returned entries.
func (h *Handler) HandlePlaylist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	username := vars["username"]
	password := strings.TrimSuffix(vars["password"], ".m3u")

	filter := playlist.Filter{
		Group:   r.URL.Query().Get("group"),
		Country: r.URL.Query().Get("country"),
	}
	if kind := r.URL.Query().Get("type"); kind != "" {
		if !types.ValidKind(kind) {
			writeDecisionError(w, types.NewDecisionError(types.CodeBadRequest, "unknown content type"))
			return
		}
		filter.Kind = types.ContentKind(kind)
	}

	out, err := h.playlists.Build(r.Context(), username, password, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Content-Disposition", `attachment; filename="playlist.m3u"`)
	w.Write([]byte(out))
}

// HandleStream serves GET /{kind}/{username}/{password}/{streamID}. The
// stream identifier may carry a container extension, which is stripped
// before catalog lookup.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	kind := vars["kind"]
	if !types.ValidKind(kind) {
		writeDecisionError(w, types.NewDecisionError(types.CodeBadRequest, "unknown content kind"))
		return
	}

	streamID := vars["streamID"]
	if idx := strings.LastIndex(streamID, "."); idx > 0 {
		streamID = streamID[:idx]
	}
	if streamID == "" {
		writeDecisionError(w, types.NewDecisionError(types.CodeBadRequest, "missing stream id"))
		return
	}

	decision, err := h.admitter.Authorize(r.Context(), admission.Request{
		Username:  vars["username"],
		Password:  vars["password"],
		UserAgent: r.UserAgent(),
		IPAddress: ClientIP(r),
		Kind:      types.ContentKind(kind),
		StreamID:  streamID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.relay.Serve(w, r, decision); err != nil {
		writeError(w, err)
	}
}

// ClientIP extracts the originating client address, honoring proxy headers
// when present.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFor maps decision codes to HTTP statuses.
func statusFor(code types.DecisionCode) int {
	switch code {
	case types.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case types.CodeAccountInactive, types.CodeAccountExpired:
		return http.StatusForbidden
	case types.CodeCapacityExceeded:
		return http.StatusTooManyRequests
	case types.CodeStreamNotFound:
		return http.StatusNotFound
	case types.CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case types.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders any error as a JSON response. Decision errors carry
// their own status and payload; everything else is a 500 with a generic
// body so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	var de *types.DecisionError
	if errors.As(err, &de) {
		writeDecisionError(w, de)
		return
	}
	logger.Error("{handlers - writeError} internal error: %v", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"code": "internal_error", "reason": "internal server error"})
}

func writeDecisionError(w http.ResponseWriter, de *types.DecisionError) {
	body := map[string]interface{}{
		"code":   string(de.Code),
		"reason": de.Reason,
	}
	if de.Code == types.CodeCapacityExceeded {
		body["active"] = de.Active
		body["limit"] = de.Limit
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(de.Code))
	json.NewEncoder(w).Encode(body)
}
