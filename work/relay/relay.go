// Package relay moves stream bytes from the upstream provider to an
// admitted client. One relay serves one client connection; there is no
// shared fan-out, so a slow client only ever stalls itself.
package relay

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/ratelimit"

	"iptv-gate/work/client"
	"iptv-gate/work/config"
	"iptv-gate/work/logger"
	"iptv-gate/work/metrics"
	"iptv-gate/work/types"
	"iptv-gate/work/utils"
)

// chunkSize is the copy buffer used when pumping stream bytes.
const chunkSize = 32 * 1024

// Toucher renews a session's activity while its relay is running.
type Toucher interface {
	Touch(ctx context.Context, sessionID string) error
}

// Relay streams upstream content to admitted clients.
type Relay struct {
	cfg        *config.Config
	httpClient *client.HeaderSettingClient
	toucher    Toucher
	limiter    ratelimit.Limiter
}

// New creates a relay. The rate limiter paces upstream connection attempts
// so a reconnect storm never hammers the provider.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, toucher Toucher) *Relay {
	rate := cfg.Upstream.RateLimit
	if rate <= 0 {
		rate = 5
	}
	return &Relay{
		cfg:        cfg,
		httpClient: httpClient,
		toucher:    toucher,
		limiter:    ratelimit.New(rate),
	}
}

// Serve connects to the decision's upstream URL and pumps its bytes to the
// client until either side disconnects. The session slot is never released
// on disconnect; only the idle reaper retires slots. Returns a
// *types.DecisionError with code upstream_unavailable when the upstream
// cannot be reached after a retry.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, decision *types.Decision) error {
	ctx := req.Context()

	resp, err := r.connect(ctx, decision.UpstreamURL)
	if err != nil {
		metrics.RelayErrors.WithLabelValues("upstream_connect").Inc()
		logger.Warn("{relay - Serve} upstream unreachable for %s: %v",
			utils.LogURL(r.cfg, decision.UpstreamURL), err)
		return types.NewDecisionError(types.CodeUpstreamUnavailable, "upstream unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		metrics.RelayErrors.WithLabelValues("upstream_status").Inc()
		logger.Warn("{relay - Serve} upstream returned %d for %s",
			resp.StatusCode, utils.LogURL(r.cfg, decision.UpstreamURL))
		return types.NewDecisionError(types.CodeUpstreamUnavailable, "upstream unavailable")
	}

	copyHeader(w, resp, "Content-Type")
	copyHeader(w, resp, "Content-Length")
	copyHeader(w, resp, "Accept-Ranges")
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	w.WriteHeader(http.StatusOK)

	stopTouch := r.keepAlive(ctx, decision.SessionID)
	defer stopTouch()

	written, err := r.pump(ctx, w, resp.Body, string(decision.Kind))

	logger.Info("{relay - Serve} session %s finished: %s relayed from %s",
		decision.SessionID, utils.FormatBytes(written), utils.LogURL(r.cfg, decision.UpstreamURL))

	// a client hangup mid-stream is normal termination, not a failure
	if err != nil && ctx.Err() == nil {
		metrics.RelayErrors.WithLabelValues("copy").Inc()
	}
	return nil
}

// connect opens the upstream stream, retrying once after the configured
// delay before giving up.
func (r *Relay) connect(ctx context.Context, upstreamURL string) (*http.Response, error) {
	var lastErr error

	attempts := r.cfg.Upstream.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.cfg.Upstream.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			logger.Debug("{relay - connect} retry %d for %s", attempt, utils.LogURL(r.cfg, upstreamURL))
		}

		r.limiter.Take()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
		if err != nil {
			return nil, err
		}

		resp, err := r.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// pump copies stream bytes to the client in fixed-size chunks, flushing
// after each write so live segments reach the player promptly.
func (r *Relay) pump(ctx context.Context, w http.ResponseWriter, body io.Reader, kind string) (int64, error) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	var written int64

	for {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			if canFlush {
				flusher.Flush()
			}
			written += int64(n)
			metrics.BytesRelayed.WithLabelValues(kind).Add(float64(n))
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

// keepAlive touches the session on a timer while the relay runs, so a
// viewer watching for hours never looks idle to the reaper.
func (r *Relay) keepAlive(ctx context.Context, sessionID string) func() {
	interval := r.cfg.TouchInterval
	if interval <= 0 {
		interval = time.Minute
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.toucher.Touch(context.Background(), sessionID); err != nil {
					logger.Warn("{relay - keepAlive} failed to touch session %s: %v", sessionID, err)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func copyHeader(w http.ResponseWriter, resp *http.Response, name string) {
	if v := resp.Header.Get(name); v != "" {
		w.Header().Set(name, v)
	}
}
