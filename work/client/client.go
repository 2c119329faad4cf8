package client

import (
	"net/http"
	"time"

	"iptv-gate/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set the upstream
// request headers (User-Agent, Origin, Referer) the media origin expects.
// The transport has no overall timeout: relayed streams run until either
// side closes, so only header receipt is bounded.
type HeaderSettingClient struct {
	Client   *http.Client
	upstream *config.UpstreamConfig
}

// NewHeaderSettingClient builds the shared upstream HTTP client.
// headerTimeout bounds how long the upstream may take to start responding;
// zero falls back to 30 seconds.
func NewHeaderSettingClient(upstream *config.UpstreamConfig, headerTimeout time.Duration) *HeaderSettingClient {
	if headerTimeout <= 0 {
		headerTimeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: headerTimeout, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client:   client,
		upstream: upstream,
	}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.upstream.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.upstream.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.upstream.ReqOrigin)
	}
	if hsc.upstream.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.upstream.ReqReferrer)
	}
}
