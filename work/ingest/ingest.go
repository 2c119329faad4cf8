// Package ingest pulls the stream catalog from the upstream provider and
// stores it for playlist rendering and admission lookups. It understands
// both plain M3U playlists and the Xtream Codes player API; which path runs
// depends on whether upstream credentials are configured.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"

	"iptv-gate/work/client"
	"iptv-gate/work/config"
	"iptv-gate/work/logger"
	"iptv-gate/work/types"
	"iptv-gate/work/utils"
)

// CatalogStore persists ingested catalogs.
type CatalogStore interface {
	ReplaceCatalog(ctx context.Context, kind types.ContentKind, entries []types.CatalogEntry) error
}

// Ingester refreshes the stream catalog from the configured upstream.
type Ingester struct {
	cfg        *config.Config
	httpClient *client.HeaderSettingClient
	store      CatalogStore
	pool       *ants.Pool
	limiter    ratelimit.Limiter
	onRefresh  func()
	stopChan   chan bool
	refreshMu  sync.Mutex
}

// New creates an ingester. onRefresh runs after every successful catalog
// replacement; the playlist cache invalidation hooks in there.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, store CatalogStore, pool *ants.Pool, onRefresh func()) *Ingester {
	rate := cfg.Upstream.RateLimit
	if rate <= 0 {
		rate = 5
	}
	return &Ingester{
		cfg:        cfg,
		httpClient: httpClient,
		store:      store,
		pool:       pool,
		limiter:    ratelimit.New(rate),
		onRefresh:  onRefresh,
		stopChan:   make(chan bool, 1),
	}
}

// Refresh pulls the full catalog from upstream and swaps it into the store.
// Concurrent calls serialize; the second waits and runs its own pass.
func (ing *Ingester) Refresh(ctx context.Context) error {
	ing.refreshMu.Lock()
	defer ing.refreshMu.Unlock()

	start := time.Now()
	var err error
	if ing.cfg.Upstream.Username != "" && ing.cfg.Upstream.Password != "" {
		err = ing.refreshFromXtream(ctx)
	} else {
		err = ing.refreshFromM3U(ctx)
	}
	if err != nil {
		return err
	}

	logger.Info("{ingest - Refresh} catalog refreshed in %s", time.Since(start).Round(time.Millisecond))
	if ing.onRefresh != nil {
		ing.onRefresh()
	}
	return nil
}

// StartPeriodicRefresh launches the background refresh loop. The first pass
// runs immediately so the gateway starts with a catalog.
func (ing *Ingester) StartPeriodicRefresh() {
	go func() {
		if err := ing.Refresh(context.Background()); err != nil {
			logger.Error("{ingest - StartPeriodicRefresh} initial refresh failed: %v", err)
		}

		ticker := time.NewTicker(ing.cfg.IngestRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ing.Refresh(context.Background()); err != nil {
					logger.Error("{ingest - StartPeriodicRefresh} refresh failed: %v", err)
				}
			case <-ing.stopChan:
				logger.Debug("{ingest - StartPeriodicRefresh} refresh loop stopped")
				return
			}
		}
	}()
}

// StopPeriodicRefresh terminates the background refresh loop.
func (ing *Ingester) StopPeriodicRefresh() {
	select {
	case ing.stopChan <- true:
	default:
	}
}

// refreshFromXtream fetches the three Xtream Codes content endpoints
// concurrently through the worker pool and replaces each catalog kind.
func (ing *Ingester) refreshFromXtream(ctx context.Context) error {
	filters := newKindFilters(&ing.cfg.Upstream)

	kinds := []struct {
		kind  types.ContentKind
		fetch func(context.Context) ([]types.CatalogEntry, error)
	}{
		{types.KindLive, ing.fetchLiveStreams},
		{types.KindMovie, ing.fetchVODStreams},
		{types.KindSeries, ing.fetchSeries},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(kinds))

	for i, k := range kinds {
		i, k := i, k
		wg.Add(1)
		submitErr := ing.pool.Submit(func() {
			defer wg.Done()
			entries, err := k.fetch(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("fetch %s: %w", k.kind, err)
				return
			}
			entries = filters.apply(k.kind, entries)
			if err := ing.store.ReplaceCatalog(ctx, k.kind, entries); err != nil {
				errs[i] = fmt.Errorf("store %s: %w", k.kind, err)
				return
			}
			logger.Info("{ingest - refreshFromXtream} stored %d %s entries", len(entries), k.kind)
		})
		if submitErr != nil {
			wg.Done()
			errs[i] = submitErr
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// xcLiveStream maps one entry of the get_live_streams response.
type xcLiveStream struct {
	StreamID     int    `json:"stream_id"`
	Name         string `json:"name"`
	CategoryID   string `json:"category_id"`
	StreamIcon   string `json:"stream_icon"`
	EpgChannelID string `json:"epg_channel_id"`
}

// xcVODStream maps one entry of the get_vod_streams response.
type xcVODStream struct {
	StreamID           int    `json:"stream_id"`
	Name               string `json:"name"`
	CategoryID         string `json:"category_id"`
	StreamIcon         string `json:"stream_icon"`
	ContainerExtension string `json:"container_extension"`
}

// xcSeries maps one entry of the get_series response.
type xcSeries struct {
	SeriesID   int    `json:"series_id"`
	Name       string `json:"name"`
	CategoryID string `json:"category_id"`
	Cover      string `json:"cover"`
}

func (ing *Ingester) fetchLiveStreams(ctx context.Context) ([]types.CatalogEntry, error) {
	var streams []xcLiveStream
	if err := ing.fetchXtreamAction(ctx, "get_live_streams", &streams); err != nil {
		return nil, err
	}

	up := &ing.cfg.Upstream
	entries := make([]types.CatalogEntry, 0, len(streams))
	for _, s := range streams {
		entries = append(entries, types.CatalogEntry{
			StreamID: fmt.Sprintf("%d", s.StreamID),
			Name:     s.Name,
			Logo:     s.StreamIcon,
			URL:      fmt.Sprintf("%s/live/%s/%s/%d.ts", up.URL, up.Username, up.Password, s.StreamID),
			Group:    s.CategoryID,
			Kind:     types.KindLive,
		})
	}
	return entries, nil
}

func (ing *Ingester) fetchVODStreams(ctx context.Context) ([]types.CatalogEntry, error) {
	var streams []xcVODStream
	if err := ing.fetchXtreamAction(ctx, "get_vod_streams", &streams); err != nil {
		return nil, err
	}

	up := &ing.cfg.Upstream
	entries := make([]types.CatalogEntry, 0, len(streams))
	for _, s := range streams {
		ext := s.ContainerExtension
		if ext == "" {
			ext = "ts"
		}
		entries = append(entries, types.CatalogEntry{
			StreamID: fmt.Sprintf("%d", s.StreamID),
			Name:     s.Name,
			Logo:     s.StreamIcon,
			URL:      fmt.Sprintf("%s/movie/%s/%s/%d.%s", up.URL, up.Username, up.Password, s.StreamID, ext),
			Group:    s.CategoryID,
			Kind:     types.KindMovie,
		})
	}
	return entries, nil
}

func (ing *Ingester) fetchSeries(ctx context.Context) ([]types.CatalogEntry, error) {
	var series []xcSeries
	if err := ing.fetchXtreamAction(ctx, "get_series", &series); err != nil {
		return nil, err
	}

	up := &ing.cfg.Upstream
	entries := make([]types.CatalogEntry, 0, len(series))
	for _, s := range series {
		entries = append(entries, types.CatalogEntry{
			StreamID: fmt.Sprintf("%d", s.SeriesID),
			Name:     s.Name,
			Logo:     s.Cover,
			URL:      fmt.Sprintf("%s/series/%s/%s/%d.ts", up.URL, up.Username, up.Password, s.SeriesID),
			Group:    s.CategoryID,
			Kind:     types.KindSeries,
		})
	}
	return entries, nil
}

func (ing *Ingester) fetchXtreamAction(ctx context.Context, action string, out interface{}) error {
	ing.limiter.Take()

	up := &ing.cfg.Upstream
	url := fmt.Sprintf("%s/player_api.php?username=%s&password=%s&action=%s",
		up.URL, up.Username, up.Password, action)

	logger.Debug("{ingest - fetchXtreamAction} fetching %s from %s", action, utils.LogURL(ing.cfg, url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := ing.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", action, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// refreshFromM3U downloads the configured playlist URL and parses it into
// the live catalog.
func (ing *Ingester) refreshFromM3U(ctx context.Context) error {
	ing.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ing.cfg.Upstream.URL, nil)
	if err != nil {
		return err
	}
	resp, err := ing.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("playlist fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}

	entries, err := ParseM3U(body)
	if err != nil {
		return err
	}

	filters := newKindFilters(&ing.cfg.Upstream)
	entries = filters.apply(types.KindLive, entries)

	if err := ing.store.ReplaceCatalog(ctx, types.KindLive, entries); err != nil {
		return err
	}
	logger.Info("{ingest - refreshFromM3U} stored %d live entries", len(entries))
	return nil
}

// extinfAttr pulls one key="value" attribute out of an EXTINF line.
var extinfAttr = regexp.MustCompile(`([a-zA-Z0-9-]+)="([^"]*)"`)

// ParseM3U parses playlist bytes into catalog entries. HLS media playlists
// decode through the m3u8 library; catalog-style lists carry tvg attributes
// the library does not model, so those go through a line scanner.
func ParseM3U(data []byte) ([]types.CatalogEntry, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err == nil && listType == m3u8.MEDIA {
		media := playlist.(*m3u8.MediaPlaylist)
		var entries []types.CatalogEntry
		for i, seg := range media.Segments {
			if seg == nil {
				continue
			}
			entries = append(entries, types.CatalogEntry{
				StreamID: fmt.Sprintf("%d", i+1),
				Name:     seg.Title,
				URL:      seg.URI,
				Kind:     types.KindLive,
			})
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}
	return scanEXTINF(data)
}

// scanEXTINF walks EXTINF/URL pairs, collecting tvg attributes from each
// directive line.
func scanEXTINF(data []byte) ([]types.CatalogEntry, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []types.CatalogEntry
	var pending *types.CatalogEntry
	sawHeader := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || line == "#EXTM3U" || strings.HasPrefix(line, "#EXTM3U "):
			if strings.HasPrefix(line, "#EXTM3U") {
				sawHeader = true
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			entry := types.CatalogEntry{Kind: types.KindLive}
			for _, m := range extinfAttr.FindAllStringSubmatch(line, -1) {
				switch strings.ToLower(m[1]) {
				case "tvg-id":
					entry.StreamID = m[2]
				case "tvg-name":
					entry.Name = m[2]
				case "tvg-logo":
					entry.Logo = m[2]
				case "tvg-country":
					entry.Country = m[2]
				case "group-title":
					entry.Group = m[2]
				}
			}
			if idx := strings.LastIndex(line, ","); idx >= 0 {
				if title := strings.TrimSpace(line[idx+1:]); title != "" {
					entry.Name = title
				}
			}
			pending = &entry
		case strings.HasPrefix(line, "#"):
			// other directives (EXTGRP, EXTVLCOPT) are ignored
		default:
			if pending == nil {
				continue
			}
			pending.URL = line
			if pending.StreamID == "" {
				pending.StreamID = fmt.Sprintf("%d", len(entries)+1)
			}
			if pending.Name == "" {
				pending.Name = pending.StreamID
			}
			entries = append(entries, *pending)
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawHeader && len(entries) == 0 {
		return nil, fmt.Errorf("not an M3U playlist")
	}
	return entries, nil
}

// kindFilters holds the compiled include/exclude patterns per content kind.
type kindFilters struct {
	liveInclude *regexp.Regexp
	liveExclude *regexp.Regexp
	vodInclude  *regexp.Regexp
	vodExclude  *regexp.Regexp
}

func newKindFilters(up *config.UpstreamConfig) *kindFilters {
	return &kindFilters{
		liveInclude: compileFilter(up.LiveIncludeRegex, "liveIncludeRegex"),
		liveExclude: compileFilter(up.LiveExcludeRegex, "liveExcludeRegex"),
		vodInclude:  compileFilter(up.VODIncludeRegex, "vodIncludeRegex"),
		vodExclude:  compileFilter(up.VODExcludeRegex, "vodExcludeRegex"),
	}
}

func compileFilter(pattern, name string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("{ingest - compileFilter} invalid %s %q: %v", name, pattern, err)
		return nil
	}
	return re
}

func (f *kindFilters) apply(kind types.ContentKind, entries []types.CatalogEntry) []types.CatalogEntry {
	include, exclude := f.liveInclude, f.liveExclude
	if kind == types.KindMovie || kind == types.KindSeries {
		include, exclude = f.vodInclude, f.vodExclude
	}
	if include == nil && exclude == nil {
		return entries
	}

	kept := entries[:0]
	for _, e := range entries {
		if include != nil && !include.MatchString(e.Name) {
			continue
		}
		if exclude != nil && exclude.MatchString(e.Name) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}
