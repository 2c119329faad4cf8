// Package playlist renders per-user M3U playlists over the ingested
// catalog. Stream URLs are rewritten to point back at this gateway, so
// every play request funnels through admission.
package playlist

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/maypok86/otter/v2"

	"iptv-gate/work/config"
	"iptv-gate/work/database"
	"iptv-gate/work/logger"
	"iptv-gate/work/types"
)

// AccountValidator checks credentials without consuming a slot.
type AccountValidator interface {
	ValidateOnly(ctx context.Context, username, password string) (*types.User, error)
}

// CatalogLister reads catalog entries for rendering.
type CatalogLister interface {
	ListCatalog(ctx context.Context, filter database.CatalogFilter) ([]types.CatalogEntry, error)
}

// Filter narrows which catalog entries a playlist includes.
type Filter struct {
	Kind    types.ContentKind
	Group   string
	Country string
}

// Builder renders and caches playlists.
type Builder struct {
	cfg       *config.Config
	validator AccountValidator
	catalog   CatalogLister
	cache     *otter.Cache[string, string]
}

// New creates a playlist builder. Rendered playlists are cached for the
// configured cache duration so a fleet of players refreshing at once only
// renders once.
func New(cfg *config.Config, validator AccountValidator, catalog CatalogLister) *Builder {
	cache := otter.Must(&otter.Options[string, string]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, string](cfg.CacheDuration),
	})
	return &Builder{
		cfg:       cfg,
		validator: validator,
		catalog:   catalog,
		cache:     cache,
	}
}

// Build validates the credentials and returns the user's rendered M3U
// playlist. A user with an empty catalog view gets a valid playlist with a
// header and no entries. Fetching a playlist never consumes a slot.
func (b *Builder) Build(ctx context.Context, username, password string, filter Filter) (string, error) {
	if _, err := b.validator.ValidateOnly(ctx, username, password); err != nil {
		return "", err
	}

	key := cacheKey(username, filter)
	if cached, ok := b.cache.GetIfPresent(key); ok {
		logger.Debug("{playlist - Build} cache hit for %s", username)
		return cached, nil
	}

	entries, err := b.catalog.ListCatalog(ctx, database.CatalogFilter{
		Kind:    filter.Kind,
		Group:   filter.Group,
		Country: filter.Country,
	})
	if err != nil {
		return "", err
	}

	rendered := b.render(username, password, entries)
	b.cache.Set(key, rendered)

	logger.Debug("{playlist - Build} rendered %d entries for %s", len(entries), username)
	return rendered, nil
}

// Invalidate drops every cached playlist. Called after a catalog refresh so
// players pick up the new lineup on their next fetch.
func (b *Builder) Invalidate() {
	b.cache.InvalidateAll()
}

func (b *Builder) render(username, password string, entries []types.CatalogEntry) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")

	for _, e := range entries {
		sb.WriteString(`#EXTINF:-1 tvg-id="`)
		sb.WriteString(e.StreamID)
		sb.WriteString(`" tvg-name="`)
		sb.WriteString(e.Name)
		sb.WriteString(`"`)
		if e.Logo != "" {
			sb.WriteString(` tvg-logo="`)
			sb.WriteString(e.Logo)
			sb.WriteString(`"`)
		}
		if e.Country != "" {
			sb.WriteString(` tvg-country="`)
			sb.WriteString(e.Country)
			sb.WriteString(`"`)
		}
		if e.Group != "" {
			sb.WriteString(` group-title="`)
			sb.WriteString(e.Group)
			sb.WriteString(`"`)
		}
		sb.WriteString(",")
		sb.WriteString(e.Name)
		sb.WriteString("\n")
		sb.WriteString(b.gatewayURL(username, password, &e))
		sb.WriteString("\n")
	}

	return sb.String()
}

// gatewayURL rewrites a catalog entry into a play URL on this gateway. The
// container extension carries over from the upstream URL so players probe
// the right demuxer; streams without one default to MPEG-TS.
func (b *Builder) gatewayURL(username, password string, e *types.CatalogEntry) string {
	ext := ".ts"
	if u, err := url.Parse(e.URL); err == nil {
		if got := path.Ext(u.Path); got != "" {
			ext = got
		}
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s%s",
		strings.TrimRight(b.cfg.BaseURL, "/"), e.Kind, username, password, e.StreamID, ext)
}

func cacheKey(username string, filter Filter) string {
	return username + "|" + string(filter.Kind) + "|" + filter.Group + "|" + filter.Country
}
