package applemusic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/circuitbreaker"
	"billboard-api-go/logcolors"
	"billboard-api-go/services/providers"
	"billboard-api-go/stats"
	"billboard-api-go/utils"

	log "github.com/sirupsen/logrus"
)

const (
	ProviderName      = "apple_music"
	DefaultBaseURL    = "https://api.music.apple.com"
	DefaultStorefront = "us"
	searchLimit       = 10
	artworkSize       = 300
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Storefront string
	Timeout    time.Duration
	MinScore   float64
	CacheTTL   time.Duration
	Tokens     TokenSource
	Store      cache.Store // optional lookup cache
	Breaker    *circuitbreaker.CircuitBreaker
	HTTPClient *http.Client
}

// Client searches the Apple Music catalog for chart tracks.
type Client struct {
	baseURL    string
	storefront string
	timeout    time.Duration
	minScore   float64
	cacheTTL   time.Duration
	tokens     TokenSource
	store      cache.Store
	breaker    *circuitbreaker.CircuitBreaker
	http       *http.Client
}

// New creates a catalog client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Storefront == "" {
		opts.Storefront = DefaultStorefront
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.6
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		storefront: opts.Storefront,
		timeout:    opts.Timeout,
		minScore:   opts.MinScore,
		cacheTTL:   opts.CacheTTL,
		tokens:     opts.Tokens,
		store:      opts.Store,
		breaker:    opts.Breaker,
		http:       opts.HTTPClient,
	}
}

func (c *Client) Name() string { return ProviderName }

// Ready reports whether a token can be obtained. Enrichment for a whole
// batch is skipped when it cannot.
func (c *Client) Ready(ctx context.Context) error {
	if c.tokens == nil {
		return ErrNoCredentials
	}
	_, err := c.tokens.Token(ctx)
	return err
}

// SearchCacheKey is the lookup cache key for a normalized title and artist.
func SearchCacheKey(title, artist string) string {
	return "apple_music:search:" + utils.NormalizeString(title) + ":" + utils.NormalizeString(artist)
}

type cachedLookup struct {
	Match *providers.Enrichment `json:"match"`
}

// Lookup returns the best catalog match for a track, or nil when nothing
// scores above the threshold. Errors are never cached.
func (c *Client) Lookup(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
	key := SearchCacheKey(title, artist)

	if hit, ok := c.cachedResult(ctx, key); ok {
		stats.Get().LookupCacheHits.Add(1)
		return hit.Match, nil
	}

	var match *providers.Enrichment
	search := func() error {
		var err error
		match, err = c.search(ctx, title, artist)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(search, countableFailure)
	} else {
		err = search()
	}
	if err != nil {
		stats.Get().LookupFailures.Add(1)
		return nil, err
	}

	if match != nil {
		stats.Get().LookupMatches.Add(1)
	} else {
		stats.Get().LookupNoMatch.Add(1)
		log.Debugf("%s No confident match for %q by %q", logcolors.LogMatch, title, artist)
	}
	c.saveResult(ctx, key, match)
	return match, nil
}

// countableFailure excludes caller cancellation from breaker accounting.
func countableFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (c *Client) cachedResult(ctx context.Context, key string) (cachedLookup, bool) {
	var out cachedLookup
	if c.store == nil {
		return out, false
	}
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		log.Warnf("%s Lookup cache read failed for %s: %v", logcolors.LogCacheSearch, key, err)
		return out, false
	}
	if !found {
		return out, false
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, false
	}
	return out, true
}

func (c *Client) saveResult(ctx context.Context, key string, match *providers.Enrichment) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(cachedLookup{Match: match})
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, string(data), c.cacheTTL); err != nil {
		log.Warnf("%s Lookup cache write failed for %s: %v", logcolors.LogCacheSearch, key, err)
	}
}

type searchResponse struct {
	Results struct {
		Songs struct {
			Data []song `json:"data"`
		} `json:"songs"`
	} `json:"results"`
}

type song struct {
	ID         string `json:"id"`
	Attributes struct {
		Name       string `json:"name"`
		ArtistName string `json:"artistName"`
		URL        string `json:"url"`
		Artwork    struct {
			URL string `json:"url"`
		} `json:"artwork"`
		Previews []struct {
			URL string `json:"url"`
		} `json:"previews"`
	} `json:"attributes"`
}

func (c *Client) search(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
	if c.tokens == nil {
		return nil, ErrNoCredentials
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("term", strings.TrimSpace(title+" "+utils.PrimaryArtist(artist)))
	q.Set("types", "songs")
	q.Set("limit", strconv.Itoa(searchLimit))
	endpoint := fmt.Sprintf("%s/v1/catalog/%s/search?%s", c.baseURL, url.PathEscape(c.storefront), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, providers.NewUpstreamError(ProviderName, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, providers.NewUpstreamError(ProviderName, "too many requests", providers.ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
		log.Warnf("%s Developer token rejected (status %d)", logcolors.LogToken, resp.StatusCode)
		return nil, providers.NewUpstreamError(ProviderName, fmt.Sprintf("token rejected: status %d", resp.StatusCode), providers.ErrUpstream)
	default:
		return nil, providers.NewUpstreamError(ProviderName, fmt.Sprintf("status %d", resp.StatusCode), providers.ErrUpstream)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, providers.NewUpstreamError(ProviderName, "malformed search response", providers.ErrUpstream)
	}

	best, score := bestMatch(parsed.Results.Songs.Data, title, artist)
	if best == nil || score < c.minScore {
		return nil, nil
	}
	log.Debugf("%s %q by %q matched %s (score %.2f)", logcolors.LogMatch, title, artist, best.ID, score)
	return toEnrichment(best), nil
}

// MatchScore weighs title similarity 0.6 and artist similarity 0.4. The
// artist side takes the better of the full credit and the primary artist,
// so "A featuring B" still matches a catalog entry credited to "A".
func MatchScore(title, artist, candTitle, candArtist string) float64 {
	titleScore := utils.StringSimilarity(title, candTitle)
	artistScore := utils.StringSimilarity(artist, candArtist)
	if primary := utils.StringSimilarity(utils.PrimaryArtist(artist), utils.PrimaryArtist(candArtist)); primary > artistScore {
		artistScore = primary
	}
	return titleScore*0.6 + artistScore*0.4
}

func bestMatch(songs []song, title, artist string) (*song, float64) {
	var best *song
	bestScore := -1.0
	for i := range songs {
		s := &songs[i]
		score := MatchScore(title, artist, s.Attributes.Name, s.Attributes.ArtistName)
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	return best, bestScore
}

func toEnrichment(s *song) *providers.Enrichment {
	e := &providers.Enrichment{
		ExternalID:  s.ID,
		ExternalURL: s.Attributes.URL,
		ArtworkURL:  artworkURL(s.Attributes.Artwork.URL),
	}
	if len(s.Attributes.Previews) > 0 && s.Attributes.Previews[0].URL != "" {
		preview := s.Attributes.Previews[0].URL
		e.PreviewURL = &preview
	}
	return e
}

// artworkURL fills the {w}x{h} template of a catalog artwork url.
func artworkURL(template string) string {
	size := strconv.Itoa(artworkSize)
	r := strings.NewReplacer("{w}", size, "{h}", size)
	return r.Replace(template)
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return providers.NewUpstreamError(ProviderName, "request timed out", providers.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return providers.NewUpstreamError(ProviderName, err.Error(), providers.ErrUpstream)
}
