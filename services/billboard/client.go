package billboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"billboard-api-go/logcolors"
	"billboard-api-go/services/notifier"
	"billboard-api-go/services/providers"

	log "github.com/sirupsen/logrus"
)

const (
	ProviderName   = "billboard"
	DefaultBaseURL = "https://billboard-charts-api.p.rapidapi.com"
	DefaultHost    = "billboard-charts-api.p.rapidapi.com"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Host       string
	Timeout    time.Duration
	Cooldown   time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client fetches charts from the RapidAPI Billboard endpoint.
type Client struct {
	baseURL string
	apiKey  string
	host    string
	timeout time.Duration
	http    *http.Client
	limit   *RateLimitState
	now     func() time.Time
}

// New creates a chart client. Zero-valued options fall back to the public
// RapidAPI endpoint, a 10 second timeout and a 5 minute rate-limit cooldown.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		host:    opts.Host,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		limit:   NewRateLimitState(opts.Cooldown),
		now:     opts.Now,
	}
}

func (c *Client) Name() string { return ProviderName }

// RateLimit exposes the client's cooldown state.
func (c *Client) RateLimit() *RateLimitState { return c.limit }

// FetchChart performs one upstream call for key.
func (c *Client) FetchChart(ctx context.Context, key providers.ChartKey) (*providers.ChartSnapshot, error) {
	if until, limited := c.limit.Limited(c.now()); limited {
		log.Debugf("%s Skipping fetch for %s, rate limited until %s", logcolors.LogBillboard, key, until.Format(time.RFC3339))
		return nil, providers.NewUpstreamError(ProviderName,
			fmt.Sprintf("rate limit cooldown active until %s", until.UTC().Format(time.RFC3339)),
			providers.ErrRateLimited)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.chartURL(key), nil)
	if err != nil {
		return nil, providers.NewUpstreamError(ProviderName, "build request", err)
	}
	req.Header.Set("X-RapidAPI-Key", c.apiKey)
	req.Header.Set("X-RapidAPI-Host", c.host)
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		until := c.limit.Trip(c.now())
		log.Warnf("%s Rate limited fetching %s, backing off until %s", logcolors.LogBillboard, key, until.Format(time.RFC3339))
		notifier.PublishChartRateLimited(until)
		return nil, providers.NewUpstreamError(ProviderName, "too many requests", providers.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return nil, providers.NewUpstreamError(ProviderName,
			fmt.Sprintf("status %d: %s", resp.StatusCode, upstreamMessage(body)),
			providers.ErrUpstream)
	}

	snapshot, err := parseChart(body, key)
	if err != nil {
		return nil, providers.NewUpstreamError(ProviderName, err.Error(), providers.ErrUpstream)
	}
	snapshot.FetchedAt = c.now()
	snapshot.Source = providers.SourceLive

	log.Infof("%s Fetched %s (%s, %d entries) in %v",
		logcolors.LogBillboard, key, snapshot.WeekLabel, len(snapshot.Tracks), c.now().Sub(start))
	return snapshot, nil
}

func (c *Client) chartURL(key providers.ChartKey) string {
	q := url.Values{}
	q.Set("id", key.ChartID)
	if key.Week != "" {
		q.Set("week", key.Week)
	}
	return c.baseURL + "/chart.php?" + q.Encode()
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

// upstreamMessage pulls a human readable message out of an error body.
func upstreamMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

type chartResponse struct {
	Chart *struct {
		ID      string       `json:"id"`
		Name    string       `json:"name"`
		Date    string       `json:"date"`
		Week    string       `json:"week"`
		Entries []chartEntry `json:"entries"`
	} `json:"chart"`
}

type chartEntry struct {
	Rank   int    `json:"rank"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Image  string `json:"image"`
	URL    string `json:"url"`
	Weeks  int    `json:"weeks"`
	Last   *int   `json:"last"`
	Peak   int    `json:"peak"`
}

func parseChart(body []byte, key providers.ChartKey) (*providers.ChartSnapshot, error) {
	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed chart response: %v", err)
	}
	if resp.Chart == nil {
		return nil, fmt.Errorf("response has no chart: %s", upstreamMessage(body))
	}
	if len(resp.Chart.Entries) == 0 {
		return nil, fmt.Errorf("chart %s has no entries", key.ChartID)
	}

	label := resp.Chart.Date
	if label == "" {
		label = resp.Chart.Week
	}
	if label == "" {
		label = key.Week
	}
	name := resp.Chart.Name
	if name == "" {
		name = providers.ChartName(key.ChartID)
	}

	tracks := make([]providers.TrackEntry, 0, len(resp.Chart.Entries))
	seen := make(map[int]bool, len(resp.Chart.Entries))
	for _, e := range resp.Chart.Entries {
		if e.Rank < 1 || seen[e.Rank] {
			return nil, fmt.Errorf("invalid or duplicate rank %d", e.Rank)
		}
		seen[e.Rank] = true

		var last *int
		if e.Last != nil && *e.Last > 0 {
			v := *e.Last
			last = &v
		}
		tracks = append(tracks, providers.TrackEntry{
			Position:         e.Rank,
			Title:            e.Title,
			Artist:           e.Artist,
			ImageURL:         e.Image,
			LastWeekPosition: last,
			PeakPosition:     e.Peak,
			WeeksOnChart:     e.Weeks,
			LinkURL:          e.URL,
		})
	}
	sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].Position < tracks[j].Position })

	return &providers.ChartSnapshot{
		ChartID:   key.ChartID,
		Name:      name,
		WeekLabel: label,
		Tracks:    tracks,
	}, nil
}
