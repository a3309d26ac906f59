package tunecord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Track is one entry from a top-tracks listing.
type Track struct {
	Name      string
	Artist    string
	PlayCount int
}

func (t Track) String() string {
	if t.PlayCount > 0 {
		return fmt.Sprintf("**%s** by %s (%d plays)", t.Name, t.Artist, t.PlayCount)
	}
	return fmt.Sprintf("**%s** by %s", t.Name, t.Artist)
}

// topTracksResponse matches the scrobbling API's user.gettoptracks
// envelope. Numeric fields arrive as strings.
type topTracksResponse struct {
	TopTracks struct {
		Track []struct {
			Name      string `json:"name"`
			PlayCount string `json:"playcount"`
			Artist    struct {
				Name string `json:"name"`
			} `json:"artist"`
		} `json:"track"`
	} `json:"toptracks"`
}

// MusicClient queries the scrobbling API through the response cache, so
// repeated widget creation for the same user doesn't hit the upstream.
type MusicClient struct {
	config          *MusicAPIConfig
	fetcher         *UpstreamFetcher
	cache           *ResponseCache
	ttlHit          time.Duration
	ttlMiss         time.Duration
	headerAllowList []string
}

func NewMusicClient(
	config *MusicAPIConfig,
	fetcher *UpstreamFetcher,
	cache *ResponseCache,
	cacheConfig *CacheConfig,
) *MusicClient {
	return &MusicClient{
		config:          config,
		fetcher:         fetcher,
		cache:           cache,
		ttlHit:          cacheConfig.TTLHit,
		ttlMiss:         cacheConfig.TTLMiss,
		headerAllowList: cacheConfig.HeaderAllowList,
	}
}

// TopTracks returns a user's most played tracks for the given period.
// Results come from the cache when fresh; a cached negative entry returns
// ErrNotFound without an upstream request.
func (m *MusicClient) TopTracks(
	ctx context.Context,
	user string,
	period string,
	limit int,
) ([]Track, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("method", "user.gettoptracks")
	params.Set("user", user)
	params.Set("period", period)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("format", "json")
	params.Set("api_key", m.config.APIKey)

	req := UpstreamRequest{
		URL:     m.config.BaseURL,
		Params:  params,
		Headers: http.Header{},
	}

	payload, err := m.cache.GetOrFetch(
		ctx,
		req.Fingerprint(m.headerAllowList),
		func(ctx context.Context) ([]byte, error) {
			return m.fetcher.Fetch(ctx, req)
		},
		m.ttlHit,
		m.ttlMiss,
	)
	if err != nil {
		return nil, err
	}

	var resp topTracksResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, &ProtocolError{
			Status:  http.StatusOK,
			Excerpt: truncate(string(payload), protocolErrorExcerptLimit),
		}
	}

	tracks := make([]Track, 0, len(resp.TopTracks.Track))
	for _, t := range resp.TopTracks.Track {
		plays, _ := strconv.Atoi(t.PlayCount)
		tracks = append(
			tracks, Track{
				Name:      t.Name,
				Artist:    t.Artist.Name,
				PlayCount: plays,
			},
		)
	}
	return tracks, nil
}
