package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/consilium-ai/consilium/pkg/models"
)

// HTTPFetcher pulls snapshots from an upstream market-data service that
// returns one JSON document per symbol/exchange pair.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher against the data service base URL.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, symbol, exchange string) (*models.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/snapshots?symbol=%s&exchange=%s",
		f.baseURL, url.QueryEscape(symbol), url.QueryEscape(exchange))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}

	var data map[string]any

	err = json.NewDecoder(resp.Body).Decode(&data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	return &models.Snapshot{
		ID:        fmt.Sprintf("snap-%s", uuid.New().String()[:8]),
		Symbol:    symbol,
		Exchange:  exchange,
		FetchedAt: time.Now().UTC(),
		Data:      data,
	}, nil
}
