// Package symsync pulls symbols from the managed external store into the
// local catalog. The external API pages by cursor: each request passes the
// last symbol id of the previous batch, and the server caps page size.
package symsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"signalzero/internal/logging"
	"signalzero/internal/store"
	"signalzero/internal/types"
)

// maxPageLimit is the server-side cap on page size; larger requests are
// clamped client-side to match.
const maxPageLimit = 20

// Client talks to the managed symbol store.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a sync client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// QueryOptions filters one page request.
type QueryOptions struct {
	Domain       string
	Tag          string
	LastSymbolID string
	Limit        int
}

// QuerySymbols fetches one page of symbols. Entries that fail to decode
// are skipped with a warning; the rest of the page still syncs.
func (c *Client) QuerySymbols(ctx context.Context, opts QueryOptions) ([]types.Symbol, error) {
	limit := opts.Limit
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if opts.Domain != "" {
		params.Set("symbol_domain", opts.Domain)
	}
	if opts.Tag != "" {
		params.Set("symbol_tag", opts.Tag)
	}
	if opts.LastSymbolID != "" {
		params.Set("last_symbol_id", opts.LastSymbolID)
	}

	endpoint := c.baseURL + "/symbol?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external store request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external store returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unexpected response format from external store: %w", err)
	}

	symbols := make([]types.Symbol, 0, len(raw))
	for _, item := range raw {
		var sym types.Symbol
		if err := json.Unmarshal(item, &sym); err != nil || sym.ID == "" {
			logging.Get(logging.CategorySync).Warn("Skipping undecodable symbol in sync page: %v", err)
			continue
		}
		symbols = append(symbols, sym)
	}

	logging.SyncDebug("Fetched page of %d symbols (requested %d)", len(symbols), limit)
	return symbols, nil
}

// ListDomains returns the domains the managed store serves.
func (c *Client) ListDomains(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/domains", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create domains request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external store request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read domains response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external store returned %d", resp.StatusCode)
	}

	var domains []string
	if err := json.Unmarshal(data, &domains); err != nil {
		return nil, fmt.Errorf("unexpected response format from external store: %w", err)
	}
	return domains, nil
}

// Result summarizes one synchronization run.
type Result struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
	New     int `json:"new"`
	Updated int `json:"updated"`
	Pages   int `json:"pages"`
}

// Sync pulls every matching symbol from the external store into the local
// catalog, page by page. Each stored symbol is reindexed as part of the
// upsert, so the embedding index is current when Sync returns.
func Sync(ctx context.Context, client *Client, st *store.LocalStore, opts QueryOptions) (Result, error) {
	timer := logging.StartTimer(logging.CategorySync, "Sync")
	defer timer.Stop()

	limit := opts.Limit
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}

	var result Result
	cursor := ""

	for {
		batch, err := client.QuerySymbols(ctx, QueryOptions{
			Domain:       opts.Domain,
			Tag:          opts.Tag,
			LastSymbolID: cursor,
			Limit:        limit,
		})
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		result.Pages++
		result.Fetched += len(batch)

		for _, sym := range batch {
			created, err := st.PutSymbol(ctx, sym)
			if err != nil {
				return result, fmt.Errorf("failed to store synced symbol %s: %w", sym.ID, err)
			}
			result.Stored++
			if created {
				result.New++
			} else {
				result.Updated++
			}
		}

		cursor = batch[len(batch)-1].ID
		if len(batch) < limit {
			break
		}
	}

	logging.Sync("Sync complete: %d fetched over %d pages (%d new, %d updated)",
		result.Fetched, result.Pages, result.New, result.Updated)
	return result, nil
}
