// Package chain queries a Cosmos SDK chain's LCD REST API for the authz
// grants involving an address.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	yall "yall.in"

	"lockbox.dev/authz/grants"
)

var (
	ErrUnknownChain = errors.New("no LCD endpoint configured for chain")

	// ErrPaginationLoop is returned when an LCD hands back a next_key it
	// already returned for the same query.
	ErrPaginationLoop = errors.New("LCD pagination key repeated")
)

const (
	// DefaultPageLimit is how many grants are requested per page.
	DefaultPageLimit = 100

	// DefaultRequestsPerSecond paces page requests against a single LCD.
	DefaultRequestsPerSecond = 5

	granteePath = "/cosmos/authz/v1beta1/grants/grantee/"
	granterPath = "/cosmos/authz/v1beta1/grants/granter/"
)

// Client implements grants.Fetcher against LCD endpoints.
type Client struct {
	// Endpoints maps chain IDs to LCD base URLs.
	Endpoints map[string]string
	HTTP      *http.Client
	Limiter   *rate.Limiter
	PageLimit int
}

// NewClient returns a Client for endpoints, paced to requestsPerSecond.
// A requestsPerSecond <= 0 uses DefaultRequestsPerSecond.
func NewClient(endpoints map[string]string, requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	return &Client{
		Endpoints: endpoints,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		PageLimit: DefaultPageLimit,
	}
}

type grantResponse struct {
	Grants     []grantJSON `json:"grants"`
	Pagination struct {
		NextKey string `json:"next_key"`
	} `json:"pagination"`
}

type grantJSON struct {
	Granter       string     `json:"granter"`
	Grantee       string     `json:"grantee"`
	Authorization authzJSON  `json:"authorization"`
	Expiration    *time.Time `json:"expiration"`
}

type authzJSON struct {
	Type string `json:"@type"`
	Msg  string `json:"msg"`
}

// FetchGrants returns every grant where address is the grantee or the
// granter on chainID.
func (c *Client) FetchGrants(ctx context.Context, address, chainID string) (grants.ChainGrants, error) {
	base, ok := c.Endpoints[chainID]
	if !ok {
		return grants.ChainGrants{}, fmt.Errorf("%w: %q", ErrUnknownChain, chainID)
	}
	asGrantee, err := c.list(ctx, base, granteePath, address)
	if err != nil {
		return grants.ChainGrants{}, fmt.Errorf("listing grants to %s: %w", address, err)
	}
	asGranter, err := c.list(ctx, base, granterPath, address)
	if err != nil {
		return grants.ChainGrants{}, fmt.Errorf("listing grants from %s: %w", address, err)
	}
	return grants.ChainGrants{
		Grantee: group(asGrantee, func(g grantJSON) string { return g.Granter }),
		Granter: group(asGranter, func(g grantJSON) string { return g.Grantee }),
	}, nil
}

// group collects grants by counterparty, keeping counterparties in the order
// they were first seen.
func group(list []grantJSON, counterparty func(grantJSON) string) []grants.RawGrant {
	var results []grants.RawGrant
	pos := map[string]int{}
	for _, g := range list {
		addr := counterparty(g)
		i, ok := pos[addr]
		if !ok {
			i = len(results)
			pos[addr] = i
			results = append(results, grants.RawGrant{Address: addr})
		}
		results[i].Permissions = append(results[i].Permissions, grants.RawPermission{
			Authorization: grants.Authorization{
				TypeURL: g.Authorization.Type,
				Msg:     g.Authorization.Msg,
			},
			Expiration: g.Expiration,
		})
	}
	return results
}

func (c *Client) list(ctx context.Context, base, path, address string) ([]grantJSON, error) {
	log := yall.FromContext(ctx)
	var results []grantJSON
	var key string
	seen := map[string]struct{}{}
	for {
		page, err := c.page(ctx, base, path, address, key)
		if err != nil {
			return nil, err
		}
		results = append(results, page.Grants...)
		log.WithField("query", path).WithField("page_size", len(page.Grants)).Debug("fetched grants page")
		if page.Pagination.NextKey == "" {
			return results, nil
		}
		if _, ok := seen[page.Pagination.NextKey]; ok {
			return nil, fmt.Errorf("%w: %q", ErrPaginationLoop, page.Pagination.NextKey)
		}
		seen[page.Pagination.NextKey] = struct{}{}
		key = page.Pagination.NextKey
	}
}

func (c *Client) page(ctx context.Context, base, path, address, key string) (grantResponse, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return grantResponse{}, err
		}
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + path + url.PathEscape(address))
	if err != nil {
		return grantResponse{}, fmt.Errorf("building LCD URL: %w", err)
	}
	query := u.Query()
	if c.PageLimit > 0 {
		query.Set("pagination.limit", strconv.Itoa(c.PageLimit))
	}
	if key != "" {
		query.Set("pagination.key", key)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return grantResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return grantResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return grantResponse{}, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, u.Path, strings.TrimSpace(string(body)))
	}
	var page grantResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return grantResponse{}, fmt.Errorf("decoding LCD response: %w", err)
	}
	return page, nil
}
