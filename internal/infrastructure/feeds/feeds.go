// Package feeds contains HTTP clients for the external reputation sources.
// Every call site wraps a feed in its own circuit breaker and bounded
// timeout; the clients themselves stay thin.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// FeedResult is the answer from one reputation source
type FeedResult struct {
	Score  float64 `json:"score"`  // 0-100, higher is worse
	Listed bool    `json:"listed"` // present on the source's block list
}

// Feed is one external reputation source
type Feed interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*FeedResult, error)
}

// AbuseScoreFeed queries a third-party abuse-confidence API
type AbuseScoreFeed struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewAbuseScoreFeed creates the abuse-confidence feed client
func NewAbuseScoreFeed(baseURL, apiKey string, logger *zap.Logger) *AbuseScoreFeed {
	return &AbuseScoreFeed{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (f *AbuseScoreFeed) Name() string { return "abuse_score_feed" }

func (f *AbuseScoreFeed) Lookup(ctx context.Context, ip string) (*FeedResult, error) {
	endpoint := fmt.Sprintf("%s/check?ip=%s", f.baseURL, url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building abuse feed request: %w", err)
	}
	req.Header.Set("Key", f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("abuse feed lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("abuse feed returned status %d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			AbuseConfidenceScore float64 `json:"abuseConfidenceScore"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding abuse feed response: %w", err)
	}

	return &FeedResult{
		Score:  payload.Data.AbuseConfidenceScore,
		Listed: payload.Data.AbuseConfidenceScore >= 75,
	}, nil
}

// BlockListFeed queries a DNS-style block list aggregator over HTTP
type BlockListFeed struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewBlockListFeed creates the block-list feed client
func NewBlockListFeed(baseURL string, logger *zap.Logger) *BlockListFeed {
	return &BlockListFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (f *BlockListFeed) Name() string { return "block_list_feed" }

func (f *BlockListFeed) Lookup(ctx context.Context, ip string) (*FeedResult, error) {
	endpoint := fmt.Sprintf("%s/listed/%s", f.baseURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building block list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("block list lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// Not listed
		return &FeedResult{Score: 0, Listed: false}, nil
	default:
		return nil, fmt.Errorf("block list returned status %d", resp.StatusCode)
	}

	var payload struct {
		Listed bool `json:"listed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding block list response: %w", err)
	}

	result := &FeedResult{Listed: payload.Listed}
	if payload.Listed {
		result.Score = 100
	}
	return result, nil
}
