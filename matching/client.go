// Package matching asks the external scoring service which carriers fit an
// offer. Results are advisory: nothing here can accept or reserve an offer.
package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"freightflow/offer"
)

var (
	// ErrUnavailable wraps transport failures and non-2xx answers from the scorer.
	ErrUnavailable = errors.New("matching: scorer unavailable")
	// ErrInvalidThreshold is returned for thresholds outside [0,1].
	ErrInvalidThreshold = errors.New("matching: threshold outside [0,1]")
)

// DefaultThreshold is the minimum similarity a candidate needs to be shown.
const DefaultThreshold = 0.8

// Candidate is one ranked carrier.
type Candidate struct {
	CarrierID string  `json:"carrier_id"`
	Score     float64 `json:"score"`
}

type scoreRequest struct {
	OfferID     string          `json:"offer_id"`
	Kind        offer.Kind      `json:"kind"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Equipment   offer.Equipment `json:"equipment"`
	Rate        string          `json:"rate_per_distance"`
	Distance    string          `json:"distance_estimate"`
	StartDate   *time.Time      `json:"start_date,omitempty"`
	EndDate     *time.Time      `json:"end_date,omitempty"`
	Limit       int             `json:"limit"`
}

type scoreResponse struct {
	Candidates []Candidate `json:"candidates"`
}

// Client calls the scorer over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	threshold  float64
	http       *http.Client
	log        zerolog.Logger
	newBackOff func() backoff.BackOff
}

// NewClient builds a client. An empty baseURL yields a client that returns no candidates.
func NewClient(baseURL, apiKey string, threshold float64, log zerolog.Logger) (*Client, error) {
	if threshold < 0 || threshold > 1 {
		return nil, ErrInvalidThreshold
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		threshold: threshold,
		http:      &http.Client{Timeout: 5 * time.Second},
		log:       log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			return backoff.WithMaxRetries(b, 2)
		},
	}, nil
}

// WithHTTPClient swaps the transport, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.http = hc
	}
	return c
}

// WithBackOff overrides the retry schedule.
func (c *Client) WithBackOff(fn func() backoff.BackOff) *Client {
	if fn != nil {
		c.newBackOff = fn
	}
	return c
}

// Threshold is the minimum score returned.
func (c *Client) Threshold() float64 { return c.threshold }

// Candidates returns carriers scoring at least the threshold, best first.
// Scores outside [0,1] are discarded.
func (c *Client) Candidates(ctx context.Context, o offer.Offer, limit int) ([]Candidate, error) {
	if c.baseURL == "" {
		return []Candidate{}, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	body, err := json.Marshal(scoreRequest{
		OfferID:     o.ID,
		Kind:        o.Kind,
		Origin:      o.Lane.Origin,
		Destination: o.Lane.Destination,
		Equipment:   o.Equipment,
		Rate:        o.RatePerDistance.String(),
		Distance:    o.DistanceEstimate.String(),
		StartDate:   o.StartDate,
		EndDate:     o.EndDate,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("matching: encode request: %w", err)
	}

	var resp scoreResponse
	op := func() error {
		r, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(resp.Candidates))
	for _, cand := range resp.Candidates {
		if cand.CarrierID == "" || cand.Score < 0 || cand.Score > 1 {
			c.log.Debug().Str("offer_id", o.ID).Str("carrier_id", cand.CarrierID).Float64("score", cand.Score).Msg("discarding malformed candidate")
			continue
		}
		if cand.Score < c.threshold {
			continue
		}
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, body []byte) (scoreResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/match", bytes.NewReader(body))
	if err != nil {
		return scoreResponse{}, backoff.Permanent(fmt.Errorf("matching: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return scoreResponse{}, backoff.Permanent(ctx.Err())
		}
		return scoreResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, res.Body)
		return scoreResponse{}, fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return scoreResponse{}, backoff.Permanent(fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode))
	}

	var out scoreResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return scoreResponse{}, backoff.Permanent(fmt.Errorf("%w: decode: %v", ErrUnavailable, err))
	}
	return out, nil
}
