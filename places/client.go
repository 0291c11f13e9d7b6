// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package places

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/doofapp/doof/spatial"
	"github.com/doofapp/doof/utils/httputils"
)

// Common errors returned by the client.
var (
	ErrMissingBaseURL = errors.New("API base URL must not be empty")
	ErrEmptyQuery     = errors.New("empty search query")
)

// Options configuration for the API client. There are no ambient globals:
// everything the client needs arrives here.
type Options struct {
	// BaseURL is the root of the Doof API, e.g. http://localhost:5001
	BaseURL string

	// Token is a bearer token for admin endpoints. Login overwrites it.
	Token string

	// UserAgent is the User-Agent header to use in HTTP requests
	UserAgent string

	// Timeout for each HTTP request. Defaults to 10 seconds.
	Timeout time.Duration

	// Enables light tracing of HTTP requests and responses
	EnableHTTPTrace bool

	// Enables full HTTP body tracing
	EnableHTTPBodyTrace bool
}

// Validate checks that the options can produce a working client.
func (o *Options) Validate() error {
	if o.BaseURL == "" {
		return ErrMissingBaseURL
	}

	if _, err := url.Parse(o.BaseURL); err != nil {
		return fmt.Errorf("parsing base URL %q: %w", o.BaseURL, err)
	}

	return nil
}

// Client talks to the Doof API. It never retries on its own; callers wrap
// individual calls in RetryWithBackoff as needed.
type Client struct {
	baseURL *url.URL
	client  *http.Client
	options *Options
	token   string
}

// NewClient creates an API client with the provided options.
func NewClient(options *Options) (*Client, error) {
	if options == nil {
		options = &Options{}
	}

	if err := options.Validate(); err != nil {
		return nil, err
	}

	baseURL, err := url.Parse(options.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", options.BaseURL, err)
	}

	var httpLogWriter io.Writer
	if options.EnableHTTPTrace {
		httpLogWriter = os.Stderr
	}

	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		MaxConnsPerHost:       4,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	loggingTransport := &httputils.LoggingRoundTripper{
		Writer:    httpLogWriter,
		DumpBody:  options.EnableHTTPBodyTrace,
		Transport: transport,
	}

	userAgent := "doof/unknown"
	if options.UserAgent != "" {
		userAgent = options.UserAgent
	}

	headerTransport := &httputils.AppendRequestHeadersRoundTripper{
		Headers: map[string]string{
			"User-Agent": userAgent,
			"Accept":     "application/json",
		},
		Transport: loggingTransport,
	}

	c := &Client{
		baseURL: baseURL,
		options: options,
		token:   options.Token,
	}

	c.client = &http.Client{
		Timeout: timeoutOrDefault(options.Timeout),
		Transport: &httputils.BearerAuthRoundTripper{
			Token:     func() string { return c.token },
			Transport: headerTransport,
		},
	}

	return c, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}

	return d
}

// Login authenticates against the API and keeps the issued bearer token
// for subsequent requests.
func (c *Client) Login(ctx context.Context, email, password string) error {
	resp, err := c.postJSON(ctx, map[string]string{
		"email":    email,
		"password": password,
	}, "api", "auth", "login")
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("logging in: %w", ClassifyHTTPStatus(resp.StatusCode))
	}

	var out struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
		Error   string `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}

	if !out.Success || out.Token == "" {
		return &APIError{
			Type:    ErrorTypeUnauthorized,
			Message: apiMessage("login rejected", out.Error),
		}
	}

	c.token = out.Token

	return nil
}

// SearchPlaces queries the autocomplete endpoint with a free-text query and
// returns the candidate matches. A response with success:false is a
// permanent error; transient transport failures are classified so the
// caller's backoff wrapper can retry them.
func (c *Client) SearchPlaces(ctx context.Context, query string) ([]Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	params := url.Values{}
	params.Set("input", query)
	params.Set("types", "establishment")
	params.Set("components", "country:us")

	resp, err := c.get(ctx, params, "api", "places", "autocomplete")
	if err != nil {
		return nil, fmt.Errorf("searching places %q: %w", query, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searching places %q: %w", query, ClassifyHTTPStatus(resp.StatusCode))
	}

	var out struct {
		Success     bool   `json:"success"`
		Error       string `json:"error"`
		Predictions []struct {
			PlaceID              string `json:"place_id"`
			Description          string `json:"description"`
			StructuredFormatting struct {
				MainText      string `json:"main_text"`
				SecondaryText string `json:"secondary_text"`
			} `json:"structured_formatting"`
		} `json:"predictions"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	if !out.Success {
		return nil, &APIError{
			Type:    ErrorTypeUnknown,
			Message: apiMessage("place search failed", out.Error),
		}
	}

	candidates := make([]Candidate, 0, len(out.Predictions))

	for _, p := range out.Predictions {
		name := p.StructuredFormatting.MainText
		if name == "" {
			name = p.Description
		}

		address := p.StructuredFormatting.SecondaryText
		if address == "" {
			address = p.Description
		}

		candidates = append(candidates, Candidate{
			PlaceID:          p.PlaceID,
			Name:             name,
			FormattedAddress: address,
		})
	}

	return candidates, nil
}

// GetPlaceDetails fetches the formatted address and geometry for a place
// previously returned by SearchPlaces.
func (c *Client) GetPlaceDetails(ctx context.Context, placeID string) (*Details, error) {
	if placeID == "" {
		return nil, errors.New("empty place id")
	}

	resp, err := c.get(ctx, nil, "api", "places", "details", placeID)
	if err != nil {
		return nil, fmt.Errorf("fetching details for %q: %w", placeID, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching details for %q: %w", placeID, ClassifyHTTPStatus(resp.StatusCode))
	}

	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Result  struct {
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location spatial.Point `json:"location"`
			} `json:"geometry"`
			AddressComponents []AddressComponent `json:"address_components"`
		} `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding details response: %w", err)
	}

	if !out.Success {
		return nil, &APIError{
			Type:    ErrorTypeUnknown,
			Message: apiMessage("place details failed", out.Error),
		}
	}

	return &Details{
		FormattedAddress:  out.Result.FormattedAddress,
		Location:          out.Result.Geometry.Location,
		AddressComponents: out.Result.AddressComponents,
	}, nil
}

// FindNeighborhoodByZipcode looks up the neighborhood covering a ZIP code.
// A miss is (nil, nil): both a 404 and an empty array mean the ZIP is not
// mapped, which the caller treats as a partial success, not an error.
func (c *Client) FindNeighborhoodByZipcode(ctx context.Context, zipcode string) (*Neighborhood, error) {
	if zipcode == "" {
		return nil, errors.New("empty zipcode")
	}

	resp, err := c.get(ctx, nil, "api", "neighborhoods", "zip", zipcode)
	if err != nil {
		return nil, fmt.Errorf("resolving zipcode %q: %w", zipcode, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolving zipcode %q: %w", zipcode, ClassifyHTTPStatus(resp.StatusCode))
	}

	var records []Neighborhood
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding neighborhood response: %w", err)
	}

	if len(records) == 0 {
		return nil, nil
	}

	return &records[0], nil
}

// CreateRestaurant creates a single restaurant.
func (c *Client) CreateRestaurant(ctx context.Context, restaurant *NewRestaurant) (*CreatedRestaurant, error) {
	resp, err := c.postJSON(ctx, restaurant, "api", "admin", "restaurants")
	if err != nil {
		return nil, fmt.Errorf("creating restaurant: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("creating restaurant: %w", ClassifyHTTPStatus(resp.StatusCode))
	}

	var out struct {
		Success bool              `json:"success"`
		Error   string            `json:"error"`
		Data    CreatedRestaurant `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding create response: %w", err)
	}

	if !out.Success {
		return nil, &APIError{
			Type:    ErrorTypeUnknown,
			Message: apiMessage("restaurant create failed", out.Error),
		}
	}

	return &out.Data, nil
}

// CreateRestaurants posts a batch of restaurants to the bulk endpoint and
// returns the per-row outcome report. An empty batch issues no request.
func (c *Client) CreateRestaurants(ctx context.Context, restaurants []NewRestaurant) (*BulkCreateReport, error) {
	if len(restaurants) == 0 {
		return &BulkCreateReport{}, nil
	}

	resp, err := c.postJSON(ctx, map[string]any{
		"restaurants": restaurants,
	}, "api", "admin", "restaurants", "bulk")
	if err != nil {
		return nil, fmt.Errorf("creating %d restaurants: %w", len(restaurants), err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("creating %d restaurants: %w", len(restaurants), ClassifyHTTPStatus(resp.StatusCode))
	}

	var out struct {
		Success bool             `json:"success"`
		Error   string           `json:"error"`
		Data    BulkCreateReport `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding bulk create response: %w", err)
	}

	if !out.Success {
		return nil, &APIError{
			Type:    ErrorTypeUnknown,
			Message: apiMessage("bulk create failed", out.Error),
		}
	}

	return &out.Data, nil
}

func (c *Client) get(ctx context.Context, params url.Values, elem ...string) (*http.Response, error) {
	reqURL := c.baseURL.JoinPath(elem...)
	if params != nil {
		reqURL.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, body any, elem ...string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	reqURL := c.baseURL.JoinPath(elem...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return resp, nil
}

// classifyTransportError wraps connection-level failures in the taxonomy so
// IsTransient doesn't have to sniff error strings for the common cases.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Type: ErrorTypeTimeout, Message: "request timed out", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Type: ErrorTypeTimeout, Message: "request timed out", Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return &APIError{Type: ErrorTypeNetwork, Message: "request failed", Err: err}
}

func apiMessage(prefix, detail string) string {
	if detail == "" {
		return prefix
	}

	return prefix + ": " + detail
}
