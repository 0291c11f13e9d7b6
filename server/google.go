// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	apikeys "cloud.google.com/go/apikeys/apiv2"
	"cloud.google.com/go/apikeys/apiv2/apikeyspb"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"

	"github.com/doofapp/doof/spatial"
)

// PlacesBackend is the upstream place provider the API proxies to.
type PlacesBackend interface {
	// Autocomplete returns establishment predictions for a free text query
	Autocomplete(ctx context.Context, input string) ([]Prediction, error)
	// Details returns the address and geometry for a single place
	Details(ctx context.Context, placeID string) (*PlaceDetails, error)
}

// Prediction is one autocomplete match.
type Prediction struct {
	PlaceID       string
	Description   string
	MainText      string
	SecondaryText string
}

// AddressComponent is one element of a place's structured address.
type AddressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// PlaceDetails is the subset of the place record the API exposes.
type PlaceDetails struct {
	FormattedAddress  string
	Location          spatial.Point
	AddressComponents []AddressComponent
}

var (
	errOverQueryLimit = errors.New("place provider quota exhausted")
	errPlaceNotFound  = errors.New("place not found")
)

const googlePlacesBaseURL = "https://maps.googleapis.com/maps/api/place"

// GooglePlacesClient resolves places through the Google Places API.
type GooglePlacesClient struct {
	apiKey     string
	httpClient *http.Client
}

// NewGooglePlacesClient creates a client using the provided API key.
func NewGooglePlacesClient(apiKey string) *GooglePlacesClient {
	return &GooglePlacesClient{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Autocomplete searches US establishments matching the input text.
func (g *GooglePlacesClient) Autocomplete(ctx context.Context, input string) ([]Prediction, error) {
	params := url.Values{}
	params.Set("input", input)
	params.Set("types", "establishment")
	params.Set("components", "country:us")
	params.Set("key", g.apiKey)

	var result struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		Predictions  []struct {
			PlaceID              string `json:"place_id"`
			Description          string `json:"description"`
			StructuredFormatting struct {
				MainText      string `json:"main_text"`
				SecondaryText string `json:"secondary_text"`
			} `json:"structured_formatting"`
		} `json:"predictions"`
	}

	err := g.get(ctx, googlePlacesBaseURL+"/autocomplete/json?"+params.Encode(), &result)
	if err != nil {
		return nil, fmt.Errorf("requesting autocomplete: %w", err)
	}

	switch result.Status {
	case "OK":
		// fallthrough to the mapping below
	case "ZERO_RESULTS":
		return nil, nil
	case "OVER_QUERY_LIMIT":
		return nil, errOverQueryLimit
	default:
		return nil, statusError(result.Status, result.ErrorMessage)
	}

	predictions := make([]Prediction, 0, len(result.Predictions))
	for _, p := range result.Predictions {
		predictions = append(predictions, Prediction{
			PlaceID:       p.PlaceID,
			Description:   p.Description,
			MainText:      p.StructuredFormatting.MainText,
			SecondaryText: p.StructuredFormatting.SecondaryText,
		})
	}

	return predictions, nil
}

// Details fetches the address and coordinates for a place.
func (g *GooglePlacesClient) Details(ctx context.Context, placeID string) (*PlaceDetails, error) {
	params := url.Values{}
	params.Set("place_id", placeID)
	params.Set("fields", "formatted_address,geometry/location,address_component")
	params.Set("key", g.apiKey)

	var result struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		Result       struct {
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
			AddressComponents []AddressComponent `json:"address_components"`
		} `json:"result"`
	}

	err := g.get(ctx, googlePlacesBaseURL+"/details/json?"+params.Encode(), &result)
	if err != nil {
		return nil, fmt.Errorf("requesting place details: %w", err)
	}

	switch result.Status {
	case "OK":
	case "ZERO_RESULTS", "NOT_FOUND", "INVALID_REQUEST":
		return nil, fmt.Errorf("%w: %q", errPlaceNotFound, placeID)
	case "OVER_QUERY_LIMIT":
		return nil, errOverQueryLimit
	default:
		return nil, statusError(result.Status, result.ErrorMessage)
	}

	return &PlaceDetails{
		FormattedAddress: result.Result.FormattedAddress,
		Location: spatial.Point{
			Lat: result.Result.Geometry.Location.Lat,
			Lng: result.Result.Geometry.Location.Lng,
		},
		AddressComponents: result.Result.AddressComponents,
	}, nil
}

func (g *GooglePlacesClient) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected http status: %s", resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

func statusError(status, message string) error {
	if message != "" {
		return fmt.Errorf("google places status: %s (%s)", status, message)
	}

	return fmt.Errorf("google places status: %s", status)
}

// ResolveAPIKey returns the Google Places API key from the environment,
// falling back to Application Default Credentials.
func ResolveAPIKey(ctx context.Context) string {
	apiKey := os.Getenv("GOOGLE_PLACES_API_KEY")
	if apiKey == "" {
		log.Println("GOOGLE_PLACES_API_KEY is not set. Attempting to retrieve API key using Application Default Credentials...")

		adcKey, err := getAPIKeyFromADC(ctx)
		if err != nil {
			log.Printf("⚠️  Could not retrieve API key using ADC: %v", err)
			log.Println("Place search will fail until GOOGLE_PLACES_API_KEY is set.")
		} else {
			log.Println("✅ Successfully retrieved API key using Application Default Credentials")
			apiKey = adcKey
		}
	}

	return apiKey
}

// getAPIKeyFromADC attempts to retrieve the Places API key using Application
// Default Credentials. Requires the caller to have run
// `gcloud auth application-default login` and have apikeys.keys.list
// permission on the project.
func getAPIKeyFromADC(ctx context.Context) (string, error) {
	const targetDisplayName = "Doof Places Key"

	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return "", fmt.Errorf("finding default credentials: %w", err)
	}

	projectID := creds.ProjectID
	if projectID == "" {
		projectID = "doof-20250401"
		log.Printf("⚠️  No project ID in credentials, using default: %s", projectID)
	}

	client, err := apikeys.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("creating apikeys client: %w", err)
	}
	defer client.Close()

	req := &apikeyspb.ListKeysRequest{
		Parent: fmt.Sprintf("projects/%s/locations/global", projectID),
	}

	it := client.ListKeys(ctx, req)

	for {
		key, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}

		if err != nil {
			return "", fmt.Errorf("listing API keys: %w", err)
		}

		if key.DisplayName != targetDisplayName {
			continue
		}

		// ListKeys and GetKey redact the KeyString.
		// We must use GetKeyString method to retrieve the secret.
		resp, err := client.GetKeyString(ctx, &apikeyspb.GetKeyStringRequest{
			Name: key.Name,
		})
		if err != nil {
			return "", fmt.Errorf("getting key string for %q: %w", key.DisplayName, err)
		}

		if resp.KeyString == "" {
			return "", fmt.Errorf("key %q found but KeyString is still empty after GetKeyString", targetDisplayName)
		}

		return resp.KeyString, nil
	}

	return "", fmt.Errorf("no API key named %q found in project %s", targetDisplayName, projectID)
}
