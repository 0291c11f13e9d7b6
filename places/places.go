// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

// Package places is the HTTP client for the Doof API: place search and
// details, neighborhood lookup by ZIP code, and restaurant creation.
package places

import (
	"github.com/doofapp/doof/spatial"
)

// Candidate is one place match returned by the autocomplete search.
// Read-only; it exists only while an entry is being disambiguated.
type Candidate struct {
	PlaceID          string        `json:"place_id"`
	Name             string        `json:"name"`
	FormattedAddress string        `json:"formatted_address"`
	Location         spatial.Point `json:"location"`
}

// AddressComponent is one element of a place's structured address.
type AddressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// Details is the full record for a single place.
type Details struct {
	FormattedAddress  string             `json:"formatted_address"`
	Location          spatial.Point      `json:"location"`
	AddressComponents []AddressComponent `json:"address_components"`
}

// Neighborhood is a reference taxonomy record, looked up by ZIP code.
type Neighborhood struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	CityID        int64    `json:"city_id"`
	CityName      string   `json:"city_name"`
	ZipcodeRanges []string `json:"zipcode_ranges"`
}

// NewRestaurant is the payload for creating one restaurant.
// NeighborhoodID is nil when the ZIP code maps to no known neighborhood.
type NewRestaurant struct {
	PlaceID        string  `json:"place_id"`
	Name           string  `json:"name"`
	Address        string  `json:"address"`
	Zipcode        string  `json:"zipcode,omitempty"`
	NeighborhoodID *int64  `json:"neighborhood_id,omitempty"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
}

// CreatedRestaurant is the server's echo of a stored restaurant.
type CreatedRestaurant struct {
	ID      int64  `json:"id"`
	PlaceID string `json:"place_id"`
	Name    string `json:"name"`
}

// BulkCreateFailure describes one rejected row of a bulk creation.
type BulkCreateFailure struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// BulkCreateReport summarizes the outcome of a bulk creation.
type BulkCreateReport struct {
	Added       int                 `json:"added"`
	Failed      int                 `json:"failed"`
	Restaurants []CreatedRestaurant `json:"restaurants"`
	Failures    []BulkCreateFailure `json:"failures,omitempty"`
}
