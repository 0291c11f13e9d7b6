// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package neighborhoods

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errMultipleMatches = errors.New("multiple matches")
	errCityNotFound    = errors.New("city not found")
)

// City is a city Doof curates restaurants for. The registry ships with the
// binary: cities are added a few times a year at most, so a database table
// buys nothing but migrations.
type City struct {
	ID       int64    // Stable ID, referenced by neighborhoods and restaurants
	Name     string   // Display name, e.g. 'New York'
	State    string   // Two letter state code
	Boroughs []string // Administrative divisions, empty outside New York
}

// Validate checks if the City has all required fields.
func (c *City) Validate() error {
	if c.Name == "" {
		return errors.New("city: name must not be empty")
	}

	if c.State == "" {
		return fmt.Errorf("city %q: state must not be empty", c.Name)
	}

	return nil
}

// HasBorough reports whether name is one of the city's boroughs.
// Matching is case insensitive.
func (c *City) HasBorough(name string) bool {
	for _, b := range c.Boroughs {
		if strings.EqualFold(b, name) {
			return true
		}
	}

	return false
}

// All cities the service knows about.
var cities = func() []City {
	ret := []City{
		{
			ID:    1,
			Name:  "New York",
			State: "NY",
			Boroughs: []string{
				"Manhattan",
				"Brooklyn",
				"Queens",
				"The Bronx",
				"Staten Island",
			},
		},
		{
			ID:    2,
			Name:  "Chicago",
			State: "IL",
		},
		{
			ID:    3,
			Name:  "Charlotte",
			State: "NC",
		},
		{
			ID:    4,
			Name:  "Los Angeles",
			State: "CA",
		},
		{
			ID:    5,
			Name:  "San Francisco",
			State: "CA",
		},
	}

	for i := range ret {
		if err := ret[i].Validate(); err != nil {
			panic(err)
		}
	}

	return ret
}()

// FindCity locates a city by its ID or name.
// If q represents a number, it searches by ID; otherwise, it searches by
// case insensitive name prefix. Returns an error if no match or multiple
// matches are found.
func FindCity(q string) (*City, error) {
	if q == "" {
		return nil, errors.New("empty search query")
	}

	var predicate func(c *City) bool
	if n, err := strconv.ParseInt(q, 10, 64); err == nil {
		predicate = func(c *City) bool {
			return n == c.ID
		}
	} else {
		predicate = func(c *City) bool {
			return len(c.Name) >= len(q) &&
				strings.EqualFold(c.Name[:len(q)], q)
		}
	}

	var found *City

	for i := range cities {
		if predicate(&cities[i]) {
			if found == nil {
				// Create a copy to avoid returning a reference to the slice element
				cityCopy := cities[i]
				found = &cityCopy
			} else {
				return nil, fmt.Errorf("%w for %q: %q, %q", errMultipleMatches, q, found.Name, cities[i].Name)
			}
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: %q", errCityNotFound, q)
	}

	return found, nil
}

// CityByID returns the city with the given ID.
func CityByID(id int64) (*City, error) {
	for i := range cities {
		if cities[i].ID == id {
			cityCopy := cities[i]

			return &cityCopy, nil
		}
	}

	return nil, fmt.Errorf("%w: id %d", errCityNotFound, id)
}

// EachCity applies the given callback function to each city.
// It stops iteration and returns the error if the callback returns an error.
func EachCity(callback func(City) error) error {
	for i := range cities {
		if err := callback(cities[i]); err != nil {
			return err
		}
	}

	return nil
}
