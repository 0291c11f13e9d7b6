// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

// Package neighborhoods maintains the neighborhood reference data: which
// neighborhoods exist in each city and which ZIP codes they cover. The
// mapping is many-to-many: a ZIP code can straddle several neighborhoods,
// and most neighborhoods span more than one ZIP code.
package neighborhoods

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
)

var zipcodePattern = regexp.MustCompile(`^\d{5}$`)

var (
	errMissingName     = errors.New("neighborhood name must not be empty")
	errMissingCityName = errors.New("city name must not be empty")
	errInvalidZipcode  = errors.New("invalid zipcode")
)

// Record is a neighborhood with the ZIP codes it covers.
type Record struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	CityID   int64    `json:"city_id"`
	CityName string   `json:"city_name"`
	Borough  string   `json:"borough,omitempty"`
	Zipcodes []string `json:"zipcode_ranges"`
}

// Validate checks that the record can be stored. An empty ZIP code list is
// fine: the neighborhood simply never matches a lookup until someone maps it.
func (r *Record) Validate() error {
	if r.Name == "" {
		return errMissingName
	}

	if _, err := CityByID(r.CityID); err != nil {
		return fmt.Errorf("neighborhood %q: %w", r.Name, err)
	}

	if r.CityName == "" {
		return fmt.Errorf("neighborhood %q: %w", r.Name, errMissingCityName)
	}

	for _, zip := range r.Zipcodes {
		if !zipcodePattern.MatchString(zip) {
			return fmt.Errorf("neighborhood %q: %w: %q", r.Name, errInvalidZipcode, zip)
		}
	}

	return nil
}

// Covers reports whether zip is one of the record's ZIP codes.
func (r *Record) Covers(zip string) bool {
	return slices.Contains(r.Zipcodes, zip)
}
