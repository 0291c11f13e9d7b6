// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Reasonable bounds for the continental US plus Alaska, Hawaii and Puerto
// Rico, with margin. Aleutian islands west of the antimeridian fall outside.
const (
	usMinLat = 17.5
	usMaxLat = 71.5
	usMinLng = -180.0
	usMaxLng = -64.5
)

const (
	maxNameLen    = 200
	maxAddressLen = 500
)

var (
	zipcodePattern = regexp.MustCompile(`^\d{5}$`)
	placeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// sanitize collapses whitespace runs to a single space and trims the ends.
func sanitize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func validateCoordinates(lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("coordinates out of range: lat=%f, lng=%f", lat, lng)
	}

	if lat < usMinLat || lat > usMaxLat || lng < usMinLng || lng > usMaxLng {
		return fmt.Errorf("coordinates outside the US: lat=%f, lng=%f", lat, lng)
	}

	return nil
}

// validateRestaurant checks a restaurant before it reaches the store.
// The name and address are expected to be sanitized already.
func validateRestaurant(r *Restaurant) error {
	if r == nil {
		return errors.New("restaurant can't be null")
	}

	if r.Name == "" {
		return errors.New("name can't be empty")
	}

	if len(r.Name) > maxNameLen {
		return fmt.Errorf("name longer than %d characters", maxNameLen)
	}

	if r.PlaceID == "" {
		return errors.New("place_id can't be empty")
	}

	if !placeIDPattern.MatchString(r.PlaceID) {
		return fmt.Errorf("invalid place_id: %q", r.PlaceID)
	}

	if r.Address == "" {
		return errors.New("address can't be empty")
	}

	if len(r.Address) > maxAddressLen {
		return fmt.Errorf("address longer than %d characters", maxAddressLen)
	}

	if r.Zipcode != "" && !zipcodePattern.MatchString(r.Zipcode) {
		return fmt.Errorf("invalid zipcode: %q", r.Zipcode)
	}

	if r.Point == nil {
		return errors.New("point can't be null")
	}

	if err := validateCoordinates(r.Point.Lat, r.Point.Lng); err != nil {
		return err
	}

	if r.NeighborhoodID != nil && *r.NeighborhoodID <= 0 {
		return fmt.Errorf("invalid neighborhood_id: %d", *r.NeighborhoodID)
	}

	return nil
}
