// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"math"
	"testing"

	"github.com/doofapp/doof/spatial"
)

func TestVectorize(t *testing.T) {
	vector := vectorize("Katz's Katz's Deli")

	if len(vector) != 2 {
		t.Fatalf("vectorize() = %v, want 2 words", vector)
	}

	if vector["katzs"] != 2 {
		t.Errorf("count for 'katzs' = %d, want 2", vector["katzs"])
	}

	if vector["deli"] != 1 {
		t.Errorf("count for 'deli' = %d, want 1", vector["deli"])
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := vectorize("joe's pizza")
	b := vectorize("Joe's Pizza")

	if got := cosineSimilarity(a, b); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("similarity of identical names = %f, want 1.0", got)
	}

	c := vectorize("russ and daughters")
	if got := cosineSimilarity(a, c); got != 0 {
		t.Errorf("similarity of disjoint names = %f, want 0", got)
	}

	if got := cosineSimilarity(a, vectorize("")); got != 0 {
		t.Errorf("similarity against empty name = %f, want 0", got)
	}
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		name1 string
		name2 string
		want  float64
	}{
		// Fold-equal names short-circuit to 1.0.
		{"JOE'S PIZZA", "Joes Pizza", 1.0},
		{"Café Habana", "Cafe Habana", 1.0},
		// Word overlap: {shake, shack} against {shake, shack, madison,
		// square, park} is 2 / sqrt(2 * 5).
		{"Shake Shack", "Shake Shack Madison Square Park", 2.0 / math.Sqrt(10)},
		{"Katz's Delicatessen", "Russ & Daughters", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name1+" vs "+tc.name2, func(t *testing.T) {
			if got := nameSimilarity(tc.name1, tc.name2); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("nameSimilarity(%q, %q) = %f, want %f", tc.name1, tc.name2, got, tc.want)
			}
		})
	}
}

func TestSameVenue(t *testing.T) {
	tests := []struct {
		name1 string
		name2 string
		want  bool
	}{
		{"Joe's Pizza", "Joes Pizza", true},
		{"Shake Shack", "Shake Shack Madison Square Park", true},
		{"Joe's Pizza", "Famous Joe's Pizza", true},
		// One generic word in common is not enough.
		{"Pizza Hut", "Joe's Pizza", false},
		{"Katz's Delicatessen", "Russ & Daughters", false},
	}

	for _, tc := range tests {
		t.Run(tc.name1+" vs "+tc.name2, func(t *testing.T) {
			if got := sameVenue(tc.name1, tc.name2); got != tc.want {
				t.Errorf("sameVenue(%q, %q) = %v, want %v", tc.name1, tc.name2, got, tc.want)
			}
		})
	}
}

func testVenue(t *testing.T, name string, lat, lng float64) *Restaurant {
	t.Helper()

	restaurant := &Restaurant{
		Name:  name,
		Point: &spatial.Point{Lat: lat, Lng: lng},
	}

	if err := restaurant.computeH3(); err != nil {
		t.Fatalf("computeH3() error = %v", err)
	}

	return restaurant
}

func TestClusterRestaurants(t *testing.T) {
	joes := testVenue(t, "Joe's Pizza", 40.730599, -74.002791)
	// ~40 meters from joes, fold-equal name.
	joesDup := testVenue(t, "Joes Pizza", 40.730900, -74.002500)
	// ~110 meters from joes but a different venue.
	johns := testVenue(t, "John's of Bleecker Street", 40.731520, -74.003240)
	// ~1.5 km away.
	katzs := testVenue(t, "Katz's Delicatessen", 40.722233, -73.987429)

	groups, err := clusterRestaurants([]*Restaurant{joes, joesDup, johns, katzs}, 150)
	if err != nil {
		t.Fatalf("clusterRestaurants() error = %v", err)
	}

	if len(groups) != 3 {
		t.Fatalf("clusterRestaurants() produced %d groups, want 3", len(groups))
	}

	var joesGroup []*Restaurant

	for _, group := range groups {
		for _, member := range group {
			if member == joes {
				joesGroup = group
			}
		}
	}

	if len(joesGroup) != 2 {
		t.Fatalf("group containing %q has %d members, want 2", joes.Name, len(joesGroup))
	}

	found := false

	for _, member := range joesGroup {
		if member == joesDup {
			found = true
		}

		if member == johns || member == katzs {
			t.Errorf("%q should not cluster with %q", member.Name, joes.Name)
		}
	}

	if !found {
		t.Errorf("%q missing from the %q cluster", joesDup.Name, joes.Name)
	}
}

func TestClusterRestaurantsEmpty(t *testing.T) {
	groups, err := clusterRestaurants(nil, 150)
	if err != nil {
		t.Fatalf("clusterRestaurants() error = %v", err)
	}

	if len(groups) != 0 {
		t.Errorf("clusterRestaurants(nil) produced %d groups, want 0", len(groups))
	}
}
