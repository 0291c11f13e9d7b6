// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"math"
	"strings"

	h3 "github.com/uber/h3-go/v4"

	"github.com/doofapp/doof/utils/strutil"
)

// nameScoreThreshold is the cosine similarity above which two restaurant
// names are considered the same venue. Low enough to catch "Shake Shack"
// vs "Shake Shack Madison Square Park".
const nameScoreThreshold = 0.6

// vectorize converts a name into a word frequency vector.
func vectorize(s string) map[string]int {
	vector := make(map[string]int)

	for _, word := range strings.Fields(strutil.FoldKey(s)) {
		vector[word]++
	}

	return vector
}

// cosineSimilarity calculates the similarity between two word vectors.
// Returns a value between 0.0 and 1.0.
func cosineSimilarity(vec1, vec2 map[string]int) float64 {
	var dotProduct, magnitude1, magnitude2 int

	for word, count1 := range vec1 {
		magnitude1 += count1 * count1

		if count2, ok := vec2[word]; ok {
			dotProduct += count1 * count2
		}
	}

	for _, count2 := range vec2 {
		magnitude2 += count2 * count2
	}

	if magnitude1 == 0 || magnitude2 == 0 {
		return 0.0
	}

	return float64(dotProduct) / (math.Sqrt(float64(magnitude1)) * math.Sqrt(float64(magnitude2)))
}

// nameSimilarity scores how likely two restaurant names refer to the same
// venue.
func nameSimilarity(name1, name2 string) float64 {
	if strutil.FoldKey(name1) == strutil.FoldKey(name2) {
		return 1.0
	}

	return cosineSimilarity(vectorize(name1), vectorize(name2))
}

func sameVenue(name1, name2 string) bool {
	return nameSimilarity(name1, name2) >= nameScoreThreshold
}

// clusterRestaurants groups restaurants that sit within distanceThreshold
// meters of each other and whose names read as the same venue. Candidates
// come from the res 9 H3 index, one grid disk around each member, so the
// pass stays near linear. A res 9 disk spans roughly 400 meters; thresholds
// beyond that would under-report.
func clusterRestaurants(restaurants []*Restaurant, distanceThreshold float64) ([][]*Restaurant, error) {
	byCell := make(map[int64][]int, len(restaurants))
	for i, r := range restaurants {
		byCell[r.H3Res9] = append(byCell[r.H3Res9], i)
	}

	clusters := make([][]*Restaurant, 0, len(restaurants))
	visited := make([]bool, len(restaurants))

	for i, r1 := range restaurants {
		if visited[i] {
			continue
		}

		cluster := []*Restaurant{r1}
		visited[i] = true

		// Grow the cluster from the neighboring cells of each member.
		for cursor := 0; cursor < len(cluster); cursor++ {
			member := cluster[cursor]

			disk, err := h3.GridDisk(h3.Cell(member.H3Res9), 1)
			if err != nil {
				return nil, fmt.Errorf("expanding h3 cell %d: %w", member.H3Res9, err)
			}

			for _, cell := range disk {
				for _, j := range byCell[int64(cell)] {
					if visited[j] {
						continue
					}

					candidate := restaurants[j]
					if candidate.Point.HaversineDistance(member.Point) > distanceThreshold {
						continue
					}

					if !sameVenue(member.Name, candidate.Name) {
						continue
					}

					cluster = append(cluster, candidate)
					visited[j] = true
				}
			}
		}

		clusters = append(clusters, cluster)
	}

	return clusters, nil
}
