// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package bulkadd

import "regexp"

// US ZIP code, optionally ZIP+4, anchored on word boundaries.
var zipcodePattern = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)

// ExtractZipcode returns the first 5-digit ZIP code found in a formatted
// address, or "" when there is none. A ZIP+4 suffix is accepted and
// dropped. Any other 5-digit token (a long street number, a unit number)
// matches too; that is a known limitation of matching on shape alone.
func ExtractZipcode(address string) string {
	matches := zipcodePattern.FindStringSubmatch(address)
	if matches == nil {
		return ""
	}

	return matches[1]
}
