// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

// Package bulkadd drives the bulk-add resolution pipeline: free-text
// restaurant lines in, resolved restaurants out.
package bulkadd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/doofapp/doof/places"
)

// Status is the lifecycle state of one batch entry.
type Status int

const (
	// StatusPending not processed yet.
	StatusPending Status = iota
	// StatusSearching a place search is in flight.
	StatusSearching
	// StatusMultipleMatches the search returned several candidates and the
	// entry is waiting for a selection.
	StatusMultipleMatches
	// StatusResolved the entry resolved to a single place.
	StatusResolved
	// StatusError the entry failed; Error carries the reason.
	StatusError
	// StatusRemoved the entry was discarded by the user.
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSearching:
		return "searching"
	case StatusMultipleMatches:
		return "multiple_matches"
	case StatusResolved:
		return "resolved"
	case StatusError:
		return "error"
	case StatusRemoved:
		return "removed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// canAdvanceTo reports whether the transition is legal. Entries move
// strictly forward: once a status is left it is never re-entered, except
// that any state can be removed and a selection turns multiple_matches
// into resolved or error.
func (s Status) canAdvanceTo(next Status) bool {
	if next == StatusRemoved {
		return s != StatusRemoved
	}

	switch s {
	case StatusPending:
		return next == StatusSearching
	case StatusSearching:
		return next == StatusMultipleMatches || next == StatusResolved || next == StatusError
	case StatusMultipleMatches:
		return next == StatusResolved || next == StatusError
	default:
		return false
	}
}

// BulkEntry is one line of user input moving through the pipeline.
type BulkEntry struct {
	Name       string
	Type       string
	City       string
	Tags       []string
	LineNumber int

	Status     Status
	Error      string             // reason, set when Status is error
	Candidates []places.Candidate // exposed while Status is multiple_matches
	Result     *ResolvedItem      // set when Status is resolved
}

// ResolvedItem is the durable output of one successfully resolved entry.
// PlaceID is never empty. NeighborhoodID is nil when the ZIP code maps to
// no known neighborhood.
type ResolvedItem struct {
	Original         *BulkEntry
	PlaceID          string
	Name             string
	Address          string
	Zipcode          string
	NeighborhoodID   *int64
	NeighborhoodName string
	Latitude         float64
	Longitude        float64
}

// Query builds the free-text search string for the entry: name and city,
// with any tags appended.
func (e *BulkEntry) Query() string {
	parts := make([]string, 0, 2)

	if e.Name != "" {
		parts = append(parts, e.Name)
	}

	if e.City != "" {
		parts = append(parts, e.City)
	}

	query := strings.Join(parts, ", ")

	if len(e.Tags) > 0 {
		query += " " + strings.Join(e.Tags, " ")
	}

	return query
}

func (e *BulkEntry) transition(next Status) error {
	if !e.Status.canAdvanceTo(next) {
		return fmt.Errorf("line %d: invalid transition %s -> %s", e.LineNumber, e.Status, next)
	}

	e.Status = next

	return nil
}

// markError moves the entry to the error state with a human-readable
// reason. Per-entry failures never abort the batch.
func (e *BulkEntry) markError(reason string) {
	e.Status = StatusError
	e.Error = reason
}

// ParseLine turns one input line into an entry. The format is
// "Name, City" or "Name, Type, City", with optional "#tag" tokens at the
// end. Blank lines yield nil. A line without a comma still produces an
// entry; the search just runs on the name alone.
func ParseLine(line string, lineNumber int) *BulkEntry {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var tags []string

	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		for _, tag := range strings.Split(line[idx:], "#") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}

		line = strings.TrimSpace(line[:idx])
	}

	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	entry := &BulkEntry{
		Name:       fields[0],
		Tags:       tags,
		LineNumber: lineNumber,
		Status:     StatusPending,
	}

	if len(fields) > 1 {
		entry.City = fields[len(fields)-1]
	}

	if len(fields) > 2 {
		entry.Type = strings.Join(fields[1:len(fields)-1], ", ")
	}

	return entry
}

// ParseEntries reads one entry per line. Line numbers refer to the input,
// so they stay stable even when blank lines are skipped.
func ParseEntries(r io.Reader) ([]*BulkEntry, error) {
	var entries []*BulkEntry

	scanner := bufio.NewScanner(r)

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++

		if entry := ParseLine(scanner.Text(), lineNumber); entry != nil {
			entries = append(entries, entry)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}

	return entries, nil
}
