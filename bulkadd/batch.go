// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package bulkadd

import (
	"context"
	"errors"
	"fmt"

	"github.com/doofapp/doof/places"
)

// Common errors returned by the batch.
var (
	ErrMissingAPI           = errors.New("no API client configured")
	ErrNotAwaitingSelection = errors.New("entry is not awaiting a selection")
	ErrUnknownCandidate     = errors.New("candidate was not offered for this entry")
)

// API is the slice of the Doof API the pipeline needs. *places.Client
// satisfies it; tests substitute stubs.
type API interface {
	SearchPlaces(ctx context.Context, query string) ([]places.Candidate, error)
	GetPlaceDetails(ctx context.Context, placeID string) (*places.Details, error)
	FindNeighborhoodByZipcode(ctx context.Context, zipcode string) (*places.Neighborhood, error)
	CreateRestaurants(ctx context.Context, restaurants []places.NewRestaurant) (*places.BulkCreateReport, error)
}

// BatchMetrics tracks counters collected while a batch runs.
type BatchMetrics struct {
	Searches      int // place searches issued (retries not counted)
	DetailLookups int // detail fetches issued
	ZipLookups    int // neighborhood lookups that reached the API
	ZipCacheHits  int // neighborhood lookups answered from the batch cache
	Resolved      int // entries that reached resolved
	Failed        int // entries that reached error
}

// Merge combines the metrics from another BatchMetrics instance into this one.
func (m *BatchMetrics) Merge(other *BatchMetrics) *BatchMetrics {
	if other == nil {
		return m
	}

	m.Searches += other.Searches
	m.DetailLookups += other.DetailLookups
	m.ZipLookups += other.ZipLookups
	m.ZipCacheHits += other.ZipCacheHits
	m.Resolved += other.Resolved
	m.Failed += other.Failed

	return m
}

// Batch runs the resolution pipeline over a list of entries, strictly one
// entry at a time in input order. It is not safe for concurrent use; the
// whole design trades throughput for predictable sequencing against the
// upstream API.
type Batch struct {
	api     API
	retry   places.RetryOptions
	entries []*BulkEntry

	// zipCache answers repeated ZIP lookups within this batch. Misses are
	// cached as nil so an unmapped ZIP is also asked only once.
	zipCache map[string]*places.Neighborhood

	Metrics BatchMetrics
}

// NewBatch creates a batch over the given entries.
func NewBatch(api API, entries []*BulkEntry, retry places.RetryOptions) *Batch {
	return &Batch{
		api:      api,
		retry:    retry,
		entries:  entries,
		zipCache: make(map[string]*places.Neighborhood),
	}
}

// Entries returns the batch rows in input order, one per input line,
// whatever their state. Callers must not mutate them directly.
func (b *Batch) Entries() []*BulkEntry {
	return b.entries
}

// Awaiting returns the entry currently suspended on multiple_matches, or
// nil. At most one entry is suspended at a time.
func (b *Batch) Awaiting() *BulkEntry {
	for _, e := range b.entries {
		if e.Status == StatusMultipleMatches {
			return e
		}
	}

	return nil
}

// Completed returns the resolved items in input order. Removed entries are
// excluded even if they had resolved before.
func (b *Batch) Completed() []*ResolvedItem {
	var items []*ResolvedItem

	for _, e := range b.entries {
		if e.Status == StatusResolved && e.Result != nil {
			items = append(items, e.Result)
		}
	}

	return items
}

// Done reports whether every entry reached a terminal state.
func (b *Batch) Done() bool {
	for _, e := range b.entries {
		if e.Status == StatusPending || e.Status == StatusSearching || e.Status == StatusMultipleMatches {
			return false
		}
	}

	return true
}

// Process advances the batch entry by entry. It returns early, without
// error, when an entry lands on multiple_matches: the caller picks a
// candidate via SelectResult and calls Process again to continue with the
// remaining entries. Per-entry failures are recorded on the entry and do
// not stop the batch; only cancellation or a misconfigured batch abort it.
func (b *Batch) Process(ctx context.Context) error {
	if b.api == nil {
		return ErrMissingAPI
	}

	for _, e := range b.entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.Status != StatusPending {
			continue
		}

		if err := b.processEntry(ctx, e); err != nil {
			return err
		}

		if e.Status == StatusMultipleMatches {
			return nil
		}
	}

	return nil
}

func (b *Batch) processEntry(ctx context.Context, e *BulkEntry) error {
	if err := e.transition(StatusSearching); err != nil {
		return err
	}

	var candidates []places.Candidate

	b.Metrics.Searches++

	err := places.RetryWithBackoff(ctx, b.retry, func(ctx context.Context) error {
		found, err := b.api.SearchPlaces(ctx, e.Query())
		if err != nil {
			return err
		}

		candidates = found

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.fail(e, err.Error())

		return nil
	}

	switch len(candidates) {
	case 0:
		b.fail(e, "no match found")

		return nil
	case 1:
		return b.complete(ctx, e, candidates[0])
	default:
		e.Candidates = candidates

		return e.transition(StatusMultipleMatches)
	}
}

// SelectResult resolves a suspended entry with one of its exposed
// candidates and runs the rest of the pipeline for it. The caller then
// calls Process again to continue the batch.
func (b *Batch) SelectResult(ctx context.Context, e *BulkEntry, candidate places.Candidate) error {
	if e.Status != StatusMultipleMatches {
		return fmt.Errorf("line %d: %w", e.LineNumber, ErrNotAwaitingSelection)
	}

	offered := false

	for _, c := range e.Candidates {
		if c.PlaceID == candidate.PlaceID {
			offered = true

			break
		}
	}

	if !offered {
		return fmt.Errorf("line %d: %w", e.LineNumber, ErrUnknownCandidate)
	}

	return b.complete(ctx, e, candidate)
}

// Remove discards an entry. The row stays visible in the batch but is
// excluded from submission.
func (b *Batch) Remove(e *BulkEntry) error {
	return e.transition(StatusRemoved)
}

// complete runs the post-search pipeline for a chosen candidate: details,
// ZIP extraction, neighborhood lookup, resolution.
func (b *Batch) complete(ctx context.Context, e *BulkEntry, candidate places.Candidate) error {
	if candidate.PlaceID == "" {
		b.fail(e, "candidate has no place id")

		return nil
	}

	var details *places.Details

	b.Metrics.DetailLookups++

	err := places.RetryWithBackoff(ctx, b.retry, func(ctx context.Context) error {
		found, err := b.api.GetPlaceDetails(ctx, candidate.PlaceID)
		if err != nil {
			return err
		}

		details = found

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.fail(e, err.Error())

		return nil
	}

	item := &ResolvedItem{
		Original:  e,
		PlaceID:   candidate.PlaceID,
		Name:      candidate.Name,
		Address:   details.FormattedAddress,
		Zipcode:   ExtractZipcode(details.FormattedAddress),
		Latitude:  details.Location.Lat,
		Longitude: details.Location.Lng,
	}

	if item.Zipcode != "" {
		neighborhood, err := b.lookupZip(ctx, item.Zipcode)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			b.fail(e, err.Error())

			return nil
		}

		// A nil neighborhood is a partial success: the address resolved,
		// the ZIP just isn't mapped to our taxonomy.
		if neighborhood != nil {
			id := neighborhood.ID
			item.NeighborhoodID = &id
			item.NeighborhoodName = neighborhood.Name
		}
	}

	if err := e.transition(StatusResolved); err != nil {
		return err
	}

	e.Result = item
	e.Candidates = nil
	b.Metrics.Resolved++

	return nil
}

func (b *Batch) lookupZip(ctx context.Context, zipcode string) (*places.Neighborhood, error) {
	if cached, ok := b.zipCache[zipcode]; ok {
		b.Metrics.ZipCacheHits++

		return cached, nil
	}

	var record *places.Neighborhood

	b.Metrics.ZipLookups++

	err := places.RetryWithBackoff(ctx, b.retry, func(ctx context.Context) error {
		found, err := b.api.FindNeighborhoodByZipcode(ctx, zipcode)
		if err != nil {
			return err
		}

		record = found

		return nil
	})
	if err != nil {
		return nil, err
	}

	b.zipCache[zipcode] = record

	return record, nil
}

func (b *Batch) fail(e *BulkEntry, reason string) {
	e.markError(reason)
	b.Metrics.Failed++
}

// Submit posts the completed items to the bulk create endpoint and returns
// the server's report. Entries in error or removed states are excluded.
// Rows the server rejects land in the report's Failed count; the server
// deduplicates by place id, which keeps a retried submission from
// double-inserting.
func (b *Batch) Submit(ctx context.Context) (*places.BulkCreateReport, error) {
	if b.api == nil {
		return nil, ErrMissingAPI
	}

	completed := b.Completed()
	if len(completed) == 0 {
		return &places.BulkCreateReport{}, nil
	}

	restaurants := make([]places.NewRestaurant, 0, len(completed))

	for _, item := range completed {
		restaurants = append(restaurants, places.NewRestaurant{
			PlaceID:        item.PlaceID,
			Name:           item.Name,
			Address:        item.Address,
			Zipcode:        item.Zipcode,
			NeighborhoodID: item.NeighborhoodID,
			Latitude:       item.Latitude,
			Longitude:      item.Longitude,
		})
	}

	var report *places.BulkCreateReport

	err := places.RetryWithBackoff(ctx, b.retry, func(ctx context.Context) error {
		got, err := b.api.CreateRestaurants(ctx, restaurants)
		if err != nil {
			return err
		}

		report = got

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submitting %d restaurants: %w", len(restaurants), err)
	}

	return report, nil
}
