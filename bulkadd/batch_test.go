// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package bulkadd

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doofapp/doof/places"
	"github.com/doofapp/doof/spatial"
)

// stubAPI implements API with canned responses keyed by query, place id
// and ZIP code.
type stubAPI struct {
	candidates    map[string][]places.Candidate
	searchRejects map[string]error // permanent failures by query
	failSearches  map[string]int   // transient failures remaining by query
	details       map[string]*places.Details
	detailErr     error
	zipRecords    map[string]*places.Neighborhood
	report        *places.BulkCreateReport

	searchCalls int
	detailCalls int
	zipCalls    map[string]int
	submitted   [][]places.NewRestaurant
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		candidates:    make(map[string][]places.Candidate),
		searchRejects: make(map[string]error),
		failSearches:  make(map[string]int),
		details:       make(map[string]*places.Details),
		zipRecords:    make(map[string]*places.Neighborhood),
		zipCalls:      make(map[string]int),
	}
}

func (s *stubAPI) SearchPlaces(_ context.Context, query string) ([]places.Candidate, error) {
	s.searchCalls++

	if err := s.searchRejects[query]; err != nil {
		return nil, err
	}

	if s.failSearches[query] > 0 {
		s.failSearches[query]--

		return nil, places.ClassifyHTTPStatus(503)
	}

	return s.candidates[query], nil
}

func (s *stubAPI) GetPlaceDetails(_ context.Context, placeID string) (*places.Details, error) {
	s.detailCalls++

	if s.detailErr != nil {
		return nil, s.detailErr
	}

	details, ok := s.details[placeID]
	if !ok {
		return nil, places.ClassifyHTTPStatus(404)
	}

	return details, nil
}

func (s *stubAPI) FindNeighborhoodByZipcode(_ context.Context, zipcode string) (*places.Neighborhood, error) {
	s.zipCalls[zipcode]++

	return s.zipRecords[zipcode], nil
}

func (s *stubAPI) CreateRestaurants(_ context.Context, restaurants []places.NewRestaurant) (*places.BulkCreateReport, error) {
	s.submitted = append(s.submitted, restaurants)

	if s.report != nil {
		return s.report, nil
	}

	return &places.BulkCreateReport{Added: len(restaurants)}, nil
}

func testRetryOptions() places.RetryOptions {
	return places.RetryOptions{MaxRetries: 1, BaseDelay: time.Millisecond}
}

// newKatzsStub builds a stub that resolves "Katz's Delicatessen, New York"
// end to end: one candidate, an address in 10002, the Lower East Side.
func newKatzsStub() *stubAPI {
	api := newStubAPI()
	api.candidates["Katz's Delicatessen, New York"] = []places.Candidate{
		{PlaceID: "katzs", Name: "Katz's Delicatessen", FormattedAddress: "East Houston Street, New York"},
	}
	api.details["katzs"] = &places.Details{
		FormattedAddress: "205 E Houston St, New York, NY 10002, USA",
		Location:         spatial.Point{Lat: 40.7223, Lng: -73.9874},
	}
	api.zipRecords["10002"] = &places.Neighborhood{
		ID:       3,
		Name:     "Lower East Side",
		CityID:   1,
		CityName: "New York",
	}

	return api
}

func mustParse(t *testing.T, input string) []*BulkEntry {
	t.Helper()

	entries, err := ParseEntries(strings.NewReader(input))
	require.NoError(t, err)

	return entries
}

func TestBatchSingleCandidateAutoResolves(t *testing.T) {
	api := newKatzsStub()
	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	require.True(t, batch.Done())
	assert.Nil(t, batch.Awaiting(), "a single candidate must not ask for a selection")

	entry := entries[0]
	require.Equal(t, StatusResolved, entry.Status)
	require.NotNil(t, entry.Result)

	item := entry.Result
	assert.Equal(t, "katzs", item.PlaceID)
	assert.Equal(t, "Katz's Delicatessen", item.Name)
	assert.Equal(t, "205 E Houston St, New York, NY 10002, USA", item.Address)
	assert.Equal(t, "10002", item.Zipcode)
	assert.Equal(t, "Lower East Side", item.NeighborhoodName)
	require.NotNil(t, item.NeighborhoodID)
	assert.Equal(t, int64(3), *item.NeighborhoodID)
	assert.InDelta(t, 40.7223, item.Latitude, 0.0001)
	assert.InDelta(t, -73.9874, item.Longitude, 0.0001)
}

func TestBatchRowCountPreserved(t *testing.T) {
	api := newKatzsStub()
	api.candidates["Nowhere Grill, New York"] = nil
	api.candidates["Di Fara Pizza, Brooklyn"] = []places.Candidate{
		{PlaceID: "difara", Name: "Di Fara Pizza"},
	}
	api.details["difara"] = &places.Details{
		FormattedAddress: "1424 Avenue J, Brooklyn, NY 11230, USA",
		Location:         spatial.Point{Lat: 40.625, Lng: -73.9616},
	}

	entries := mustParse(t, "Katz's Delicatessen, New York\nNowhere Grill, New York\nDi Fara Pizza, Brooklyn\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	// One output row per input line, failures included
	require.Len(t, batch.Entries(), 3)
	assert.Equal(t, StatusResolved, entries[0].Status)
	assert.Equal(t, StatusError, entries[1].Status)
	assert.Equal(t, StatusResolved, entries[2].Status)
	assert.Equal(t, 2, batch.Metrics.Resolved)
	assert.Equal(t, 1, batch.Metrics.Failed)
}

func TestBatchZeroCandidatesIsNoMatchFound(t *testing.T) {
	api := newStubAPI()
	entries := mustParse(t, "Nowhere Grill, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	entry := entries[0]
	assert.Equal(t, StatusError, entry.Status)
	assert.Equal(t, "no match found", entry.Error)
	assert.Empty(t, batch.Completed())

	report, err := batch.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	assert.Empty(t, api.submitted, "nothing resolved, nothing posted")
}

func TestBatchMultipleMatchesSuspends(t *testing.T) {
	api := newStubAPI()
	api.candidates["Peter Luger Steak House, Brooklyn"] = []places.Candidate{
		{PlaceID: "luger-bk", Name: "Peter Luger Steak House", FormattedAddress: "Broadway, Brooklyn"},
		{PlaceID: "luger-gn", Name: "Peter Luger Steak House", FormattedAddress: "Northern Blvd, Great Neck"},
	}
	api.details["luger-bk"] = &places.Details{
		FormattedAddress: "178 Broadway, Brooklyn, NY 11211, USA",
		Location:         spatial.Point{Lat: 40.7098, Lng: -73.9622},
	}
	api.candidates["Katz's Delicatessen, New York"] = []places.Candidate{
		{PlaceID: "katzs", Name: "Katz's Delicatessen"},
	}
	api.details["katzs"] = &places.Details{
		FormattedAddress: "205 E Houston St, New York, NY 10002, USA",
	}

	entries := mustParse(t, "Peter Luger Steak House, Brooklyn\nKatz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	// The ambiguous entry suspends the batch: the second entry stays
	// untouched until a candidate is picked.
	awaiting := batch.Awaiting()
	require.NotNil(t, awaiting)
	assert.Equal(t, entries[0], awaiting)
	assert.Equal(t, StatusMultipleMatches, awaiting.Status)
	assert.Len(t, awaiting.Candidates, 2)
	assert.Equal(t, StatusPending, entries[1].Status)
	assert.False(t, batch.Done())

	require.NoError(t, batch.SelectResult(context.Background(), awaiting, awaiting.Candidates[0]))

	require.Equal(t, StatusResolved, awaiting.Status)
	require.NotNil(t, awaiting.Result)
	assert.Equal(t, "11211", awaiting.Result.Zipcode)
	assert.Nil(t, awaiting.Candidates, "candidates are dropped after selection")

	// Resume the batch for the remaining entries
	require.NoError(t, batch.Process(context.Background()))
	assert.Equal(t, StatusResolved, entries[1].Status)
	assert.True(t, batch.Done())
}

func TestBatchSelectResultValidation(t *testing.T) {
	api := newKatzsStub()
	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	// Resolved, not awaiting: selection must be rejected
	err := batch.SelectResult(context.Background(), entries[0], places.Candidate{PlaceID: "katzs"})
	require.ErrorIs(t, err, ErrNotAwaitingSelection)
}

func TestBatchSelectResultUnknownCandidate(t *testing.T) {
	api := newStubAPI()
	api.candidates["Peter Luger Steak House, Brooklyn"] = []places.Candidate{
		{PlaceID: "luger-bk", Name: "Peter Luger Steak House"},
		{PlaceID: "luger-gn", Name: "Peter Luger Steak House"},
	}

	entries := mustParse(t, "Peter Luger Steak House, Brooklyn\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))
	require.NotNil(t, batch.Awaiting())

	err := batch.SelectResult(context.Background(), entries[0], places.Candidate{PlaceID: "somewhere-else"})
	require.ErrorIs(t, err, ErrUnknownCandidate)
	assert.Equal(t, StatusMultipleMatches, entries[0].Status, "a bogus selection must not advance the entry")
}

func TestBatchZipCacheAsksOncePerZip(t *testing.T) {
	api := newKatzsStub()
	api.candidates["Russ & Daughters, New York"] = []places.Candidate{
		{PlaceID: "russ", Name: "Russ & Daughters"},
	}
	api.details["russ"] = &places.Details{
		FormattedAddress: "179 E Houston St, New York, NY 10002, USA",
		Location:         spatial.Point{Lat: 40.7226, Lng: -73.9883},
	}

	entries := mustParse(t, "Katz's Delicatessen, New York\nRuss & Daughters, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	assert.Equal(t, 1, api.zipCalls["10002"], "the second 10002 lookup must hit the cache")
	assert.Equal(t, 1, batch.Metrics.ZipLookups)
	assert.Equal(t, 1, batch.Metrics.ZipCacheHits)

	// Both entries still carry the neighborhood
	assert.Equal(t, "Lower East Side", entries[0].Result.NeighborhoodName)
	assert.Equal(t, "Lower East Side", entries[1].Result.NeighborhoodName)
}

func TestBatchUnmappedZipStillResolves(t *testing.T) {
	api := newStubAPI()
	api.candidates["Somewhere, Anchorage"] = []places.Candidate{
		{PlaceID: "somewhere", Name: "Somewhere"},
	}
	api.details["somewhere"] = &places.Details{
		FormattedAddress: "1 Main St, Anchorage, AK 99501, USA",
	}

	entries := mustParse(t, "Somewhere, Anchorage\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	entry := entries[0]
	require.Equal(t, StatusResolved, entry.Status, "an unmapped ZIP is a partial success, not an error")
	assert.Equal(t, "99501", entry.Result.Zipcode)
	assert.Nil(t, entry.Result.NeighborhoodID)
	assert.Empty(t, entry.Result.NeighborhoodName)
}

func TestBatchTransientSearchFailureIsRetried(t *testing.T) {
	api := newKatzsStub()
	api.failSearches["Katz's Delicatessen, New York"] = 1

	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	assert.Equal(t, StatusResolved, entries[0].Status)
	assert.Equal(t, 2, api.searchCalls, "one failure, one successful retry")
	assert.Equal(t, 1, batch.Metrics.Searches, "retries are one logical search")
}

func TestBatchPermanentSearchFailureIsNotRetried(t *testing.T) {
	api := newStubAPI()
	api.searchRejects["Katz's Delicatessen, New York"] = places.ClassifyHTTPStatus(403)

	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	entry := entries[0]
	assert.Equal(t, StatusError, entry.Status)
	assert.Contains(t, entry.Error, "quota exceeded")
	assert.Equal(t, 1, api.searchCalls, "4xx must not be retried")
}

func TestBatchDetailFailureMarksEntry(t *testing.T) {
	api := newKatzsStub()
	api.detailErr = places.ClassifyHTTPStatus(400)

	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	entry := entries[0]
	assert.Equal(t, StatusError, entry.Status)
	assert.NotEmpty(t, entry.Error)
	assert.Nil(t, entry.Result)
}

func TestBatchSubmitPostsOnlyResolved(t *testing.T) {
	api := newKatzsStub()
	api.candidates["Nowhere Grill, New York"] = nil
	api.candidates["Di Fara Pizza, Brooklyn"] = []places.Candidate{
		{PlaceID: "difara", Name: "Di Fara Pizza"},
	}
	api.details["difara"] = &places.Details{
		FormattedAddress: "1424 Avenue J, Brooklyn, NY 11230, USA",
	}

	entries := mustParse(t, "Katz's Delicatessen, New York\nNowhere Grill, New York\nDi Fara Pizza, Brooklyn\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	report, err := batch.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 0, report.Failed)

	require.Len(t, api.submitted, 1)
	posted := api.submitted[0]
	require.Len(t, posted, 2, "the error entry must not be posted")
	assert.Equal(t, "katzs", posted[0].PlaceID)
	assert.Equal(t, "difara", posted[1].PlaceID)
	require.NotNil(t, posted[0].NeighborhoodID)
	assert.Equal(t, int64(3), *posted[0].NeighborhoodID)
}

func TestBatchSubmitPassesServerFailuresThrough(t *testing.T) {
	api := newKatzsStub()
	api.report = &places.BulkCreateReport{
		Added:  0,
		Failed: 1,
		Failures: []places.BulkCreateFailure{
			{Index: 0, Name: "Katz's Delicatessen", Reason: "restaurant already exists"},
		},
	}

	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))

	report, err := batch.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "restaurant already exists", report.Failures[0].Reason)
}

func TestBatchRemovedEntryExcludedFromSubmit(t *testing.T) {
	api := newKatzsStub()
	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	require.NoError(t, batch.Process(context.Background()))
	require.Equal(t, StatusResolved, entries[0].Status)

	require.NoError(t, batch.Remove(entries[0]))
	assert.Equal(t, StatusRemoved, entries[0].Status)

	// Still visible as a row, but not submitted
	assert.Len(t, batch.Entries(), 1)
	assert.Empty(t, batch.Completed())

	report, err := batch.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	assert.Empty(t, api.submitted)
}

func TestBatchProcessCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api := newKatzsStub()
	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(api, entries, testRetryOptions())

	err := batch.Process(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusPending, entries[0].Status)
}

func TestBatchWithoutAPI(t *testing.T) {
	entries := mustParse(t, "Katz's Delicatessen, New York\n")
	batch := NewBatch(nil, entries, testRetryOptions())

	require.ErrorIs(t, batch.Process(context.Background()), ErrMissingAPI)

	_, err := batch.Submit(context.Background())
	require.ErrorIs(t, err, ErrMissingAPI)
}

func TestBatchMetricsMerge(t *testing.T) {
	total := &BatchMetrics{Searches: 1, Resolved: 1}
	total.Merge(&BatchMetrics{Searches: 2, ZipLookups: 1, Failed: 1})
	total.Merge(nil)

	assert.Equal(t, 3, total.Searches)
	assert.Equal(t, 1, total.ZipLookups)
	assert.Equal(t, 1, total.Resolved)
	assert.Equal(t, 1, total.Failed)
}
