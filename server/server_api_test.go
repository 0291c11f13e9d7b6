// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doofapp/doof/neighborhoods"
	"github.com/doofapp/doof/spatial"
)

// stubPlacesBackend serves canned predictions and details so the API tests
// never talk to Google.
type stubPlacesBackend struct {
	predictions []Prediction
	details     map[string]*PlaceDetails
	err         error
}

func (s *stubPlacesBackend) Autocomplete(_ context.Context, _ string) ([]Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}

	return s.predictions, nil
}

func (s *stubPlacesBackend) Details(_ context.Context, placeID string) (*PlaceDetails, error) {
	if s.err != nil {
		return nil, s.err
	}

	details, ok := s.details[placeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errPlaceNotFound, placeID)
	}

	return details, nil
}

// setupServerTest initializes a Gin router backed by real repositories on an
// in-memory DuckDB and a stub places backend.
func setupServerTest(t *testing.T) (*gin.Engine, *sql.DB, *stubPlacesBackend) {
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)

	restaurants := NewRestaurantRepository(db)
	require.NoError(t, restaurants.CreateSchema())

	hoods := neighborhoods.NewRepository(db)
	require.NoError(t, hoods.CreateSchema())

	backend := &stubPlacesBackend{details: make(map[string]*PlaceDetails)}

	server, err := NewServer(restaurants, hoods, backend, &Options{
		AdminEmail:    "admin@doof.app",
		AdminPassword: "hunter2",
	})
	require.NoError(t, err)

	return server.router(), db, backend
}

func seedNeighborhoods(t *testing.T, db *sql.DB) []*neighborhoods.Record {
	records := []*neighborhoods.Record{
		{
			Name:     "Lower East Side",
			CityID:   1,
			CityName: "New York",
			Borough:  "Manhattan",
			Zipcodes: []string{"10002", "10003"},
		},
		{
			Name:     "Williamsburg",
			CityID:   1,
			CityName: "New York",
			Borough:  "Brooklyn",
			Zipcodes: []string{"11211"},
		},
	}

	require.NoError(t, neighborhoods.NewRepository(db).Upsert(records))

	return records
}

func loginToken(t *testing.T, router *gin.Engine) string {
	body, _ := json.Marshal(loginRequest{Email: "admin@doof.app", Password: "hunter2"})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)

	return resp.Token
}

func authedRequest(method, target string, body *bytes.Buffer, token string) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}

	req, _ := http.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return req
}

func TestLoginAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	token := loginToken(t, router)
	assert.Len(t, token, 64)

	// Wrong password
	body, _ := json.Marshal(loginRequest{Email: "admin@doof.app", Password: "wrong"})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid credentials", resp.Error)
}

func TestAutocompleteAPI(t *testing.T) {
	router, db, backend := setupServerTest(t)
	defer db.Close()

	backend.predictions = []Prediction{
		{
			PlaceID:       "ChIJkatz",
			Description:   "Katz's Delicatessen, East Houston Street, New York, NY, USA",
			MainText:      "Katz's Delicatessen",
			SecondaryText: "East Houston Street, New York, NY, USA",
		},
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/places/autocomplete?input=katz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success     bool `json:"success"`
		Predictions []struct {
			PlaceID              string `json:"place_id"`
			Description          string `json:"description"`
			StructuredFormatting struct {
				MainText      string `json:"main_text"`
				SecondaryText string `json:"secondary_text"`
			} `json:"structured_formatting"`
		} `json:"predictions"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Predictions, 1)
	assert.Equal(t, "ChIJkatz", resp.Predictions[0].PlaceID)
	assert.Equal(t, "Katz's Delicatessen", resp.Predictions[0].StructuredFormatting.MainText)

	// Missing input parameter
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/places/autocomplete", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Provider quota exhausted
	backend.err = errOverQueryLimit
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/places/autocomplete?input=katz", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestPlaceDetailsAPI(t *testing.T) {
	router, db, backend := setupServerTest(t)
	defer db.Close()

	backend.details["ChIJkatz"] = &PlaceDetails{
		FormattedAddress: "205 E Houston St, New York, NY 10002, USA",
		Location:         spatial.Point{Lat: 40.722233, Lng: -73.987429},
		AddressComponents: []AddressComponent{
			{LongName: "10002", ShortName: "10002", Types: []string{"postal_code"}},
		},
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/places/details/ChIJkatz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Result  struct {
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
			AddressComponents []struct {
				LongName string   `json:"long_name"`
				Types    []string `json:"types"`
			} `json:"address_components"`
		} `json:"result"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "205 E Houston St, New York, NY 10002, USA", resp.Result.FormattedAddress)
	assert.InDelta(t, 40.722233, resp.Result.Geometry.Location.Lat, 1e-9)
	assert.InDelta(t, -73.987429, resp.Result.Geometry.Location.Lng, 1e-9)
	require.Len(t, resp.Result.AddressComponents, 1)
	assert.Equal(t, "10002", resp.Result.AddressComponents[0].LongName)

	// Unknown place
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/places/details/ChIJnope", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNeighborhoodsByZipAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	seedNeighborhoods(t, db)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/neighborhoods/zip/10002", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var records []struct {
		ID            int64    `json:"id"`
		Name          string   `json:"name"`
		CityName      string   `json:"city_name"`
		ZipcodeRanges []string `json:"zipcode_ranges"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Lower East Side", records[0].Name)
	assert.Equal(t, "New York", records[0].CityName)
	assert.Equal(t, []string{"10002", "10003"}, records[0].ZipcodeRanges)

	// An unmapped ZIP answers an empty array, not a 404.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/neighborhoods/zip/99501", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	// Malformed ZIP
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/neighborhoods/zip/abcde", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListNeighborhoodsAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	seedNeighborhoods(t, db)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/neighborhoods?city=New+York", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Neighborhoods []struct {
			Name string `json:"name"`
		} `json:"neighborhoods"`
		Total   int `json:"total"`
		Page    int `json:"page"`
		PerPage int `json:"per_page"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Neighborhoods, 2)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Page)

	// Unknown city
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/neighborhoods?city=Gotham", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRequiresAuth(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	// No token
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/admin/restaurants", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Bogus token
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/admin/restaurants", nil)
	req.Header.Set("Authorization", "Bearer deadbeef")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateRestaurantAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	hoods := seedNeighborhoods(t, db)
	token := loginToken(t, router)

	payload := restaurantRequest{
		PlaceID:        "ChIJkatz",
		Name:           "Katz's Delicatessen",
		Address:        "205 E Houston St, New York, NY 10002",
		Zipcode:        "10002",
		NeighborhoodID: &hoods[0].ID,
		Latitude:       40.722233,
		Longitude:      -73.987429,
	}

	body, _ := json.Marshal(payload)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/admin/restaurants", bytes.NewBuffer(body), token))

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ID               int64  `json:"id"`
			PlaceID          string `json:"place_id"`
			Name             string `json:"name"`
			NeighborhoodName string `json:"neighborhood_name"`
		} `json:"data"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotZero(t, resp.Data.ID)
	assert.Equal(t, "ChIJkatz", resp.Data.PlaceID)
	assert.Equal(t, "Lower East Side", resp.Data.NeighborhoodName)

	// Creating the same place again conflicts
	body, _ = json.Marshal(payload)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/admin/restaurants", bytes.NewBuffer(body), token))
	assert.Equal(t, http.StatusConflict, w.Code)

	// Coordinates outside the US are rejected
	bad := payload
	bad.PlaceID = "ChIJlondon"
	bad.Latitude = 51.5074
	bad.Longitude = -0.1278
	body, _ = json.Marshal(bad)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/admin/restaurants", bytes.NewBuffer(body), token))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A zipcode the neighborhood doesn't cover is rejected
	bad = payload
	bad.PlaceID = "ChIJelsewhere"
	bad.Zipcode = "10014"
	body, _ = json.Marshal(bad)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/admin/restaurants", bytes.NewBuffer(body), token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkCreateRestaurantsAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	token := loginToken(t, router)

	// Pre-existing restaurant for the duplicate case.
	repo := NewRestaurantRepository(db)
	existing := newTestRestaurant("ChIJveselka", "Veselka", 40.729412, -73.987371)
	require.NoError(t, repo.Create(existing))

	request := bulkCreateRequest{Restaurants: []restaurantRequest{
		{
			PlaceID:   "ChIJkatz",
			Name:      "Katz's Delicatessen",
			Address:   "205 E Houston St, New York, NY 10002",
			Zipcode:   "10002",
			Latitude:  40.722233,
			Longitude: -73.987429,
		},
		{
			PlaceID:   "ChIJveselka",
			Name:      "Veselka",
			Address:   "144 2nd Ave, New York, NY 10003",
			Zipcode:   "10003",
			Latitude:  40.729412,
			Longitude: -73.987371,
		},
		{
			PlaceID:   "ChIJbadzip",
			Name:      "Bad Zip Cafe",
			Address:   "1 Main St",
			Zipcode:   "not-a-zip",
			Latitude:  40.73,
			Longitude: -73.99,
		},
		{
			PlaceID:   "ChIJruss",
			Name:      "Russ & Daughters",
			Address:   "179 E Houston St, New York, NY 10002",
			Zipcode:   "10002",
			Latitude:  40.722750,
			Longitude: -73.988340,
		},
	}}

	body, _ := json.Marshal(request)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/admin/restaurants/bulk", bytes.NewBuffer(body), token))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool           `json:"success"`
		Data    bulkCreateData `json:"data"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data.Added)
	assert.Equal(t, 2, resp.Data.Failed)
	require.Len(t, resp.Data.Restaurants, 2)
	require.Len(t, resp.Data.Failures, 2)

	assert.Equal(t, 1, resp.Data.Failures[0].Index)
	assert.Equal(t, "restaurant already exists", resp.Data.Failures[0].Reason)
	assert.Equal(t, 2, resp.Data.Failures[1].Index)
	assert.Contains(t, resp.Data.Failures[1].Reason, "zipcode")

	// Both created rows share one submission id.
	require.NotEmpty(t, resp.Data.Restaurants[0].SubmissionID)
	assert.Equal(t, resp.Data.Restaurants[0].SubmissionID, resp.Data.Restaurants[1].SubmissionID)

	count, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// An empty batch is a client error.
	body, _ = json.Marshal(bulkCreateRequest{})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/admin/restaurants/bulk", bytes.NewBuffer(body), token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRestaurantsAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	token := loginToken(t, router)

	repo := NewRestaurantRepository(db)
	for i, name := range []string{"Veselka", "Katz's Delicatessen", "Russ & Daughters"} {
		restaurant := newTestRestaurant(fmt.Sprintf("place-%d", i), name, 40.72+float64(i)/1000, -73.98)
		require.NoError(t, repo.Create(restaurant))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodGet, "/api/admin/restaurants?per_page=2", nil, token))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Restaurants []struct {
			Name string `json:"name"`
		} `json:"restaurants"`
		Total   int `json:"total"`
		Page    int `json:"page"`
		PerPage int `json:"per_page"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Restaurants, 2)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.PerPage)
	assert.Equal(t, "Russ & Daughters", resp.Restaurants[0].Name)
}

func TestDuplicateRestaurantsAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	token := loginToken(t, router)

	repo := NewRestaurantRepository(db)
	require.NoError(t, repo.Create(newTestRestaurant("place-a", "Joe's Pizza", 40.730599, -74.002791)))
	require.NoError(t, repo.Create(newTestRestaurant("place-b", "Joes Pizza", 40.730900, -74.002500)))
	require.NoError(t, repo.Create(newTestRestaurant("place-c", "Katz's Delicatessen", 40.722233, -73.987429)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodGet, "/api/admin/restaurants/duplicates", nil, token))

	assert.Equal(t, http.StatusOK, w.Code)

	var clusters []*DuplicateCluster
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &clusters))
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Restaurants, 2)
	assert.Greater(t, clusters[0].MaxDistanceMeters, 0.0)
}

func TestProgressAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	seedNeighborhoods(t, db)
	token := loginToken(t, router)

	repo := NewRestaurantRepository(db)

	a := newTestRestaurant("place-a", "Katz's Delicatessen", 40.722233, -73.987429)
	a.NeighborhoodName = "Lower East Side"
	b := newTestRestaurant("place-b", "Russ & Daughters", 40.722750, -73.988340)
	b.NeighborhoodName = "Lower East Side"
	c := newTestRestaurant("place-c", "Joe's Pizza", 40.730599, -74.002791)

	for _, restaurant := range []*Restaurant{a, b, c} {
		require.NoError(t, repo.Create(restaurant))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodGet, "/api/admin/progress", nil, token))

	assert.Equal(t, http.StatusOK, w.Code)

	var progress ProgressResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, 3, progress.TotalRestaurants)
	assert.Equal(t, 2, progress.WithNeighborhood)
	assert.InDelta(t, 66.67, progress.NeighborhoodPercentage, 0.01)
	assert.Equal(t, 3, progress.DistinctLocations)
	assert.Equal(t, 2, progress.TotalNeighborhoods)
	assert.Equal(t, 2, progress.ByNeighborhood["Lower East Side"])
}

const importPage = `<html><body><table>
<tr><th>Borough</th><th>Neighborhood</th><th>ZIP Codes</th></tr>
<tr><td>Manhattan</td><td>Alphabet City</td><td>10009</td></tr>
</table></body></html>`

func TestImportNeighborhoodsAPI(t *testing.T) {
	router, db, _ := setupServerTest(t)
	defer db.Close()

	token := loginToken(t, router)

	// Warm the cache with a miss for the ZIP the import will map.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/neighborhoods/zip/10009", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "neighborhoods.html")
	require.NoError(t, err)
	_, err = fw.Write([]byte(importPage))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, _ = http.NewRequest(http.MethodPost, "/api/admin/neighborhoods/import?city=New+York", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success  bool `json:"success"`
		Imported int  `json:"imported"`
		Skipped  int  `json:"skipped"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Imported)
	assert.Equal(t, 0, resp.Skipped)

	// The import purged the cached miss: the ZIP resolves now.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/neighborhoods/zip/10009", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var records []struct {
		Name string `json:"name"`
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Alphabet City", records[0].Name)

	// Unknown city
	req, _ = http.NewRequest(http.MethodPost, "/api/admin/neighborhoods/import?city=Gotham", &bytes.Buffer{})
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
