// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the Doof curation API: place search proxying,
// neighborhood lookup, and the authenticated restaurant submission
// endpoints the bulk tool talks to.
package server

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/doofapp/doof/neighborhoods"
	"github.com/doofapp/doof/spatial"
)

// Options configures the API server.
type Options struct {
	// Addr is the listen address, eg. localhost:5001
	Addr string
	// AdminEmail and AdminPassword guard the /api/admin endpoints.
	// Leaving them empty disables login.
	AdminEmail    string
	AdminPassword string
}

const maxBulkRows = 500

// Server carries the state shared by the API handlers.
type Server struct {
	restaurants   RestaurantRepository
	neighborhoods neighborhoods.Repository
	backend       PlacesBackend
	auth          *authManager
	zips          *zipCache
	options       *Options
}

// NewServer creates the API server. The backend may be nil when no places
// provider is configured; place endpoints then answer 503.
func NewServer(restaurants RestaurantRepository, hoods neighborhoods.Repository, backend PlacesBackend, options *Options) (*Server, error) {
	if options == nil {
		options = &Options{}
	}

	if options.Addr == "" {
		options.Addr = "localhost:5001"
	}

	zips, err := newZipCache(defaultZipCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating zip cache: %w", err)
	}

	return &Server{
		restaurants:   restaurants,
		neighborhoods: hoods,
		backend:       backend,
		auth:          newAuthManager(options.AdminEmail, options.AdminPassword),
		zips:          zips,
		options:       options,
	}, nil
}

// Run starts the HTTP server and blocks.
func (s *Server) Run() error {
	return s.router().Run(s.options.Addr)
}

// router wires the routes. Split from Run so tests can drive the handlers
// through httptest without binding a port.
func (s *Server) router() *gin.Engine {
	router := gin.Default()

	router.POST("/api/auth/login", s.login)
	router.GET("/api/places/autocomplete", s.autocomplete)
	router.GET("/api/places/details/:place_id", s.placeDetails)
	router.GET("/api/neighborhoods/zip/:zipcode", s.neighborhoodsByZip)
	router.GET("/api/neighborhoods", s.listNeighborhoods)

	admin := router.Group("/api/admin", s.auth.requireAuth)
	admin.POST("/restaurants", s.createRestaurant)
	admin.POST("/restaurants/bulk", s.bulkCreateRestaurants)
	admin.GET("/restaurants", s.listRestaurants)
	admin.GET("/restaurants/duplicates", s.duplicateRestaurants)
	admin.GET("/progress", s.getProgress)
	admin.POST("/neighborhoods/import", s.importNeighborhoods)

	return router
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(ctx *gin.Context) {
	var req loginRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})

		return
	}

	token, err := s.auth.login(req.Email, req.Password)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid credentials"})

		return
	}

	ctx.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

type structuredFormatting struct {
	MainText      string `json:"main_text"`
	SecondaryText string `json:"secondary_text"`
}

type predictionResponse struct {
	PlaceID              string               `json:"place_id"`
	Description          string               `json:"description"`
	StructuredFormatting structuredFormatting `json:"structured_formatting"`
}

func (s *Server) autocomplete(ctx *gin.Context) {
	if s.backend == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "no places provider configured"})

		return
	}

	input := strings.TrimSpace(ctx.Query("input"))
	if input == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "input parameter is required"})

		return
	}

	predictions, err := s.backend.Autocomplete(ctx.Request.Context(), input)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, errOverQueryLimit) {
			status = http.StatusTooManyRequests
		}

		ctx.JSON(status, gin.H{"success": false, "error": err.Error()})

		return
	}

	out := make([]predictionResponse, 0, len(predictions))
	for _, p := range predictions {
		out = append(out, predictionResponse{
			PlaceID:     p.PlaceID,
			Description: p.Description,
			StructuredFormatting: structuredFormatting{
				MainText:      p.MainText,
				SecondaryText: p.SecondaryText,
			},
		})
	}

	ctx.JSON(http.StatusOK, gin.H{"success": true, "predictions": out})
}

type geometryResponse struct {
	Location spatial.Point `json:"location"`
}

type detailsResponse struct {
	FormattedAddress  string             `json:"formatted_address"`
	Geometry          geometryResponse   `json:"geometry"`
	AddressComponents []AddressComponent `json:"address_components"`
}

func (s *Server) placeDetails(ctx *gin.Context) {
	if s.backend == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "no places provider configured"})

		return
	}

	placeID := ctx.Param("place_id")

	details, err := s.backend.Details(ctx.Request.Context(), placeID)
	if err != nil {
		status := http.StatusBadGateway

		switch {
		case errors.Is(err, errPlaceNotFound):
			status = http.StatusNotFound
		case errors.Is(err, errOverQueryLimit):
			status = http.StatusTooManyRequests
		}

		ctx.JSON(status, gin.H{"success": false, "error": err.Error()})

		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"result": detailsResponse{
			FormattedAddress:  details.FormattedAddress,
			Geometry:          geometryResponse{Location: details.Location},
			AddressComponents: details.AddressComponents,
		},
	})
}

func (s *Server) neighborhoodsByZip(ctx *gin.Context) {
	zipcode := ctx.Param("zipcode")
	if !zipcodePattern.MatchString(zipcode) {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid zipcode"})

		return
	}

	if records, ok := s.zips.lookup(zipcode); ok {
		ctx.JSON(http.StatusOK, records)

		return
	}

	records, err := s.neighborhoods.FindByZipcode(zipcode)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	// An unmapped ZIP answers an empty array, not 404: the bulk tool
	// treats both the same way and the distinction isn't an error.
	if records == nil {
		records = []*neighborhoods.Record{}
	}

	s.zips.store(zipcode, records)
	ctx.JSON(http.StatusOK, records)
}

func (s *Server) listNeighborhoods(ctx *gin.Context) {
	var cityID *int64

	if q := ctx.Query("city"); q != "" {
		city, err := neighborhoods.FindCity(q)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})

			return
		}

		cityID = &city.ID
	}

	page, perPage := pagination(ctx)

	records, err := s.neighborhoods.List(cityID, perPage, (page-1)*perPage)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	total, err := s.neighborhoods.Count()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	if records == nil {
		records = []*neighborhoods.Record{}
	}

	ctx.JSON(http.StatusOK, gin.H{
		"neighborhoods": records,
		"total":         total,
		"page":          page,
		"per_page":      perPage,
	})
}

// restaurantRequest is the wire payload for creating one restaurant.
type restaurantRequest struct {
	PlaceID        string  `json:"place_id"`
	Name           string  `json:"name"`
	Address        string  `json:"address"`
	Zipcode        string  `json:"zipcode"`
	NeighborhoodID *int64  `json:"neighborhood_id"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
}

// buildRestaurant sanitizes and validates a request, resolving the
// neighborhood reference against the store.
func (s *Server) buildRestaurant(req *restaurantRequest) (*Restaurant, error) {
	restaurant := &Restaurant{
		PlaceID:        strings.TrimSpace(req.PlaceID),
		Name:           sanitize(req.Name),
		Address:        sanitize(req.Address),
		Zipcode:        strings.TrimSpace(req.Zipcode),
		NeighborhoodID: req.NeighborhoodID,
		Point:          &spatial.Point{Lat: req.Latitude, Lng: req.Longitude},
	}

	if err := validateRestaurant(restaurant); err != nil {
		return nil, err
	}

	if req.NeighborhoodID != nil {
		hood, err := s.neighborhoods.Get(*req.NeighborhoodID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown neighborhood: %d", *req.NeighborhoodID)
		}

		if err != nil {
			return nil, fmt.Errorf("resolving neighborhood %d: %w", *req.NeighborhoodID, err)
		}

		if restaurant.Zipcode != "" && len(hood.Zipcodes) > 0 && !hood.Covers(restaurant.Zipcode) {
			return nil, fmt.Errorf("zipcode %s is not covered by %s", restaurant.Zipcode, hood.Name)
		}

		restaurant.NeighborhoodName = hood.Name
	}

	return restaurant, nil
}

func (s *Server) createRestaurant(ctx *gin.Context) {
	var req restaurantRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})

		return
	}

	restaurant, err := s.buildRestaurant(&req)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})

		return
	}

	if err := s.restaurants.Create(restaurant); err != nil {
		if errors.Is(err, errAlreadyExists) {
			ctx.JSON(http.StatusConflict, gin.H{"success": false, "error": errAlreadyExists.Error()})

			return
		}

		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	ctx.JSON(http.StatusCreated, gin.H{"success": true, "data": restaurant})
}

type bulkCreateRequest struct {
	Restaurants []restaurantRequest `json:"restaurants"`
}

type bulkCreateData struct {
	Added       int           `json:"added"`
	Failed      int           `json:"failed"`
	Restaurants []*Restaurant `json:"restaurants"`
	Failures    []RowFailure  `json:"failures,omitempty"`
}

func (s *Server) bulkCreateRestaurants(ctx *gin.Context) {
	var req bulkCreateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})

		return
	}

	if len(req.Restaurants) == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "restaurants must not be empty"})

		return
	}

	if len(req.Restaurants) > maxBulkRows {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   fmt.Sprintf("batch larger than %d rows", maxBulkRows),
		})

		return
	}

	var valid []*Restaurant

	var failures []RowFailure

	for i := range req.Restaurants {
		restaurant, err := s.buildRestaurant(&req.Restaurants[i])
		if err != nil {
			failures = append(failures, RowFailure{
				Index:  i,
				Name:   req.Restaurants[i].Name,
				Reason: err.Error(),
			})

			continue
		}

		restaurant.RecordID = i
		valid = append(valid, restaurant)
	}

	created, dupFailures, err := s.restaurants.BulkCreate(valid, uuid.NewString())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	failures = append(failures, dupFailures...)
	sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })

	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": bulkCreateData{
			Added:       len(created),
			Failed:      len(failures),
			Restaurants: created,
			Failures:    failures,
		},
	})
}

func (s *Server) listRestaurants(ctx *gin.Context) {
	page, perPage := pagination(ctx)

	restaurants, err := s.restaurants.List(perPage, (page-1)*perPage)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	total, err := s.restaurants.Count()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	if restaurants == nil {
		restaurants = []*Restaurant{}
	}

	ctx.JSON(http.StatusOK, gin.H{
		"restaurants": restaurants,
		"total":       total,
		"page":        page,
		"per_page":    perPage,
	})
}

const (
	defaultClusterRadius = 150.0
	maxClusterRadius     = 400.0
)

func (s *Server) duplicateRestaurants(ctx *gin.Context) {
	radius := defaultClusterRadius

	if p := ctx.Query("radius"); p != "" {
		if _, err := fmt.Sscanf(p, "%f", &radius); err != nil || radius <= 0 || radius > maxClusterRadius {
			radius = defaultClusterRadius
		}
	}

	clusters, err := s.restaurants.DuplicateClusters(radius)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	ctx.JSON(http.StatusOK, clusters)
}

// ProgressResponse summarizes curation progress for the dashboard.
type ProgressResponse struct {
	TotalRestaurants       int            `json:"total_restaurants"`
	WithNeighborhood       int            `json:"with_neighborhood"`
	NeighborhoodPercentage float64        `json:"neighborhood_percentage"`
	DistinctLocations      int            `json:"distinct_locations"`
	TotalNeighborhoods     int            `json:"total_neighborhoods"`
	ByNeighborhood         map[string]int `json:"by_neighborhood"`
}

func (s *Server) getProgress(ctx *gin.Context) {
	total, err := s.restaurants.Count()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	byNeighborhood, err := s.restaurants.CountByNeighborhood()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	distinct, err := s.restaurants.CountDistinctLocations()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	totalNeighborhoods, err := s.neighborhoods.Count()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	withNeighborhood := 0
	for _, count := range byNeighborhood {
		withNeighborhood += count
	}

	progress := ProgressResponse{
		TotalRestaurants:   total,
		WithNeighborhood:   withNeighborhood,
		DistinctLocations:  distinct,
		TotalNeighborhoods: totalNeighborhoods,
		ByNeighborhood:     byNeighborhood,
	}

	if total > 0 {
		progress.NeighborhoodPercentage = float64(withNeighborhood) / float64(total) * 100
	}

	ctx.JSON(http.StatusOK, progress)
}

func (s *Server) importNeighborhoods(ctx *gin.Context) {
	cityQuery := ctx.Query("city")
	if cityQuery == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "city parameter is required"})

		return
	}

	city, err := neighborhoods.FindCity(cityQuery)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})

		return
	}

	file, _, err := ctx.Request.FormFile("file")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "file field is required"})

		return
	}
	defer file.Close()

	records, metrics, err := neighborhoods.ImportHTML(city, file)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": err.Error()})

		return
	}

	if err := s.neighborhoods.Upsert(records); err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})

		return
	}

	// The mappings just changed under any cached lookups.
	s.zips.purge()

	ctx.JSON(http.StatusOK, gin.H{
		"success":  true,
		"imported": metrics.Imported,
		"skipped":  metrics.Skipped,
	})
}

func pagination(ctx *gin.Context) (page, perPage int) {
	page, perPage = 1, 50

	if p := ctx.Query("page"); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &page); err != nil || page < 1 {
			page = 1
		}
	}

	if p := ctx.Query("per_page"); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &perPage); err != nil || perPage < 1 || perPage > 500 {
			perPage = 50
		}
	}

	return page, perPage
}
