// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	h3 "github.com/uber/h3-go/v4"

	"github.com/doofapp/doof/spatial"
)

// Restaurant is a stored restaurant submission.
type Restaurant struct {
	ID               int64          `json:"id"`
	PlaceID          string         `json:"place_id"`
	Name             string         `json:"name"`
	Address          string         `json:"address"`
	Zipcode          string         `json:"zipcode,omitempty"`
	NeighborhoodID   *int64         `json:"neighborhood_id,omitempty"`
	NeighborhoodName string         `json:"neighborhood_name,omitempty"`
	Point            *spatial.Point `json:"point"`
	SubmissionID     string         `json:"submission_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// RecordID is the row's position in the submitted batch, echoed back
	// in failure reports. Not persisted.
	RecordID int `json:"-"`

	H3Res9  int64 `json:"-"`
	H3Res11 int64 `json:"-"`
}

// computeH3 populates the H3 index fields from the point. Resolution 9
// feeds the duplicate scan, resolution 11 the distinct location count.
func (r *Restaurant) computeH3() error {
	if r.Point == nil {
		return errors.New("point can't be null")
	}

	latLng := h3.NewLatLng(r.Point.Lat, r.Point.Lng)

	for _, res := range []int{9, 11} {
		cell, err := h3.LatLngToCell(latLng, res)
		if err != nil {
			return fmt.Errorf("computing h3 cell at resolution %d: %w", res, err)
		}

		switch res {
		case 9:
			r.H3Res9 = int64(cell)
		case 11:
			r.H3Res11 = int64(cell)
		}
	}

	return nil
}

// RowFailure describes why one row of a bulk submission was rejected.
type RowFailure struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// DuplicateCluster groups restaurants that are probably the same venue.
type DuplicateCluster struct {
	Restaurants       []*Restaurant `json:"restaurants"`
	MaxDistanceMeters float64       `json:"max_distance_meters"`
}

var errAlreadyExists = errors.New("restaurant already exists")

// RestaurantRepository stores curated restaurants.
type RestaurantRepository interface {
	// CreateSchema creates the restaurants table
	CreateSchema() error
	// Create saves a single restaurant. Assigns Restaurant.ID.
	// Returns errAlreadyExists when the place is already stored.
	Create(restaurant *Restaurant) error
	// BulkCreate inserts a batch in one transaction, reporting duplicates
	// row by row instead of failing the batch. All inserted rows carry
	// the submission id.
	BulkCreate(restaurants []*Restaurant, submissionID string) ([]*Restaurant, []RowFailure, error)
	// GetByPlaceID returns the restaurant stored for a place,
	// sql.ErrNoRows when there is none
	GetByPlaceID(placeID string) (*Restaurant, error)
	// List returns restaurants ordered by creation, newest first.
	// limit <= 0 returns all rows.
	List(limit, offset int) ([]*Restaurant, error)
	// Count returns the number of stored restaurants
	Count() (int, error)
	// CountByNeighborhood returns restaurant counts keyed by neighborhood name
	CountByNeighborhood() (map[string]int, error)
	// CountDistinctLocations returns the number of distinct res 11 cells
	CountDistinctLocations() (int, error)
	// DuplicateClusters groups restaurants within distanceThreshold meters
	// whose names look like the same venue
	DuplicateClusters(distanceThreshold float64) ([]*DuplicateCluster, error)
	// DB returns the underlying database connection
	DB() *sql.DB
}

type sqlRestaurantRepository struct {
	db *sql.DB
}

// NewRestaurantRepository creates a repository over an open DuckDB handle.
func NewRestaurantRepository(db *sql.DB) RestaurantRepository {
	return &sqlRestaurantRepository{db: db}
}

func (r *sqlRestaurantRepository) DB() *sql.DB {
	return r.db
}

func (r *sqlRestaurantRepository) CreateSchema() error {
	_, err := r.db.Exec(`INSTALL spatial; LOAD spatial;`)
	if err != nil {
		return fmt.Errorf("loading spatial extension: %w", err)
	}

	_, err = r.db.Exec(`
		CREATE SEQUENCE IF NOT EXISTS restaurants_seq START 1;

		CREATE TABLE IF NOT EXISTS restaurants (
			id INTEGER PRIMARY KEY DEFAULT nextval('restaurants_seq'),
			place_id VARCHAR NOT NULL UNIQUE,
			name VARCHAR NOT NULL,
			address VARCHAR NOT NULL,
			zipcode VARCHAR,
			neighborhood_id INTEGER,
			neighborhood_name VARCHAR,
			point POINT_2D NOT NULL,
			submission_id VARCHAR,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			h3_res9 UBIGINT,
			h3_res11 UBIGINT
		);
	`)
	if err != nil {
		return fmt.Errorf("creating restaurants schema: %w", err)
	}

	return nil
}

const insertRestaurant = `
	INSERT INTO restaurants (
		id, place_id, name, address, zipcode, neighborhood_id, neighborhood_name,
		point, submission_id, created_at, updated_at, h3_res9, h3_res11
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ST_Point(?, ?), ?, ?, ?, ?, ?)
`

func (r *sqlRestaurantRepository) Create(restaurant *Restaurant) error {
	if err := restaurant.computeH3(); err != nil {
		return err
	}

	var existing string

	err := r.db.QueryRow("SELECT name FROM restaurants WHERE place_id = ?", restaurant.PlaceID).
		Scan(&existing)

	switch {
	case err == nil:
		return fmt.Errorf("%w: %q", errAlreadyExists, restaurant.PlaceID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("probing for place %q: %w", restaurant.PlaceID, err)
	}

	var id int64
	if err := r.db.QueryRow("SELECT nextval('restaurants_seq')").Scan(&id); err != nil {
		return fmt.Errorf("allocating restaurant id: %w", err)
	}

	now := time.Now()

	_, err = r.db.Exec(insertRestaurant,
		id, restaurant.PlaceID, restaurant.Name, restaurant.Address,
		nve(restaurant.Zipcode), nvi(restaurant.NeighborhoodID), nve(restaurant.NeighborhoodName),
		restaurant.Point.Lng, restaurant.Point.Lat,
		nve(restaurant.SubmissionID), now, now,
		restaurant.H3Res9, restaurant.H3Res11,
	)
	if err != nil {
		return fmt.Errorf("inserting restaurant %q: %w", restaurant.Name, err)
	}

	restaurant.ID = id
	restaurant.CreatedAt = now
	restaurant.UpdatedAt = now

	return nil
}

func (r *sqlRestaurantRepository) BulkCreate(restaurants []*Restaurant, submissionID string) (created []*Restaurant, failures []RowFailure, err error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}

	insertStmt, err := tx.Prepare(insertRestaurant)
	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			err = rErr
		}

		return nil, nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer insertStmt.Close()

	created = make([]*Restaurant, 0, len(restaurants))
	seen := make(map[string]bool, len(restaurants))

	for _, restaurant := range restaurants {
		if seen[restaurant.PlaceID] {
			failures = append(failures, RowFailure{
				Index:  restaurant.RecordID,
				Name:   restaurant.Name,
				Reason: "duplicated in the same batch",
			})

			continue
		}

		seen[restaurant.PlaceID] = true

		if err := restaurant.computeH3(); err != nil {
			failures = append(failures, RowFailure{
				Index:  restaurant.RecordID,
				Name:   restaurant.Name,
				Reason: err.Error(),
			})

			continue
		}

		var existing string

		err = tx.QueryRow("SELECT name FROM restaurants WHERE place_id = ?", restaurant.PlaceID).
			Scan(&existing)

		switch {
		case err == nil:
			failures = append(failures, RowFailure{
				Index:  restaurant.RecordID,
				Name:   restaurant.Name,
				Reason: errAlreadyExists.Error(),
			})

			continue
		case !errors.Is(err, sql.ErrNoRows):
			err = fmt.Errorf("probing for place %q: %w", restaurant.PlaceID, err)

			if rErr := tx.Rollback(); rErr != nil {
				err = rErr
			}

			return nil, nil, err
		}

		var id int64
		if err = tx.QueryRow("SELECT nextval('restaurants_seq')").Scan(&id); err == nil {
			now := time.Now()
			restaurant.SubmissionID = submissionID
			restaurant.CreatedAt = now
			restaurant.UpdatedAt = now

			_, err = insertStmt.Exec(
				id, restaurant.PlaceID, restaurant.Name, restaurant.Address,
				nve(restaurant.Zipcode), nvi(restaurant.NeighborhoodID), nve(restaurant.NeighborhoodName),
				restaurant.Point.Lng, restaurant.Point.Lat,
				nve(submissionID), now, now,
				restaurant.H3Res9, restaurant.H3Res11,
			)
		}

		if err != nil {
			err = fmt.Errorf("inserting restaurant %q: %w", restaurant.Name, err)

			if rErr := tx.Rollback(); rErr != nil {
				err = rErr
			}

			return nil, nil, err
		}

		restaurant.ID = id
		created = append(created, restaurant)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing bulk creation: %w", err)
	}

	return created, failures, nil
}

const baseSelect = `
	SELECT id, place_id, name, address, zipcode, neighborhood_id, neighborhood_name,
	       point, submission_id, created_at, updated_at, h3_res9, h3_res11
	FROM restaurants
`

func (r *sqlRestaurantRepository) GetByPlaceID(placeID string) (*Restaurant, error) {
	restaurants, err := r.list(baseSelect+" WHERE place_id = ?", []any{placeID})
	if err != nil {
		return nil, err
	}

	if len(restaurants) == 0 {
		return nil, sql.ErrNoRows
	}

	return restaurants[0], nil
}

func (r *sqlRestaurantRepository) List(limit, offset int) ([]*Restaurant, error) {
	query := baseSelect + " ORDER BY created_at DESC, id DESC"
	args := []any{}

	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	return r.list(query, args)
}

func (r *sqlRestaurantRepository) Count() (int, error) {
	var count int

	err := r.db.QueryRow("SELECT COUNT(*) FROM restaurants").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting restaurants: %w", err)
	}

	return count, nil
}

func (r *sqlRestaurantRepository) CountByNeighborhood() (map[string]int, error) {
	rows, err := r.db.Query(`
		SELECT neighborhood_name, COUNT(*)
		FROM restaurants
		WHERE neighborhood_name IS NOT NULL
		GROUP BY neighborhood_name
	`)
	if err != nil {
		return nil, fmt.Errorf("counting restaurants by neighborhood: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)

	for rows.Next() {
		var name string

		var count int

		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}

		counts[name] = count
	}

	return counts, rows.Err()
}

func (r *sqlRestaurantRepository) CountDistinctLocations() (int, error) {
	var count int

	err := r.db.QueryRow("SELECT COUNT(DISTINCT h3_res11) FROM restaurants").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting distinct locations: %w", err)
	}

	return count, nil
}

func (r *sqlRestaurantRepository) DuplicateClusters(distanceThreshold float64) ([]*DuplicateCluster, error) {
	restaurants, err := r.List(0, 0)
	if err != nil {
		return nil, err
	}

	groups, err := clusterRestaurants(restaurants, distanceThreshold)
	if err != nil {
		return nil, err
	}

	clusters := make([]*DuplicateCluster, 0)

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}

		cluster := &DuplicateCluster{Restaurants: group}

		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if d := group[i].Point.HaversineDistance(group[j].Point); d > cluster.MaxDistanceMeters {
					cluster.MaxDistanceMeters = d
				}
			}
		}

		clusters = append(clusters, cluster)
	}

	return clusters, nil
}

func (r *sqlRestaurantRepository) list(query string, args []any) ([]*Restaurant, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var restaurants []*Restaurant

	for rows.Next() {
		restaurant := &Restaurant{Point: &spatial.Point{}}

		var zipcode, neighborhoodName, submissionID sql.NullString

		var neighborhoodID, h3Res9, h3Res11 sql.NullInt64

		err := rows.Scan(
			&restaurant.ID, &restaurant.PlaceID, &restaurant.Name, &restaurant.Address,
			&zipcode, &neighborhoodID, &neighborhoodName,
			&restaurant.Point, &submissionID,
			&restaurant.CreatedAt, &restaurant.UpdatedAt,
			&h3Res9, &h3Res11,
		)
		if err != nil {
			return nil, err
		}

		if zipcode.Valid {
			restaurant.Zipcode = zipcode.String
		}

		if neighborhoodName.Valid {
			restaurant.NeighborhoodName = neighborhoodName.String
		}

		if submissionID.Valid {
			restaurant.SubmissionID = submissionID.String
		}

		if neighborhoodID.Valid {
			restaurant.NeighborhoodID = &neighborhoodID.Int64
		}

		if h3Res9.Valid {
			restaurant.H3Res9 = h3Res9.Int64
		}

		if h3Res11.Valid {
			restaurant.H3Res11 = h3Res11.Int64
		}

		restaurants = append(restaurants, restaurant)
	}

	return restaurants, rows.Err()
}

// nve converts empty strings to nil so they land as NULL.
func nve(v string) any {
	if v == "" {
		return nil
	}

	return v
}

func nvi(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}
