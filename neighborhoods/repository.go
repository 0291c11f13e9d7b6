// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package neighborhoods

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doofapp/doof/utils/strutil"
)

// Repository handles persistence of neighborhood records.
type Repository interface {
	// CreateSchema creates the neighborhoods tables
	CreateSchema() error

	// Upsert saves the records, updating neighborhoods that already exist
	// for the same city and name. Assigns Record.ID on insert.
	Upsert(records []*Record) error

	// Get returns the neighborhood with the given ID
	Get(id int64) (*Record, error)

	// FindByZipcode returns every neighborhood covering the given ZIP code
	FindByZipcode(zipcode string) ([]*Record, error)

	// List returns neighborhoods, optionally filtered by city
	List(cityID *int64, limit, offset int) ([]*Record, error)

	// Count returns the total number of neighborhoods
	Count() (int, error)

	// DB returns the underlying database connection
	DB() *sql.DB
}

type sqlRepository struct {
	db *sql.DB
}

// NewRepository creates a new neighborhood repository.
func NewRepository(db *sql.DB) Repository {
	return &sqlRepository{db: db}
}

// DB returns the underlying database connection for advanced queries.
func (r *sqlRepository) DB() *sql.DB {
	return r.db
}

func (r *sqlRepository) CreateSchema() error {
	// neighborhood_zipcodes repeats the list column as one row per ZIP so
	// that lookups by ZIP don't have to unnest on every request.
	_, err := r.db.Exec(`
		CREATE SEQUENCE IF NOT EXISTS neighborhoods_seq START 1;

		CREATE TABLE IF NOT EXISTS neighborhoods (
			id INTEGER PRIMARY KEY DEFAULT nextval('neighborhoods_seq'),
			name VARCHAR NOT NULL,
			city_id INTEGER NOT NULL,
			city_name VARCHAR NOT NULL,
			borough VARCHAR,
			zipcodes VARCHAR[] NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(city_id, name)
		);

		CREATE TABLE IF NOT EXISTS neighborhood_zipcodes (
			zipcode VARCHAR NOT NULL,
			neighborhood_id INTEGER NOT NULL,
			UNIQUE(zipcode, neighborhood_id)
		);
	`)

	return err
}

func (r *sqlRepository) Upsert(records []*Record) error {
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	insertStmt, err := tx.Prepare(`
		INSERT INTO neighborhoods(id, name, city_id, city_name, borough, zipcodes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			err = rErr
		}

		return err
	}
	defer insertStmt.Close()

	updateStmt, err := tx.Prepare(`
		UPDATE neighborhoods
		SET city_name = ?, borough = ?, zipcodes = ?, updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			err = rErr
		}

		return err
	}
	defer updateStmt.Close()

	zipStmt, err := tx.Prepare(`
		INSERT INTO neighborhood_zipcodes(zipcode, neighborhood_id)
		VALUES (?, ?)
	`)
	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			err = rErr
		}

		return err
	}
	defer zipStmt.Close()

	now := time.Now()

	for _, rec := range records {
		// A nil slice would bind as NULL and trip the NOT NULL constraint
		zips := rec.Zipcodes
		if zips == nil {
			zips = []string{}
		}

		var id int64

		err = tx.QueryRow(
			`SELECT id FROM neighborhoods WHERE city_id = ? AND name = ?`,
			rec.CityID, rec.Name,
		).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRow(`SELECT nextval('neighborhoods_seq')`).Scan(&id)
			if err == nil {
				_, err = insertStmt.Exec(
					id,
					rec.Name,
					rec.CityID,
					rec.CityName,
					nve(rec.Borough),
					zips,
					now,
					now,
				)
			}
		case err == nil:
			_, err = updateStmt.Exec(rec.CityName, nve(rec.Borough), zips, now, id)
			if err == nil {
				_, err = tx.Exec(`DELETE FROM neighborhood_zipcodes WHERE neighborhood_id = ?`, id)
			}
		}

		if err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				err = rErr
			}

			return fmt.Errorf("upserting neighborhood %q: %w", rec.Name, err)
		}

		for _, zip := range rec.Zipcodes {
			if _, err = zipStmt.Exec(zip, id); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					err = rErr
				}

				return fmt.Errorf("mapping zipcode %q to %q: %w", zip, rec.Name, err)
			}
		}

		rec.ID = id
	}

	return tx.Commit()
}

var baseSelect = `
	SELECT id, name, city_id, city_name, borough, zipcodes
	FROM neighborhoods
`

func (r *sqlRepository) Get(id int64) (*Record, error) {
	records, err := r.list(baseSelect+` WHERE id = ?`, []any{id})
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, sql.ErrNoRows
	}

	return records[0], nil
}

func (r *sqlRepository) FindByZipcode(zipcode string) ([]*Record, error) {
	return r.list(`
		SELECT n.id, n.name, n.city_id, n.city_name, n.borough, n.zipcodes
		FROM neighborhoods n
		JOIN neighborhood_zipcodes z ON z.neighborhood_id = n.id
		WHERE z.zipcode = ?
		ORDER BY n.name
	`, []any{zipcode})
}

func (r *sqlRepository) List(cityID *int64, limit, offset int) ([]*Record, error) {
	query := baseSelect

	args := []any{}

	if cityID != nil {
		query += " WHERE city_id = ?"

		args = append(args, *cityID)
	}

	query += " ORDER BY city_id, borough, name"

	if limit > 0 {
		query += " LIMIT ? OFFSET ?"

		args = append(args, limit, offset)
	}

	return r.list(query, args)
}

func (r *sqlRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM neighborhoods",
	).Scan(&count)

	return count, err
}

func (r *sqlRepository) list(query string, args []any) ([]*Record, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record

	for rows.Next() {
		record := &Record{}

		var borough sql.NullString

		var zipsVal any

		err := rows.Scan(
			&record.ID,
			&record.Name,
			&record.CityID,
			&record.CityName,
			&borough,
			&zipsVal,
		)
		if err != nil {
			return nil, err
		}

		if borough.Valid {
			record.Borough = borough.String
		}

		zips, ok := strutil.AnyToStringSlice(zipsVal)
		if !ok {
			return nil, fmt.Errorf("unexpected zipcodes column type %T for %q", zipsVal, record.Name)
		}

		record.Zipcodes = zips

		records = append(records, record)
	}

	return records, rows.Err()
}

func nve(v string) any {
	var ret any
	if len(v) == 0 {
		ret = nil
	} else {
		ret = v
	}

	return ret
}
