// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2" // register duckdb driver
	"github.com/spf13/cobra"

	"github.com/doofapp/doof/neighborhoods"
	"github.com/doofapp/doof/server"
)

var serveOptions = &server.Options{}

var dbPath string

// openDatabase opens (creating if needed) the duckdb file under the
// --db-path directory.
func openDatabase() (*sql.DB, error) {
	if err := os.MkdirAll(dbPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("duckdb", filepath.Join(dbPath, "doof.duckdb"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return db, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Doof API server",
	Long: `
Serves the places proxy, the neighborhood lookups, and the authenticated
restaurant endpoints the bulk tool talks to.

Admin credentials come from DOOF_ADMIN_EMAIL and DOOF_ADMIN_PASSWORD;
without them login is disabled. The Google Places key comes from
GOOGLE_PLACES_API_KEY, falling back to application default credentials.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		hoodRepo := neighborhoods.NewRepository(db)
		if err := hoodRepo.CreateSchema(); err != nil {
			return fmt.Errorf("creating neighborhoods schema: %w", err)
		}

		restaurantRepo := server.NewRestaurantRepository(db)
		if err := restaurantRepo.CreateSchema(); err != nil {
			return fmt.Errorf("creating restaurants schema: %w", err)
		}

		var backend server.PlacesBackend
		if key := server.ResolveAPIKey(cmd.Context()); key != "" {
			backend = server.NewGooglePlacesClient(key)
		} else {
			log.Println("⚠️  No Google Places API key - place endpoints will answer 503")
		}

		if serveOptions.AdminEmail == "" {
			serveOptions.AdminEmail = os.Getenv("DOOF_ADMIN_EMAIL")
		}

		serveOptions.AdminPassword = os.Getenv("DOOF_ADMIN_PASSWORD")

		if serveOptions.AdminEmail == "" || serveOptions.AdminPassword == "" {
			log.Println("⚠️  Admin credentials not configured - login is disabled")
		}

		s, err := server.NewServer(restaurantRepo, hoodRepo, backend, serveOptions)
		if err != nil {
			return err
		}

		fmt.Println("🍽️  Doof API server starting...")
		fmt.Printf("📍 Listening on http://%s\n", serveOptions.Addr)
		fmt.Println("🔒 Admin endpoints need a bearer token from /api/auth/login")

		return s.Run()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.PersistentFlags().StringVar(
		&dbPath,
		"db-path",
		"db",
		"Directory holding the duckdb database",
	)
	serveCmd.PersistentFlags().StringVar(
		&serveOptions.Addr,
		"addr",
		"localhost:5001",
		"Address to listen on",
	)
	serveCmd.PersistentFlags().StringVar(
		&serveOptions.AdminEmail,
		"admin-email",
		"",
		"Admin login email. Defaults to DOOF_ADMIN_EMAIL",
	)
}
