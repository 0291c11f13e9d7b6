// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/doofapp/doof/neighborhoods"
	"github.com/doofapp/doof/utils/strutil"
)

var neighborhoodsCmd = &cobra.Command{
	Use:   "neighborhoods",
	Short: "Manage the neighborhood reference data",
}

var neighborhoodsCitiesCmd = &cobra.Command{
	Use:   "cities",
	Short: "List the cities Doof curates restaurants for",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, b, c, d := strings.Repeat("─", 2), strings.Repeat("─", 14), strings.Repeat("─", 5), strings.Repeat("─", 56)
		fmt.Println("Cities:")
		fmt.Printf("╭─%2s─┬─%-14s─┬─%-5s─┬─%-56s╮\n", a, b, c, d)
		fmt.Printf("│ %2s │ %-14s │ %-5s │ %-56s│\n", "Id", "Name", "State", "Boroughs")
		fmt.Printf("├─%2s─┼─%-14s─┼─%-5s─┼─%-56s┤\n", a, b, c, d)
		err := neighborhoods.EachCity(func(city neighborhoods.City) error {
			fmt.Printf("│ %2d │ %-14s │ %-5s │ %-56s│\n", city.ID, city.Name, city.State, strings.Join(city.Boroughs, ", "))

			return nil
		})
		fmt.Printf("╰─%2s─┴─%-14s─┴─%-5s─┴─%-56s╯\n", a, b, c, d)

		return err
	},
}

var neighborhoodsCity string

var neighborhoodsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the stored neighborhoods and the ZIP codes they cover",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		repo := neighborhoods.NewRepository(db)
		if err := repo.CreateSchema(); err != nil {
			return fmt.Errorf("creating neighborhoods schema: %w", err)
		}

		var cityID *int64

		if neighborhoodsCity != "" {
			city, err := neighborhoods.FindCity(neighborhoodsCity)
			if err != nil {
				return err
			}

			cityID = &city.ID
		}

		records, err := repo.List(cityID, 0, 0)
		if err != nil {
			return fmt.Errorf("listing neighborhoods: %w", err)
		}

		a, b, c, d, e := strings.Repeat("─", 3), strings.Repeat("─", 13), strings.Repeat("─", 13),
			strings.Repeat("─", 24), strings.Repeat("─", 38)
		fmt.Println("Neighborhoods:")
		fmt.Printf("╭─%3s─┬─%-13s─┬─%-13s─┬─%-24s─┬─%-38s╮\n", a, b, c, d, e)
		fmt.Printf("│ %3s │ %-13s │ %-13s │ %-24s │ %-38s│\n", "Id", "City", "Borough", "Neighborhood", "ZIP Codes")
		fmt.Printf("├─%3s─┼─%-13s─┼─%-13s─┼─%-24s─┼─%-38s┤\n", a, b, c, d, e)

		for _, r := range records {
			fmt.Printf("│ %3d │ %-13s │ %-13s │ %-24s │ %-38s│\n",
				r.ID, r.CityName, r.Borough, r.Name, strings.Join(r.Zipcodes, ", "))
		}

		fmt.Printf("╰─%3s─┴─%-13s─┴─%-13s─┴─%-24s─┴─%-38s╯\n", a, b, c, d, e)

		return nil
	},
}

var neighborhoodsImportCmd = &cobra.Command{
	Use:   "import <city> <page.html>",
	Short: "Import neighborhoods from a saved city reference page",
	Long: `
Parses the neighborhood table of a saved city reference page (borough,
neighborhood, ZIP codes columns) and upserts the rows, so re-importing
an updated page refreshes the existing records in place.
`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		city, err := neighborhoods.FindCity(args[0])
		if err != nil {
			return err
		}

		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("opening reference page: %w", err)
		}
		defer f.Close()

		records, metrics, err := neighborhoods.ImportHTML(city, f)
		if err != nil {
			return fmt.Errorf("importing %s: %w", args[1], err)
		}

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		repo := neighborhoods.NewRepository(db)
		if err := repo.CreateSchema(); err != nil {
			return fmt.Errorf("creating neighborhoods schema: %w", err)
		}

		if err := repo.Upsert(records); err != nil {
			return fmt.Errorf("storing neighborhoods: %w", err)
		}

		fmt.Printf("✅ Imported %s neighborhoods for %s (%s rows, %s skipped)\n",
			strutil.FormatInt(int64(metrics.Imported)),
			city.Name,
			strutil.FormatInt(int64(metrics.Rows)),
			strutil.FormatInt(int64(metrics.Skipped)))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(neighborhoodsCmd)
	neighborhoodsCmd.AddCommand(neighborhoodsCitiesCmd)
	neighborhoodsCmd.AddCommand(neighborhoodsListCmd)
	neighborhoodsCmd.AddCommand(neighborhoodsImportCmd)
	neighborhoodsCmd.PersistentFlags().StringVar(
		&dbPath,
		"db-path",
		"db",
		"Directory holding the duckdb database",
	)
	neighborhoodsListCmd.PersistentFlags().StringVar(
		&neighborhoodsCity,
		"city",
		"",
		"Only list neighborhoods for this city (name or id)",
	)
}
