// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/doofapp/doof/neighborhoods"
	"github.com/doofapp/doof/utils/strutil"
)

//go:embed data/seed.json
var seedData []byte

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the embedded New York neighborhood seed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var records []*neighborhoods.Record
			if err := json.Unmarshal(seedData, &records); err != nil {
				return fmt.Errorf("unmarshaling seed data: %w", err)
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

			fmt.Printf("✅ Seeded %s neighborhoods\n", strutil.FormatInt(int64(len(records))))

			return nil
		},
	}
}

func init() {
	neighborhoodsCmd.AddCommand(newSeedCmd())
}
