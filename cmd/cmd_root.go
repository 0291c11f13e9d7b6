// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmd wires the doof subcommands: the bulk-add pipeline, the API
// server, and the neighborhood reference data management.
package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type logWriter struct {
	writer io.Writer
}

func (w *logWriter) Write(bytes []byte) (int, error) {
	return fmt.Fprintf(w.writer, "%s %s", time.Now().Format("2006-01-02 15:04:05"), string(bytes))
}

func init() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{writer: os.Stderr})
}

var rootCmd = &cobra.Command{
	Use:   "doof",
	Short: "Restaurant curation for the Doof directory",
	Long: `
doof resolves free-text restaurant lists against the places API and keeps
the curated directory: neighborhoods, restaurants, and the admin backend
the bulk-add workflow talks to.
`,
}

var Version = "dev"

func Execute(version string) {
	Version = version

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
