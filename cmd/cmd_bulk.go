// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/doofapp/doof/bulkadd"
	"github.com/doofapp/doof/places"
)

var bulkClientOptions = &places.Options{}

var (
	bulkFile      string
	bulkEmail     string
	bulkTakeFirst bool
	bulkSubmit    bool
	bulkDryRun    bool
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Resolve a free-text restaurant list and create the matches",
	Long: `
Reads one restaurant per line ("Name, City", optionally "#tag" tokens at
the end), resolves each line through the places API, and optionally
creates the resolved restaurants through the bulk endpoint.

Entries that match several places suspend the batch: on a terminal you
pick the right candidate, with --take-first the first match wins, and
otherwise the entry is skipped.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		entries, err := readEntries(bulkFile)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			log.Println("Nothing to do - no entries in the input")

			return nil
		}

		if bulkClientOptions.Token == "" {
			bulkClientOptions.Token = os.Getenv("DOOF_API_TOKEN")
		}

		bulkClientOptions.UserAgent = fmt.Sprintf("doof/%s (+https://github.com/doofapp/doof)", Version)

		client, err := places.NewClient(bulkClientOptions)
		if err != nil {
			return err
		}

		if bulkEmail != "" {
			password := os.Getenv("DOOF_ADMIN_PASSWORD")
			if password == "" {
				return errors.New("--email needs DOOF_ADMIN_PASSWORD in the environment")
			}

			if err := client.Login(ctx, bulkEmail, password); err != nil {
				return err
			}

			log.Printf("Logged in as %s", bulkEmail)
		}

		batch := bulkadd.NewBatch(client, entries, places.RetryOptions{Jitter: true})

		if err := runBatch(ctx, batch); err != nil {
			return err
		}

		printResults(batch)

		m := batch.Metrics
		log.Printf(
			"Resolution metrics - %d searches, %d detail lookups, %d zip lookups (%d cache hits), %d resolved, %d failed",
			m.Searches,
			m.DetailLookups,
			m.ZipLookups,
			m.ZipCacheHits,
			m.Resolved,
			m.Failed,
		)

		return submitBatch(ctx, batch)
	},
}

func readEntries(path string) ([]*bulkadd.BulkEntry, error) {
	var r io.Reader = os.Stdin

	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()

		r = f
	}

	return bulkadd.ParseEntries(r)
}

// runBatch drives the batch to completion, resolving every suspension on
// the way. The progress bar tracks settled entries, not API calls.
func runBatch(ctx context.Context, batch *bulkadd.Batch) error {
	// Prompting reads stdin, so it is only possible when the entries came
	// from a file and stdin is a terminal.
	interactive := !bulkTakeFirst &&
		bulkFile != "" && bulkFile != "-" &&
		isatty.IsTerminal(os.Stdin.Fd())

	var in *bufio.Reader
	if interactive {
		in = bufio.NewReader(os.Stdin)
	}

	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) {
		bar = progressbar.NewOptions(len(batch.Entries()),
			progressbar.OptionSetDescription("Resolving"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	for {
		if err := batch.Process(ctx); err != nil {
			return err
		}

		if bar != nil {
			if err := bar.Set(settledCount(batch)); err != nil {
				log.Printf("updating progress bar - %s", err)
			}
		}

		entry := batch.Awaiting()
		if entry == nil {
			return nil
		}

		if bar != nil {
			if err := bar.Clear(); err != nil {
				log.Printf("clearing progress bar - %s", err)
			}
		}

		switch {
		case bulkTakeFirst:
			err := batch.SelectResult(ctx, entry, entry.Candidates[0])
			if err != nil {
				return err
			}
		case interactive:
			if err := promptSelection(ctx, batch, entry, in); err != nil {
				return err
			}
		default:
			log.Printf(
				"line %d: %q matched %d places, skipping (pick interactively or rerun with --take-first)",
				entry.LineNumber,
				entry.Name,
				len(entry.Candidates),
			)

			if err := batch.Remove(entry); err != nil {
				return err
			}
		}
	}
}

func settledCount(batch *bulkadd.Batch) int {
	n := 0

	for _, e := range batch.Entries() {
		switch e.Status {
		case bulkadd.StatusResolved, bulkadd.StatusError, bulkadd.StatusRemoved:
			n++
		}
	}

	return n
}

func promptSelection(
	ctx context.Context,
	batch *bulkadd.Batch,
	entry *bulkadd.BulkEntry,
	in *bufio.Reader,
) error {
	fmt.Printf("\n%q (line %d) matched %d places:\n", entry.Name, entry.LineNumber, len(entry.Candidates))

	for i, c := range entry.Candidates {
		fmt.Printf("  %d. %s (%s)\n", i+1, c.Name, c.FormattedAddress)
	}

	for {
		fmt.Printf("Pick 1-%d, or s to skip: ", len(entry.Candidates))

		line, err := in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()

				return batch.Remove(entry)
			}

			return fmt.Errorf("reading selection: %w", err)
		}

		line = strings.TrimSpace(line)
		if strings.EqualFold(line, "s") || strings.EqualFold(line, "skip") {
			return batch.Remove(entry)
		}

		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(entry.Candidates) {
			continue
		}

		return batch.SelectResult(ctx, entry, entry.Candidates[n-1])
	}
}

func printResults(batch *bulkadd.Batch) {
	a, b, c, d := strings.Repeat("─", 4), strings.Repeat("─", 16), strings.Repeat("─", 28), strings.Repeat("─", 44)
	fmt.Println("Batch results:")
	fmt.Printf("╭─%4s─┬─%-16s─┬─%-28s─┬─%-44s╮\n", a, b, c, d)
	fmt.Printf("│ %4s │ %-16s │ %-28s │ %-44s│\n", "Line", "Status", "Name", "Outcome")
	fmt.Printf("├─%4s─┼─%-16s─┼─%-28s─┼─%-44s┤\n", a, b, c, d)

	for _, e := range batch.Entries() {
		fmt.Printf("│ %4d │ %-16s │ %-28s │ %-44s│\n",
			e.LineNumber,
			e.Status,
			truncate(e.Name, 28),
			truncate(outcome(e), 44),
		)
	}

	fmt.Printf("╰─%4s─┴─%-16s─┴─%-28s─┴─%-44s╯\n", a, b, c, d)
}

func outcome(e *bulkadd.BulkEntry) string {
	switch e.Status {
	case bulkadd.StatusResolved:
		switch {
		case e.Result.NeighborhoodName != "":
			return fmt.Sprintf("%s (%s)", e.Result.NeighborhoodName, e.Result.Zipcode)
		case e.Result.Zipcode != "":
			return fmt.Sprintf("no neighborhood for %s", e.Result.Zipcode)
		default:
			return "no zipcode in address"
		}
	case bulkadd.StatusError:
		return e.Error
	case bulkadd.StatusRemoved:
		return "skipped"
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n-1]) + "…"
}

func submitBatch(ctx context.Context, batch *bulkadd.Batch) error {
	completed := batch.Completed()
	if len(completed) == 0 {
		return nil
	}

	if bulkDryRun {
		log.Printf("Dry run - would submit %d restaurants", len(completed))

		return nil
	}

	if !bulkSubmit {
		log.Printf("%d restaurants resolved. Rerun with --submit to create them.", len(completed))

		return nil
	}

	report, err := batch.Submit(ctx)
	if err != nil {
		return err
	}

	log.Printf("Submitted %d restaurants - %d added, %d failed", len(completed), report.Added, report.Failed)

	for _, f := range report.Failures {
		log.Printf("  %q rejected - %s", f.Name, f.Reason)
	}

	return nil
}

func init() {
	rootCmd.AddCommand(bulkCmd)
	bulkCmd.PersistentFlags().StringVarP(
		&bulkFile,
		"file",
		"f",
		"",
		"File with one restaurant per line. Reads stdin when omitted",
	)
	bulkCmd.PersistentFlags().StringVar(
		&bulkClientOptions.BaseURL,
		"api",
		"http://localhost:5001",
		"Base URL of the Doof API",
	)
	bulkCmd.PersistentFlags().StringVar(
		&bulkEmail,
		"email",
		"",
		"Admin email to log in with. The password comes from DOOF_ADMIN_PASSWORD",
	)
	bulkCmd.PersistentFlags().BoolVar(
		&bulkTakeFirst,
		"take-first",
		false,
		"Resolve ambiguous entries with the first candidate instead of asking",
	)
	bulkCmd.PersistentFlags().BoolVar(
		&bulkSubmit,
		"submit",
		false,
		"Create the resolved restaurants through the bulk endpoint",
	)
	bulkCmd.PersistentFlags().BoolVar(
		&bulkDryRun,
		"dry-run",
		false,
		"Resolve only, never submit",
	)
	bulkCmd.PersistentFlags().BoolVar(
		&bulkClientOptions.EnableHTTPTrace,
		"trace-http",
		false,
		"Display HTTP requests-responses",
	)
	bulkCmd.PersistentFlags().BoolVar(
		&bulkClientOptions.EnableHTTPBodyTrace,
		"trace-http-body",
		false,
		"Display HTTP requests-responses bodies",
	)
}
