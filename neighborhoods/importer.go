// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package neighborhoods

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"github.com/doofapp/doof/utils/htmlutils"
	"github.com/doofapp/doof/utils/strutil"
)

var (
	errImportNoTable = errors.New("no neighborhood table found")
	errNoZipcodes    = errors.New("no zipcodes in cell")
	errUnknownHeader = errors.New("unknown property for header")
)

// City reference pages put the neighborhood listing in an HTML table. The
// column order varies between cities, so columns are mapped by header text.
type columnProperty int

const (
	propBorough = iota
	propNeighborhood
	propZipcodes
	// used to ignore columns.
	propIgnore
)

func columnPropertyFromString(s string) (columnProperty, error) {
	ns := strutil.LowerASCIIFolding(s)

	for prop, names := range map[columnProperty][]string{
		propBorough: {
			"Borough",
		},
		propNeighborhood: {
			"Neighborhood",
			"Neighborhoods",
			"Neighborhood Name",
		},
		propZipcodes: {
			"ZIP Codes",
			"ZIP Code",
			"Zipcodes",
			"ZIP",
		},
		propIgnore: {
			"Population",
			"Community Board",
		},
	} {
		for _, name := range names {
			if ns == strutil.LowerASCIIFolding(name) {
				return prop, nil
			}
		}
	}

	return 0, fmt.Errorf("%w %q", errUnknownHeader, s)
}

// ImportMetrics tracks statistics about the import process.
type ImportMetrics struct {
	Rows     int
	Imported int
	Skipped  int
}

// Merge combines two ImportMetrics.
func (m *ImportMetrics) Merge(o *ImportMetrics) *ImportMetrics {
	m.Rows += o.Rows
	m.Imported += o.Imported
	m.Skipped += o.Skipped

	return m
}

// Assigns a cell value to the appropriate field based on the column property.
func (record *Record) set(prop columnProperty, s string) error {
	switch prop {
	case propBorough:
		record.Borough = s
	case propNeighborhood:
		record.Name = s
	case propZipcodes:
		zips, err := splitZipcodes(s)
		if err != nil {
			return err
		}

		record.Zipcodes = zips
	case propIgnore:
		// skip
	default:
		return fmt.Errorf("don't know how to handle property %d", prop)
	}

	return nil
}

// Splits a ZIP code cell like "10026, 10027, 10030" into its codes,
// dropping repeated ones.
func splitZipcodes(s string) ([]string, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})

	var zips []string

	seen := make(map[string]bool)

	for _, f := range fields {
		if !zipcodePattern.MatchString(f) {
			return nil, fmt.Errorf("%w: %q", errInvalidZipcode, f)
		}

		if seen[f] {
			continue
		}

		seen[f] = true

		zips = append(zips, f)
	}

	if len(zips) == 0 {
		return nil, errNoZipcodes
	}

	return zips, nil
}

func headerCells(row *html.Node) []*html.Node {
	cells := htmlutils.FindAll(row, "th")
	if len(cells) == 0 {
		cells = htmlutils.FindAll(row, "td")
	}

	return cells
}

// Maps the header row of a table to column properties. Returns false when
// the table isn't a neighborhood listing, e.g. a page layout table.
func mapColumns(table *html.Node) (map[int]columnProperty, bool) {
	rows := htmlutils.FindAll(table, "tr")
	if len(rows) == 0 {
		return nil, false
	}

	columnMap := make(map[int]columnProperty)

	hasName, hasZips := false, false

	for i, cell := range headerCells(rows[0]) {
		prop, err := columnPropertyFromString(htmlutils.Text(cell))
		if err != nil {
			return nil, false
		}

		columnMap[i] = prop

		hasName = hasName || prop == propNeighborhood
		hasZips = hasZips || prop == propZipcodes
	}

	return columnMap, hasName && hasZips
}

// ImportHTML parses a city reference page and returns the neighborhoods
// listed in it. Rows that can't be parsed are skipped and counted, but the
// import fails when too many rows are rejected: that usually means the page
// layout changed, not the data.
func ImportHTML(city *City, r io.Reader) ([]*Record, *ImportMetrics, error) {
	if city == nil {
		return nil, nil, errors.New("city must not be nil")
	}

	node, err := htmlutils.AsNode(r)
	if err != nil {
		return nil, nil, err
	}

	for _, table := range htmlutils.FindAll(node, "table") {
		if columnMap, ok := mapColumns(table); ok {
			return importTable(city, table, columnMap)
		}
	}

	return nil, nil, errImportNoTable
}

const maxSkippedPct = 25.0

func importTable(
	city *City,
	table *html.Node,
	columnMap map[int]columnProperty,
) ([]*Record, *ImportMetrics, error) {
	metrics := &ImportMetrics{}

	var records []*Record

	var firstError error

	// Borough cells usually span several rows, carry the last seen value
	var lastBorough string

	rows := htmlutils.FindAll(table, "tr")

	for _, row := range rows[1:] {
		cells := htmlutils.FindAll(row, "td")
		if len(cells) == 0 {
			// spacer rows and repeated headers
			continue
		}

		metrics.Rows++

		record := &Record{
			CityID:   city.ID,
			CityName: city.Name,
			Borough:  lastBorough,
		}

		offset := 0
		if len(cells) == len(columnMap)-1 {
			offset = 1
		}

		var lastErr error

		for i, cell := range cells {
			prop, exists := columnMap[i+offset]
			if !exists {
				if lastErr == nil {
					lastErr = fmt.Errorf("no property for index %d", i+offset)
				}

				continue
			}

			if err := record.set(prop, htmlutils.Text(cell)); err != nil && lastErr == nil {
				lastErr = err
			}
		}

		if lastErr == nil && record.Borough != "" && len(city.Boroughs) > 0 &&
			!city.HasBorough(record.Borough) {
			lastErr = fmt.Errorf("unknown borough %q for %s", record.Borough, city.Name)
		}

		if lastErr == nil {
			lastErr = record.Validate()
		}

		if lastErr != nil {
			metrics.Skipped++

			if firstError == nil {
				firstError = lastErr
			}

			continue
		}

		lastBorough = record.Borough
		records = append(records, record)
		metrics.Imported++
	}

	if metrics.Imported == 0 {
		if firstError != nil {
			return nil, metrics, fmt.Errorf("no rows imported: %w", firstError)
		}

		return nil, metrics, errImportNoTable
	}

	if pct := float64(metrics.Skipped) / float64(metrics.Rows) * 100.0; pct > maxSkippedPct {
		return nil, metrics, fmt.Errorf("too many rejected rows - %2.f%%: for example: %w", pct, firstError)
	}

	return records, metrics, nil
}
