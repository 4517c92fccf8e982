// Package report synthesizes duplicate reports from a completed dedup table.
// Rows are derived views: the table stays the source of truth and is never
// mutated here.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"repost-radar/pkg/dedup"
	"repost-radar/store"
)

// header is the fixed artifact header; field order is stable across versions.
var header = []string{
	"Original Post URL",
	"Original Poster",
	"Original Location",
	"Upload Date",
	"Number of Duplicates",
	"Users Who Reposted",
	"Locations of Reposts",
	"Stolen Reposts",
	"Self-Reposts",
}

// Row is a read-only view over one fingerprint group. Original is the
// chronologically earliest poster, re-derived from timestamps independently
// of which record the table holds as owner.
type Row struct {
	Fingerprint   dedup.Fingerprint
	Original      dedup.Message
	Reposts       []dedup.Message
	StolenReposts int
	SelfReposts   int
}

// Rows derives one row per fingerprint, in the table's iteration order.
func Rows(t *store.Table) []Row {
	fps := t.Fingerprints()
	rows := make([]Row, 0, len(fps))

	for _, fp := range fps {
		entry, ok := t.Entry(fp)
		if !ok {
			continue
		}

		posters := make([]dedup.Message, 0, len(entry.Reposts)+1)
		posters = append(posters, entry.Owner)
		posters = append(posters, entry.Reposts...)
		sort.SliceStable(posters, func(i, j int) bool {
			return posters[i].PostedAt.Before(posters[j].PostedAt)
		})

		row := Row{
			Fingerprint: fp,
			Original:    posters[0],
			Reposts:     posters[1:],
		}
		for _, r := range row.Reposts {
			if dedup.Classify(row.Original, r) == dedup.SelfRepost {
				row.SelfReposts++
			} else {
				row.StolenReposts++
			}
		}
		rows = append(rows, row)
	}

	return rows
}

// Write renders rows as the CSV artifact, preceded by a comment preamble.
// List-valued cells are semicolon-joined.
func Write(w io.Writer, scope string, rows []Row, now time.Time) error {
	preamble := fmt.Sprintf(
		"# Forum Analysis Report\n# Channel ID: %s\n# Analysis performed at: %s UTC\n\n",
		scope, now.UTC().Format("2006-01-02 15:04:05"))
	if _, err := io.WriteString(w, preamble); err != nil {
		return fmt.Errorf("write preamble: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, row := range rows {
		names := make([]string, len(row.Reposts))
		locations := make([]string, len(row.Reposts))
		for i, r := range row.Reposts {
			names[i] = r.AuthorName
			locations[i] = r.Location
		}

		record := []string{
			row.Original.Permalink,
			row.Original.AuthorName,
			row.Original.Location,
			row.Original.PostedAt.UTC().Format("2006-01-02"),
			strconv.Itoa(len(row.Reposts)),
			strings.Join(names, ";"),
			strings.Join(locations, ";"),
			strconv.Itoa(row.StolenReposts),
			strconv.Itoa(row.SelfReposts),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Generate writes the duplicate report artifact for a table into dir and
// returns the artifact path and row count.
func Generate(dir string, t *store.Table, logger *slog.Logger) (string, int, error) {
	rows := Rows(t)

	name := fmt.Sprintf("duplicate_report_%s_%d.csv", t.Scope(), time.Now().UnixMilli())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create report file: %w", err)
	}

	if err := Write(f, t.Scope(), rows, time.Now()); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			logger.Warn("Failed to close report file after error", "error", closeErr)
		}
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close report file: %w", err)
	}

	logger.Info("Report generated", "path", path, "rows", len(rows))
	return path, len(rows), nil
}
