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
	"time"
)

var authorHeader = []string{
	"Username",
	"Total Reposts",
	"Self Reposts",
	"Stolen Reposts",
	"Times Been Reposted",
	"Repost Ratio",
}

// AuthorStats aggregates repost behavior for one author across all rows.
// VictimOf counts how often this author's originals were stolen by others.
type AuthorStats struct {
	AuthorID      string
	AuthorName    string
	TotalReposts  int
	SelfReposts   int
	StolenReposts int
	VictimOf      int
}

// Authors folds rows into per-author statistics, ordered by total reposts
// descending, then by name for determinism.
func Authors(rows []Row) []AuthorStats {
	byID := make(map[string]*AuthorStats)
	get := func(id, name string) *AuthorStats {
		if s, ok := byID[id]; ok {
			return s
		}
		s := &AuthorStats{AuthorID: id, AuthorName: name}
		byID[id] = s
		return s
	}

	for _, row := range rows {
		for _, r := range row.Reposts {
			s := get(r.AuthorID, r.AuthorName)
			s.TotalReposts++
			if r.AuthorID == row.Original.AuthorID {
				s.SelfReposts++
			} else {
				s.StolenReposts++
				get(row.Original.AuthorID, row.Original.AuthorName).VictimOf++
			}
		}
	}

	stats := make([]AuthorStats, 0, len(byID))
	for _, s := range byID {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalReposts != stats[j].TotalReposts {
			return stats[i].TotalReposts > stats[j].TotalReposts
		}
		return stats[i].AuthorName < stats[j].AuthorName
	})
	return stats
}

// WriteAuthors renders per-author statistics as CSV.
func WriteAuthors(w io.Writer, stats []AuthorStats) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(authorHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, s := range stats {
		ratio := "0.00"
		if s.TotalReposts > 0 {
			ratio = strconv.FormatFloat(float64(s.StolenReposts)/float64(s.TotalReposts), 'f', 2, 64)
		}
		record := []string{
			s.AuthorName,
			strconv.Itoa(s.TotalReposts),
			strconv.Itoa(s.SelfReposts),
			strconv.Itoa(s.StolenReposts),
			strconv.Itoa(s.VictimOf),
			ratio,
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

// GenerateAuthors writes the per-author artifact for a set of rows.
func GenerateAuthors(dir, scope string, rows []Row, logger *slog.Logger) (string, error) {
	stats := Authors(rows)

	name := fmt.Sprintf("author_report_%s_%d.csv", scope, time.Now().UnixMilli())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}

	if err := WriteAuthors(f, stats); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			logger.Warn("Failed to close report file after error", "error", closeErr)
		}
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close report file: %w", err)
	}

	logger.Info("Author report generated", "path", path, "authors", len(stats))
	return path, nil
}
