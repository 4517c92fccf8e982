package discord

import (
	"strings"
	"testing"
	"time"

	"repost-radar/traverse"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{42 * time.Second, "00:42"},
		{5*time.Minute + 7*time.Second, "05:07"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
		{25 * time.Hour, "25:00:00"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.d); got != tt.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		fraction float64
		filled   int
	}{
		{0, 0},
		{0.5, 10},
		{1, 20},
		{-0.5, 0}, // clamped
		{1.5, 20}, // clamped
		{0.999, 19},
	}
	for _, tt := range tests {
		bar := progressBar(tt.fraction)
		if got := strings.Count(bar, "█"); got != tt.filled {
			t.Errorf("progressBar(%v) filled = %d, want %d", tt.fraction, got, tt.filled)
		}
		if got := strings.Count(bar, "█") + strings.Count(bar, "░"); got != barLength {
			t.Errorf("progressBar(%v) length = %d, want %d", tt.fraction, got, barLength)
		}
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		if got := formatCount(tt.n); got != tt.want {
			t.Errorf("formatCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestProgressText(t *testing.T) {
	p := traverse.Progress{
		ProcessedMessages: 5000,
		TotalMessages:     10000,
		ProcessedImages:   1200,
		DuplicatesFound:   34,
		Elapsed:           90 * time.Second,
	}

	out := progressText(p, "trip-reports")
	for _, want := range []string{
		"50.0%",
		"5,000 / 10,000",
		"Images processed: 1,200",
		"Duplicates found: 34",
		"Current post: trip-reports",
		"Time elapsed: 01:30",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("progressText missing %q:\n%s", want, out)
		}
	}
}

func TestProgressTextUnknownTotal(t *testing.T) {
	p := traverse.Progress{ProcessedMessages: 250, Elapsed: time.Minute}

	out := progressText(p, "")
	if !strings.Contains(out, "Messages processed: 250") {
		t.Errorf("progressText missing plain count:\n%s", out)
	}
	if strings.Contains(out, "%") {
		t.Errorf("progressText should omit percentage when total unknown:\n%s", out)
	}
	if strings.Contains(out, "Current post") {
		t.Errorf("progressText should omit current post when empty:\n%s", out)
	}
}
