// Package dedup contains the core domain types for duplicate image detection.
package dedup

import "time"

// Fingerprint is the serialized output of the perceptual hash function.
// Two images are considered duplicates iff their fingerprints are identical;
// there is no distance threshold.
type Fingerprint string

// Message is an immutable snapshot of one authored message that carried an
// image. Attachments are boundary data and are never persisted.
type Message struct {
	PostedAt    time.Time    `json:"posted_at"`
	ID          string       `json:"id"`
	Permalink   string       `json:"permalink"`
	AuthorID    string       `json:"author_id"`
	AuthorName  string       `json:"author_name"`
	Location    string       `json:"location"`
	Attachments []Attachment `json:"-"`
}

// Attachment describes one image attachment, validated at the platform
// boundary before it enters the core.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int64
}

// Entry records the ownership state for one fingerprint: the first-detected
// owner and every later posting of the same image, in detection order.
type Entry struct {
	Owner   Message   `json:"owner"`
	Reposts []Message `json:"reposts"`
}

// Role is the outcome of recording a message against a fingerprint.
type Role int

const (
	Original Role = iota
	Duplicate
)

func (r Role) String() string {
	if r == Original {
		return "original"
	}
	return "duplicate"
}

// Classification distinguishes the two kinds of reposts.
type Classification int

const (
	SelfRepost Classification = iota
	StolenRepost
)

func (c Classification) String() string {
	if c == SelfRepost {
		return "self_repost"
	}
	return "stolen_repost"
}

// Classify labels a candidate against the recorded owner of its fingerprint.
// Pure and total: every pair yields exactly one of the two labels.
func Classify(owner, candidate Message) Classification {
	if owner.AuthorID == candidate.AuthorID {
		return SelfRepost
	}
	return StolenRepost
}
