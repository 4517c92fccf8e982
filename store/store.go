// Package store implements the fingerprint-indexed ownership table and its
// snapshot persistence. Snapshots live in a local directory during
// development or a Cloud Storage bucket in production, one JSON file per
// scope.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"repost-radar/pkg/dedup"
)

// PersistenceError reports a failed snapshot write or read. The in-memory
// table is preserved, so the caller can retry the flush.
type PersistenceError struct {
	Scope string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist scope %s: %v", e.Scope, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError checks if an error came from snapshot persistence.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// cursorState is the persisted resume point for one scope's traversal.
type cursorState struct {
	UpdatedAt time.Time `json:"updated_at"`
	Scope     string    `json:"scope"`
	Cursor    string    `json:"cursor"`
}

// Store handles snapshot persistence for dedup tables.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a storage handler. client and bucket select the Cloud Storage
// backend; a non-empty localPath selects the local filesystem instead.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		bucket:    bucket,
		localPath: localPath,
		logger:    logger,
	}
}

// snapshotKey generates a stable filename from a scope identifier.
// Scopes are platform snowflakes; anything but plain digits is rejected to
// prevent path traversal.
func snapshotKey(scope string) string {
	if !validScope(scope) {
		return ""
	}
	return fmt.Sprintf("hashtable_%s.json", scope)
}

// cursorKey generates the resume-cursor filename for a scope.
func cursorKey(scope string) string {
	if !validScope(scope) {
		return ""
	}
	return fmt.Sprintf("cursor_%s.json", scope)
}

func validScope(scope string) bool {
	if scope == "" || len(scope) > 32 {
		return false
	}
	for _, c := range scope {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Save flushes a table to its scope's snapshot. Partial writes never leave
// the snapshot structurally invalid: local writes go through a temp file and
// rename, bucket writes are atomic on Close.
func (s *Store) Save(ctx context.Context, t *Table) error {
	key := snapshotKey(t.Scope())
	if key == "" {
		return &PersistenceError{Scope: t.Scope(), Err: errors.New("invalid scope format")}
	}
	s.logger.Debug("Saving snapshot", "key", key, "scope", t.Scope(), "entries", t.Len())

	data, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return &PersistenceError{Scope: t.Scope(), Err: fmt.Errorf("marshal snapshot: %w", err)}
	}

	if err := s.write(ctx, key, data); err != nil {
		return &PersistenceError{Scope: t.Scope(), Err: err}
	}

	t.markClean()
	s.logger.Info("Snapshot saved", "key", key, "scope", t.Scope(), "entries", t.Len())
	return nil
}

// Load reconstructs a table from its scope's snapshot. A missing snapshot is
// equivalent to an empty store, not an error.
func (s *Store) Load(ctx context.Context, scope string) (*Table, error) {
	key := snapshotKey(scope)
	if key == "" {
		return nil, &PersistenceError{Scope: scope, Err: errors.New("invalid scope format")}
	}

	data, err := s.read(ctx, key)
	if err != nil {
		if isNotFound(err) {
			s.logger.Info("No existing snapshot for scope, starting empty", "scope", scope)
			return NewTable(scope), nil
		}
		return nil, &PersistenceError{Scope: scope, Err: err}
	}

	entries := make(map[dedup.Fingerprint]*dedup.Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &PersistenceError{Scope: scope, Err: fmt.Errorf("unmarshal snapshot: %w", err)}
	}

	t := NewTable(scope)
	t.entries = entries
	for fp := range entries {
		t.order = append(t.order, fp)
	}
	// Insertion order is lost in the snapshot; lexicographic order keeps
	// report output deterministic after a reload.
	sortFingerprints(t.order)

	s.logger.Info("Snapshot loaded", "scope", scope, "entries", t.Len())
	return t, nil
}

// SaveCursor persists the resume point for a scope's traversal.
func (s *Store) SaveCursor(ctx context.Context, scope, cursor string) error {
	key := cursorKey(scope)
	if key == "" {
		return &PersistenceError{Scope: scope, Err: errors.New("invalid scope format")}
	}

	data, err := json.MarshalIndent(cursorState{
		Scope:     scope,
		Cursor:    cursor,
		UpdatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return &PersistenceError{Scope: scope, Err: fmt.Errorf("marshal cursor: %w", err)}
	}

	if err := s.write(ctx, key, data); err != nil {
		return &PersistenceError{Scope: scope, Err: err}
	}

	s.logger.Info("Cursor saved", "scope", scope, "cursor", cursor)
	return nil
}

// LoadCursor returns the persisted resume point for a scope, or "" when no
// cursor has been saved yet.
func (s *Store) LoadCursor(ctx context.Context, scope string) (string, error) {
	key := cursorKey(scope)
	if key == "" {
		return "", &PersistenceError{Scope: scope, Err: errors.New("invalid scope format")}
	}

	data, err := s.read(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", &PersistenceError{Scope: scope, Err: err}
	}

	var st cursorState
	if err := json.Unmarshal(data, &st); err != nil {
		return "", &PersistenceError{Scope: scope, Err: fmt.Errorf("unmarshal cursor: %w", err)}
	}
	return st.Cursor, nil
}

// Scopes lists every scope with a persisted snapshot, sorted.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("list local storage: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				keys = append(keys, e.Name())
			}
		}
	} else {
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: "hashtable_"})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("list bucket objects: %w", err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	var scopes []string
	for _, key := range keys {
		scope := strings.TrimSuffix(strings.TrimPrefix(key, "hashtable_"), ".json")
		if scope != key && validScope(scope) {
			scopes = append(scopes, scope)
		}
	}
	slices.Sort(scopes)
	return scopes, nil
}

var errObjectNotFound = errors.New("store: object doesn't exist")

func isNotFound(err error) bool {
	return errors.Is(err, errObjectNotFound) || errors.Is(err, storage.ErrObjectNotExist)
}

func (s *Store) write(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		tmpPath := filePath + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			return fmt.Errorf("rename into place: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		data, err := os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errObjectNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var readData []byte
	var notFound bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			readData, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if notFound {
			return nil, errObjectNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return readData, nil
}
