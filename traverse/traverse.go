// Package traverse walks a paginated message history newest-first and
// records image fingerprints into a dedup table.
package traverse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"repost-radar/pkg/dedup"
	"repost-radar/store"
)

const (
	// PageSize is the fixed history page size.
	PageSize = 100
	// DefaultBudget bounds one traversal's wall-clock time; exceeding it is
	// treated identically to cancellation.
	DefaultBudget = 2 * time.Hour

	progressEvery     = 100
	pageFetchAttempts = 5
)

// ScopeAccessError indicates the scope is unreachable or the caller lacks
// permission to read it. Fatal for a traversal run.
type ScopeAccessError struct {
	Scope string
	Err   error
}

func (e *ScopeAccessError) Error() string {
	return fmt.Sprintf("access scope %s: %v", e.Scope, e.Err)
}

func (e *ScopeAccessError) Unwrap() error { return e.Err }

// IsScopeAccessError checks if an error is a fatal scope access failure.
func IsScopeAccessError(err error) bool {
	var se *ScopeAccessError
	return errors.As(err, &se)
}

// Source yields message records page by page, newest first. An empty page is
// the sole termination signal.
type Source interface {
	FetchPage(ctx context.Context, beforeCursor string, limit int) ([]dedup.Message, error)
}

// Hasher computes an image fingerprint for an attachment URL.
type Hasher interface {
	Fingerprint(ctx context.Context, url string) (dedup.Fingerprint, error)
}

// SnapshotStore persists the table at page boundaries.
type SnapshotStore interface {
	Save(ctx context.Context, t *store.Table) error
}

// Event describes one detected duplicate.
type Event struct {
	Fingerprint dedup.Fingerprint
	Owner       dedup.Message
	Candidate   dedup.Message
	Kind        dedup.Classification
}

// Progress is a point-in-time traversal status snapshot, delivered every
// hundred messages and on page completion.
type Progress struct {
	ProcessedMessages int
	TotalMessages     int // 0 when unknown
	ProcessedImages   int
	DuplicatesFound   int
	Elapsed           time.Duration
}

// Result summarizes one traversal run.
type Result struct {
	RunID              string
	FinalCursor        string
	ProcessedMessages  int
	ProcessedImages    int
	DuplicatesFound    int
	SkippedAttachments int
	Cancelled          bool
	Elapsed            time.Duration
}

// Traversal states. Retry and cancellation points sit on the transitions
// between them.
type state int

const (
	stateFetching state = iota
	stateProcessing
	stateFlushing
	stateDone
	stateCancelled
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateFetching:
		return "fetching_page"
	case stateProcessing:
		return "processing_message"
	case stateFlushing:
		return "flushing"
	case stateDone:
		return "done"
	case stateCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Engine walks one scope's history to completion, budget exhaustion, or
// cancellation. The Table is exclusively owned by this engine while a run is
// active; concurrent runs over the same scope must be serialized by the
// caller.
type Engine struct {
	Source   Source
	Hasher   Hasher
	Table    *store.Table
	Store    SnapshotStore // optional; nil disables flushing
	Eligible func(dedup.Attachment) bool
	Logger   *slog.Logger

	PageSize      int           // defaults to PageSize
	Budget        time.Duration // defaults to DefaultBudget
	TotalMessages int           // optional, for progress display
	Limiter       *rate.Limiter // optional page fetch throttle

	OnProgress  func(Progress)
	OnDuplicate func(Event)
	GCHint      func() // optional best-effort hint, called after each page
}

// Run traverses the scope starting below resumeCursor ("" starts at the
// newest message). Per-attachment errors are swallowed and counted; page and
// scope errors surface in the returned error alongside a partial Result.
func (e *Engine) Run(ctx context.Context, resumeCursor string) (Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := e.PageSize
	if pageSize <= 0 {
		pageSize = PageSize
	}
	budget := e.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	res := Result{RunID: uuid.New().String(), FinalCursor: resumeCursor}
	start := time.Now()
	cursor := resumeCursor

	logger.Info("Traversal starting",
		"run_id", res.RunID,
		"scope", e.Table.Scope(),
		"resume_cursor", resumeCursor,
		"page_size", pageSize,
		"budget", budget.String())

	var (
		page      []dedup.Message
		st        = stateFetching
		flushThen state
		runErr    error
	)

	for {
		logger.Debug("Traversal state", "run_id", res.RunID, "state", st.String(), "cursor", cursor)

		switch st {
		case stateFetching:
			var err error
			page, err = e.fetchPage(runCtx, logger, cursor, pageSize)
			switch {
			case err != nil && IsScopeAccessError(err):
				runErr = err
				st = stateFailed
			case err != nil && runCtx.Err() != nil:
				st = stateFlushing
				flushThen = stateCancelled
			case err != nil:
				runErr = fmt.Errorf("fetch page: %w", err)
				st = stateFailed
			case len(page) == 0:
				st = stateFlushing
				flushThen = stateDone
			default:
				st = stateProcessing
			}

		case stateProcessing:
			cancelled := e.processPage(runCtx, logger, page, &res, start)
			// The cursor only covers processed messages; a cancellation
			// mid-page leaves it at the last completed one so a resume
			// picks up the rest of the page.
			cursor = res.FinalCursor

			// Release page-local buffers before the optional GC hint;
			// correctness never depends on the hint running.
			page = nil
			if e.GCHint != nil {
				e.GCHint()
			}

			e.reportProgress(start, &res)
			st = stateFlushing
			if cancelled {
				flushThen = stateCancelled
			} else {
				flushThen = stateFetching
			}

		case stateFlushing:
			if err := e.flush(ctx); err != nil {
				runErr = err
				st = stateFailed
			} else {
				st = flushThen
			}

		case stateDone:
			res.Elapsed = time.Since(start)
			e.reportProgress(start, &res)
			logger.Info("Traversal completed",
				"run_id", res.RunID,
				"scope", e.Table.Scope(),
				"processed_messages", res.ProcessedMessages,
				"processed_images", res.ProcessedImages,
				"duplicates_found", res.DuplicatesFound,
				"skipped_attachments", res.SkippedAttachments,
				"final_cursor", res.FinalCursor,
				"elapsed", res.Elapsed.String())
			return res, nil

		case stateCancelled:
			res.Cancelled = true
			res.Elapsed = time.Since(start)
			e.reportProgress(start, &res)
			logger.Info("Traversal cancelled",
				"run_id", res.RunID,
				"scope", e.Table.Scope(),
				"processed_messages", res.ProcessedMessages,
				"duplicates_found", res.DuplicatesFound,
				"final_cursor", res.FinalCursor)
			return res, nil

		case stateFailed:
			res.Elapsed = time.Since(start)
			logger.Error("Traversal failed",
				"run_id", res.RunID,
				"scope", e.Table.Scope(),
				"processed_messages", res.ProcessedMessages,
				"error", runErr)
			return res, runErr
		}
	}
}

// fetchPage requests one history page, retrying transient failures against
// the same cursor. Scope access failures are not retried.
func (e *Engine) fetchPage(ctx context.Context, logger *slog.Logger, cursor string, limit int) ([]dedup.Message, error) {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var page []dedup.Message
	var fatal error
	err := retry.Do(
		func() error {
			msgs, err := e.Source.FetchPage(ctx, cursor, limit)
			if err != nil {
				if IsScopeAccessError(err) {
					fatal = err
					return retry.Unrecoverable(err)
				}
				return err
			}
			page = msgs
			return nil
		},
		retry.Attempts(pageFetchAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Page fetch failed, retrying from last good cursor",
				"attempt", n, "cursor", cursor, "error", err)
		}),
	)
	if err != nil {
		if fatal != nil {
			return nil, fatal
		}
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return page, nil
}

// processPage handles every message on a page in order. Returns true when
// cancellation was observed; the in-flight message is always completed first.
func (e *Engine) processPage(ctx context.Context, logger *slog.Logger, page []dedup.Message, res *Result, start time.Time) bool {
	for _, msg := range page {
		select {
		case <-ctx.Done():
			logger.Info("Cancellation observed between messages", "message_id", msg.ID)
			return true
		default:
		}

		e.processMessage(ctx, logger, msg, res)
		res.ProcessedMessages++
		res.FinalCursor = msg.ID

		if res.ProcessedMessages%progressEvery == 0 {
			e.reportProgress(start, res)
		}
	}
	return false
}

func (e *Engine) processMessage(ctx context.Context, logger *slog.Logger, msg dedup.Message, res *Result) {
	for _, att := range msg.Attachments {
		if e.Eligible != nil && !e.Eligible(att) {
			continue
		}
		res.ProcessedImages++

		fp, err := e.Hasher.Fingerprint(ctx, att.URL)
		if err != nil {
			// Never fatal: record and continue with the next attachment.
			res.SkippedAttachments++
			logger.Warn("Attachment fingerprint failed, skipping",
				"message_id", msg.ID,
				"url", att.URL,
				"error", err)
			continue
		}

		role, entry := e.Table.Upsert(fp, msg)
		if role != dedup.Duplicate {
			logger.Debug("New image recorded", "message_id", msg.ID, "fingerprint", fp)
			continue
		}

		res.DuplicatesFound++
		kind := dedup.Classify(entry.Owner, msg)
		logger.Info("Duplicate found",
			"fingerprint", fp,
			"owner_message_id", entry.Owner.ID,
			"candidate_message_id", msg.ID,
			"kind", kind.String())
		if e.OnDuplicate != nil {
			e.OnDuplicate(Event{Fingerprint: fp, Owner: entry.Owner, Candidate: msg, Kind: kind})
		}
	}
}

// flush persists pending table mutations. Runs detached from cancellation so
// the final flush of a cancelled traversal still lands.
func (e *Engine) flush(ctx context.Context) error {
	if e.Store == nil || !e.Table.Dirty() {
		return nil
	}
	if err := e.Store.Save(context.WithoutCancel(ctx), e.Table); err != nil {
		return fmt.Errorf("flush table: %w", err)
	}
	return nil
}

func (e *Engine) reportProgress(start time.Time, res *Result) {
	if e.OnProgress == nil {
		return
	}
	e.OnProgress(Progress{
		ProcessedMessages: res.ProcessedMessages,
		TotalMessages:     e.TotalMessages,
		ProcessedImages:   res.ProcessedImages,
		DuplicatesFound:   res.DuplicatesFound,
		Elapsed:           time.Since(start),
	})
}
