package traverse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"repost-radar/pkg/dedup"
	"repost-radar/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(id, author string, ts int64, urls ...string) dedup.Message {
	m := dedup.Message{
		ID:         id,
		AuthorID:   author,
		AuthorName: author,
		PostedAt:   time.Unix(ts, 0).UTC(),
	}
	for _, u := range urls {
		m.Attachments = append(m.Attachments, dedup.Attachment{
			URL:         u,
			ContentType: "image/png",
			Size:        1024,
		})
	}
	return m
}

// fakeSource serves a fixed sequence of pages, then empty pages forever.
type fakeSource struct {
	pages   [][]dedup.Message
	calls   int
	cursors []string
	errs    map[int]error // call index -> error to return
}

func (f *fakeSource) FetchPage(_ context.Context, beforeCursor string, _ int) ([]dedup.Message, error) {
	call := f.calls
	f.calls++
	f.cursors = append(f.cursors, beforeCursor)
	if err, ok := f.errs[call]; ok {
		return nil, err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

// fakeHasher maps attachment URLs to fingerprints, failing for URLs in bad.
type fakeHasher struct {
	fingerprints map[string]dedup.Fingerprint
	bad          map[string]bool
}

func (f *fakeHasher) Fingerprint(_ context.Context, url string) (dedup.Fingerprint, error) {
	if f.bad[url] {
		return "", fmt.Errorf("decode image: corrupt data at %s", url)
	}
	fp, ok := f.fingerprints[url]
	if !ok {
		return dedup.Fingerprint("fp:" + url), nil
	}
	return fp, nil
}

type fakeStore struct {
	saves int
	err   error
}

func (f *fakeStore) Save(_ context.Context, _ *store.Table) error {
	f.saves++
	return f.err
}

func TestRunSinglePage(t *testing.T) {
	// One page, three messages: A posts an image at t=100, B posts the
	// same image at t=50, A posts a different image at t=200.
	src := &fakeSource{pages: [][]dedup.Message{{
		msg("m1", "A", 100, "img1"),
		msg("m2", "B", 50, "img1-copy"),
		msg("m3", "A", 200, "img2"),
	}}}
	hasher := &fakeHasher{fingerprints: map[string]dedup.Fingerprint{
		"img1":      "h1",
		"img1-copy": "h1",
		"img2":      "h2",
	}}
	tbl := store.NewTable("123")
	snapshots := &fakeStore{}

	var events []Event
	eng := &Engine{
		Source:      src,
		Hasher:      hasher,
		Table:       tbl,
		Store:       snapshots,
		Logger:      testLogger(),
		OnDuplicate: func(ev Event) { events = append(events, ev) },
	}

	res, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.ProcessedMessages != 3 {
		t.Errorf("ProcessedMessages = %d, want 3", res.ProcessedMessages)
	}
	if res.ProcessedImages != 3 {
		t.Errorf("ProcessedImages = %d, want 3", res.ProcessedImages)
	}
	if res.DuplicatesFound != 1 {
		t.Errorf("DuplicatesFound = %d, want 1", res.DuplicatesFound)
	}
	if res.Cancelled {
		t.Error("Cancelled = true, want false")
	}
	if res.FinalCursor != "m3" {
		t.Errorf("FinalCursor = %q, want %q", res.FinalCursor, "m3")
	}

	// Detection order decides ownership: m1 was seen first, so it owns h1
	// even though m2 carries an earlier timestamp.
	entry, ok := tbl.Entry("h1")
	if !ok {
		t.Fatal("entry h1 missing")
	}
	if entry.Owner.ID != "m1" {
		t.Errorf("owner of h1 = %q, want m1", entry.Owner.ID)
	}
	if len(entry.Reposts) != 1 || entry.Reposts[0].ID != "m2" {
		t.Errorf("reposts of h1 = %+v, want [m2]", entry.Reposts)
	}

	if len(events) != 1 {
		t.Fatalf("got %d duplicate events, want 1", len(events))
	}
	if events[0].Kind != dedup.StolenRepost {
		t.Errorf("event kind = %v, want StolenRepost", events[0].Kind)
	}
	if events[0].Owner.ID != "m1" || events[0].Candidate.ID != "m2" {
		t.Errorf("event owner/candidate = %s/%s, want m1/m2", events[0].Owner.ID, events[0].Candidate.ID)
	}

	if snapshots.saves == 0 {
		t.Error("expected at least one flush")
	}
}

func TestRunEmptyHistory(t *testing.T) {
	src := &fakeSource{}
	tbl := store.NewTable("123")
	snapshots := &fakeStore{}

	eng := &Engine{
		Source: src,
		Hasher: &fakeHasher{},
		Table:  tbl,
		Store:  snapshots,
		Logger: testLogger(),
	}

	res, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ProcessedMessages != 0 || res.ProcessedImages != 0 || res.DuplicatesFound != 0 {
		t.Errorf("empty history result = %+v, want all zero counts", res)
	}
	if tbl.Len() != 0 {
		t.Error("empty history mutated the table")
	}
	if snapshots.saves != 0 {
		t.Error("empty history flushed a clean table")
	}
}

func TestRunSameImageTwiceInOneMessage(t *testing.T) {
	// One message carrying two copies of the same image must not be
	// recorded as a duplicate of itself.
	src := &fakeSource{pages: [][]dedup.Message{{
		msg("m1", "A", 100, "img", "img-again"),
	}}}
	hasher := &fakeHasher{fingerprints: map[string]dedup.Fingerprint{
		"img":       "h1",
		"img-again": "h1",
	}}
	tbl := store.NewTable("123")

	var events []Event
	eng := &Engine{
		Source:      src,
		Hasher:      hasher,
		Table:       tbl,
		Logger:      testLogger(),
		OnDuplicate: func(ev Event) { events = append(events, ev) },
	}

	res, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.DuplicatesFound != 0 {
		t.Errorf("DuplicatesFound = %d, want 0", res.DuplicatesFound)
	}
	if len(events) != 0 {
		t.Errorf("got %d duplicate events, want 0", len(events))
	}

	entry, ok := tbl.Entry("h1")
	if !ok {
		t.Fatal("entry h1 missing")
	}
	if entry.Owner.ID != "m1" {
		t.Errorf("owner = %q, want m1", entry.Owner.ID)
	}
	if len(entry.Reposts) != 0 {
		t.Errorf("reposts = %+v, want none (a message is never its own repost)", entry.Reposts)
	}
}

func TestRunAttachmentFailureIsNotFatal(t *testing.T) {
	src := &fakeSource{pages: [][]dedup.Message{{
		msg("m1", "A", 100, "good", "broken"),
	}}}
	hasher := &fakeHasher{bad: map[string]bool{"broken": true}}
	tbl := store.NewTable("123")

	eng := &Engine{
		Source: src,
		Hasher: hasher,
		Table:  tbl,
		Logger: testLogger(),
	}

	res, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ProcessedMessages != 1 {
		t.Errorf("ProcessedMessages = %d, want 1", res.ProcessedMessages)
	}
	if res.SkippedAttachments != 1 {
		t.Errorf("SkippedAttachments = %d, want 1", res.SkippedAttachments)
	}
	// The good attachment was still fingerprinted.
	if tbl.Len() != 1 {
		t.Errorf("table entries = %d, want 1", tbl.Len())
	}
}

func TestRunIneligibleAttachmentsSkipped(t *testing.T) {
	src := &fakeSource{pages: [][]dedup.Message{{
		msg("m1", "A", 100, "img1", "img2"),
	}}}
	tbl := store.NewTable("123")

	eng := &Engine{
		Source:   src,
		Hasher:   &fakeHasher{},
		Table:    tbl,
		Logger:   testLogger(),
		Eligible: func(att dedup.Attachment) bool { return att.URL == "img1" },
	}

	res, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ProcessedImages != 1 {
		t.Errorf("ProcessedImages = %d, want 1 (ineligible attachment not counted)", res.ProcessedImages)
	}
	if tbl.Len() != 1 {
		t.Errorf("table entries = %d, want 1", tbl.Len())
	}
}

func TestRunCursorAdvancesAcrossPages(t *testing.T) {
	src := &fakeSource{pages: [][]dedup.Message{
		{msg("m1", "A", 300, "a"), msg("m2", "B", 200, "b")},
		{msg("m3", "C", 100, "c")},
	}}
	tbl := store.NewTable("123")

	eng := &Engine{
		Source: src,
		Hasher: &fakeHasher{},
		Table:  tbl,
		Logger: testLogger(),
	}

	res, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Each fetch passes the last message ID of the previous page.
	want := []string{"", "m2", "m3"}
	if len(src.cursors) != len(want) {
		t.Fatalf("got %d fetches (%v), want %d", len(src.cursors), src.cursors, len(want))
	}
	for i := range want {
		if src.cursors[i] != want[i] {
			t.Errorf("fetch %d cursor = %q, want %q", i, src.cursors[i], want[i])
		}
	}
	if res.FinalCursor != "m3" {
		t.Errorf("FinalCursor = %q, want m3", res.FinalCursor)
	}
	if res.ProcessedMessages != 3 {
		t.Errorf("ProcessedMessages = %d, want 3", res.ProcessedMessages)
	}
}

func TestRunResumeFromCursor(t *testing.T) {
	// A resumed run over a fully processed history fetches below the saved
	// cursor, sees nothing, and leaves every count at zero.
	src := &fakeSource{}
	tbl := store.NewTable("123")

	eng := &Engine{
		Source: src,
		Hasher: &fakeHasher{},
		Table:  tbl,
		Logger: testLogger(),
	}

	res, err := eng.Run(context.Background(), "m99")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if src.cursors[0] != "m99" {
		t.Errorf("first fetch cursor = %q, want m99", src.cursors[0])
	}
	if res.ProcessedMessages != 0 {
		t.Errorf("ProcessedMessages = %d, want 0", res.ProcessedMessages)
	}
	if res.FinalCursor != "m99" {
		t.Errorf("FinalCursor = %q, want m99 (unchanged)", res.FinalCursor)
	}
}

func TestRunTransientFetchErrorRetried(t *testing.T) {
	src := &fakeSource{
		pages: [][]dedup.Message{{msg("m1", "A", 100, "a")}},
		errs:  map[int]error{0: errors.New("connection reset")},
	}
	tbl := store.NewTable("123")

	eng := &Engine{
		Source: src,
		Hasher: &fakeHasher{},
		Table:  tbl,
		Logger: testLogger(),
	}

	res, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() error = %v, want transparent retry", err)
	}
	if res.ProcessedMessages != 1 {
		t.Errorf("ProcessedMessages = %d, want 1", res.ProcessedMessages)
	}
	// Retry re-issues the same cursor.
	if src.cursors[0] != "" || src.cursors[1] != "" {
		t.Errorf("retry cursors = %v, want same cursor twice", src.cursors[:2])
	}
}

func TestRunScopeAccessErrorIsFatal(t *testing.T) {
	src := &fakeSource{
		errs: map[int]error{0: &ScopeAccessError{Scope: "123", Err: errors.New("missing access")}},
	}
	tbl := store.NewTable("123")

	eng := &Engine{
		Source: src,
		Hasher: &fakeHasher{},
		Table:  tbl,
		Logger: testLogger(),
	}

	_, err := eng.Run(context.Background(), "")
	if err == nil {
		t.Fatal("Run() error = nil, want scope access failure")
	}
	if !IsScopeAccessError(err) {
		t.Errorf("error = %v, want ScopeAccessError", err)
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1 (no retry on access errors)", src.calls)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	src := &fakeSource{pages: [][]dedup.Message{{
		msg("m1", "A", 100, "a"),
		msg("m2", "B", 200, "b"),
		msg("m3", "C", 300, "c"),
	}}}
	tbl := store.NewTable("123")
	snapshots := &fakeStore{}

	eng := &Engine{
		Source: src,
		Hasher: &fakeHasher{},
		Table:  tbl,
		Store:  snapshots,
		Logger: testLogger(),
	}
	// Cancel as soon as the first hash runs; the in-flight message still
	// completes.
	first := true
	eng.Hasher = hashFunc(func(ctx context.Context, url string) (dedup.Fingerprint, error) {
		if first {
			first = false
			cancel()
		}
		return dedup.Fingerprint("fp:" + url), nil
	})

	res, err := eng.Run(ctx, "")
	if err != nil {
		t.Fatalf("Run() error = %v, want graceful cancellation", err)
	}
	if !res.Cancelled {
		t.Error("Cancelled = false, want true")
	}
	if res.ProcessedMessages != 1 {
		t.Errorf("ProcessedMessages = %d, want 1 (in-flight message completed)", res.ProcessedMessages)
	}
	if tbl.Len() != 1 {
		t.Errorf("table entries = %d, want 1", tbl.Len())
	}
	if snapshots.saves != 1 {
		t.Errorf("flushes = %d, want 1 (final flush on cancellation)", snapshots.saves)
	}
	// The cursor stops at the last processed message, not the page end, so
	// a resume still covers the interrupted tail of the page.
	if res.FinalCursor != "m1" {
		t.Errorf("FinalCursor = %q, want m1 (last processed message)", res.FinalCursor)
	}
}

func TestRunFlushErrorSurfaces(t *testing.T) {
	src := &fakeSource{pages: [][]dedup.Message{{msg("m1", "A", 100, "a")}}}
	tbl := store.NewTable("123")
	snapshots := &fakeStore{err: errors.New("bucket unavailable")}

	eng := &Engine{
		Source: src,
		Hasher: &fakeHasher{},
		Table:  tbl,
		Store:  snapshots,
		Logger: testLogger(),
	}

	res, err := eng.Run(context.Background(), "")
	if err == nil {
		t.Fatal("Run() error = nil, want flush failure")
	}
	// Memory state survives the failed flush.
	if tbl.Len() != 1 {
		t.Errorf("table entries after failed flush = %d, want 1", tbl.Len())
	}
	if res.ProcessedMessages != 1 {
		t.Errorf("partial result ProcessedMessages = %d, want 1", res.ProcessedMessages)
	}
}

func TestRunProgressReported(t *testing.T) {
	var msgs []dedup.Message
	for i := range 150 {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), "A", int64(i)))
	}
	src := &fakeSource{pages: [][]dedup.Message{msgs[:100], msgs[100:]}}
	tbl := store.NewTable("123")

	var reports []Progress
	eng := &Engine{
		Source:        src,
		Hasher:        &fakeHasher{},
		Table:         tbl,
		Logger:        testLogger(),
		TotalMessages: 150,
		OnProgress:    func(p Progress) { reports = append(reports, p) },
	}

	if _, err := eng.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(reports) == 0 {
		t.Fatal("no progress reports delivered")
	}
	final := reports[len(reports)-1]
	if final.ProcessedMessages != 150 {
		t.Errorf("final progress ProcessedMessages = %d, want 150", final.ProcessedMessages)
	}
	if final.TotalMessages != 150 {
		t.Errorf("final progress TotalMessages = %d, want 150", final.TotalMessages)
	}
}

// hashFunc adapts a function to the Hasher interface.
type hashFunc func(ctx context.Context, url string) (dedup.Fingerprint, error)

func (f hashFunc) Fingerprint(ctx context.Context, url string) (dedup.Fingerprint, error) {
	return f(ctx, url)
}
