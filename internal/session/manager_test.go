package session

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/docfold/docfold/internal/engine"
	"github.com/docfold/docfold/internal/pdftest"
	"github.com/docfold/docfold/internal/quota"
	"github.com/docfold/docfold/internal/stage"
	"github.com/docfold/docfold/internal/storage"
	"github.com/docfold/docfold/internal/storage/bolt"
	"github.com/docfold/docfold/internal/transport"
)

type fakeNotifier struct {
	mu    sync.Mutex
	notes []transport.Notification
}

func (f *fakeNotifier) Notify(n transport.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
}

func (f *fakeNotifier) last() transport.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notes) == 0 {
		return transport.Notification{}
	}
	return f.notes[len(f.notes)-1]
}

func (f *fakeNotifier) countKind(kind transport.ResultKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, note := range f.notes {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	manager  *Manager
	notifier *fakeNotifier
	store    *bolt.Store
	tracker  *quota.Tracker
	stageDir string
}

func setupManager(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "docfold.bolt"), time.UTC)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stageDir := t.TempDir()
	stager, err := stage.New(stageDir, cfg.MaxFileSizeBytes, time.Hour, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create stager: %v", err)
	}

	// Durable-only tracker: no fast tier in these tests.
	tracker := quota.NewTracker(nil, store.Operations(), store.Users(), quota.DefaultPolicy, time.UTC, zerolog.Nop())

	notifier := &fakeNotifier{}
	manager := NewManager(cfg, stager, engine.New(zerolog.Nop()), tracker, store.Users(), notifier, zerolog.Nop())

	return &testEnv{
		manager:  manager,
		notifier: notifier,
		store:    store,
		tracker:  tracker,
		stageDir: stageDir,
	}
}

func defaultConfig() Config {
	return Config{
		IdleTimeout:      15 * time.Minute,
		MaxInputFiles:    10,
		MaxFileSizeBytes: 50 * 1024 * 1024,
	}
}

func (env *testEnv) send(ctx context.Context, ev transport.Event) {
	env.manager.HandleEvent(ctx, ev)
}

// stagedArtifactCount counts files left under the staging directory.
func (env *testEnv) stagedArtifactCount(t *testing.T) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(env.stageDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to walk staging dir: %v", err)
	}
	return count
}

func TestMergeScenario(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	fileA := pdftest.Document("a1", "a2")
	fileB := pdftest.Document("b1", "b2", "b3")

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "merge"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Filename: "a.pdf", Payload: fileA})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Filename: "b.pdf", Payload: fileB})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventDone})

	note := env.notifier.last()
	if note.Kind != transport.ResultDocument {
		t.Fatalf("Expected a document result, got %s (%s)", note.Kind, note.Message)
	}
	if len(note.Files) != 1 {
		t.Fatalf("Expected 1 output file, got %d", len(note.Files))
	}

	n, err := engine.New(zerolog.Nop()).PageCount(note.Files[0].Data)
	if err != nil {
		t.Fatalf("PageCount on output failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 pages A-then-B, got %d", n)
	}

	// Terminal transition released the staged inputs.
	if count := env.stagedArtifactCount(t); count != 0 {
		t.Errorf("Expected no staged artifacts after completion, found %d", count)
	}

	// A successful operation is charged.
	used, err := env.tracker.GetUsage(ctx, "u1", env.tracker.Day(time.Now()))
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if used != 1 {
		t.Errorf("Expected usage 1, got %d", used)
	}
}

func TestQuotaExceeded_NoEngineInvocation(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	// The user already sits at the free-tier ceiling.
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := env.store.Operations().Append(ctx, storage.OperationRecord{
			UserID:    "u1",
			Kind:      "compress",
			Timestamp: now,
			Outcome:   storage.OutcomeSuccess,
			Charged:   true,
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "compress"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("p")})

	note := env.notifier.last()
	if note.Kind != transport.ResultQuotaExceeded {
		t.Fatalf("Expected quota-exceeded result, got %s (%s)", note.Kind, note.Message)
	}

	// A denial is never logged as an operation.
	count, err := env.store.Operations().CountForDate(ctx, env.tracker.Day(now))
	if err != nil {
		t.Fatalf("CountForDate failed: %v", err)
	}
	if count != 5 {
		t.Errorf("Expected the log unchanged at 5 entries, got %d", count)
	}
	if got := env.stagedArtifactCount(t); got != 0 {
		t.Errorf("Expected staged artifacts released on denial, found %d", got)
	}
}

func TestCancelDuringAwaitingParameter(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "encrypt"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("p")})

	// Single-input operation advanced straight to the password prompt.
	if env.notifier.last().Kind != transport.ResultPrompt {
		t.Fatalf("Expected a parameter prompt, got %s", env.notifier.last().Kind)
	}

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventCancel})

	if env.notifier.last().Kind != transport.ResultCancelled {
		t.Fatalf("Expected a cancellation result, got %s", env.notifier.last().Kind)
	}
	if got := env.stagedArtifactCount(t); got != 0 {
		t.Errorf("Expected staged artifact released on cancel, found %d", got)
	}

	// Nothing was charged.
	used, err := env.tracker.GetUsage(ctx, "u1", env.tracker.Day(time.Now()))
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if used != 0 {
		t.Errorf("Expected usage 0 after cancel, got %d", used)
	}
}

func TestParameterValidation_ReprompsWithoutTransition(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "encrypt"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("p")})

	// Too short: re-prompt, no state change, no execution.
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventTextReceived, Text: "abc"})
	note := env.notifier.last()
	if note.Kind != transport.ResultInputError || !strings.Contains(note.Message, "4 to 128") {
		t.Fatalf("Expected password length complaint, got %s (%s)", note.Kind, note.Message)
	}

	// A valid password completes the workflow.
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventTextReceived, Text: "goodpw"})
	note = env.notifier.last()
	if note.Kind != transport.ResultDocument {
		t.Fatalf("Expected encrypted document, got %s (%s)", note.Kind, note.Message)
	}
	if len(note.Files) != 1 || note.Files[0].Name != "encrypted.pdf" {
		t.Errorf("Unexpected output files: %+v", note.Files)
	}
}

func TestWrongDecryptPassword_NotCharged(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	encrypted, err := engine.New(zerolog.Nop()).Encrypt(pdftest.Document("secret"), "right-pw")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "decrypt"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: encrypted})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventTextReceived, Text: "wrong-pw"})

	note := env.notifier.last()
	if note.Kind != transport.ResultInputError {
		t.Fatalf("Expected input-error result, got %s (%s)", note.Kind, note.Message)
	}

	// Logged as an uncharged attempt.
	day := env.tracker.Day(time.Now())
	charged, err := env.store.Operations().CountCharged(ctx, "u1", day)
	if err != nil {
		t.Fatalf("CountCharged failed: %v", err)
	}
	if charged != 0 {
		t.Errorf("Expected 0 charged entries for a wrong password, got %d", charged)
	}
	total, err := env.store.Operations().CountForDate(ctx, day)
	if err != nil {
		t.Fatalf("CountForDate failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected the attempt logged once, got %d", total)
	}
}

func TestTooManyFiles_TerminalCapacityError(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxInputFiles = 2
	env := setupManager(t, cfg)
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "merge"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("a")})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("b")})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("c")})

	note := env.notifier.last()
	if note.Kind != transport.ResultCapacityError || !strings.Contains(note.Message, "Too many files") {
		t.Fatalf("Expected capacity error, got %s (%s)", note.Kind, note.Message)
	}

	// Terminal: the session is gone and its artifacts released.
	if got := env.stagedArtifactCount(t); got != 0 {
		t.Errorf("Expected artifacts released, found %d", got)
	}
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventDone})
	if last := env.notifier.last(); !strings.Contains(last.Message, "Nothing in progress") {
		t.Errorf("Expected no live session after capacity failure, got %q", last.Message)
	}
}

func TestDuplicateUploadRejected(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	doc := pdftest.Document("x1", "x2")

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "merge"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: doc})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: doc})

	note := env.notifier.last()
	if note.Kind != transport.ResultInputError || !strings.Contains(note.Message, "already sent") {
		t.Fatalf("Expected duplicate rejection, got %s (%s)", note.Kind, note.Message)
	}

	// The session survived: a different file plus done still merges.
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("y1", "y2")})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventDone})

	note = env.notifier.last()
	if note.Kind != transport.ResultDocument {
		t.Fatalf("Expected merge to complete, got %s (%s)", note.Kind, note.Message)
	}
	n, err := engine.New(zerolog.Nop()).PageCount(note.Files[0].Data)
	if err != nil {
		t.Fatalf("PageCount failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 merged pages, got %d", n)
	}
}

func TestInvalidUploads(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "compress"})

	// Not a PDF.
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: []byte("plain text")})
	if note := env.notifier.last(); note.Kind != transport.ResultInputError {
		t.Fatalf("Expected input error for non-PDF upload, got %s", note.Kind)
	}

	// Over the size ceiling.
	big := make([]byte, defaultConfig().MaxFileSizeBytes+1)
	copy(big, []byte("%PDF-1.4"))
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: big})
	if note := env.notifier.last(); note.Kind != transport.ResultInputError || !strings.Contains(note.Message, "too large") {
		t.Fatalf("Expected size complaint, got %s (%s)", note.Kind, note.Message)
	}

	// The session is still alive and accepts a good file.
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("fine")})
	if note := env.notifier.last(); note.Kind != transport.ResultDocument {
		t.Fatalf("Expected compression output, got %s (%s)", note.Kind, note.Message)
	}
}

func TestUnknownOperation(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "teleport"})
	if note := env.notifier.last(); note.Kind != transport.ResultInputError {
		t.Fatalf("Expected input error for unknown operation, got %s", note.Kind)
	}
}

func TestSplitScenario(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	doc := pdftest.Document("p1", "p2", "p3", "p4", "p5")

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "split"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: doc})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventTextReceived, Text: "1-2, 4"})

	note := env.notifier.last()
	if note.Kind != transport.ResultDocument {
		t.Fatalf("Expected split output, got %s (%s)", note.Kind, note.Message)
	}
	if len(note.Files) != 2 {
		t.Fatalf("Expected 2 output files, got %d", len(note.Files))
	}

	e := engine.New(zerolog.Nop())
	if n, _ := e.PageCount(note.Files[0].Data); n != 2 {
		t.Errorf("First part: expected 2 pages, got %d", n)
	}
	if n, _ := e.PageCount(note.Files[1].Data); n != 1 {
		t.Errorf("Second part: expected 1 page, got %d", n)
	}
}

func TestExtractTextScenario(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "extract_text"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("hello extraction")})

	note := env.notifier.last()
	if note.Kind != transport.ResultText {
		t.Fatalf("Expected text result, got %s (%s)", note.Kind, note.Message)
	}
	if !strings.Contains(note.Message, "hello extraction") {
		t.Errorf("Expected extracted text, got %q", note.Message)
	}
}

func TestNewSelectionReplacesSession(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "merge"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("a")})

	// Selecting again tears the first workflow down, artifacts included.
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "compress"})
	if got := env.stagedArtifactCount(t); got != 0 {
		t.Errorf("Expected prior session's artifacts released, found %d", got)
	}

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("b")})
	if note := env.notifier.last(); note.Kind != transport.ResultDocument {
		t.Fatalf("Expected the new workflow to run, got %s (%s)", note.Kind, note.Message)
	}
}

func TestIdleSweepExpiresSession(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "merge"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("a")})

	env.manager.sweepIdle(time.Now().Add(20 * time.Minute))

	note := env.notifier.last()
	if note.Kind != transport.ResultCancelled || !strings.Contains(note.Message, "expired") {
		t.Fatalf("Expected expiry notification, got %s (%s)", note.Kind, note.Message)
	}
	if got := env.stagedArtifactCount(t); got != 0 {
		t.Errorf("Expected artifacts released on expiry, found %d", got)
	}

	used, err := env.tracker.GetUsage(ctx, "u1", env.tracker.Day(time.Now()))
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if used != 0 {
		t.Errorf("Expected no charge on expiry, got %d", used)
	}
}

func TestStatsEvent(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventStats})

	note := env.notifier.last()
	if note.Kind != transport.ResultText {
		t.Fatalf("Expected text result, got %s", note.Kind)
	}
	if !strings.Contains(note.Message, "0 of 5") {
		t.Errorf("Expected free-tier standing in message, got %q", note.Message)
	}
}

func TestFirstContactCreatesUserRecord(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Username: "alice", Kind: transport.EventStats})

	user, err := env.store.Users().Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Expected user record after first contact: %v", err)
	}
	if user.Username != "alice" || user.Tier != storage.TierFree {
		t.Errorf("Unexpected user record: %+v", user)
	}
}

func TestDoneWithTooFewInputs(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "merge"})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("only")})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventDone})

	note := env.notifier.last()
	if note.Kind != transport.ResultPrompt || !strings.Contains(note.Message, "at least 2") {
		t.Fatalf("Expected a need-more-files prompt, got %s (%s)", note.Kind, note.Message)
	}

	// The workflow continues normally afterwards.
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("second")})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventDone})
	if note := env.notifier.last(); note.Kind != transport.ResultDocument {
		t.Fatalf("Expected merge output, got %s (%s)", note.Kind, note.Message)
	}
}

func TestImagesToDocumentScenario(t *testing.T) {
	env := setupManager(t, defaultConfig())
	ctx := context.Background()

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventOperationSelected, Operation: "images_to_document"})

	// A PDF is not a valid input here.
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.Document("p")})
	if note := env.notifier.last(); note.Kind != transport.ResultInputError {
		t.Fatalf("Expected rejection of PDF input, got %s", note.Kind)
	}

	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventFileReceived, Payload: pdftest.PNG(50, 50, color.RGBA{R: 255, G: 255, B: 255, A: 255})})
	env.send(ctx, transport.Event{UserID: "u1", Kind: transport.EventDone})

	note := env.notifier.last()
	if note.Kind != transport.ResultDocument {
		t.Fatalf("Expected composed document, got %s (%s)", note.Kind, note.Message)
	}
	if n, err := engine.New(zerolog.Nop()).PageCount(note.Files[0].Data); err != nil || n != 1 {
		t.Errorf("Expected a 1-page document, got %d pages (err %v)", n, err)
	}
}
