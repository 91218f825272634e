// Package session drives the per-user conversation workflow: it advances
// session state on inbound transport events, stages uploads, gates execution
// on the quota tracker and invokes the transformation engine. It is the only
// component that maps internal failure kinds to user-visible messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docfold/docfold/internal/engine"
	"github.com/docfold/docfold/internal/metrics"
	"github.com/docfold/docfold/internal/quota"
	"github.com/docfold/docfold/internal/stage"
	"github.com/docfold/docfold/internal/storage"
	"github.com/docfold/docfold/internal/transport"
)

// idleSweepInterval is how often expired sessions are collected.
const idleSweepInterval = time.Minute

// Config holds the workflow limits.
type Config struct {
	IdleTimeout      time.Duration
	MaxInputFiles    int
	MaxFileSizeBytes int64
}

// slot is the per-user serialization point. The mutex outlives individual
// sessions so two events for one user can never race, and it is held for
// the full execution of an admitted operation.
type slot struct {
	mu   sync.Mutex
	sess *Session
}

// Manager owns all live sessions.
type Manager struct {
	cfg      Config
	stager   *stage.Stager
	engine   *engine.Engine
	tracker  *quota.Tracker
	users    storage.UserStore
	notifier transport.Notifier
	logger   zerolog.Logger

	mu    sync.Mutex
	slots map[string]*slot

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a session manager.
func NewManager(cfg Config, stager *stage.Stager, eng *engine.Engine, tracker *quota.Tracker, users storage.UserStore, notifier transport.Notifier, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		stager:   stager,
		engine:   eng,
		tracker:  tracker,
		users:    users,
		notifier: notifier,
		logger:   logger.With().Str("component", "session").Logger(),
		slots:    make(map[string]*slot),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the idle-session sweep loop.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop stops the sweep loop and tears down every live session.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, sl := range m.slots {
		slots = append(slots, sl)
	}
	m.mu.Unlock()

	for _, sl := range slots {
		sl.mu.Lock()
		if sl.sess != nil {
			m.teardown(sl.sess)
			sl.sess = nil
		}
		sl.mu.Unlock()
	}
}

func (m *Manager) slotFor(userID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.slots[userID]
	if !ok {
		sl = &slot{}
		m.slots[userID] = sl
	}
	return sl
}

// HandleEvent processes one inbound event. Events for the same user are
// serialized; events for different users proceed concurrently.
func (m *Manager) HandleEvent(ctx context.Context, ev transport.Event) {
	sl := m.slotFor(ev.UserID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	m.touchUser(ctx, ev)

	now := time.Now()
	if sl.sess != nil && now.Sub(sl.sess.LastActivity) > m.cfg.IdleTimeout {
		m.expire(sl)
	}

	switch ev.Kind {
	case transport.EventOperationSelected:
		m.handleOperationSelected(sl, ev, now)
	case transport.EventFileReceived:
		m.handleFileReceived(ctx, sl, ev, now)
	case transport.EventTextReceived:
		m.handleTextReceived(ctx, sl, ev, now)
	case transport.EventDone:
		m.handleDone(ctx, sl, ev, now)
	case transport.EventCancel:
		m.handleCancel(sl, ev)
	case transport.EventStats:
		m.handleStats(ctx, ev)
	default:
		m.logger.Warn().Str("kind", string(ev.Kind)).Msg("Dropping event of unknown kind")
	}
}

// touchUser records first contact or refreshes last-seen. Failures only
// affect reporting, never the workflow.
func (m *Manager) touchUser(ctx context.Context, ev transport.Event) {
	now := time.Now()
	_, err := m.users.Get(ctx, ev.UserID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec := storage.UserRecord{
			UserID:     ev.UserID,
			Username:   ev.Username,
			Tier:       storage.TierFree,
			JoinedAt:   now,
			LastSeenAt: now,
		}
		if err := m.users.Upsert(ctx, rec); err != nil {
			m.logger.Warn().Err(err).Str("user", ev.UserID).Msg("Failed to create user record")
		}
	case err != nil:
		m.logger.Debug().Err(err).Str("user", ev.UserID).Msg("User lookup failed")
	default:
		if err := m.users.TouchLastSeen(ctx, ev.UserID, now); err != nil {
			m.logger.Debug().Err(err).Str("user", ev.UserID).Msg("Failed to update last-seen")
		}
	}
}

func (m *Manager) handleOperationSelected(sl *slot, ev transport.Event, now time.Time) {
	kind, ok := ParseKind(ev.Operation)
	if !ok {
		m.notify(ev.UserID, transport.ResultInputError, fmt.Sprintf("Unknown operation %q.", ev.Operation))
		return
	}

	// A new selection replaces any workflow already in progress.
	if sl.sess != nil {
		m.teardown(sl.sess)
		sl.sess = nil
	}

	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       ev.UserID,
		Kind:         kind,
		State:        StateCollectingInputs,
		CreatedAt:    now,
		LastActivity: now,
	}
	sl.sess = sess
	metrics.ActiveSessions.Inc()

	m.logger.Info().
		Str("user", ev.UserID).
		Str("session", sess.ID).
		Str("operation", string(kind)).
		Msg("Session started")

	m.notify(ev.UserID, transport.ResultPrompt, m.collectPrompt(sess))
}

func (m *Manager) handleFileReceived(ctx context.Context, sl *slot, ev transport.Event, now time.Time) {
	sess := sl.sess
	if sess == nil {
		m.notify(ev.UserID, transport.ResultPrompt, "Pick an operation before sending a file.")
		return
	}
	if sess.State != StateCollectingInputs {
		m.notify(ev.UserID, transport.ResultPrompt, "Not expecting a file right now. Send the requested text, or cancel.")
		return
	}
	sess.touch(now)

	p := sess.profile()
	if int64(len(ev.Payload)) > m.cfg.MaxFileSizeBytes {
		m.notify(ev.UserID, transport.ResultInputError,
			fmt.Sprintf("File is too large. The limit is %d MB.", m.cfg.MaxFileSizeBytes/(1024*1024)))
		return
	}
	if !sniffInput(p.input, ev.Payload) {
		if p.input == inputImage {
			m.notify(ev.UserID, transport.ResultInputError, "That doesn't look like an image. Send a PNG, JPEG, GIF or WebP file.")
		} else {
			m.notify(ev.UserID, transport.ResultInputError, "That doesn't look like a PDF document.")
		}
		return
	}

	// Capacity breach is terminal, unlike the recoverable checks above.
	if p.multiInput && len(sess.Docs) >= m.cfg.MaxInputFiles {
		m.teardown(sess)
		sl.sess = nil
		m.notify(ev.UserID, transport.ResultCapacityError,
			fmt.Sprintf("Too many files: at most %d inputs per operation. Start over with fewer files.", m.cfg.MaxInputFiles))
		return
	}

	doc, err := m.stager.Stage(sess.ID, ev.Payload)
	if err != nil {
		if errors.Is(err, stage.ErrTooLarge) {
			m.notify(ev.UserID, transport.ResultInputError,
				fmt.Sprintf("File is too large. The limit is %d MB.", m.cfg.MaxFileSizeBytes/(1024*1024)))
			return
		}
		m.logger.Error().Err(err).Str("session", sess.ID).Msg("Failed to stage upload")
		m.notify(ev.UserID, transport.ResultUnavailable, "Could not store your file right now. Please try again.")
		return
	}

	if sess.hasFingerprint(doc.Fingerprint) {
		m.stager.Release(doc.Handle)
		m.notify(ev.UserID, transport.ResultInputError, "You already sent that file in this operation.")
		return
	}
	sess.Docs = append(sess.Docs, doc)

	if !p.multiInput {
		m.advance(ctx, sl)
		return
	}

	if len(sess.Docs) < m.cfg.MaxInputFiles {
		m.notify(ev.UserID, transport.ResultPrompt,
			fmt.Sprintf("Received file %d of up to %d. Send more, or say done.", len(sess.Docs), m.cfg.MaxInputFiles))
	} else {
		m.notify(ev.UserID, transport.ResultPrompt,
			fmt.Sprintf("Received the maximum of %d files. Say done to continue.", m.cfg.MaxInputFiles))
	}
}

func (m *Manager) handleTextReceived(ctx context.Context, sl *slot, ev transport.Event, now time.Time) {
	sess := sl.sess
	if sess == nil {
		m.notify(ev.UserID, transport.ResultPrompt, "Pick an operation to get started.")
		return
	}
	if sess.State != StateAwaitingParameter {
		m.notify(ev.UserID, transport.ResultPrompt, "Not expecting text right now. Send a file, say done, or cancel.")
		return
	}
	sess.touch(now)

	if err := validateParameter(sess.profile().param, ev.Text); err != nil {
		// Re-prompt; the session stays where it was.
		m.notify(ev.UserID, transport.ResultInputError, err.Error())
		return
	}

	sess.Parameter = ev.Text
	sess.State = StateReadyToExecute
	m.execute(ctx, sl)
}

func (m *Manager) handleDone(ctx context.Context, sl *slot, ev transport.Event, now time.Time) {
	sess := sl.sess
	if sess == nil {
		m.notify(ev.UserID, transport.ResultPrompt, "Nothing in progress. Pick an operation to get started.")
		return
	}
	if sess.State != StateCollectingInputs {
		m.notify(ev.UserID, transport.ResultPrompt, "Not collecting files right now.")
		return
	}
	sess.touch(now)

	if need := sess.profile().minInputs; len(sess.Docs) < need {
		m.notify(ev.UserID, transport.ResultPrompt,
			fmt.Sprintf("Need at least %d file(s) for this operation, got %d so far.", need, len(sess.Docs)))
		return
	}

	m.advance(ctx, sl)
}

func (m *Manager) handleCancel(sl *slot, ev transport.Event) {
	if sl.sess != nil {
		m.teardown(sl.sess)
		sl.sess = nil
		m.notify(ev.UserID, transport.ResultCancelled, "Operation cancelled.")
		return
	}
	m.notify(ev.UserID, transport.ResultCancelled, "Nothing to cancel.")
}

func (m *Manager) handleStats(ctx context.Context, ev transport.Event) {
	st, err := m.tracker.StatsFor(ctx, ev.UserID)
	if err != nil {
		m.notify(ev.UserID, transport.ResultUnavailable, "Usage information is unavailable right now.")
		return
	}
	m.notify(ev.UserID, transport.ResultText,
		fmt.Sprintf("Tier: %s. Used %d of %d operations today, %d remaining.", st.Tier, st.Used, st.Ceiling, st.Remaining))
}

// advance moves a session past input collection: into AwaitingParameter if
// the operation needs text, otherwise straight to execution.
func (m *Manager) advance(ctx context.Context, sl *slot) {
	sess := sl.sess
	if sess.profile().param != paramNone {
		sess.State = StateAwaitingParameter
		m.notify(sess.UserID, transport.ResultPrompt, m.parameterPrompt(sess))
		return
	}
	sess.State = StateReadyToExecute
	m.execute(ctx, sl)
}

// execute runs the quota check and, if admitted, the transformation. It is
// called with the user's slot lock held and always ends the session.
func (m *Manager) execute(ctx context.Context, sl *slot) {
	sess := sl.sess
	sess.State = StateExecuting

	adm, err := m.tracker.TryConsume(ctx, sess.UserID)
	if err != nil {
		m.logger.Error().Err(err).Str("user", sess.UserID).Msg("Admission check failed")
		m.teardown(sess)
		sl.sess = nil
		m.notify(sess.UserID, transport.ResultUnavailable, "Service is temporarily unavailable. Please try again in a moment.")
		return
	}
	if !adm.Admitted {
		m.teardown(sess)
		sl.sess = nil
		m.notify(sess.UserID, transport.ResultQuotaExceeded,
			fmt.Sprintf("Daily limit reached (%d of %d operations on the %s tier). Try again tomorrow.", adm.Used, adm.Ceiling, adm.Tier))
		return
	}

	inputs := make([][]byte, 0, len(sess.Docs))
	var inputBytes int64
	for _, d := range sess.Docs {
		data, err := m.stager.Get(d.Handle)
		if err != nil {
			m.logger.Error().Err(err).Str("session", sess.ID).Msg("Staged artifact unreadable")
			m.finish(ctx, sl, result{err: fmt.Errorf("staged artifact unreadable: %w", err)}, inputBytes, time.Now(), adm.Day)
			return
		}
		inputs = append(inputs, data)
		inputBytes += int64(len(data))
	}

	start := time.Now()
	res := m.run(sess, inputs)
	m.finish(ctx, sl, res, inputBytes, start, adm.Day)
}

// result is the outcome of one engine invocation.
type result struct {
	files []transport.File
	text  string
	err   error
}

func (r result) outputBytes() int64 {
	var n int64
	for _, f := range r.files {
		n += int64(len(f.Data))
	}
	return n + int64(len(r.text))
}

// run dispatches to the engine for the session's operation kind.
func (m *Manager) run(sess *Session, inputs [][]byte) result {
	switch sess.Kind {
	case KindMerge:
		out, err := m.engine.Merge(inputs)
		if err != nil {
			return result{err: err}
		}
		return result{files: []transport.File{{Name: "merged.pdf", Data: out}}}

	case KindSplit:
		ranges, err := parsePageRanges(sess.Parameter)
		if err != nil {
			return result{err: err}
		}
		parts, err := m.engine.Split(inputs[0], ranges)
		if err != nil {
			return result{err: err}
		}
		files := make([]transport.File, len(parts))
		for i, p := range parts {
			files[i] = transport.File{Name: fmt.Sprintf("part_%02d.pdf", i+1), Data: p}
		}
		return result{files: files}

	case KindExtractText:
		text, err := m.engine.ExtractText(inputs[0])
		if err != nil {
			return result{err: err}
		}
		if text == "" {
			return result{text: "The document contains no extractable text."}
		}
		return result{text: text}

	case KindExtractImages:
		pages, err := m.engine.ExtractImages(inputs[0])
		if err != nil {
			return result{err: err}
		}
		files := make([]transport.File, len(pages))
		for i, p := range pages {
			files[i] = transport.File{Name: fmt.Sprintf("page_%03d.png", i+1), Data: p}
		}
		return result{files: files}

	case KindWatermark:
		out, err := m.engine.Watermark(inputs[0], sess.Parameter, engine.DefaultWatermarkOpacity)
		if err != nil {
			return result{err: err}
		}
		return result{files: []transport.File{{Name: "watermarked.pdf", Data: out}}}

	case KindCompress:
		out, err := m.engine.Compress(inputs[0], engine.QualityMedium)
		if err != nil {
			return result{err: err}
		}
		return result{files: []transport.File{{Name: "compressed.pdf", Data: out}}}

	case KindEncrypt:
		out, err := m.engine.Encrypt(inputs[0], sess.Parameter)
		if err != nil {
			return result{err: err}
		}
		return result{files: []transport.File{{Name: "encrypted.pdf", Data: out}}}

	case KindDecrypt:
		out, err := m.engine.Decrypt(inputs[0], sess.Parameter)
		if err != nil {
			return result{err: err}
		}
		return result{files: []transport.File{{Name: "decrypted.pdf", Data: out}}}

	case KindImagesToDocument:
		out, err := m.engine.ImagesToDocument(inputs)
		if err != nil {
			return result{err: err}
		}
		return result{files: []transport.File{{Name: "document.pdf", Data: out}}}
	}

	return result{err: fmt.Errorf("unhandled operation kind %q", sess.Kind)}
}

// finish records an admitted attempt, emits the terminal notification and
// ends the session.
func (m *Manager) finish(ctx context.Context, sl *slot, res result, inputBytes int64, start time.Time, day string) {
	sess := sl.sess
	duration := time.Since(start)

	outcome := storage.OutcomeSuccess
	detail := ""
	if res.err != nil {
		detail = res.err.Error()
		if k, ok := engine.KindOf(res.err); ok && k.UserFixable() {
			outcome = storage.OutcomeInputError
		} else {
			outcome = storage.OutcomeEngineError
		}
	}

	rec := quota.RecordInput{
		UserID:      sess.UserID,
		Kind:        string(sess.Kind),
		Outcome:     outcome,
		InputBytes:  inputBytes,
		OutputBytes: res.outputBytes(),
		Duration:    duration,
		Detail:      detail,
		Day:         day,
	}
	if err := m.tracker.Record(ctx, rec); err != nil {
		m.logger.Error().Err(err).Str("user", sess.UserID).Msg("Failed to record operation")
	}

	metrics.OperationsTotal.WithLabelValues(string(sess.Kind), string(outcome)).Inc()
	metrics.OperationDuration.WithLabelValues(string(sess.Kind)).Observe(duration.Seconds())
	metrics.OperationBytesIn.WithLabelValues(string(sess.Kind)).Add(float64(inputBytes))

	m.logger.Info().
		Str("user", sess.UserID).
		Str("session", sess.ID).
		Str("operation", string(sess.Kind)).
		Str("outcome", string(outcome)).
		Dur("duration", duration).
		Int64("input_bytes", inputBytes).
		Msg("Operation finished")

	userID := sess.UserID
	m.teardown(sess)
	sl.sess = nil

	if res.err != nil {
		kind, message := m.failureMessage(res.err)
		m.notify(userID, kind, message)
		return
	}
	if res.text != "" {
		m.notify(userID, transport.ResultText, res.text)
		return
	}
	m.notifier.Notify(transport.Notification{
		UserID:  userID,
		Kind:    transport.ResultDocument,
		Message: "Done.",
		Files:   res.files,
	})
}

// failureMessage is the single mapping from internal failure kinds to
// user-visible messages.
func (m *Manager) failureMessage(err error) (transport.ResultKind, string) {
	if k, ok := engine.KindOf(err); ok {
		switch k {
		case engine.KindCorruptInput:
			return transport.ResultInputError, "The document could not be read. It may be damaged or not a valid PDF."
		case engine.KindUnsupportedFeature:
			return transport.ResultInputError, "That selection isn't valid for this document."
		case engine.KindPasswordRequired:
			return transport.ResultInputError, "The document is password protected. Remove the password first."
		case engine.KindIncorrectPassword:
			return transport.ResultInputError, "That password is incorrect."
		}
	}
	return transport.ResultEngineError, "Something went wrong while processing your document."
}

// teardown releases a session's staged artifacts. Caller clears sl.sess.
func (m *Manager) teardown(sess *Session) {
	m.stager.ReleaseAll(sess.ID)
	metrics.ActiveSessions.Dec()
	m.logger.Debug().Str("session", sess.ID).Str("user", sess.UserID).Msg("Session ended")
}

// expire tears down an idle session like a cancel: artifacts released,
// nothing charged, one terminal notification. Caller holds the slot lock.
func (m *Manager) expire(sl *slot) {
	sess := sl.sess
	m.teardown(sess)
	sl.sess = nil
	metrics.SessionsExpired.Inc()
	m.notify(sess.UserID, transport.ResultCancelled, "Session expired due to inactivity.")
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle(time.Now())
		}
	}
}

// sweepIdle expires sessions idle past the timeout. TryLock skips any user
// whose slot is busy; an executing session is never interrupted and will be
// re-checked on the next tick if its followup never comes.
func (m *Manager) sweepIdle(now time.Time) {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, sl := range m.slots {
		slots = append(slots, sl)
	}
	m.mu.Unlock()

	for _, sl := range slots {
		if !sl.mu.TryLock() {
			continue
		}
		if sl.sess != nil && now.Sub(sl.sess.LastActivity) > m.cfg.IdleTimeout {
			m.expire(sl)
		}
		sl.mu.Unlock()
	}
}

func (m *Manager) collectPrompt(sess *Session) string {
	p := sess.profile()
	if p.multiInput {
		return fmt.Sprintf("Send %d to %d files, then say done.", p.minInputs, m.cfg.MaxInputFiles)
	}
	if p.input == inputImage {
		return "Send the image to process."
	}
	return "Send the PDF document to process."
}

func (m *Manager) parameterPrompt(sess *Session) string {
	switch sess.profile().param {
	case paramWatermarkText:
		return "Send the watermark text."
	case paramPassword:
		if sess.Kind == KindDecrypt {
			return "Send the document password."
		}
		return fmt.Sprintf("Send a password (%d to %d characters).", minPasswordLen, maxPasswordLen)
	case paramPageRanges:
		return "Send the pages to keep, like \"1-3, 5\", or \"all\" for one file per page."
	}
	return "Send the required input."
}

func (m *Manager) notify(userID string, kind transport.ResultKind, message string) {
	m.notifier.Notify(transport.Notification{UserID: userID, Kind: kind, Message: message})
}
