// Package stage holds byte payloads on disk for the lifetime of one
// conversation workflow. Artifacts are partitioned by session so releasing
// one session never touches another's files, and a periodic sweep removes
// anything older than the retention window in case a release path is missed.
package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docfold/docfold/internal/metrics"
)

var (
	// ErrNotFound is returned when a handle does not reference a live artifact.
	ErrNotFound = errors.New("staged artifact not found")

	// ErrTooLarge is returned when a payload exceeds the byte-size ceiling.
	ErrTooLarge = errors.New("staged artifact exceeds size ceiling")
)

// Handle is an opaque reference to one staged artifact.
type Handle string

// Document describes a staged artifact. The payload itself is only
// reachable through Get.
type Document struct {
	Handle      Handle
	SessionID   string
	ByteSize    int64
	Fingerprint string
	CreatedAt   time.Time
}

type entry struct {
	sessionID   string
	path        string
	size        int64
	fingerprint string
	createdAt   time.Time
}

// Stager stages artifacts under a shared directory, one subdirectory per
// session. All methods are safe for concurrent use.
type Stager struct {
	dir       string
	maxBytes  int64
	retention time.Duration
	interval  time.Duration
	logger    zerolog.Logger

	mu         sync.Mutex
	entries    map[Handle]*entry
	bySession  map[string]map[Handle]struct{}
	totalBytes int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a stager rooted at dir. Payloads larger than maxBytes are
// rejected; artifacts older than retention are removed by the sweep loop.
func New(dir string, maxBytes int64, retention, sweepInterval time.Duration, logger zerolog.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Stager{
		dir:       dir,
		maxBytes:  maxBytes,
		retention: retention,
		interval:  sweepInterval,
		logger:    logger.With().Str("component", "stage").Logger(),
		entries:   make(map[Handle]*entry),
		bySession: make(map[string]map[Handle]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Stage writes data to disk under the session's partition and returns a
// handle to it. The caller's buffer is copied before Stage returns.
func (s *Stager) Stage(sessionID string, data []byte) (Document, error) {
	if int64(len(data)) > s.maxBytes {
		return Document{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), s.maxBytes)
	}

	sum := sha256.Sum256(data)
	h := Handle(uuid.NewString())

	sessionDir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		return Document{}, fmt.Errorf("failed to create session directory: %w", err)
	}

	path := filepath.Join(sessionDir, string(h)+".bin")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return Document{}, fmt.Errorf("failed to write staged artifact: %w", err)
	}

	e := &entry{
		sessionID:   sessionID,
		path:        path,
		size:        int64(len(data)),
		fingerprint: hex.EncodeToString(sum[:]),
		createdAt:   time.Now(),
	}

	s.mu.Lock()
	s.entries[h] = e
	if s.bySession[sessionID] == nil {
		s.bySession[sessionID] = make(map[Handle]struct{})
	}
	s.bySession[sessionID][h] = struct{}{}
	s.totalBytes += e.size
	metrics.StagedBytes.Set(float64(s.totalBytes))
	s.mu.Unlock()

	return Document{
		Handle:      h,
		SessionID:   sessionID,
		ByteSize:    e.size,
		Fingerprint: e.fingerprint,
		CreatedAt:   e.createdAt,
	}, nil
}

// Get reads a staged artifact back into memory.
func (s *Stager) Get(h Handle) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.entries[h]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged artifact: %w", err)
	}
	return data, nil
}

// Release removes one artifact. Releasing an unknown handle is a no-op.
func (s *Stager) Release(h Handle) {
	s.mu.Lock()
	e, ok := s.entries[h]
	if ok {
		s.forget(h, e)
	}
	s.mu.Unlock()

	if ok {
		s.removeFile(e)
	}
}

// ReleaseAll removes every artifact staged for the given session, then the
// session's directory itself.
func (s *Stager) ReleaseAll(sessionID string) {
	s.mu.Lock()
	handles := s.bySession[sessionID]
	removed := make([]*entry, 0, len(handles))
	for h := range handles {
		e := s.entries[h]
		s.forget(h, e)
		removed = append(removed, e)
	}
	s.mu.Unlock()

	for _, e := range removed {
		s.removeFile(e)
	}
	if err := os.Remove(filepath.Join(s.dir, sessionID)); err != nil && !os.IsNotExist(err) {
		s.logger.Debug().Err(err).Str("session", sessionID).Msg("Could not remove session directory")
	}
}

// forget drops bookkeeping for an entry. Caller holds the lock.
func (s *Stager) forget(h Handle, e *entry) {
	delete(s.entries, h)
	if set := s.bySession[e.sessionID]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(s.bySession, e.sessionID)
		}
	}
	s.totalBytes -= e.size
	metrics.StagedBytes.Set(float64(s.totalBytes))
}

func (s *Stager) removeFile(e *entry) {
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", e.path).Msg("Failed to remove staged artifact")
	}
}

// Start launches the retention sweep loop.
func (s *Stager) Start() {
	go s.sweepLoop()
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Stager) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Stager) sweepLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("retention", s.retention).
		Msg("Starting staged artifact sweep")

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

// Sweep removes every artifact staged before now minus the retention
// window. It is exported so an operator-triggered sweep can share the path
// the timer uses. Failures are logged and do not stop the sweep.
func (s *Stager) Sweep(now time.Time) int {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	expired := make([]*entry, 0)
	for h, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			s.forget(h, e)
			expired = append(expired, e)
		}
	}
	s.mu.Unlock()

	for _, e := range expired {
		s.removeFile(e)
		metrics.StagedSwept.Inc()
	}

	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("Swept expired staged artifacts")
	}
	return len(expired)
}
