// Package spool is a local, append-only record of writes the remote store
// could not take. Records are newline-delimited JSON kept in file order and
// replayed FIFO by Drain.
//
// A spool directory must have a single writer process: the lock guarding
// the files is process-local.
package spool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github/martinmaurice/spoolr/pkg/idempotency"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	activeFileName     = "queue.jsonl"
	deadLetterFileName = "dead_letter.jsonl"
	rotatedFilePattern = "queue.*.jsonl"
	rotationTimeLayout = "20060102T150405.000000000Z"

	filePerm = 0o644
	dirPerm  = 0o755
)

// ErrBusy is returned by TryDrain when another drain or enqueue holds the spool.
var ErrBusy = errors.New("spool is busy")

type Record struct {
	Timestamp      time.Time       `json:"ts"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts,omitempty"`
}

// ApplyFunc replays one record. A nil error means the record was delivered
// and can be forgotten.
type ApplyFunc func(ctx context.Context, rec Record) error

type Spool struct {
	mu              sync.Mutex
	dir             string
	maxBytes        int64
	deadLetterAfter int
	clock           func() time.Time
	onRotate        func(rotatedPath string)
	onDeadLetter    func(count int)
}

type Option func(s *Spool)

func WithClock(clock func() time.Time) Option {
	return func(s *Spool) {
		s.clock = clock
	}
}

// WithDeadLetterAfter moves a record to the dead letter file once it failed n
// drains. Lines that cannot be parsed are moved on their first drain. Zero,
// the default, keeps every failing record in the queue.
func WithDeadLetterAfter(n int) Option {
	return func(s *Spool) {
		s.deadLetterAfter = n
	}
}

func WithRotateHook(hook func(rotatedPath string)) Option {
	return func(s *Spool) {
		s.onRotate = hook
	}
}

func WithDeadLetterHook(hook func(count int)) Option {
	return func(s *Spool) {
		s.onDeadLetter = hook
	}
}

func New(dir string, maxBytes int64, opts ...Option) (*Spool, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("spool max bytes must be greater than zero, got %d", maxBytes)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create spool dir %s: %w", dir, err)
	}

	s := &Spool{
		dir:          dir,
		maxBytes:     maxBytes,
		clock:        time.Now,
		onRotate:     func(string) {},
		onDeadLetter: func(int) {},
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Spool) Path() string {
	return filepath.Join(s.dir, activeFileName)
}

func (s *Spool) DeadLetterPath() string {
	return filepath.Join(s.dir, deadLetterFileName)
}

// Enqueue appends one record. When the append would push the active file past
// the size limit, the active file is first renamed aside and a fresh one is
// started: old backlog is shed rather than blocking or growing without bound.
func (s *Spool) Enqueue(kind, key string, payload any, cause error) error {
	payloadJSON, err := idempotency.Canonical(payload)
	if err != nil {
		return fmt.Errorf("failed to encode spool payload: %w", err)
	}

	rec := Record{
		Timestamp:      s.clock().UTC(),
		Kind:           kind,
		IdempotencyKey: key,
		Payload:        payloadJSON,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	line, err := encodeLine(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := s.activeSize()
	if err != nil {
		return err
	}

	if size > 0 && size+int64(len(line)) > s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	return appendLines(s.Path(), [][]byte{line})
}

// Drain replays up to maxRecords records in file order. Delivered records are
// dropped; failed ones and everything past maxRecords are kept in their
// original order. The lock is held from the read until the rewrite, so no
// concurrent Enqueue can be lost or duplicated.
//
// Failing records are retried on every Drain unless dead lettering is on.
// The returned error only reports local I/O failures.
func (s *Spool) Drain(ctx context.Context, apply ApplyFunc, maxRecords int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.drainLocked(ctx, apply, maxRecords)
}

// TryDrain is Drain that gives up with ErrBusy instead of waiting for the lock.
func (s *Spool) TryDrain(ctx context.Context, apply ApplyFunc, maxRecords int) (int, error) {
	if !s.mu.TryLock() {
		return 0, ErrBusy
	}
	defer s.mu.Unlock()

	return s.drainLocked(ctx, apply, maxRecords)
}

// Pending counts the records waiting in the active file.
func (s *Spool) Pending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := readLines(s.Path())
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// RotatedFiles lists shed backlog files, oldest first.
func (s *Spool) RotatedFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, rotatedFilePattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *Spool) drainLocked(ctx context.Context, apply ApplyFunc, maxRecords int) (int, error) {
	lines, err := readLines(s.Path())
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, removeIfExists(s.Path())
	}

	var (
		applied   int
		attempted int
		retained  = make([][]byte, 0, len(lines))
		dead      [][]byte
	)

	for _, line := range lines {
		if attempted >= maxRecords || ctx.Err() != nil {
			retained = append(retained, line)
			continue
		}
		attempted++

		rec, err := decodeLine(line)
		if err != nil {
			slog.Warn("malformed spool line", "error", err, "path", s.Path())
			if s.deadLetterAfter > 0 {
				dead = append(dead, line)
			} else {
				retained = append(retained, line)
			}
			continue
		}

		if err := apply(ctx, rec); err != nil {
			if ctx.Err() != nil {
				// Interrupted, not failed: keep the line as it was.
				retained = append(retained, line)
				continue
			}

			rec.Attempts++
			rec.Error = err.Error()
			updated, encodeErr := encodeLine(rec)
			if encodeErr != nil {
				updated = line
			}

			if s.deadLetterAfter > 0 && rec.Attempts >= s.deadLetterAfter {
				slog.Warn("moving spool record to dead letter", "kind", rec.Kind, "key", rec.IdempotencyKey, "attempts", rec.Attempts)
				dead = append(dead, updated)
			} else {
				retained = append(retained, updated)
			}
			continue
		}

		applied++
	}

	if len(dead) > 0 {
		if err := appendLines(s.DeadLetterPath(), dead); err != nil {
			// Keep them queued rather than losing them.
			slog.Error("failed to write dead letters", "error", err)
			retained = append(retained, dead...)
		} else {
			s.onDeadLetter(len(dead))
		}
	}

	if len(retained) == 0 {
		return applied, removeIfExists(s.Path())
	}

	return applied, s.rewriteLocked(retained)
}

func (s *Spool) activeSize() (int64, error) {
	info, err := os.Stat(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat spool file: %w", err)
	}
	return info.Size(), nil
}

func (s *Spool) rotateLocked() error {
	base := "queue." + s.clock().UTC().Format(rotationTimeLayout)
	rotated := filepath.Join(s.dir, base+".jsonl")
	for i := 1; fileExists(rotated); i++ {
		rotated = filepath.Join(s.dir, fmt.Sprintf("%s-%d.jsonl", base, i))
	}

	if err := os.Rename(s.Path(), rotated); err != nil {
		return fmt.Errorf("failed to rotate spool file: %w", err)
	}

	slog.Warn("spool file rotated, backlog moved aside", "rotated", rotated)
	s.onRotate(rotated)
	return nil
}

// rewriteLocked replaces the active file through a temp file and rename so a
// crash never leaves it half written.
func (s *Spool) rewriteLocked(lines [][]byte) error {
	tmp, err := os.CreateTemp(s.dir, "queue-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create spool temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write spool temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write spool temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync spool temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close spool temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		return fmt.Errorf("failed to chmod spool temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return fmt.Errorf("failed to replace spool file: %w", err)
	}
	return nil
}

func encodeLine(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("failed to encode spool record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeLine(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	if rec.Kind == "" {
		return Record{}, errors.New("spool record has no kind")
	}
	return rec, nil
}

// readLines returns every non blank line of path, each ending with a newline.
func readLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spool file: %w", err)
	}

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		withNewline := make([]byte, 0, len(line)+1)
		withNewline = append(withNewline, line...)
		lines = append(lines, append(withNewline, '\n'))
	}
	return lines, nil
}

func appendLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	for _, line := range lines {
		if _, err := f.Write(line); err != nil {
			f.Close()
			return fmt.Errorf("failed to append to %s: %w", path, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return f.Close()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
