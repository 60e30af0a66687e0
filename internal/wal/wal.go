// Package wal implements the write-ahead log: every mutation is appended
// and fsynced here before it is considered durable, so a crash can always
// be recovered from by replaying this file into a fresh memtable.
package wal

import (
	"fmt"
	"io"
	"os"

	"github.com/flashlog/ember/errs"
	"github.com/flashlog/ember/internal/block"
	"github.com/flashlog/ember/internal/record"
)

// WAL appends records to a single on-disk file, fsyncing after every
// Append so a successful call is durable before it returns.
type WAL struct {
	f         *os.File
	bw        *block.Writer
	blockSize int
}

// Open opens (creating if necessary) the WAL file at path and prepares it
// for appending, resuming at whatever byte offset the file already has.
func Open(path string, blockSize int) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.New(errs.IO, "open WAL file", err).WithPath(path)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errs.New(errs.IO, "seek WAL file", err).WithPath(path)
	}
	bw := block.NewWriterResuming(f, blockSize, f.Sync, size)
	return &WAL{f: f, bw: bw, blockSize: blockSize}, nil
}

// Append encodes rec and writes it durably before returning.
func (w *WAL) Append(rec record.Record) error {
	encoded := record.Encode(nil, rec)
	if _, err := w.bw.Append(encoded); err != nil {
		return err
	}
	if err := w.bw.Sync(); err != nil {
		return errs.New(errs.IO, "sync WAL after append", err).WithPath(w.f.Name())
	}
	return nil
}

// Path returns the WAL file's path.
func (w *WAL) Path() string { return w.f.Name() }

// Close closes the underlying file without padding, leaving it resumable
// by a later Open at the exact byte it was left at.
func (w *WAL) Close() error {
	if err := w.f.Close(); err != nil {
		return errs.New(errs.IO, "close WAL file", err).WithPath(w.f.Name())
	}
	return nil
}

// ReplayResult is the outcome of replaying a WAL file from the start.
type ReplayResult struct {
	// Records holds every cleanly decoded record, in append order.
	Records []record.Record
	// ValidBytes is the byte offset up to which the file decoded cleanly.
	ValidBytes int64
	// Truncated is true when a corrupt or partial trailing record was
	// found and excluded from Records.
	Truncated bool
}

// Replay reads every record from the WAL file at path. A missing file
// replays as zero records. A corrupt or partial trailing record (the only
// kind of corruption a crash can produce, since nothing is written after
// it) is reported via Truncated rather than failing the whole replay.
func Replay(path string, blockSize int) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReplayResult{}, nil
		}
		return ReplayResult{}, errs.New(errs.IO, "open WAL for replay", err).WithPath(path)
	}
	defer f.Close()

	br := block.NewReader(f, blockSize)
	var result ReplayResult
	for {
		startOffset := br.Total()
		payload, err := br.Next()
		if err == io.EOF {
			result.ValidBytes = startOffset
			return result, nil
		}
		if err != nil {
			result.ValidBytes = startOffset
			result.Truncated = true
			return result, nil
		}
		rec, _, derr := record.Decode(payload)
		if derr != nil {
			result.ValidBytes = startOffset
			result.Truncated = true
			return result, nil
		}
		result.Records = append(result.Records, rec)
	}
}

// Backup renames the WAL file at path to a timestamped backup path and
// returns it. Used whenever a WAL must be abandoned without being safely
// folded into a segment (a flush failure), so a drain tool can later
// recover whatever it held.
func Backup(path string, now int64) (string, error) {
	backup := fmt.Sprintf("%s.bak-%d", path, now)
	if err := os.Rename(path, backup); err != nil {
		return "", errs.New(errs.IO, "rename WAL to backup", err).WithPath(path)
	}
	return backup, nil
}

// Truncate discards everything in the WAL file at path past validBytes,
// used after Replay reports a corrupt or partial trailing record. If the
// in-place truncate itself fails, the file is instead renamed to a backup
// path and an IO error naming that path is returned, so a drain tool can
// later recover whatever was salvageable.
func Truncate(path string, validBytes int64, now int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return errs.New(errs.IO, "open WAL for truncate", err).WithPath(path)
	}
	defer f.Close()

	if err := f.Truncate(validBytes); err != nil {
		backup := fmt.Sprintf("%s.bak-%d", path, now)
		if renameErr := os.Rename(path, backup); renameErr == nil {
			return errs.New(errs.IO, "truncate WAL tail failed; corrupt tail preserved", err).WithPath(backup)
		}
		return errs.New(errs.IO, "truncate WAL tail failed and backup rename also failed", err).WithPath(path)
	}
	return nil
}
