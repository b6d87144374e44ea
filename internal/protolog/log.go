// Package protolog implements the length-delimited, corruption-tolerant
// on-disk record format shared by frame recordings and annotation
// sidecars: repeated (uint32 big-endian length)(payload) records.
//
// Generic over the payload type via protomsg.Message so the same
// encode/decode/resync logic serves both *protomsg.Frame recordings and
// *protomsg.Annotation sidecars without duplicating the corruption-scan
// loop per type.
package protolog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bayesmech/vision-server/internal/protomsg"
)

// Message is the constraint every logged type must satisfy.
type Message = protomsg.Message

const (
	lengthPrefixBytes = 4
	maxRecordBytes    = 10 * 1024 * 1024
)

// Stats reports what a ReadFile call did: how many records decoded
// cleanly, how many decoded-but-unmarshal-failed records were skipped, and
// how many times the reader had to resync past a corrupt length prefix.
type Stats struct {
	Read     int
	Skipped  int
	Resynced int
}

// Encode serializes m as one length-delimited record. A record larger than
// the 10 MiB cap is rejected outright: ReadFile treats any length prefix
// above that cap as a corruption marker, so producing one would make the
// record unreadable.
func Encode(m Message) ([]byte, error) {
	payload, err := m.Marshal()
	if err != nil {
		return nil, fmt.Errorf("protolog: encode: %w", err)
	}
	if len(payload) > maxRecordBytes {
		return nil, fmt.Errorf("protolog: encode: record size %d exceeds %d byte limit", len(payload), maxRecordBytes)
	}
	out := make([]byte, lengthPrefixBytes+len(payload))
	binary.BigEndian.PutUint32(out[:lengthPrefixBytes], uint32(len(payload)))
	copy(out[lengthPrefixBytes:], payload)
	return out, nil
}

// ReadFile decodes every record in path, recovering from corruption rather
// than failing the whole read:
//
//   - a length prefix of 0 or greater than 10 MiB is corruption: the reader
//     rewinds to just past where it started this record and advances one
//     byte at a time until it finds a plausible prefix again (or the data
//     runs out);
//   - a length prefix claiming more bytes than remain is a legitimately
//     truncated tail: the read ends cleanly, keeping everything before it;
//   - a record whose length prefix is fine but whose payload fails to
//     unmarshal is skipped and counted, and the read continues at the next
//     record boundary.
//
// A missing file is not an error; it reads as zero records.
func ReadFile[T Message](path string, factory func() T) ([]T, Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Stats{}, nil
		}
		return nil, Stats{}, fmt.Errorf("protolog: read %s: %w", path, err)
	}
	return decodeAll(data, factory)
}

// Decode parses a single in-memory buffer of concatenated records (e.g. a
// buffered socket payload), stopping cleanly at the first corrupt length
// prefix instead of resyncing past it: unlike ReadFile, there is no
// surrounding file to rewind into and rescan, so a bad prefix just ends the
// decode with whatever records parsed before it.
func Decode[T Message](data []byte, factory func() T) ([]T, Stats, error) {
	var out []T
	var stats Stats

	pos := 0
	for pos < len(data) {
		if len(data)-pos < lengthPrefixBytes {
			break // truncated tail too short to hold a length prefix: clean EOF.
		}

		length := binary.BigEndian.Uint32(data[pos : pos+lengthPrefixBytes])
		if length == 0 || length > maxRecordBytes {
			break // corrupt prefix: decode stops here, no resync.
		}

		recordEnd := pos + lengthPrefixBytes + int(length)
		if recordEnd > len(data) {
			break // truncated tail: header was plausible but body is incomplete.
		}

		payload := data[pos+lengthPrefixBytes : recordEnd]
		msg := factory()
		if err := msg.Unmarshal(payload); err != nil {
			stats.Skipped++
		} else {
			out = append(out, msg)
			stats.Read++
		}
		pos = recordEnd
	}

	return out, stats, nil
}

func decodeAll[T Message](data []byte, factory func() T) ([]T, Stats, error) {
	var out []T
	var stats Stats

	pos := 0
	for pos < len(data) {
		if len(data)-pos < lengthPrefixBytes {
			break // truncated tail too short to hold a length prefix: clean EOF.
		}

		length := binary.BigEndian.Uint32(data[pos : pos+lengthPrefixBytes])
		if length == 0 || length > maxRecordBytes {
			pos++
			stats.Resynced++
			continue
		}

		recordEnd := pos + lengthPrefixBytes + int(length)
		if recordEnd > len(data) {
			break // truncated tail: header was plausible but body is incomplete.
		}

		payload := data[pos+lengthPrefixBytes : recordEnd]
		msg := factory()
		if err := msg.Unmarshal(payload); err != nil {
			stats.Skipped++
		} else {
			out = append(out, msg)
			stats.Read++
		}
		pos = recordEnd
	}

	return out, stats, nil
}

// WriteFile appends the length-delimited encoding of msgs to path, creating
// it and any missing parent directories if necessary. Append, not
// overwrite: the sidecar log is built up one annotation at a time, and a
// full-session save must not destroy a previously saved prefix.
func WriteFile[T Message](path string, msgs []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("protolog: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("protolog: open %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, m := range msgs {
		rec, err := Encode(m)
		if err != nil {
			return err
		}
		if _, err := w.Write(rec); err != nil {
			return fmt.Errorf("protolog: write %s: %w", path, err)
		}
	}
	return w.Flush()
}

// Writer is a record sink held open in append mode for the lifetime of a
// session, rather than reopened per write — the same shape as the
// teacher's frame recorder, which keeps one *os.File live behind a mutex
// instead of paying an open/close per frame. The annotation sidecar uses
// this to append one annotation at a time as segmentation results arrive.
type Writer[T Message] struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// OpenWriter opens path for appending, creating it and any parent
// directories if necessary.
func OpenWriter[T Message](path string) (*Writer[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("protolog: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("protolog: open %s: %w", path, err)
	}
	return &Writer[T]{file: f, buf: bufio.NewWriter(f)}, nil
}

// Append encodes and writes one record, flushing immediately: annotation
// writes are infrequent enough that batching would only add latency before
// a crash could lose them.
func (w *Writer[T]) Append(m T) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(rec); err != nil {
		return fmt.Errorf("protolog: append: %w", err)
	}
	return w.buf.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
