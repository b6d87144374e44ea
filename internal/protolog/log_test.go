package protolog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bayesmech/vision-server/internal/protomsg"
)

func newFrameFactory() func() *protomsg.Frame {
	return func() *protomsg.Frame { return new(protomsg.Frame) }
}

func testFrame(t *testing.T, n uint64) *protomsg.Frame {
	t.Helper()
	return &protomsg.Frame{
		Identifier: protomsg.FrameIdentifier{DeviceID: "rig", FrameNumber: n, TimestampNs: 1000 + n},
		Image:      &protomsg.ImagePayload{Format: protomsg.ImageFormatJPEG, Data: []byte{byte(n)}, Width: 4, Height: 4},
	}
}

func TestWriteFileReadFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.pb")
	frames := []*protomsg.Frame{testFrame(t, 1), testFrame(t, 2), testFrame(t, 3)}

	if err := WriteFile(path, frames); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, stats, err := ReadFile(path, newFrameFactory())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if stats.Read != 3 || stats.Skipped != 0 || stats.Resynced != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 frames, got %d", len(got))
	}
	for i, f := range got {
		if f.Identifier.FrameNumber != frames[i].Identifier.FrameNumber {
			t.Fatalf("frame %d: want number %d got %d", i, frames[i].Identifier.FrameNumber, f.Identifier.FrameNumber)
		}
	}
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pb")
	got, stats, err := ReadFile(path, newFrameFactory())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 0 || stats != (Stats{}) {
		t.Fatalf("want empty result for missing file, got %v %+v", got, stats)
	}
}

// Decode has no surrounding file to rewind into, so a corrupt length
// prefix ends the decode on the spot rather than resyncing past it.

func TestDecodeStopsCleanlyOnOversizedLengthPrefix(t *testing.T) {
	f1, err := Encode(testFrame(t, 1))
	if err != nil {
		t.Fatalf("Encode f1: %v", err)
	}
	f2, err := Encode(testFrame(t, 2))
	if err != nil {
		t.Fatalf("Encode f2: %v", err)
	}

	var data []byte
	data = append(data, f1...)
	data = append(data, 0xff, 0xff, 0xff, 0xff) // oversized length prefix: corruption marker.
	data = append(data, f2...)

	got, stats, err := Decode(data, newFrameFactory())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 1 || got[0].Identifier.FrameNumber != 1 {
		t.Fatalf("want only the frame before the corrupt prefix, got %d frames", len(got))
	}
	if stats.Resynced != 0 {
		t.Fatalf("Decode must not resync, got %+v", stats)
	}
}

func TestDecodeStopsCleanlyOnZeroLengthPrefix(t *testing.T) {
	f1, err := Encode(testFrame(t, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var data []byte
	data = append(data, f1...)
	data = append(data, 0x00, 0x00, 0x00, 0x00) // zero length prefix.
	data = append(data, f1...)

	got, stats, err := Decode(data, newFrameFactory())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want only the frame before the zero-length marker, got %d", len(got))
	}
	if stats.Resynced != 0 {
		t.Fatalf("Decode must not resync, got %+v", stats)
	}
}

func TestDecodeTruncatedTailIsCleanEOF(t *testing.T) {
	f1, err := Encode(testFrame(t, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f2, err := Encode(testFrame(t, 2))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	data := append(append([]byte{}, f1...), f2[:len(f2)-2]...)

	got, stats, err := Decode(data, newFrameFactory())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 frame (truncated second dropped cleanly), got %d", len(got))
	}
	if stats.Resynced != 0 {
		t.Fatalf("truncation is not corruption, want 0 resyncs, got %+v", stats)
	}
}

func TestDecodeSkipsUnparseableRecordAndContinues(t *testing.T) {
	f1, err := Encode(testFrame(t, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f3, err := Encode(testFrame(t, 3))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// A correctly length-prefixed record whose payload is garbage: the
	// length prefix is plausible so decode doesn't stop, but Unmarshal fails.
	garbage := make([]byte, 6)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(garbage)))

	var data []byte
	data = append(data, f1...)
	data = append(data, lenPrefix...)
	data = append(data, garbage...)
	data = append(data, f3...)

	got, stats, err := Decode(data, newFrameFactory())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 decoded frames around the skipped record, got %d", len(got))
	}
	if stats.Skipped != 1 {
		t.Fatalf("want 1 skipped record, got %+v", stats)
	}
}

// ReadFile, unlike Decode, rewinds and rescans byte-at-a-time past a
// corrupt length prefix: these tests write to a real file and call
// ReadFile so the resync path actually runs.

func TestReadFileCorruptionResync(t *testing.T) {
	f1, err := Encode(testFrame(t, 1))
	if err != nil {
		t.Fatalf("Encode f1: %v", err)
	}
	f2, err := Encode(testFrame(t, 2))
	if err != nil {
		t.Fatalf("Encode f2: %v", err)
	}

	var data []byte
	data = append(data, f1...)
	data = append(data, 0xff, 0xff, 0xff, 0xff) // oversized length prefix: corruption marker.
	data = append(data, f2...)

	path := filepath.Join(t.TempDir(), "corrupt.pb")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, stats, err := ReadFile(path, newFrameFactory())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 recovered frames, got %d", len(got))
	}
	if got[0].Identifier.FrameNumber != 1 || got[1].Identifier.FrameNumber != 2 {
		t.Fatalf("want order preserved [1,2], got [%d,%d]", got[0].Identifier.FrameNumber, got[1].Identifier.FrameNumber)
	}
	if stats.Resynced == 0 {
		t.Fatalf("expected at least one resync event, got %+v", stats)
	}
}

func TestReadFileZeroLengthPrefixIsCorruption(t *testing.T) {
	f1, err := Encode(testFrame(t, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var data []byte
	data = append(data, f1...)
	data = append(data, 0x00, 0x00, 0x00, 0x00) // zero length prefix.
	data = append(data, f1...)

	path := filepath.Join(t.TempDir(), "zerolen.pb")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, stats, err := ReadFile(path, newFrameFactory())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 frames recovered around zero-length marker, got %d", len(got))
	}
	if stats.Resynced == 0 {
		t.Fatalf("expected resync events, got %+v", stats)
	}
}

func TestReadFileTruncatedTailIsCleanEOF(t *testing.T) {
	f1, err := Encode(testFrame(t, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f2, err := Encode(testFrame(t, 2))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	data := append(append([]byte{}, f1...), f2[:len(f2)-2]...)

	path := filepath.Join(t.TempDir(), "truncated.pb")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, stats, err := ReadFile(path, newFrameFactory())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 frame (truncated second dropped cleanly), got %d", len(got))
	}
	if stats.Resynced != 0 {
		t.Fatalf("truncation is not corruption, want 0 resyncs, got %+v", stats)
	}
}

func TestReadFileSkipsUnparseableRecordAndContinues(t *testing.T) {
	f1, err := Encode(testFrame(t, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f3, err := Encode(testFrame(t, 3))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// A correctly length-prefixed record whose payload is garbage: the
	// length prefix is plausible so no resync fires, but Unmarshal fails.
	garbage := make([]byte, 6)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(garbage)))

	var data []byte
	data = append(data, f1...)
	data = append(data, lenPrefix...)
	data = append(data, garbage...)
	data = append(data, f3...)

	path := filepath.Join(t.TempDir(), "skip.pb")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, stats, err := ReadFile(path, newFrameFactory())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 decoded frames around the skipped record, got %d", len(got))
	}
	if stats.Skipped != 1 {
		t.Fatalf("want 1 skipped record, got %+v", stats)
	}
}

func TestWriterAppendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.pb")

	w, err := OpenWriter[*protomsg.Frame](path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.Append(testFrame(t, 1)); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if err := w.Append(testFrame(t, 2)); err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, stats, err := ReadFile(path, newFrameFactory())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 2 || stats.Read != 2 {
		t.Fatalf("want 2 appended records, got %d (%+v)", len(got), stats)
	}

	w2, err := OpenWriter[*protomsg.Frame](path)
	if err != nil {
		t.Fatalf("re-OpenWriter: %v", err)
	}
	if err := w2.Append(testFrame(t, 3)); err != nil {
		t.Fatalf("Append 3: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close 2: %v", err)
	}

	got, stats, err = ReadFile(path, newFrameFactory())
	if err != nil {
		t.Fatalf("ReadFile after reopen: %v", err)
	}
	if len(got) != 3 || stats.Read != 3 {
		t.Fatalf("want 3 records total after reopen-append, got %d (%+v)", len(got), stats)
	}
}
