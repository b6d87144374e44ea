package framestore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bayesmech/vision-server/internal/protomsg"
)

func frame(n, tsNs uint64) *protomsg.Frame {
	return &protomsg.Frame{
		Identifier: protomsg.FrameIdentifier{DeviceID: "dev", FrameNumber: n, TimestampNs: tsNs},
	}
}

func TestPushLatchesDeviceIDAndIntrinsicsOnFirstFrame(t *testing.T) {
	s := New()
	f1 := frame(1, 100)
	f1.Identifier.DeviceID = "rig-9"
	f1.Intrinsics = &protomsg.CameraIntrinsics{FX: 500}
	s.Push(f1)

	f2 := frame(2, 200) // no intrinsics: should inherit the cache.
	s.Push(f2)

	st := s.Stats()
	if st.DeviceID != "rig-9" {
		t.Fatalf("want latched device id rig-9, got %q", st.DeviceID)
	}
	if st.Intrinsics == nil || st.Intrinsics.FX != 500 {
		t.Fatalf("want cached intrinsics FX=500, got %+v", st.Intrinsics)
	}
	if st.FrameCount != 2 {
		t.Fatalf("want 2 frames, got %d", st.FrameCount)
	}
}

func TestClearResetsButKeepsSubscribers(t *testing.T) {
	s := New()
	var got []uint64
	var mu sync.Mutex
	unsub := s.Subscribe(func(f *protomsg.Frame) {
		mu.Lock()
		got = append(got, f.Identifier.FrameNumber)
		mu.Unlock()
	})
	defer unsub()

	s.Push(frame(1, 100))
	s.Clear()
	if st := s.Stats(); st.FrameCount != 0 || st.Source != "none" || st.DeviceID != "" {
		t.Fatalf("want cleared state, got %+v", st)
	}
	s.Push(frame(2, 200))

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscriber did not observe frames after clear, got %v", got)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSubscriberDeliveryOrderAndExactlyOnce(t *testing.T) {
	s := New()
	var got []uint64
	var mu sync.Mutex
	unsub := s.Subscribe(func(f *protomsg.Frame) {
		mu.Lock()
		got = append(got, f.Identifier.FrameNumber)
		mu.Unlock()
	})
	defer unsub()

	const n = 50
	for i := uint64(1); i <= n; i++ {
		s.Push(frame(i, i*1000))
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		l := len(got)
		mu.Unlock()
		if l == n {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("want %d deliveries, got %d: %v", n, l, got)
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != uint64(i+1) {
			t.Fatalf("delivery out of order at %d: want %d got %d (%v)", i, i+1, v, got)
		}
	}
}

func TestGetRangeHalfOpenAndClamped(t *testing.T) {
	s := New()
	for i := uint64(0); i < 10; i++ {
		s.Push(frame(i, i*1_000_000))
	}

	r := s.GetRange(3, 8)
	if len(r) != 5 {
		t.Fatalf("want 5 frames, got %d", len(r))
	}
	for i, f := range r {
		if f.Identifier.FrameNumber != uint64(3+i) {
			t.Fatalf("range[%d]: want %d got %d", i, 3+i, f.Identifier.FrameNumber)
		}
	}

	if r := s.GetRange(8, 100); len(r) != 2 {
		t.Fatalf("want clamp to 2 frames, got %d", len(r))
	}
	if r := s.GetRange(-5, 3); len(r) != 3 {
		t.Fatalf("want clamp negative start to 0..3, got %d", len(r))
	}
	if r := s.GetRange(20, 30); r != nil {
		t.Fatalf("want nil for out-of-range start, got %v", r)
	}
}

func TestEmptyStoreReplayIsNoop(t *testing.T) {
	s := New()
	invoked := false
	unsub := s.Subscribe(func(*protomsg.Frame) { invoked = true })
	defer unsub()

	if err := s.StartReplay(1, false); err != nil {
		t.Fatalf("StartReplay on empty store: %v", err)
	}
	if s.IsReplaying() {
		t.Fatalf("want is_replaying false immediately for empty store")
	}
	time.Sleep(20 * time.Millisecond)
	if invoked {
		t.Fatalf("want no subscriber invocation for empty-store replay")
	}
}

func TestTwoFrameReplayAtDoubleSpeedTiming(t *testing.T) {
	s := New()
	s.Push(frame(1, 1_000_000_000))
	s.Push(frame(2, 2_000_000_000)) // 1s apart in original timestamps.
	s.SetSource(SourceFile, "")

	var times []time.Time
	var mu sync.Mutex
	unsub := s.Subscribe(func(f *protomsg.Frame) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
	})
	defer unsub()

	if err := s.StartReplay(2, false); err != nil {
		t.Fatalf("StartReplay: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(times)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("want 2 replayed frames, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	gap := times[1].Sub(times[0])
	mu.Unlock()
	if gap < 400*time.Millisecond || gap > 700*time.Millisecond {
		t.Fatalf("want ~0.5s gap at 2x speed, got %v", gap)
	}
}

func TestReplayNaturalEndSetsSourceNone(t *testing.T) {
	s := New()
	s.Push(frame(1, 0))
	s.Push(frame(2, 1_000_000))
	s.SetSource(SourceFile, "")

	if err := s.StartReplay(100, false); err != nil {
		t.Fatalf("StartReplay: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for s.IsReplaying() {
		select {
		case <-deadline:
			t.Fatalf("replay did not end naturally")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if s.Source() != SourceNone {
		t.Fatalf("want source none after natural replay end, got %v", s.Source())
	}
}

func TestStopReplayResetsSourceToNone(t *testing.T) {
	s := New()
	for i := uint64(0); i < 5; i++ {
		s.Push(frame(i, i*1_000_000_000))
	}
	s.SetSource(SourceFile, "")

	if err := s.StartReplay(0.1, false); err != nil {
		t.Fatalf("StartReplay: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	s.StopReplay()

	if s.IsReplaying() {
		t.Fatalf("want replay stopped")
	}
	// Cancellation is just another exit path from the replay task, same
	// as natural completion: source must revert to none either way.
	if s.Source() != SourceNone {
		t.Fatalf("want source none after explicit stop, got %v", s.Source())
	}
}

func TestSourceExclusivityReplayingImpliesFile(t *testing.T) {
	s := New()
	s.Push(frame(1, 0))
	s.Push(frame(2, 1_000_000))
	s.SetSource(SourceFile, "")

	if err := s.StartReplay(0.01, false); err != nil {
		t.Fatalf("StartReplay: %v", err)
	}
	if s.IsReplaying() && s.Source() != SourceFile {
		t.Fatalf("replaying must imply source=file, got %v", s.Source())
	}
	s.StopReplay()
}

func TestRecordingFPSDefaultsAndComputes(t *testing.T) {
	s := New()
	if got := s.Stats().RecordingFPS; got != defaultRecordingFPS {
		t.Fatalf("want default fps for empty store, got %v", got)
	}

	s.Push(frame(1, 0))
	s.Push(frame(2, 500_000_000)) // 0.5s later
	s.Push(frame(3, 1_000_000_000))
	if got := s.Stats().RecordingFPS; got < 1.9 || got > 2.1 {
		t.Fatalf("want ~2fps for 3 frames over 1s, got %v", got)
	}
}

func TestSaveAndLoadRecordingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.pb")

	s := New()
	for i := uint64(0); i < 4; i++ {
		s.Push(frame(i, i*1_000_000))
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := New()
	n, err := loaded.LoadRecording(path)
	if err != nil {
		t.Fatalf("LoadRecording: %v", err)
	}
	if n != 4 {
		t.Fatalf("want 4 loaded frames, got %d", n)
	}
	if loaded.Source() != SourceFile {
		t.Fatalf("want source=file after LoadRecording, got %v", loaded.Source())
	}
}

func TestUnsubscribeIsIdempotentAfterClear(t *testing.T) {
	s := New()
	unsub := s.Subscribe(func(*protomsg.Frame) {})
	s.Clear()
	unsub()
	unsub() // must not panic.
}
