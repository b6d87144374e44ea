// Package framestore holds the authoritative in-memory buffer of the
// active session: every frame pushed so far, pub/sub fan-out to
// subscribers, random access, on-disk load/save, and timed replay.
package framestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bayesmech/vision-server/internal/logger"
	"github.com/bayesmech/vision-server/internal/protolog"
	"github.com/bayesmech/vision-server/internal/protomsg"
)

// Source tags what is currently driving the store.
type Source int

const (
	SourceNone Source = iota
	SourceLive
	SourceFile
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceFile:
		return "file"
	default:
		return "none"
	}
}

// Callback receives one pushed or replayed frame. It runs on a dedicated
// per-subscriber goroutine, never concurrently with itself, and must not
// retain the frame pointer beyond the call (the store treats frames as
// immutable after push, but makes no copy for delivery).
type Callback func(*protomsg.Frame)

// Stats is a point-in-time snapshot for dashboard and control-plane
// consumers.
type Stats struct {
	Source       string
	DeviceID     string
	FrameCount   int
	Replaying    bool
	LiveFPS      float64
	RecordingFPS float64
	Intrinsics   *protomsg.CameraIntrinsics
}

// Store is the session-scoped frame buffer. The zero value is not usable;
// construct with New.
type Store struct {
	mu         sync.RWMutex
	frames     []*protomsg.Frame
	source     Source
	deviceID   string
	startedAt  time.Time
	intrinsics *protomsg.CameraIntrinsics

	subsMu    sync.Mutex
	subs      map[int]*mailbox
	nextSubID int

	replayMu     sync.Mutex
	replayCancel context.CancelFunc
	replayWG     sync.WaitGroup
}

// New returns an empty store with source none.
func New() *Store {
	return &Store{subs: make(map[int]*mailbox)}
}

// SetSource tags the current session. An empty deviceID leaves the latched
// device id untouched.
func (s *Store) SetSource(source Source, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
	if deviceID != "" {
		s.deviceID = deviceID
	}
}

// Source returns the current source tag.
func (s *Store) Source() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Push appends f to the session and fans it out to every subscriber.
// Push never blocks on a slow subscriber: dispatch happens on each
// subscriber's own mailbox goroutine.
func (s *Store) Push(f *protomsg.Frame) {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.startedAt = time.Now()
		s.deviceID = f.Identifier.DeviceID
	}
	if f.Intrinsics != nil {
		s.intrinsics = f.Intrinsics
	}
	s.frames = append(s.frames, f)
	s.mu.Unlock()

	s.dispatch(f)
}

// Clear resets frames, counters, cached intrinsics, device id, and source
// to none. Subscribers are preserved.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
	s.source = SourceNone
	s.deviceID = ""
	s.startedAt = time.Time{}
	s.intrinsics = nil
}

// Latest returns the most recently pushed frame, or nil if the store is
// empty.
func (s *Store) Latest() *protomsg.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// GetFrame returns the frame at index i, or false if i is out of range.
func (s *Store) GetFrame(i int) (*protomsg.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.frames) {
		return nil, false
	}
	return s.frames[i], true
}

// GetRange returns the frames in the half-open interval [start, end),
// clamped to the store's current bounds.
func (s *Store) GetRange(start, end int) []*protomsg.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.frames)
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start >= end || start >= n {
		return nil
	}
	out := make([]*protomsg.Frame, end-start)
	copy(out, s.frames[start:end])
	return out
}

// AllFrames returns a copy of every frame currently buffered.
func (s *Store) AllFrames() []*protomsg.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*protomsg.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Subscribe registers cb to receive every frame pushed or replayed after
// this call. The returned unsubscribe function is idempotent and safe to
// call after Clear or after the store has no more frames to deliver.
func (s *Store) Subscribe(cb Callback) func() {
	mb := newMailbox(cb)

	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = mb
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			m, ok := s.subs[id]
			delete(s.subs, id)
			s.subsMu.Unlock()
			if ok {
				m.close()
			}
		})
	}
}

func (s *Store) dispatch(f *protomsg.Frame) {
	s.subsMu.Lock()
	mbs := make([]*mailbox, 0, len(s.subs))
	for _, m := range s.subs {
		mbs = append(mbs, m)
	}
	s.subsMu.Unlock()

	for _, m := range mbs {
		m.push(f)
	}
}

// LoadRecording clears the store, sets source to file, and reads every
// frame in path into memory via protolog. It latches the device id and
// camera intrinsics from the first frame that carries them. It returns the
// number of frames loaded.
func (s *Store) LoadRecording(path string) (int, error) {
	s.Clear()
	s.SetSource(SourceFile, "")

	frames, stats, err := protolog.ReadFile(path, func() *protomsg.Frame { return new(protomsg.Frame) })
	if err != nil {
		return 0, fmt.Errorf("framestore: load_recording: %w", err)
	}
	if stats.Skipped > 0 || stats.Resynced > 0 {
		logger.Warn("FrameStore", "load_recording %s: %d skipped, %d resynced", path, stats.Skipped, stats.Resynced)
	}

	s.mu.Lock()
	s.frames = frames
	for _, f := range frames {
		if s.deviceID == "" && f.Identifier.DeviceID != "" {
			s.deviceID = f.Identifier.DeviceID
		}
		if s.intrinsics == nil && f.Intrinsics != nil {
			s.intrinsics = f.Intrinsics
		}
	}
	if len(frames) > 0 {
		s.startedAt = time.Now()
	}
	s.mu.Unlock()

	return len(frames), nil
}

// Save appends every currently buffered frame to path via protolog.
func (s *Store) Save(path string) error {
	frames := s.AllFrames()
	if err := protolog.WriteFile(path, frames); err != nil {
		return fmt.Errorf("framestore: save: %w", err)
	}
	return nil
}

// IsReplaying reports whether a replay task is currently running.
func (s *Store) IsReplaying() bool {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	return s.replayCancel != nil
}

// StartReplay begins a background task that walks the already-loaded
// frames, sleeping between them by (ts[i+1]-ts[i])/speed, clamped to 500ms,
// and dispatching each to every subscriber. When the task exits, either by
// reaching the end without looping or through StopReplay, source reverts to
// none if it is still file.
// Starting replay on an empty store is a no-op. Speed <= 0 is treated as 1.
func (s *Store) StartReplay(speed float64, loop bool) error {
	if speed <= 0 {
		speed = 1
	}

	s.mu.RLock()
	frames := make([]*protomsg.Frame, len(s.frames))
	copy(frames, s.frames)
	source := s.source
	s.mu.RUnlock()

	if len(frames) == 0 {
		return nil
	}
	// start_replay while live is a caller error per spec.md §4.2; we refuse
	// rather than silently corrupt an active live session.
	if source == SourceLive {
		return fmt.Errorf("framestore: cannot start replay while source is live")
	}

	s.replayMu.Lock()
	if s.replayCancel != nil {
		s.replayMu.Unlock()
		return fmt.Errorf("framestore: replay already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.replayCancel = cancel
	s.replayWG.Add(1)
	s.replayMu.Unlock()

	go s.runReplay(ctx, frames, speed, loop)
	return nil
}

// StopReplay cancels any running replay task and waits for it to exit.
// Calling it with no replay running is a safe no-op.
func (s *Store) StopReplay() {
	s.replayMu.Lock()
	cancel := s.replayCancel
	s.replayMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.replayWG.Wait()
}

const maxReplayGap = 500 * time.Millisecond

func (s *Store) runReplay(ctx context.Context, frames []*protomsg.Frame, speed float64, loop bool) {
	defer s.replayWG.Done()
	defer func() {
		s.replayMu.Lock()
		s.replayCancel = nil
		s.replayMu.Unlock()
	}()

loop:
	for {
		for i, f := range frames {
			select {
			case <-ctx.Done():
				break loop
			default:
			}

			s.dispatch(f)

			if i+1 >= len(frames) {
				continue
			}
			gap := time.Duration(frames[i+1].Identifier.TimestampNs-f.Identifier.TimestampNs) * time.Nanosecond
			sleep := time.Duration(float64(gap) / speed)
			if sleep > maxReplayGap {
				sleep = maxReplayGap
			}
			if sleep < 0 {
				sleep = 0
			}

			select {
			case <-ctx.Done():
				break loop
			case <-time.After(sleep):
			}
		}
		if !loop {
			break
		}
	}

	// Source reverts to none on every exit from this task, natural
	// completion or cancellation alike — mirrors the ground truth's
	// finally block, which runs regardless of how the task ends.
	s.mu.Lock()
	if s.source == SourceFile {
		s.source = SourceNone
	}
	s.mu.Unlock()
}

// Stats returns a point-in-time snapshot of the store's session state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Source:       s.source.String(),
		DeviceID:     s.deviceID,
		FrameCount:   len(s.frames),
		Intrinsics:   s.intrinsics,
		RecordingFPS: recordingFPS(s.frames),
	}
	if !s.startedAt.IsZero() && len(s.frames) > 0 {
		if elapsed := time.Since(s.startedAt).Seconds(); elapsed > 0 {
			st.LiveFPS = float64(len(s.frames)) / elapsed
		}
	}
	s.mu.RUnlock()

	st.Replaying = s.IsReplaying()
	return st
}

const defaultRecordingFPS = 30.0

func recordingFPS(frames []*protomsg.Frame) float64 {
	if len(frames) < 2 {
		return defaultRecordingFPS
	}
	first := frames[0].Identifier.TimestampNs
	last := frames[len(frames)-1].Identifier.TimestampNs
	if last <= first {
		return defaultRecordingFPS
	}
	durationSec := float64(last-first) / 1e9
	if durationSec <= 0 {
		return defaultRecordingFPS
	}
	return float64(len(frames)-1) / durationSec
}

// mailbox serializes delivery of frames to one subscriber callback on its
// own goroutine, so that two pushes never race to invoke the same
// subscriber out of order, and a slow or panicking subscriber never blocks
// or crashes the pusher.
type mailbox struct {
	cb Callback

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*protomsg.Frame
	closed bool
}

func newMailbox(cb Callback) *mailbox {
	m := &mailbox{cb: cb}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) push(f *protomsg.Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, f)
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		f := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.invoke(f)
	}
}

func (m *mailbox) invoke(f *protomsg.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("FrameStore", "subscriber panic: %v", r)
		}
	}()
	m.cb(f)
}
