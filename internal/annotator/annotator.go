// Package annotator drives an external segmentation service: it enqueues
// unannotated frames, correlates asynchronously-returned results back to
// frames by identity, persists annotations to a sidecar log, and notifies
// a registered callback as results arrive.
package annotator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bayesmech/vision-server/internal/logger"
	"github.com/bayesmech/vision-server/internal/protolog"
	"github.com/bayesmech/vision-server/internal/protomsg"
	"github.com/bayesmech/vision-server/internal/segclient"
)

const (
	defaultReconnectInterval = 5 * time.Second
	defaultResultWaitTimeout = 300 * time.Second
	requeueBackoff           = 2 * time.Second
)

// Status is a point-in-time snapshot of the connection to the
// segmentation service.
type Status struct {
	Connected bool
	SessionID string
}

// Annotator owns one connection to the segmentation service and the
// in-memory map of every annotation received this session.
type Annotator struct {
	client      *segclient.Client
	TriggerType protomsg.TriggerType

	reconnectInterval time.Duration
	resultWaitTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	sessionID string

	annMu         sync.Mutex
	annotations   map[protomsg.AnnotationKey]*protomsg.Annotation
	pending       map[protomsg.AnnotationKey]bool
	recordingPath string
	sidecar       *protolog.Writer[*protomsg.Annotation]

	queue        *frameQueue
	resultEvent  *event
	sentCount    atomic.Int64
	recvCount    atomic.Int64
	skippedCount atomic.Int64
	sidecarErrs  atomic.Int64
	connectErrs  atomic.Int64

	workerMu      sync.Mutex
	workerRunning bool

	onAnnotation func(*protomsg.Annotation)
}

// New constructs an Annotator targeting the segmentation service at host,
// reconnecting every reconnectInterval and waiting up to resultWaitTimeout
// for the first result of a batch before giving up and logging a warning.
// onAnnotation, if non-nil, is invoked (from the reader goroutine) for
// every annotation the service returns.
func New(host string, reconnectInterval, resultWaitTimeout time.Duration, onAnnotation func(*protomsg.Annotation)) *Annotator {
	ctx, cancel := context.WithCancel(context.Background())
	if reconnectInterval <= 0 {
		reconnectInterval = defaultReconnectInterval
	}
	if resultWaitTimeout <= 0 {
		resultWaitTimeout = defaultResultWaitTimeout
	}
	return &Annotator{
		client:            segclient.New(host),
		TriggerType:       protomsg.TriggerAutoGrid,
		reconnectInterval: reconnectInterval,
		resultWaitTimeout: resultWaitTimeout,
		ctx:               ctx,
		cancel:            cancel,
		annotations:       make(map[protomsg.AnnotationKey]*protomsg.Annotation),
		pending:           make(map[protomsg.AnnotationKey]bool),
		queue:             &frameQueue{},
		resultEvent:       newEvent(),
		onAnnotation:      onAnnotation,
	}
}

// SidecarPath derives the annotation sidecar path for a recording path by
// replacing its final suffix with ".seg.pb".
func SidecarPath(recordingPath string) string {
	ext := filepath.Ext(recordingPath)
	return strings.TrimSuffix(recordingPath, ext) + ".seg.pb"
}

// Connect probes the segmentation service once; on success it opens a
// session and a reader task and returns connected. On failure it leaves
// the annotator disconnected and starts a retry loop in the background,
// ticking every reconnectInterval (5 seconds by default). The first
// attempt runs synchronously, bounded by the segclient timeouts; Connect
// does not wait for any retry.
func (a *Annotator) Connect() {
	if a.tryConnectOnce() {
		return
	}
	a.wg.Add(1)
	go a.retryLoop()
}

func (a *Annotator) tryConnectOnce() bool {
	if err := a.client.Status(a.ctx); err != nil {
		logger.Debug("Annotator", "segmentation service unreachable: %v", err)
		a.connectErrs.Add(1)
		return false
	}

	sessionID, err := a.client.OpenSession(a.ctx)
	if err != nil {
		logger.Warn("Annotator", "open session failed: %v", err)
		a.connectErrs.Add(1)
		return false
	}

	conn, err := a.client.Dial(a.ctx, sessionID)
	if err != nil {
		logger.Warn("Annotator", "websocket dial failed: %v", err)
		a.connectErrs.Add(1)
		return false
	}

	a.connMu.Lock()
	a.conn = conn
	a.sessionID = sessionID
	a.connected = true
	a.connMu.Unlock()

	logger.Info("Annotator", "connected to segmentation service, session %s", sessionID)

	a.wg.Add(1)
	go a.readLoop(conn)
	return true
}

func (a *Annotator) retryLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.tryConnectOnce() {
				return
			}
		}
	}
}

func (a *Annotator) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	defer a.onDisconnect(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ann protomsg.Annotation
		if err := ann.Unmarshal(data); err != nil {
			logger.Warn("Annotator", "corrupt segmentation response: %v", err)
			continue
		}
		a.handleResult(&ann)
	}
}

func (a *Annotator) onDisconnect(conn *websocket.Conn) {
	a.connMu.Lock()
	if a.conn == conn {
		a.connected = false
		a.conn = nil
	}
	a.connMu.Unlock()
	conn.Close()

	select {
	case <-a.ctx.Done():
		return
	default:
	}

	logger.Warn("Annotator", "segmentation websocket closed, entering retry loop")
	a.wg.Add(1)
	go a.retryLoop()
}

func (a *Annotator) handleResult(ann *protomsg.Annotation) {
	key := ann.Key()

	a.annMu.Lock()
	a.annotations[key] = ann
	delete(a.pending, key)
	sidecar := a.sidecar
	a.annMu.Unlock()

	a.recvCount.Add(1)
	a.resultEvent.Set()

	if sidecar != nil {
		if err := sidecar.Append(ann); err != nil {
			logger.Error("Annotator", "sidecar write failed for %+v: %v", key, err)
			a.sidecarErrs.Add(1)
		}
	}

	if a.onAnnotation != nil {
		a.invokeCallback(ann)
	}
}

func (a *Annotator) invokeCallback(ann *protomsg.Annotation) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Annotator", "annotation callback panic: %v", r)
		}
	}()
	a.onAnnotation(ann)
}

// AnnotateRecording enqueues every frame in frames whose identifier is not
// already annotated or already pending, resets the sent/received counters
// and completion event, and, if anything was enqueued, ensures the
// background worker is running.
// Calling it twice with overlapping frame sets enqueues each frame at most
// once overall.
func (a *Annotator) AnnotateRecording(frames []*protomsg.Frame) {
	a.annMu.Lock()
	toEnqueue := make([]*protomsg.Frame, 0, len(frames))
	for _, f := range frames {
		key := f.Identifier.Key()
		if _, done := a.annotations[key]; done {
			a.skippedCount.Add(1)
			continue
		}
		if a.pending[key] {
			a.skippedCount.Add(1)
			continue
		}
		a.pending[key] = true
		toEnqueue = append(toEnqueue, f)
	}
	a.annMu.Unlock()

	a.sentCount.Store(0)
	a.recvCount.Store(0)
	a.resultEvent.Reset()

	if len(toEnqueue) == 0 {
		return
	}

	for _, f := range toEnqueue {
		a.queue.push(f)
	}
	a.ensureWorker()
}

func (a *Annotator) ensureWorker() {
	a.workerMu.Lock()
	defer a.workerMu.Unlock()
	if a.workerRunning {
		return
	}
	a.workerRunning = true
	a.wg.Add(1)
	go a.workerLoop()
}

// workerLoop is the two-phase background task: phase one drains the
// queue, sending a request per frame (or requeuing on disconnect); phase
// two waits for the first result once the queue is empty.
func (a *Annotator) workerLoop() {
	defer a.wg.Done()
	defer func() {
		a.workerMu.Lock()
		a.workerRunning = false
		a.workerMu.Unlock()
	}()

	for {
		f, ok := a.queue.pop()
		if !ok {
			break
		}

		select {
		case <-a.ctx.Done():
			return
		default:
		}

		key := f.Identifier.Key()
		a.annMu.Lock()
		_, already := a.annotations[key]
		a.annMu.Unlock()
		if already {
			a.clearPending(key)
			continue
		}

		if !a.isConnected() {
			a.queue.push(f)
			if !a.sleep(requeueBackoff) {
				return
			}
			continue
		}

		if err := a.sendFrame(f); err != nil {
			logger.Warn("Annotator", "send frame failed, will retry: %v", err)
			a.queue.push(f)
			if !a.sleep(requeueBackoff) {
				return
			}
			continue
		}
		a.sentCount.Add(1)
	}

	if a.sentCount.Load() > 0 && a.recvCount.Load() == 0 {
		waitCtx, cancel := context.WithTimeout(a.ctx, a.resultWaitTimeout)
		ok := a.resultEvent.Wait(waitCtx.Done())
		cancel()
		if !ok {
			logger.Warn("Annotator", "timed out after %s waiting for first segmentation result", a.resultWaitTimeout)
		}
	}
}

func (a *Annotator) sleep(d time.Duration) bool {
	select {
	case <-a.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (a *Annotator) clearPending(key protomsg.AnnotationKey) {
	a.annMu.Lock()
	delete(a.pending, key)
	a.annMu.Unlock()
}

func (a *Annotator) isConnected() bool {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return a.connected && a.conn != nil
}

func (a *Annotator) sendFrame(f *protomsg.Frame) error {
	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("annotator: not connected")
	}

	var image protomsg.ImagePayload
	if f.Image != nil {
		image = *f.Image
	}
	req := &protomsg.SegmentationRequest{
		Identifier:  f.Identifier,
		Image:       image,
		TriggerType: a.TriggerType,
	}
	payload, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("annotator: marshal request: %w", err)
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Stop cancels the worker's further sending by draining the queue without
// sending its contents; any result already in flight on the wire still
// arrives and is processed normally.
func (a *Annotator) Stop() {
	drained := a.queue.drainAll()
	if len(drained) == 0 {
		return
	}
	a.annMu.Lock()
	for _, f := range drained {
		delete(a.pending, f.Identifier.Key())
	}
	a.annMu.Unlock()
}

// LoadAnnotations reads recordingPath's sidecar log, replacing the
// in-memory annotation map with its contents, and opens the sidecar for
// append so subsequent results are persisted.
func (a *Annotator) LoadAnnotations(recordingPath string) error {
	sidecarPath := SidecarPath(recordingPath)
	anns, stats, err := protolog.ReadFile(sidecarPath, func() *protomsg.Annotation { return new(protomsg.Annotation) })
	if err != nil {
		return fmt.Errorf("annotator: load_annotations: %w", err)
	}
	if stats.Skipped > 0 || stats.Resynced > 0 {
		logger.Warn("Annotator", "load_annotations %s: %d skipped, %d resynced", sidecarPath, stats.Skipped, stats.Resynced)
	}

	w, err := protolog.OpenWriter[*protomsg.Annotation](sidecarPath)
	if err != nil {
		return fmt.Errorf("annotator: open sidecar: %w", err)
	}

	a.annMu.Lock()
	if a.sidecar != nil {
		a.sidecar.Close()
	}
	a.sidecar = w
	a.recordingPath = recordingPath
	a.annotations = make(map[protomsg.AnnotationKey]*protomsg.Annotation, len(anns))
	a.pending = make(map[protomsg.AnnotationKey]bool)
	for _, ann := range anns {
		a.annotations[ann.Key()] = ann
	}
	a.annMu.Unlock()

	return nil
}

// GetAnnotation returns the annotation for (timestampNs, frameNumber), if
// any.
func (a *Annotator) GetAnnotation(timestampNs, frameNumber uint64) (*protomsg.Annotation, bool) {
	a.annMu.Lock()
	defer a.annMu.Unlock()
	ann, ok := a.annotations[protomsg.AnnotationKey{TimestampNs: timestampNs, FrameNumber: frameNumber}]
	return ann, ok
}

// HasAnnotation reports whether (timestampNs, frameNumber) has a result.
func (a *Annotator) HasAnnotation(timestampNs, frameNumber uint64) bool {
	_, ok := a.GetAnnotation(timestampNs, frameNumber)
	return ok
}

// AllAnnotations returns every currently known annotation, in no
// particular order.
func (a *Annotator) AllAnnotations() []*protomsg.Annotation {
	a.annMu.Lock()
	defer a.annMu.Unlock()
	out := make([]*protomsg.Annotation, 0, len(a.annotations))
	for _, ann := range a.annotations {
		out = append(out, ann)
	}
	return out
}

// PendingCount returns the number of frames enqueued or in flight whose
// result has not yet arrived.
func (a *Annotator) PendingCount() int {
	a.annMu.Lock()
	defer a.annMu.Unlock()
	return len(a.pending)
}

// CompletedCount returns the number of frames with a known annotation.
func (a *Annotator) CompletedCount() int {
	a.annMu.Lock()
	defer a.annMu.Unlock()
	return len(a.annotations)
}

// Counts returns the number of segmentation requests sent and results
// received since the last AnnotateRecording call reset them, for metrics
// polling.
func (a *Annotator) Counts() (sent, received int64) {
	return a.sentCount.Load(), a.recvCount.Load()
}

// ErrorCounts returns the number of frames skipped as already
// annotated/pending, the number of sidecar write failures, and the
// number of segmentation service connect/dial failures so far, for
// metrics polling.
func (a *Annotator) ErrorCounts() (skipped, sidecarErrs, connectErrs int64) {
	return a.skippedCount.Load(), a.sidecarErrs.Load(), a.connectErrs.Load()
}

// GetStatus reports the current connection state.
func (a *Annotator) GetStatus() Status {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return Status{Connected: a.connected, SessionID: a.sessionID}
}

// Close cancels all background work, closes the websocket and
// segmentation session if open, and closes the sidecar writer.
func (a *Annotator) Close() {
	a.cancel()

	a.connMu.Lock()
	conn := a.conn
	sessionID := a.sessionID
	a.connected = false
	a.conn = nil
	a.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), segclient.SessionTimeout)
		if err := a.client.CloseSession(ctx, sessionID); err != nil {
			logger.Warn("Annotator", "close session: %v", err)
		}
		cancel()
	}

	a.wg.Wait()

	a.annMu.Lock()
	if a.sidecar != nil {
		a.sidecar.Close()
		a.sidecar = nil
	}
	a.annMu.Unlock()
}
