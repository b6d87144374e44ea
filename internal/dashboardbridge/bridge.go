// Package dashboardbridge serves one viewer per WebSocket connection: a
// binary-framed stream of frames and annotations, initial-state
// synchronization on connect, random-access seek, and annotation
// broadcast as results arrive.
package dashboardbridge

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bayesmech/vision-server/internal/annotator"
	"github.com/bayesmech/vision-server/internal/framestore"
	"github.com/bayesmech/vision-server/internal/logger"
	"github.com/bayesmech/vision-server/internal/protomsg"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// AnnotationSource is the read-only subset of *annotator.Annotator the
// bridge needs: it must never own or mutate the annotation map, only
// query it and be handed results to broadcast. This breaks the cyclic
// dependency spec.md §9 calls out between the annotator and the bridge.
type AnnotationSource interface {
	AllAnnotations() []*protomsg.Annotation
}

var _ AnnotationSource = (*annotator.Annotator)(nil)

// Bridge fans frames and annotations out to connected viewers.
type Bridge struct {
	store *framestore.Store
	anns  AnnotationSource

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
}

// New constructs a Bridge reading frames from store and annotations from
// anns.
func New(store *framestore.Store, anns AnnotationSource) *Bridge {
	return &Bridge{store: store, anns: anns, viewers: make(map[*viewer]struct{})}
}

type viewer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	unsubOnce sync.Once
	unsub     func()
}

func (v *viewer) writeMessage(msgType int, data []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return v.conn.WriteMessage(msgType, data)
}

// HandleConnection drives one viewer connection to completion: initial
// catch-up, live fan-out subscription, and the control-message read loop.
// It returns when the connection closes.
func (b *Bridge) HandleConnection(conn *websocket.Conn) {
	v := &viewer{id: uuid.NewString(), conn: conn}
	b.register(v)
	logger.Debug("DashboardBridge", "viewer %s connected", v.id)
	defer b.unregister(v)

	if latest := b.store.Latest(); latest != nil {
		if err := b.sendFrames(v, []*protomsg.Frame{latest}); err != nil {
			return
		}
	}
	if err := b.sendAnnotations(v, b.anns.AllAnnotations()); err != nil {
		return
	}

	v.unsub = b.store.Subscribe(func(f *protomsg.Frame) {
		if err := b.sendFrames(v, []*protomsg.Frame{f}); err != nil {
			b.unregister(v)
		}
	})

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // 30s read timeout is a keepalive tick, not a disconnect.
			}
			return
		}
		b.handleMessage(v, data)
	}
}

func (b *Bridge) register(v *viewer) {
	b.mu.Lock()
	b.viewers[v] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) unregister(v *viewer) {
	v.unsubOnce.Do(func() {
		b.mu.Lock()
		delete(b.viewers, v)
		b.mu.Unlock()
		if v.unsub != nil {
			v.unsub()
		}
		v.conn.Close()
		logger.Debug("DashboardBridge", "viewer %s disconnected", v.id)
	})
}

// BroadcastAnnotation sends a single 0x02 batch containing ann to every
// connected viewer, evicting any whose send fails.
func (b *Bridge) BroadcastAnnotation(ann *protomsg.Annotation) {
	b.mu.RLock()
	viewers := make([]*viewer, 0, len(b.viewers))
	for v := range b.viewers {
		viewers = append(viewers, v)
	}
	b.mu.RUnlock()

	for _, v := range viewers {
		if err := b.sendAnnotations(v, []*protomsg.Annotation{ann}); err != nil {
			b.unregister(v)
		}
	}
}

// ViewerCount returns the number of currently connected viewers.
func (b *Bridge) ViewerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers)
}

func (b *Bridge) sendFrames(v *viewer, frames []*protomsg.Frame) error {
	payload, err := encodeBatch(prefixFrame, frames)
	if err != nil {
		logger.Error("DashboardBridge", "encode frame batch: %v", err)
		return err
	}
	return v.writeMessage(websocket.BinaryMessage, payload)
}

func (b *Bridge) sendAnnotations(v *viewer, anns []*protomsg.Annotation) error {
	payload, err := encodeBatch(prefixAnnotation, anns)
	if err != nil {
		logger.Error("DashboardBridge", "encode annotation batch: %v", err)
		return err
	}
	return v.writeMessage(websocket.BinaryMessage, payload)
}

type controlMessage struct {
	Action string `json:"action"`
	Start  *int   `json:"start"`
	End    *int   `json:"end"`
}

type statsMessage struct {
	Type         string  `json:"type"`
	Source       string  `json:"source"`
	DeviceID     string  `json:"device_id"`
	FrameCount   int     `json:"frame_count"`
	Replaying    bool    `json:"replaying"`
	LiveFPS      float64 `json:"live_fps"`
	RecordingFPS float64 `json:"recording_fps"`
}

func (b *Bridge) handleMessage(v *viewer, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return // malformed JSON is ignored silently, per spec.md §7.
	}

	switch msg.Action {
	case "get_stats":
		b.handleGetStats(v)
	case "seek":
		if msg.Start == nil || msg.End == nil {
			return
		}
		b.handleSeek(v, *msg.Start, *msg.End)
	case "get_annotations":
		b.sendAnnotations(v, b.anns.AllAnnotations())
	default:
		// Unknown action: ignore silently.
	}
}

func (b *Bridge) handleGetStats(v *viewer) {
	st := b.store.Stats()
	payload, err := json.Marshal(statsMessage{
		Type:         "stats",
		Source:       st.Source,
		DeviceID:     st.DeviceID,
		FrameCount:   st.FrameCount,
		Replaying:    st.Replaying,
		LiveFPS:      st.LiveFPS,
		RecordingFPS: st.RecordingFPS,
	})
	if err != nil {
		logger.Error("DashboardBridge", "marshal stats: %v", err)
		return
	}
	v.writeMessage(websocket.TextMessage, payload)
}

// handleSeek replies with exactly the frames in [start,end) and the
// subset of known annotations whose identifiers appear in that range,
// frame batch first so a viewer never sees annotations for frames it
// hasn't received yet.
func (b *Bridge) handleSeek(v *viewer, start, end int) {
	frames := b.store.GetRange(start, end)
	if err := b.sendFrames(v, frames); err != nil {
		return
	}

	keys := make(map[protomsg.AnnotationKey]struct{}, len(frames))
	for _, f := range frames {
		keys[f.Identifier.Key()] = struct{}{}
	}

	matched := make([]*protomsg.Annotation, 0, len(keys))
	for _, ann := range b.anns.AllAnnotations() {
		if _, ok := keys[ann.Key()]; ok {
			matched = append(matched, ann)
		}
	}
	b.sendAnnotations(v, matched)
}
