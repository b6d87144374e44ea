// Package ingress accepts the device-facing WebSocket stream: one
// Marshal()-encoded protomsg.Frame per WebSocket message, pushed straight
// into the FrameStore as it arrives.
package ingress

import (
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/bayesmech/vision-server/internal/framestore"
	"github.com/bayesmech/vision-server/internal/logger"
	"github.com/bayesmech/vision-server/internal/protomsg"
)

// Ingress drives device connections into a FrameStore.
type Ingress struct {
	store *framestore.Store

	parseErrors atomic.Uint64
}

// New constructs an Ingress writing into store.
func New(store *framestore.Store) *Ingress {
	return &Ingress{store: store}
}

// ParseErrors returns the number of device messages that failed to parse
// as a Frame since the Ingress was created.
func (i *Ingress) ParseErrors() uint64 {
	return i.parseErrors.Load()
}

// HandleConnection takes over a device WebSocket connection: any active
// replay is stopped, the store is cleared, and the source switches to
// live before the first frame is read. Parse failures are logged and
// skipped without dropping the connection; only a read error or close
// ends the loop. On return, the source reverts to none and the pushed
// frames remain in the store for the caller to save.
func (i *Ingress) HandleConnection(conn *websocket.Conn) {
	defer conn.Close()

	i.store.StopReplay()
	i.store.Clear()
	i.store.SetSource(framestore.SourceLive, "")

	count := 0
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frame := new(protomsg.Frame)
		if err := frame.Unmarshal(data); err != nil {
			logger.Warn("Ingress", "proto parse error: %v", err)
			i.parseErrors.Add(1)
			continue
		}
		i.store.Push(frame)
		count++
	}

	logger.Info("Ingress", "device disconnected (pushed %d frames)", count)
	i.store.SetSource(framestore.SourceNone, "")
}
