package ingress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bayesmech/vision-server/internal/framestore"
	"github.com/bayesmech/vision-server/internal/protomsg"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func startIngressServer(t *testing.T, i *Ingress) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		i.HandleConnection(conn)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestHandleConnectionPushesFramesAndSetsLiveSource(t *testing.T) {
	store := framestore.New()
	store.SetSource(framestore.SourceFile, "")

	ing := New(store)
	srv, wsURL := startIngressServer(t, ing)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for store.Source() != framestore.SourceLive {
		select {
		case <-deadline:
			t.Fatalf("want source live shortly after connect, got %v", store.Source())
		case <-time.After(5 * time.Millisecond):
		}
	}

	f := &protomsg.Frame{Identifier: protomsg.FrameIdentifier{DeviceID: "dev1", FrameNumber: 1, TimestampNs: 100}}
	payload, err := f.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline = time.After(2 * time.Second)
	for len(store.AllFrames()) < 1 {
		select {
		case <-deadline:
			t.Fatalf("want 1 pushed frame, got %d", len(store.AllFrames()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	got := store.AllFrames()[0]
	if got.Identifier.DeviceID != "dev1" || got.Identifier.FrameNumber != 1 {
		t.Fatalf("unexpected pushed frame: %+v", got.Identifier)
	}

	conn.Close()

	deadline = time.After(2 * time.Second)
	for store.Source() != framestore.SourceNone {
		select {
		case <-deadline:
			t.Fatalf("want source none after disconnect, got %v", store.Source())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleConnectionSkipsUnparseableMessage(t *testing.T) {
	store := framestore.New()
	ing := New(store)
	srv, wsURL := startIngressServer(t, ing)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	f := &protomsg.Frame{Identifier: protomsg.FrameIdentifier{DeviceID: "dev1", FrameNumber: 2, TimestampNs: 200}}
	payload, _ := f.Marshal()
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write good frame: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(store.AllFrames()) < 1 {
		select {
		case <-deadline:
			t.Fatalf("want the good frame pushed despite preceding garbage, got %d frames", len(store.AllFrames()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	if store.AllFrames()[0].Identifier.FrameNumber != 2 {
		t.Fatalf("want frame 2 to survive the garbage message")
	}
}
