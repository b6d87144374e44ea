// Package controlplane implements the HTTP control surface around the
// core subsystems: health/status, recording listing, and playback
// start/stop/status. These are glue routes, not core behavior — spec.md
// treats the HTTP surface as an external collaborator, but something has
// to drive replay from a real process, matching the teacher's own
// cmd/server/main.go mux-plus-handlers shape.
package controlplane

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bayesmech/vision-server/internal/framestore"
	"github.com/bayesmech/vision-server/internal/logger"
	"github.com/bayesmech/vision-server/internal/replay"
)

// ConnectionCounter reports how many dashboard viewers are connected.
// Satisfied by *dashboardbridge.Bridge; kept as a narrow interface here so
// this package doesn't need to import dashboardbridge just for one count.
type ConnectionCounter interface {
	ViewerCount() int
}

// ControlPlane wires HTTP handlers to the store, replay controller, and
// recordings directory.
type ControlPlane struct {
	store         *framestore.Store
	replay        *replay.Controller
	bridge        ConnectionCounter
	recordingsDir string
}

// New constructs a ControlPlane. recordingsDir is created if missing.
func New(store *framestore.Store, ctrl *replay.Controller, bridge ConnectionCounter, recordingsDir string) (*ControlPlane, error) {
	if err := os.MkdirAll(recordingsDir, 0o755); err != nil {
		return nil, err
	}
	return &ControlPlane{store: store, replay: ctrl, bridge: bridge, recordingsDir: recordingsDir}, nil
}

// Register installs every route on mux.
func (c *ControlPlane) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", c.handleHealth)
	mux.HandleFunc("/api/stream", c.handleStream)
	mux.HandleFunc("/api/recordings", c.handleRecordings)
	mux.HandleFunc("/api/playback/start", c.handlePlaybackStart)
	mux.HandleFunc("/api/playback/stop", c.handlePlaybackStop)
	mux.HandleFunc("/api/playback/status", c.handlePlaybackStatus)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("ControlPlane", "encode response: %v", err)
	}
}

func (c *ControlPlane) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := c.store.Stats()
	writeJSON(w, map[string]any{
		"status":                "running",
		"dashboard_connections": c.bridge.ViewerCount(),
		"source":                st.Source,
		"device_id":             st.DeviceID,
		"frame_count":           st.FrameCount,
		"replaying":             st.Replaying,
		"live_fps":              st.LiveFPS,
		"recording_fps":         st.RecordingFPS,
	})
}

func (c *ControlPlane) handleStream(w http.ResponseWriter, r *http.Request) {
	st := c.store.Stats()
	writeJSON(w, map[string]any{
		"source":        st.Source,
		"device_id":     st.DeviceID,
		"frame_count":   st.FrameCount,
		"replaying":     st.Replaying,
		"live_fps":      st.LiveFPS,
		"recording_fps": st.RecordingFPS,
	})
}

type recordingInfo struct {
	Filename string  `json:"filename"`
	SizeMB   float64 `json:"size_mb"`
	Modified int64   `json:"modified"`
}

// handleRecordings lists every *.pb recording, excluding *.seg.pb sidecar
// files, newest first.
func (c *ControlPlane) handleRecordings(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(c.recordingsDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var recordings []recordingInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pb") || strings.HasSuffix(e.Name(), ".seg.pb") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		recordings = append(recordings, recordingInfo{
			Filename: e.Name(),
			SizeMB:   float64(info.Size()) / (1024 * 1024),
			Modified: info.ModTime().Unix(),
		})
	}
	sort.Slice(recordings, func(i, j int) bool { return recordings[i].Modified > recordings[j].Modified })

	writeJSON(w, map[string]any{"recordings": recordings})
}

type playbackStartRequest struct {
	Filename string   `json:"filename"`
	Speed    *float64 `json:"speed"`
	Loop     bool     `json:"loop"`
}

func (c *ControlPlane) handlePlaybackStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req playbackStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Filename == "" {
		http.Error(w, "missing filename", http.StatusBadRequest)
		return
	}
	// Reject path separators: filename must name a file directly inside
	// recordingsDir, never escape it via "../".
	if strings.ContainsAny(req.Filename, `/\`) {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	path := filepath.Join(c.recordingsDir, req.Filename)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "recording not found: "+req.Filename, http.StatusNotFound)
		return
	}

	speed := 1.0
	if req.Speed != nil {
		speed = *req.Speed
	}

	count, err := c.replay.StartPlayback(path, speed, req.Loop)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"status": "started", "filename": req.Filename, "frames": count})
}

func (c *ControlPlane) handlePlaybackStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c.replay.StopPlayback()
	writeJSON(w, map[string]any{"status": "stopped"})
}

func (c *ControlPlane) handlePlaybackStatus(w http.ResponseWriter, r *http.Request) {
	st := c.replay.Status()
	writeJSON(w, map[string]any{"is_replaying": st.Replaying, "source": st.Source})
}
