// Package replay orchestrates the ordering contract the control plane
// needs around a FrameStore replay: stop any active replay, load a
// recording, load its annotation sidecar, enqueue outstanding annotation
// work, and only then start the timed replay — without yielding control
// to another request in between.
package replay

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/bayesmech/vision-server/internal/annotator"
	"github.com/bayesmech/vision-server/internal/framestore"
	"github.com/bayesmech/vision-server/internal/logger"
)

// Controller sequences playback start/stop across the store and the
// annotator. Its zero value is not usable; construct with New.
type Controller struct {
	store     *framestore.Store
	annotator *annotator.Annotator

	mu sync.Mutex
}

// New constructs a Controller over store and ann.
func New(store *framestore.Store, ann *annotator.Annotator) *Controller {
	return &Controller{store: store, annotator: ann}
}

// StartPlayback loads path into the store and begins timed replay at the
// given speed (1.0 = real time), looping if requested. The sequence —
// stop replay, load recording, load annotations, enqueue annotation work,
// start replay — runs under Controller's lock so a concurrent
// StartPlayback/StopPlayback call can't interleave with it.
func (c *Controller) StartPlayback(path string, speed float64, loop bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.StopReplay()

	count, err := c.store.LoadRecording(path)
	if err != nil {
		return 0, fmt.Errorf("replay: load recording %s: %w", path, err)
	}

	if err := c.annotator.LoadAnnotations(path); err != nil {
		logger.Warn("Replay", "load annotations for %s: %v", filepath.Base(path), err)
	}

	c.annotator.AnnotateRecording(c.store.AllFrames())

	if err := c.store.StartReplay(speed, loop); err != nil {
		return count, fmt.Errorf("replay: start: %w", err)
	}
	return count, nil
}

// StopPlayback stops any active replay and any in-flight annotation work.
func (c *Controller) StopPlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.StopReplay()
	c.annotator.Stop()
}

// Status reports whether a replay is active and the store's current
// source tag.
type Status struct {
	Replaying bool
	Source    string
}

// Status returns the current replay status.
func (c *Controller) Status() Status {
	return Status{
		Replaying: c.store.IsReplaying(),
		Source:    c.store.Source().String(),
	}
}
