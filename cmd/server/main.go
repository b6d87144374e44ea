package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // pprof handlers mounted on the default mux
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bayesmech/vision-server/internal/annotator"
	"github.com/bayesmech/vision-server/internal/controlplane"
	"github.com/bayesmech/vision-server/internal/dashboardbridge"
	"github.com/bayesmech/vision-server/internal/framestore"
	"github.com/bayesmech/vision-server/internal/ingress"
	"github.com/bayesmech/vision-server/internal/logger"
	"github.com/bayesmech/vision-server/internal/metrics"
	"github.com/bayesmech/vision-server/internal/protomsg"
	"github.com/bayesmech/vision-server/internal/replay"
)

var (
	httpAddr          = flag.String("http", ":8081", "HTTP server address (AR stream, dashboard, REST API)")
	metricsAddr       = flag.String("metrics", ":9090", "Metrics server address")
	pprofAddr         = flag.String("pprof", ":6060", "pprof server address")
	recordPath        = flag.String("record-path", "./recordings", "Recordings directory")
	segHost           = flag.String("seg-host", "http://127.0.0.1:8082", "Segmentation service base URL")
	reconnectInterval = flag.Duration("reconnect-interval", 5*time.Second, "Segmentation service reconnect interval")
	resultTimeout     = flag.Duration("result-timeout", 300*time.Second, "Max wait for the first segmentation result of a batch")
	logLevel          = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor          = flag.Bool("log-color", true, "Enable colored log output")
)

// metricsPollInterval is how often the background gauges (viewer count,
// frame count, replay state, annotation counters) are snapshotted into
// the Prometheus registry, since those components don't push metrics
// themselves.
const metricsPollInterval = 2 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server wires every core component together and owns process lifecycle.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	store   *framestore.Store
	ann     *annotator.Annotator
	bridge  *dashboardbridge.Bridge
	ingress *ingress.Ingress
	replay  *replay.Controller
	ctrl    *controlplane.ControlPlane
	metrics *metrics.Metrics

	httpServer *http.Server
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "vision server starting...")

	srv, err := NewServer()
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "shutting down...")
	srv.Shutdown()
	logger.Info("Main", "server stopped")
}

// NewServer constructs every component. The one designed dependency cycle
// — annotation results need to reach the dashboard bridge, but the bridge
// is constructed from the annotator as a read-only AnnotationSource — is
// broken by handing the annotator a callback closure that captures the
// bridge variable by reference; the callback only ever fires after
// Start() has run, by which point bridge is assigned.
func NewServer() (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	store := framestore.New()

	var bridge *dashboardbridge.Bridge
	ann := annotator.New(*segHost, *reconnectInterval, *resultTimeout, func(a *protomsg.Annotation) {
		if bridge != nil {
			bridge.BroadcastAnnotation(a)
		}
	})
	bridge = dashboardbridge.New(store, ann)

	ing := ingress.New(store)
	replayCtrl := replay.New(store, ann)

	ctrl, err := controlplane.New(store, replayCtrl, bridge, *recordPath)
	if err != nil {
		cancel()
		return nil, err
	}

	mux := http.NewServeMux()
	ctrl.Register(mux)
	mux.HandleFunc("/ar-stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Main", "ar-stream upgrade failed: %v", err)
			return
		}
		ing.HandleConnection(conn)
	})
	mux.HandleFunc("/ws/dashboard", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Main", "dashboard upgrade failed: %v", err)
			return
		}
		m.TotalViewers.Add(1)
		bridge.HandleConnection(conn)
	})

	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	return &Server{
		ctx:        ctx,
		cancel:     cancel,
		store:      store,
		ann:        ann,
		bridge:     bridge,
		ingress:    ing,
		replay:     replayCtrl,
		ctrl:       ctrl,
		metrics:    m,
		httpServer: httpServer,
	}, nil
}

// Start brings every background server up: pprof, metrics, the main HTTP
// mux, the segmentation connection, and the metrics poller.
func (s *Server) Start() {
	logger.Info("Main", "HTTP server: %s", *httpAddr)
	logger.Info("Main", "metrics server: %s", *metricsAddr)
	logger.Info("Main", "pprof server: %s", *pprofAddr)
	logger.Info("Main", "segmentation service: %s", *segHost)

	go func() {
		if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
			logger.Warn("Main", "pprof server error: %v", err)
		}
	}()

	go func() {
		if err := s.metrics.StartServer(*metricsAddr); err != nil {
			logger.Warn("Main", "metrics server error: %v", err)
		}
	}()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Main", "HTTP server error: %v", err)
		}
	}()

	s.ann.Connect()

	s.wg.Add(1)
	go s.pollMetrics()
}

// pollMetrics periodically snapshots component state into the Prometheus
// gauges; none of the core components push metrics themselves, matching
// the teacher's own main-loop-updates-metrics shape.
func (s *Server) pollMetrics() {
	defer s.wg.Done()
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			st := s.store.Stats()
			s.metrics.FramesPushed.Store(uint64(st.FrameCount))
			if st.Replaying {
				s.metrics.ReplayActive.Store(1)
			} else {
				s.metrics.ReplayActive.Store(0)
			}
			s.metrics.ActiveViewers.Store(uint64(s.bridge.ViewerCount()))

			sent, received := s.ann.Counts()
			s.metrics.AnnotationsSent.Store(uint64(sent))
			s.metrics.AnnotationsReceived.Store(uint64(received))

			skipped, sidecarErrs, connectErrs := s.ann.ErrorCounts()
			s.metrics.AnnotationsSkipped.Store(uint64(skipped))
			s.metrics.SidecarWriteErrors.Store(uint64(sidecarErrs))
			s.metrics.SegmentationErrors.Store(uint64(connectErrs))

			s.metrics.FrameParseErrs.Store(s.ingress.ParseErrors())
		}
	}
}

// Shutdown stops every background goroutine and closes components in
// reverse dependency order.
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()

	s.store.StopReplay()
	s.ann.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Main", "HTTP server shutdown: %v", err)
	}
}
