package cliapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eosin-platform/wsiviewer/internal/cache"
	"github.com/eosin-platform/wsiviewer/internal/processing"
	"github.com/eosin-platform/wsiviewer/internal/renderer"
	"github.com/eosin-platform/wsiviewer/internal/retry"
	"github.com/eosin-platform/wsiviewer/internal/tilekey"
	"github.com/eosin-platform/wsiviewer/internal/viewport"
	"github.com/eosin-platform/wsiviewer/internal/worker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Run the renderer core against a synthetic image and serve live metrics over HTTP",
	Long: `status drives the renderer core the same way render-demo does, but runs
indefinitely and exposes the latest renderer.Metrics on a plain JSON endpoint
and a Server-Sent Events stream, for dashboards or scripted polling.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Uint32("image-width", 4096, "Synthetic image width in level-0 pixels")
	statusCmd.Flags().Uint32("image-height", 4096, "Synthetic image height in level-0 pixels")
	statusCmd.Flags().Uint32("levels", 4, "Synthetic image mip-level count")
	statusCmd.Flags().Float64("dpr", 1.0, "Device pixel ratio")
	statusCmd.Flags().String("listen-addr", "127.0.0.1:8090", "Address to serve /status and /status/stream on")
}

// statusResponse is the JSON body served by both the plain and streamed
// status endpoints.
type statusResponse struct {
	Frames        int              `json:"frames"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Metrics       renderer.Metrics `json:"metrics"`
}

// statusState holds the latest metrics snapshot behind a mutex so the HTTP
// handlers and the render loop can run concurrently.
type statusState struct {
	mu        sync.Mutex
	frames    int
	startTime time.Time
	metrics   renderer.Metrics
}

func (s *statusState) update(m renderer.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.metrics = m
}

func (s *statusState) snapshot() statusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statusResponse{
		Frames:        s.frames,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Metrics:       s.metrics,
	}
}

// statusHandler serves the latest snapshot as a single JSON document.
func statusHandler(s *statusState) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
			logger.Error("failed to encode status", "error", err)
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
		}
	})
}

// statusStreamHandler pushes a status snapshot every 250ms over SSE.
func statusStreamHandler(s *statusState) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		sendStatusEvent(w, flusher, s)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				sendStatusEvent(w, flusher, s)
			}
		}
	})
}

func sendStatusEvent(w http.ResponseWriter, flusher http.Flusher, s *statusState) {
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	imageWidth, _ := cmd.Flags().GetUint32("image-width")
	imageHeight, _ := cmd.Flags().GetUint32("image-height")
	levels, _ := cmd.Flags().GetUint32("levels")
	dpr, _ := cmd.Flags().GetFloat64("dpr")
	listenAddr, _ := cmd.Flags().GetString("listen-addr")

	img := viewport.Image{Width: imageWidth, Height: imageHeight, Levels: levels}

	tileCache := cache.New(cache.Config{
		MaxTiles: viper.GetInt("max-tiles"),
		Decoder:  demoDecoder{},
		Logger:   logger,
	})

	pool := worker.New(worker.Config{MaxWorkers: viper.GetInt("worker-count"), Logger: logger})
	defer pool.Close()

	cfg := transformConfigFromFlags()
	var pipeline *processing.Pipeline
	if !cfg.IsNoop() {
		pipeline = processing.New(processing.NewCache(viper.GetInt("processed-cache-size")), pool, nil)
	}

	retryMgr := retry.New(retry.Config{
		InitialTimeout: viper.GetDuration("initial-timeout"),
		BaseDelay:      viper.GetDuration("base-retry-delay"),
		MaxRetries:     viper.GetInt("max-retries"),
		Logger:         logger,
		IsTileCached:   tileCache.Has,
		OnRequestTile: func(coord tilekey.Coord) {
			seedTile(tileCache, coord)
		},
	})

	frame := renderer.NewFrame(800, 600, dpr, renderer.Config{
		Cache:    tileCache,
		Retry:    retryMgr,
		Pipeline: pipeline,
		Pool:     pool,
		SlideID:  "status",
	})
	frame.SetTransformConfig(cfg)

	state := &statusState{startTime: time.Now()}

	mux := http.NewServeMux()
	mux.Handle("/status", statusHandler(state))
	mux.Handle("/status/stream", statusStreamHandler(state))
	srv := &http.Server{Addr: listenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	v := viewport.State{X: 0, Y: 0, Width: 800, Height: 600, Zoom: 0.3}
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	frameIdx := 0
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-serveErr:
			return fmt.Errorf("status: serve: %w", err)
		case <-ticker.C:
			t := float64(frameIdx%120) / 120.0
			v.X = t * float64(img.Width-uint32(v.Width/v.Zoom))
			v.Zoom = 0.2 + 0.3*t
			m := frame.Render(v, img, dpr)
			state.update(m)
			frameIdx++
		}
	}
}
