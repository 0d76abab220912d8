package cliapp

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/cache"
	"github.com/eosin-platform/wsiviewer/internal/processing"
	"github.com/eosin-platform/wsiviewer/internal/renderer"
	"github.com/eosin-platform/wsiviewer/internal/retry"
	"github.com/eosin-platform/wsiviewer/internal/tilekey"
	"github.com/eosin-platform/wsiviewer/internal/viewport"
	"github.com/eosin-platform/wsiviewer/internal/worker"
)

var renderDemoCmd = &cobra.Command{
	Use:   "render-demo",
	Short: "Drive the renderer core against a synthetic image and save a PNG snapshot",
	Long: `render-demo exercises the full cache/viewport/retry/renderer stack without a
live server: it feeds tiles to the cache from a synthetic per-level-color
decoder, pans a scripted viewport across the image, and writes the final
frame to a PNG file — useful for smoke-testing the core and for capturing
fixture images.`,
	RunE: runRenderDemo,
}

func init() {
	rootCmd.AddCommand(renderDemoCmd)

	renderDemoCmd.Flags().Uint32("image-width", 4096, "Synthetic image width in level-0 pixels")
	renderDemoCmd.Flags().Uint32("image-height", 4096, "Synthetic image height in level-0 pixels")
	renderDemoCmd.Flags().Uint32("levels", 4, "Synthetic image mip-level count")
	renderDemoCmd.Flags().Int("frames", 30, "Number of frames to render while panning")
	renderDemoCmd.Flags().Float64("dpr", 1.0, "Device pixel ratio")
	renderDemoCmd.Flags().String("out", "render-demo.png", "Output PNG path for the final frame")
}

// demoDecoder renders a flat, per-level color so progressive coarse-to-fine
// fallback is visible in the captured frame.
type demoDecoder struct{}

func (demoDecoder) Decode(payload []byte) (*bitmap.Bitmap, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("render-demo: empty payload")
	}
	level := payload[0]
	hue := float64(level) * 70.0
	img := image.NewNRGBA(image.Rect(0, 0, tilekey.TileSize, tilekey.TileSize))
	c := hsvToColor(hue, 0.55, 0.9)
	for y := 0; y < tilekey.TileSize; y++ {
		for x := 0; x < tilekey.TileSize; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return bitmap.New(img), nil
}

func hsvToColor(h, s, v float64) color.NRGBA {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return color.NRGBA{
		R: uint8((r + m) * 255),
		G: uint8((g + m) * 255),
		B: uint8((b + m) * 255),
		A: 255,
	}
}

func runRenderDemo(cmd *cobra.Command, args []string) error {
	imageWidth, _ := cmd.Flags().GetUint32("image-width")
	imageHeight, _ := cmd.Flags().GetUint32("image-height")
	levels, _ := cmd.Flags().GetUint32("levels")
	frameCount, _ := cmd.Flags().GetInt("frames")
	dpr, _ := cmd.Flags().GetFloat64("dpr")
	outPath, _ := cmd.Flags().GetString("out")

	img := viewport.Image{
		Width:  imageWidth,
		Height: imageHeight,
		Levels: levels,
	}

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
		SlideID:  "render-demo",
	})
	frame.SetTransformConfig(cfg)

	v := viewport.State{X: 0, Y: 0, Width: 800, Height: 600, Zoom: 0.3}

	progress := newDemoProgress(frameCount)
	var last renderer.Metrics
	for i := 0; i < frameCount; i++ {
		t := float64(i) / float64(maxInt(frameCount-1, 1))
		v.X = t * float64(img.Width-uint32(v.Width/v.Zoom))
		v.Zoom = 0.2 + 0.3*t

		last = frame.Render(v, img, dpr)
		// Tiles the retry manager asks for are seeded by its OnRequestTile
		// callback (seedTile) when its timers fire; this loop does not wait.
		progress.update(i+1, frameCount, last)
	}
	progress.done()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("render-demo: create output: %w", err)
	}
	defer out.Close()
	if err := png.Encode(out, frame.Canvas().Img); err != nil {
		return fmt.Errorf("render-demo: encode PNG: %w", err)
	}

	logger.Info("render-demo complete",
		"frames", frameCount,
		"out", outPath,
		"last_fps", last.FPS,
		"last_rendered_tiles", last.RenderedTiles,
		"last_fallback_tiles", last.FallbackTiles,
		"last_placeholder_tiles", last.PlaceholderTiles,
	)
	return nil
}

// seedTile synchronously satisfies a retry manager's request, standing in
// for the stream client's tile arrival in this offline demo.
func seedTile(c *cache.Cache, coord tilekey.Coord) {
	if c.Has(coord) {
		return
	}
	c.Set(coord, []byte{byte(coord.Level)})
}

func transformConfigFromFlags() processing.TransformConfig {
	return processing.TransformConfig{
		NormMode:         processing.NormMode(viper.GetString("norm-mode")),
		EnhanceMode:      processing.EnhanceMode(viper.GetString("enhance-mode")),
		SharpenEnabled:   viper.GetBool("sharpen"),
		SharpenIntensity: viper.GetInt("sharpen-intensity"),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// demoProgress prints a terminal progress bar across rendered frames.
type demoProgress struct {
	total     int
	startTime time.Time
}

func newDemoProgress(total int) *demoProgress {
	return &demoProgress{total: total, startTime: time.Now()}
}

func (p *demoProgress) update(done, total int, m renderer.Metrics) {
	elapsed := time.Since(p.startTime)
	barWidth := 30
	progress := float64(done) / float64(total)
	filled := int(progress * float64(barWidth))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	fmt.Fprintf(os.Stderr, "\r[%s] frame %d/%d - %.1f fps - rendered=%d fallback=%d placeholder=%d - %s     ",
		bar, done, total, m.FPS, m.RenderedTiles, m.FallbackTiles, m.PlaceholderTiles, elapsed.Round(time.Millisecond))
}

func (p *demoProgress) done() {
	fmt.Fprintln(os.Stderr)
}
