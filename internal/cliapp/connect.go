package cliapp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eosin-platform/wsiviewer/internal/cache"
	"github.com/eosin-platform/wsiviewer/internal/protocol"
	"github.com/eosin-platform/wsiviewer/internal/retry"
	"github.com/eosin-platform/wsiviewer/internal/session"
	"github.com/eosin-platform/wsiviewer/internal/streamclient"
	"github.com/eosin-platform/wsiviewer/internal/tilekey"
	"github.com/eosin-platform/wsiviewer/internal/viewport"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a tile-streaming server and open a slide",
	Long: `connect opens the binary stream to --addr, restores any slides left over
from a previous run via --session-db, requests a slide of the given
dimensions, tracks inbound tiles in a cache, and logs connection-state and
tile-arrival events until interrupted (Ctrl-C).`,
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().Uint32("image-width", 4096, "Image width to announce in the Open message")
	connectCmd.Flags().Uint32("image-height", 4096, "Image height to announce in the Open message")
	connectCmd.Flags().Uint32("levels", 4, "Image mip-level count to announce")
	connectCmd.Flags().Float32P("dpi", "d", 96.0, "DPI to announce")
	connectCmd.Flags().Float64("viewport-x", 0, "Initial viewport X, in level-0 image pixels")
	connectCmd.Flags().Float64("viewport-y", 0, "Initial viewport Y, in level-0 image pixels")
	connectCmd.Flags().Float64("viewport-width", 800, "Initial viewport width, in CSS pixels")
	connectCmd.Flags().Float64("viewport-height", 600, "Initial viewport height, in CSS pixels")
	connectCmd.Flags().Float64("viewport-zoom", 1.0, "Initial viewport zoom")
	connectCmd.Flags().Bool("forget-on-exit", false, "Delete this run's persisted sessions on clean shutdown instead of leaving them for the next restart")
}

func runConnect(cmd *cobra.Command, args []string) error {
	addr := viper.GetString("addr")
	imageWidth, _ := cmd.Flags().GetUint32("image-width")
	imageHeight, _ := cmd.Flags().GetUint32("image-height")
	levels, _ := cmd.Flags().GetUint32("levels")
	dpi, _ := cmd.Flags().GetFloat32("dpi")
	forgetOnExit, _ := cmd.Flags().GetBool("forget-on-exit")

	v := viewport.State{}
	v.X, _ = cmd.Flags().GetFloat64("viewport-x")
	v.Y, _ = cmd.Flags().GetFloat64("viewport-y")
	v.Width, _ = cmd.Flags().GetFloat64("viewport-width")
	v.Height, _ = cmd.Flags().GetFloat64("viewport-height")
	v.Zoom, _ = cmd.Flags().GetFloat64("viewport-zoom")

	tileCache := cache.New(cache.Config{
		MaxTiles: viper.GetInt("max-tiles"),
		Decoder:  wireDecoder{},
		Logger:   logger,
	})

	var store *session.Store
	if dbPath := viper.GetString("session-db"); dbPath != "" {
		s, err := session.Open(dbPath)
		if err != nil {
			return fmt.Errorf("connect: open session store: %w", err)
		}
		defer s.Close()
		store = s
	}

	var retryMgr *retry.Manager
	client := streamclient.New(streamclient.Config{
		Addr:           addr,
		Logger:         logger,
		ReconnectDelay: viper.GetDuration("reconnect-delay"),
		Handlers: streamclient.Handlers{
			OnStateChange: func(s streamclient.ConnectionState) {
				logger.Info("connection state changed", "state", s.String())
			},
			OnTile: func(tile protocol.Tile) {
				coord := tilekey.Coord{X: tile.X, Y: tile.Y, Level: tile.Level}
				tileCache.Set(coord, tile.Payload)
				if retryMgr != nil {
					retryMgr.TileReceived(coord)
				}
				logger.Debug("tile received", "slot", tile.Slot, "x", tile.X, "y", tile.Y, "level", tile.Level)
			},
			OnProgress: func(p protocol.Progress) {
				logger.Info("slide loading progress", "id", p.ID, "steps", p.Steps, "total", p.Total)
			},
			OnSlideCreated: func(sc protocol.SlideCreated) {
				logger.Info("slide created", "id", sc.ID, "filename", sc.Filename)
			},
		},
	})

	retryMgr = retry.New(retry.Config{
		InitialTimeout: viper.GetDuration("initial-timeout"),
		BaseDelay:      viper.GetDuration("base-retry-delay"),
		MaxRetries:     viper.GetInt("max-retries"),
		Logger:         logger,
		IsTileCached:   tileCache.Has,
		OnRequestTile: func(coord tilekey.Coord) {
			client.RequestTile(0, coord.X, coord.Y, coord.Level)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client.Connect(ctx)

	var openedSlots []byte

	// Restart recovery (not just reconnect): re-open every slide this store
	// remembers from a previous run before opening the one requested on the
	// command line.
	if store != nil {
		restored, err := store.All()
		if err != nil {
			logger.Error("failed to load persisted sessions", "error", err)
		}
		for _, rec := range restored {
			slot, ok := client.OpenSlide(rec.DPI, rec.ID, rec.Width, rec.Height, rec.Levels)
			if !ok {
				logger.Warn("could not restore persisted slide: slot pool exhausted", "id", rec.ID)
				continue
			}
			rv := viewport.State{X: rec.ViewX, Y: rec.ViewY, Width: rec.ViewWidth, Height: rec.ViewHeight, Zoom: rec.ViewZoom}
			client.UpdateViewport(slot, rv)
			logger.Info("restored slide from session store", "slot", slot, "id", rec.ID)

			if slot != rec.Slot {
				// The new connection assigned a different slot than last
				// time; re-key the persisted record under it.
				if err := store.Delete(rec.Slot); err != nil {
					logger.Error("failed to drop stale session slot", "slot", rec.Slot, "error", err)
				}
				rec.Slot = slot
			}
			if err := store.Put(rec); err != nil {
				logger.Error("failed to persist restored session", "slot", slot, "error", err)
			}
			openedSlots = append(openedSlots, slot)
		}
	}

	id := uuid.New()
	slot, ok := client.OpenSlide(dpi, id, imageWidth, imageHeight, levels)
	if !ok {
		return fmt.Errorf("connect: slot pool exhausted")
	}
	client.UpdateViewport(slot, v)
	logger.Info("opened slide", "slot", slot, "id", id)

	if store != nil {
		rec := session.Record{
			Slot: slot, DPI: dpi, ID: id,
			Width: imageWidth, Height: imageHeight, Levels: levels,
			ViewX: v.X, ViewY: v.Y, ViewWidth: v.Width, ViewHeight: v.Height, ViewZoom: v.Zoom,
		}
		if err := store.Put(rec); err != nil {
			logger.Error("failed to persist session", "slot", slot, "error", err)
		} else if saved, ok, err := store.Get(slot); err != nil || !ok {
			logger.Error("persisted session not readable back", "slot", slot, "error", err)
		} else {
			logger.Debug("session persisted", "slot", saved.Slot, "id", saved.ID)
		}
		openedSlots = append(openedSlots, slot)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if store != nil {
		if forgetOnExit {
			for _, s := range openedSlots {
				if err := store.Delete(s); err != nil {
					logger.Error("failed to forget session on exit", "slot", s, "error", err)
				}
			}
		} else {
			// Persist the final viewport for the slide opened this run so a
			// future restart resumes from where this session left off.
			if err := store.UpdateViewport(slot, v.X, v.Y, v.Width, v.Height, v.Zoom); err != nil {
				logger.Error("failed to persist final viewport", "slot", slot, "error", err)
			}
		}
	}

	client.Disconnect()
	return nil
}
