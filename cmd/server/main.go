package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/visionwatch/backend/internal/backend"
	"github.com/visionwatch/backend/internal/config"
	"github.com/visionwatch/backend/internal/engine"
	"github.com/visionwatch/backend/internal/feed"
	"github.com/visionwatch/backend/internal/mock"
	"github.com/visionwatch/backend/internal/stats"
	"github.com/visionwatch/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (built-in defaults when empty)")
	promptsPath := flag.String("prompts", "", "Path to prompts file (built-in demo prompts when empty)")
	port := flag.Int("port", 0, "Override server port")
	framesDir := flag.String("frames", "", "Directory of JPEG frames to feed (synthetic pattern when empty)")
	frameInterval := flag.Duration("frame-interval", time.Second, "Frame submission interval")
	cooldown := flag.Duration("cooldown", 0, "Override inference cooldown")
	diagnose := flag.Bool("diagnose", false, "Scan devices, report, and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *cooldown > 0 {
		cfg.Worker.Cooldown = *cooldown
	}

	// The generation hardware binding plugs in here; this build ships
	// the simulated engine.
	eng := newEngine()

	if *diagnose {
		runDiagnose(eng)
		return
	}

	prompts := config.DefaultPrompts()
	if *promptsPath != "" {
		var err error
		prompts, err = config.LoadPrompts(*promptsPath)
		if err != nil {
			slog.Error("failed to load prompts", "path", *promptsPath, "err", err)
			os.Exit(1)
		}
	} else {
		slog.Info("no prompts file given, using built-in demo prompts")
	}
	slog.Info("active use case", "name", prompts.Active)

	tracker := stats.NewTracker()
	b := backend.New(cfg, prompts, eng, tracker)

	var srv *ws.Server
	broadcaster := ws.NewBroadcaster(cfg.Server.BroadcastThrottle, cfg.Server.StatusInterval, func() ws.StatusPayload {
		if srv == nil {
			return ws.StatusPayload{}
		}
		return srv.Status()
	})
	srv = ws.NewServer(b, broadcaster, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source, err := newSource(*framesDir)
	if err != nil {
		slog.Error("failed to open frame source", "err", err)
		os.Exit(1)
	}
	go feed.NewPump(source, b, *frameInterval).Run(ctx)
	go feed.NewPoller(b, broadcaster).Run(ctx)

	if *promptsPath != "" {
		go func() {
			if err := config.WatchPrompts(ctx, *promptsPath, b.ReplacePrompts); err != nil && ctx.Err() == nil {
				slog.Warn("prompts watcher stopped", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
		b.Close()
		os.Exit(0)
	}()

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func newEngine() engine.Engine {
	return mock.NewEngine(mock.Config{
		TokenDelay:  25 * time.Millisecond,
		CreateDelay: 300 * time.Millisecond,
	})
}

func newSource(framesDir string) (feed.Source, error) {
	if framesDir != "" {
		return feed.NewDirSource(framesDir)
	}
	return feed.NewPatternSource(640, 480), nil
}

func runDiagnose(eng engine.Engine) {
	devices, err := eng.ScanDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "device scan failed: %v\n", err)
		os.Exit(1)
	}
	for _, d := range devices {
		fmt.Printf("device: %s\n", d)
	}
	fmt.Printf("%d device(s) found\n", len(devices))
}
