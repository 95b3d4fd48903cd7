// Command lumen is the main entry point for the Lumen conversation daemon.
//
// Lumen runs a realtime voice conversation between the user and a remote
// speech-to-speech model: microphone audio is segmented into turns locally,
// camera frames are attached for visual context, and model speech streams
// back to the playback device with barge-in support.
//
// Without a platform device adapter, audio flows over byte streams: raw mono
// PCM16 at 16 kHz is read from -input and model speech is written to -output.
// Capture a session with e.g.
//
//	ffmpeg -f pulse -i default -ac 1 -ar 16000 -f s16le - | lumen -input -
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumen-voice/lumen/internal/app"
	"github.com/lumen-voice/lumen/internal/config"
	"github.com/lumen-voice/lumen/internal/observe"
	"github.com/lumen-voice/lumen/pkg/capture/pipe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "lumen.yaml", "path to the YAML configuration file")
	inputPath := flag.String("input", "-", `PCM16 input stream ("-" for stdin)`)
	outputPath := flag.String("output", "-", `PCM16 playback stream ("-" for stdout)`)
	watch := flag.Bool("watch", false, "hot-reload the config file on change")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lumen: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lumen: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("lumen starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "lumen",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Devices ───────────────────────────────────────────────────────────────
	devices, cleanup, err := openDevices(*inputPath, *outputPath)
	if err != nil {
		slog.Error("failed to open audio streams", "err", err)
		return 1
	}
	defer cleanup()

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg, *inputPath, *outputPath)

	application, err := app.New(ctx, cfg, devices)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, cfg, func(_, newCfg *config.Config, diff config.Diff) {
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			application.ApplyConfigDiff(diff, newCfg)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		watcher.Start()
		defer watcher.Stop()
	}

	slog.Info("lumen ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// openDevices builds the pipe-backed microphone and speaker from the given
// stream paths.
func openDevices(inputPath, outputPath string) (app.Devices, func(), error) {
	var closers []io.Closer
	cleanup := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	var in io.Reader = os.Stdin
	if inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			return app.Devices{}, cleanup, fmt.Errorf("open input %q: %w", inputPath, err)
		}
		closers = append(closers, f)
		in = f
	}

	var out io.Writer = os.Stdout
	if outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			cleanup()
			return app.Devices{}, func() {}, fmt.Errorf("create output %q: %w", outputPath, err)
		}
		closers = append(closers, f)
		out = f
	}

	return app.Devices{
		Microphone: pipe.NewMicrophone(in),
		Speaker:    pipe.NewSpeaker(out),
	}, cleanup, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, inputPath, outputPath string) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          Lumen — startup summary      ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printRow("Model", orDefault(cfg.Realtime.Model, "(default)"))
	printRow("Voice", orDefault(cfg.Realtime.Voice, "(default)"))
	printRow("Input", inputPath)
	printRow("Output", outputPath)
	if cfg.Storage.PostgresDSN != "" {
		printRow("Turn store", "postgres")
	} else {
		printRow("Turn store", "memory")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-15s : %-19s ║\n", key, value)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
