// Command hermes relays a drone's camera over RTSP, serves its telemetry
// over HTTP and websocket, and flies it from the keyboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"

	"github.com/harshabose/hermes/pkg/control"
	"github.com/harshabose/hermes/pkg/control/tui"
	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/https"
	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/metrics"
	"github.com/harshabose/hermes/pkg/producer"
	"github.com/harshabose/hermes/pkg/rtsp"
	"github.com/harshabose/hermes/pkg/socket"
	"github.com/harshabose/hermes/pkg/telemetry"
	"github.com/harshabose/hermes/pkg/tello"
	"github.com/harshabose/hermes/pkg/vehicle"
)

var (
	sim       = flag.Bool("sim", false, "Use the simulated vehicle instead of a Tello")
	telloAddr = flag.String("tello", "192.168.10.1:8889", "Tello command address")
	videoURL  = flag.String("tello-video", "udp://0.0.0.0:11111", "Where the Tello sends H.264 video")
	ffmpegBin = flag.String("ffmpeg", "ffmpeg", "ffmpeg binary used to decode and encode")

	height  = flag.Uint("height", 720, "Frame height")
	width   = flag.Uint("width", 960, "Frame width")
	fps     = flag.Int("fps", 30, "RTSP frame rate")
	bitrate = flag.String("bitrate", "2M", "H.264 bitrate")

	rtspPort   = flag.Int("rtsp-port", 6969, "RTSP port")
	mountPath  = flag.String("mount", "/hermes", "RTSP mount path")
	maxClients = flag.Int("max-clients", 16, "Maximum RTSP clients")

	httpAddr   = flag.String("http-addr", "0.0.0.0", "HTTP listen address")
	httpPort   = flag.Uint("http-port", 8080, "HTTP port for status, metrics and telemetry")
	apiKey     = flag.String("internal-api-key", os.Getenv("HERMES_INTERNAL_API_KEY"), "Key required on /internal endpoints")
	pollPeriod = flag.Duration("telemetry-interval", time.Second, "Telemetry polling interval")

	distance = flag.Int("distance", 30, "Translation per key press in cm")
	degrees  = flag.Int("degrees", 30, "Rotation per key press in degrees")
	headless = flag.Bool("headless", false, "Run without the keyboard controller")

	logLevel = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error, disabled)")
	logFile  = flag.String("log-file", "hermes.log", "Log file while the keyboard UI owns the terminal")
)

func main() {
	flag.Parse()

	logOut, closeLog, err := logOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hermes: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	logs.Init(logs.ParseLevel(*logLevel), logOut)
	log := logs.Scoped(nil, "hermes")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Errorf("%v", err)
		closeLog()
		fmt.Fprintf(os.Stderr, "hermes: %v\n", err)
		os.Exit(1)
	}
}

// logOutput keeps logs off the terminal while the keyboard UI draws on it.
func logOutput() (io.Writer, func(), error) {
	if *headless {
		return os.Stderr, func() {}, nil
	}

	f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	return f, func() { _ = f.Close() }, nil
}

func newVehicle(ctx context.Context) vehicle.Vehicle {
	if *sim {
		return vehicle.NewSim(vehicle.SimConfig{Height: uint32(*height), Width: uint32(*width), FPS: *fps})
	}

	return tello.New(ctx, tello.Config{
		Addr:         *telloAddr,
		VideoURL:     *videoURL,
		FFmpegBinary: *ffmpegBin,
		Height:       uint32(*height),
		Width:        uint32(*width),
		// state packets arrive at ~10Hz; older than this means the link is gone
		StateTimeout: 3 * time.Second,
	})
}

func run(ctx context.Context, log logging.LeveledLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()

	v := newVehicle(ctx)
	defer func() { _ = v.Close() }()

	if err := v.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to vehicle: %w", err)
	}

	if err := v.StreamOn(); err != nil {
		return fmt.Errorf("starting video: %w", err)
	}
	defer func() {
		if err := v.StreamOff(); err != nil {
			log.Warnf("stopping video: %v", err)
		}
	}()

	store := frame.NewStore()

	prod := producer.New(ctx, v, store, producer.Config{
		Key:     "tello",
		Height:  uint32(*height),
		Width:   uint32(*width),
		Resize:  true,
		Metrics: m,
	})

	rtspConfig := rtsp.Config{
		Port:       *rtspPort,
		MountPath:  *mountPath,
		StoreKey:   "tello",
		Height:     uint32(*height),
		Width:      uint32(*width),
		FPS:        *fps,
		MaxClients: *maxClients,
		Metrics:    m,
		// the feed is the point of the process, keep trying
		ReServeAttempts: -1,
	}
	rtspServer := rtsp.NewServer(ctx, store, rtsp.FFmpegEncoders(rtspConfig, *ffmpegBin, *bitrate), rtspConfig)

	poller := telemetry.NewPoller(v, telemetry.PollerConfig{Interval: *pollPeriod, Metrics: m})

	httpConfig := https.DefaultConfig()
	httpConfig.Addr = *httpAddr
	httpConfig.Port = uint16(*httpPort)
	httpConfig.KeepHosting = true
	httpConfig.InternalAPIKey = *apiKey
	httpServer := https.NewHTTPSServer(ctx, httpConfig)

	httpServer.HandleInternal("GET /metrics", m.Handler().ServeHTTP)
	httpServer.HandlePublic("GET /telemetry", telemetry.Handler(v, m, nil))
	httpServer.AddStatus("rtsp", func() any { return rtspServer.Status() })
	httpServer.AddStatus("producer", func() any { return prod.Stats() })
	httpServer.AddStatus("store", func() any { return store.Stats("tello") })
	httpServer.AddStatus("telemetry", func() any {
		if err := poller.Err(); err != nil {
			return map[string]string{"error": err.Error()}
		}
		snap, _ := poller.Latest()
		return snap
	})

	feed := socket.NewServer(ctx, httpServer, poller, socket.DefaultServerConfig())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		prod.Start()
		<-gctx.Done()
		prod.Stop()
		return nil
	})

	g.Go(func() error {
		<-rtspServer.ServeAndWait()
		return rtspServer.Close()
	})

	g.Go(func() error {
		<-httpServer.ServeAndWait()
		_ = feed.Close()
		return httpServer.Close()
	})

	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		cancel()
		return nil
	})

	log.Infof("playing on %s", rtspServer.URL("localhost"))
	log.Infof("status on %s/internal/status", httpServer.URL())

	if !*headless {
		g.Go(func() error {
			defer cancel()
			return runKeyboard(gctx, v, poller, m, rtspServer.URL("localhost"))
		})
	}

	return g.Wait()
}

// runKeyboard drives the TUI and the controller until the user quits.
func runKeyboard(ctx context.Context, pilot vehicle.Pilot, poller *telemetry.Poller, m *metrics.Metrics, feedURL string) error {
	keyMap := control.DefaultKeyMap()
	keys := make(chan string, 8)

	prog := tea.NewProgram(tui.New(keys, keyMap, feedURL), tea.WithContext(ctx), tea.WithAltScreen())

	ctrl := control.New(pilot, control.Config{
		Distance: *distance,
		Degrees:  *degrees,
		KeyMap:   keyMap,
		Metrics:  m,
		OnResult: func(r control.Result) { prog.Send(tui.ResultMsg(r)) },
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ctrl.Run(ctx, keys)
	go forwardTelemetry(ctx, prog, poller)

	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("keyboard ui: %w", err)
	}

	return nil
}

func forwardTelemetry(ctx context.Context, prog *tea.Program, poller *telemetry.Poller) {
	snaps, unsubscribe := poller.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(*pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snaps:
			prog.Send(tui.TelemetryMsg(snap))
		case <-ticker.C:
			if err := poller.Err(); err != nil {
				prog.Send(tui.TelemetryErrMsg{Err: err})
			}
		}
	}
}
