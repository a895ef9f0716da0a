// Package main provides the talkbox voice client entry point.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/app/capture"
	"github.com/osa030/talkbox/internal/app/notification"
	"github.com/osa030/talkbox/internal/app/playback"
	"github.com/osa030/talkbox/internal/app/turn"
	"github.com/osa030/talkbox/internal/app/vad"
	"github.com/osa030/talkbox/internal/domain/audio"
	"github.com/osa030/talkbox/internal/domain/conversation"
	"github.com/osa030/talkbox/internal/infra/audio/speaker"
	"github.com/osa030/talkbox/internal/infra/audio/wav"
	"github.com/osa030/talkbox/internal/infra/clock"
	"github.com/osa030/talkbox/internal/infra/config"
	"github.com/osa030/talkbox/internal/infra/logger"
	"github.com/osa030/talkbox/internal/infra/transport"
)

var version = "dev"

var (
	app        = kingpin.New("talkbox", "Duplex voice conversation client")
	configPath = app.Flag("config", "Path to config file").Default("config/talkbox.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stderr)").String()
	noColor    = app.Flag("no-color", "Disable colored console logs").Bool()

	// call command (default)
	callCmd      = app.Command("call", "Start a call with the agent (default)").Default()
	callEndpoint = callCmd.Flag("endpoint", "Agent WebSocket endpoint (overrides config)").String()
	callGreeting = callCmd.Flag("greeting", "Start message sent to the agent (overrides config)").String()

	// devices command
	devicesCmd = app.Command("devices", "List audio devices of the configured input backend")

	// version command
	versionCmd = app.Command("version", "Print version and exit")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == versionCmd.FullCommand() {
		fmt.Printf("talkbox %s\n", version)
		return
	}

	// Initialize logger
	loggerConfig := logger.Config{
		Output:  "stderr",
		Level:   "info",
		NoColor: *noColor,
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	closeLog, err := logger.Init(loggerConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer closeLog()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	switch command {
	case devicesCmd.FullCommand():
		if err := listDevices(cfg); err != nil {
			zlog.Error().Msgf("Failed to list devices: %v", err)
			os.Exit(1)
		}
	case callCmd.FullCommand():
		if *callEndpoint != "" {
			cfg.Transport.Endpoint = *callEndpoint
		}
		if *callGreeting != "" {
			cfg.Conversation.Greeting = *callGreeting
		}
		if err := cfg.Validate(); err != nil {
			zlog.Fatal().Msgf("Invalid config: %v", err)
		}
		if err := run(cfg); err != nil {
			zlog.Error().Msgf("Call error: %v", err)
			os.Exit(1)
		}
	}
}

// loadConfig reads the config file. A missing file falls back to defaults.
func loadConfig(path string) (*config.Config, error) {
	zlog.Info().Msgf("Loading config from %s", path)
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		zlog.Warn().Msgf("Config file not found, using defaults: path=%s", path)
		return config.Default(), nil
	}
	return cfg, err
}

// run executes one call. Using a separate function ensures deferred releases
// run even when returning with an error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()

	input, err := openInput(cfg.Audio)
	if err != nil {
		return errors.Wrap(err, "failed to open audio input")
	}
	defer func() {
		if err := input.Close(); err != nil {
			zlog.Warn().Err(err).Msg("Failed to release audio input")
		}
	}()

	var mic audio.Source = input
	if cfg.Audio.ShareInput {
		mic = audio.NewShared(input)
	}

	sink, err := speaker.New(audio.Format{
		SampleRate: cfg.Audio.OutputSampleRate,
		Channels:   cfg.Audio.OutputChannels,
	}, cfg.Playback.OutputBuffer())
	if err != nil {
		return errors.Wrap(err, "failed to open speaker")
	}

	queue := playback.NewQueue(sink, clk, playback.Config{
		RetryDelay: cfg.Playback.RetryDelay(),
	})
	defer queue.Close()
	feeder := playback.NewFeeder(wav.NewDecoder(), queue, cfg.Playback.FeederBuffer)

	client := transport.NewClient(transport.Config{
		Endpoint:       cfg.Transport.Endpoint,
		DialTimeout:    cfg.Transport.DialTimeout(),
		ReconnectDelay: cfg.Transport.ReconnectDelay(),
		FatalCloseCode: cfg.Transport.FatalCloseCode,
		WriteTimeout:   cfg.Transport.WriteTimeout(),
	}, clk)

	detector := vad.New(mic, clk, vad.Config{
		Threshold:     cfg.VAD.Threshold,
		Gain:          cfg.VAD.Gain,
		WindowSize:    cfg.VAD.WindowSize,
		FrameInterval: cfg.VAD.FrameInterval(),
	})
	pipeline := capture.NewPipeline(mic, client, capture.Config{
		ChunkDuration: cfg.Capture.ChunkDuration(),
		SendBuffer:    cfg.Capture.SendBuffer,
	})

	notifier := notification.NewManager(time.Second)
	defer notifier.Close()

	greeting := cfg.Conversation.Greeting
	if greeting == "" {
		greeting = turn.DefaultGreeting
	}
	coord := turn.New(turn.Config{
		Greeting:             greeting,
		SilenceDebounce:      cfg.Conversation.SilenceDebounce(),
		InterruptionCooldown: cfg.Conversation.InterruptionCooldown(),
		CloseGrace:           cfg.Transport.CloseGrace(),
		Topics: conversation.TopicOptions{
			MaxTopics: cfg.Conversation.MaxTopics,
			MinLength: cfg.Conversation.MinTopicLen,
		},
	}, turn.Deps{
		Transport:  client,
		Playback:   feeder,
		Recorder:   pipeline,
		Detector:   detector,
		Microphone: mic,
		Notifier:   notifier,
		Clock:      clk,
	})

	screen := newConsole(os.Stdout)
	coord.Subscribe(screen)
	if *verbose {
		coord.Subscribe(turn.LogObserver{})
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		feeder.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = coord.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		logQueueEvents(ctx, queue.Events())
	}()
	defer wg.Wait()
	defer cancel()

	if err := coord.StartCall(ctx); err != nil {
		return errors.Wrap(err, "failed to start call")
	}
	executeHooks(cfg.Hooks.OnCallStarted, "on_call_started")
	defer executeHooks(cfg.Hooks.OnCallEnded, "on_call_ended")

	fmt.Fprintf(os.Stdout, "Connecting to %s. Press Ctrl+C to end the call.\n", cfg.Transport.Endpoint)

	// Wait for the user, the agent, or a failure to end the call
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var summary *conversation.Summary
	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal, ending call...")
		summary, err = coord.EndCall(ctx)
		if err != nil && !errors.Is(err, turn.ErrNoActiveCall) {
			return errors.Wrap(err, "failed to end call")
		}
		// Leave time for the cleanup message before the link closes
		time.Sleep(cfg.Transport.CloseGrace())
	case summary = <-screen.Ended():
	case msg := <-screen.Failed():
		_, _ = coord.EndCall(ctx)
		return errors.Newf("call failed: %s", msg)
	}

	printSummary(os.Stdout, summary, feeder.Stats(), queue.Stats(), client.Stats())
	return nil
}

// logQueueEvents logs playback transitions until the queue closes.
func logQueueEvents(ctx context.Context, events <-chan playback.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case playback.EventStartFailed:
				zlog.Warn().Err(ev.Err).Msgf("Playback start failed: state=%s", ev.State)
			default:
				zlog.Debug().Msgf("Playback event: type=%s state=%s", ev.Type, ev.State)
			}
		}
	}
}
