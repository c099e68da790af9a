package main

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/voiceloop/voiceloop/internal/config"
	"github.com/voiceloop/voiceloop/internal/facebridge"
	"github.com/voiceloop/voiceloop/pkg/agent"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	"github.com/voiceloop/voiceloop/pkg/audio/wav"
	"github.com/voiceloop/voiceloop/pkg/capture"
	"github.com/voiceloop/voiceloop/pkg/playback"
	"github.com/voiceloop/voiceloop/pkg/plugin"
	_ "github.com/voiceloop/voiceloop/pkg/plugin/fake"   // register fake providers
	_ "github.com/voiceloop/voiceloop/pkg/plugin/openai" // register openai providers
	_ "github.com/voiceloop/voiceloop/pkg/plugin/silero" // register silero VAD
	"github.com/voiceloop/voiceloop/pkg/segment"
	"github.com/voiceloop/voiceloop/pkg/version"
	"github.com/voiceloop/voiceloop/pkg/voice"
)

var rootCmd = &cobra.Command{
	Use:   "voiceloop",
	Short: "voiceloop - a spoken conversation loop",
	Long: `voiceloop runs a full spoken exchange: voice activity detection,
utterance segmentation, transcription, streaming reply generation, and
incremental speech synthesis, with echo guarding and optional barge-in.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the conversation loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		inputWAV, _ := cmd.Flags().GetString("input-wav")
		outputWAV, _ := cmd.Flags().GetString("output-wav")

		cfg := config.Default()
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if inputWAV != "" {
			cfg.Audio.InputWAV = inputWAV
		}
		if outputWAV != "" {
			cfg.Audio.OutputWAV = outputWAV
		}

		logger := setupLogger(cfg.LogLevel)
		logger.Info("starting voiceloop",
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runConversation(ctx, cfg, logger)
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List registered providers",
	Run: func(cmd *cobra.Command, args []string) {
		for _, p := range plugin.List("") {
			desc := p.Description
			if desc == "" {
				desc = "-"
			}
			fmt.Printf("%-4s  %-10s  %s\n", p.Kind, p.Name, desc)
		}
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Transcribe a WAV file with the configured provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath, _ := cmd.Flags().GetString("file")
		provider, _ := cmd.Flags().GetString("provider")
		if filePath == "" {
			return fmt.Errorf("--file is required")
		}

		logger := setupLogger(config.LogInfo)

		r, err := wav.NewReader(filePath)
		if err != nil {
			return err
		}
		frames, err := r.ReadFrames(20 * time.Millisecond)
		r.Close()
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			return fmt.Errorf("%s contains no audio", filePath)
		}

		transcriber, err := plugin.ResolveSTT(provider, nil)
		if err != nil {
			return err
		}

		var pcm []byte
		for _, f := range frames {
			pcm = append(pcm, f.Data...)
		}

		ctx, cancelT := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelT()

		text, err := transcriber.Transcribe(ctx, stt.Request{
			PCM:         pcm,
			SampleRate:  frames[0].SampleRate,
			NumChannels: frames[0].NumChannels,
		})
		if err != nil {
			return err
		}

		logger.Info("transcription complete", slog.String("file", filePath))
		fmt.Println(text)
		return nil
	},
}

func setupLogger(level config.LogLevel) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch level {
	case config.LogDebug:
		opts.Level = slog.LevelDebug
	case config.LogWarn:
		opts.Level = slog.LevelWarn
	case config.LogError:
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if os.Getenv("VOICELOOP_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// wavWriterDevice adapts a WAV file writer into an io.Writer for the
// paced playback device.
type wavWriterDevice struct {
	w *wav.Writer
}

func (a wavWriterDevice) Write(p []byte) (int, error) {
	if err := a.w.WritePCM(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// recordDevice writes reply audio to a WAV file. The file is created on
// the first chunk so its header matches whatever rate the synthesizer
// actually produces.
type recordDevice struct {
	inner *playback.WriterDevice
	path  string
	wavw  *wav.Writer
}

func (d *recordDevice) Play(ctx context.Context, chunk playback.Chunk) error {
	if d.wavw == nil {
		w, err := wav.NewWriter(d.path, uint32(chunk.SampleRate), uint16(chunk.NumChannels))
		if err != nil {
			return err
		}
		d.wavw = w
		d.inner.W = wavWriterDevice{w: w}
	}
	return d.inner.Play(ctx, chunk)
}

func (d *recordDevice) Close() error {
	if d.wavw != nil {
		return d.wavw.Close()
	}
	return nil
}

func runConversation(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Audio.InputWAV == "" {
		return fmt.Errorf("no capture source: set audio.input_wav (or --input-wav) to drive the loop from a recording")
	}

	// Providers.
	vadProvider, err := plugin.ResolveVAD(cfg.Providers.VAD.Name, cfg.Providers.VAD.ConfigMap())
	if err != nil {
		return err
	}
	transcriber, err := plugin.ResolveSTT(cfg.Providers.STT.Name, cfg.Providers.STT.ConfigMap())
	if err != nil {
		return err
	}
	generator, err := plugin.ResolveLLM(cfg.Providers.LLM.Name, cfg.Providers.LLM.ConfigMap())
	if err != nil {
		return err
	}
	synthesizer, err := plugin.ResolveTTS(cfg.Providers.TTS.Name, cfg.Providers.TTS.ConfigMap())
	if err != nil {
		return err
	}

	// Capture side.
	source, err := capture.NewWavSource(cfg.Audio.InputWAV, cfg.Audio.FrameDuration(), logger)
	if err != nil {
		return err
	}

	// Playback side. Reply audio is paced in real time so the guard and
	// barge-in experience match a live speaker; it lands in a WAV file
	// when configured, otherwise it is discarded after pacing.
	var device playback.Device
	paced := &playback.WriterDevice{W: io.Discard, Realtime: true}
	if cfg.Audio.OutputWAV != "" {
		rec := &recordDevice{inner: paced, path: cfg.Audio.OutputWAV}
		defer rec.Close()
		device = rec
	} else {
		device = paced
	}
	sink := playback.NewSink(device, playback.Config{HardStop: cfg.Playback.HardStop}, logger)

	guard := voice.NewEchoGuard(voice.GuardConfig{
		Release:       time.Duration(cfg.Guard.ReleaseMs) * time.Millisecond,
		BargeIn:       cfg.Guard.BargeIn,
		BargeInFrames: cfg.Guard.BargeInFrames,
	})

	seg := segment.New(segment.Config{
		OnsetFrames:    cfg.Segmenter.OnsetFrames,
		HangoverFrames: cfg.Segmenter.HangoverFrames,
		PreRollFrames:  cfg.Segmenter.PreRollFrames,
		MinDuration:    time.Duration(cfg.Segmenter.MinDurationMs) * time.Millisecond,
	}, logger)

	machine, err := agent.New(agent.Config{
		VAD:               vadProvider,
		STT:               transcriber,
		LLM:               generator,
		TTS:               synthesizer,
		Sink:              sink,
		Guard:             guard,
		Segmenter:         seg,
		MicIn:             source.Frames(),
		SystemPrompt:      cfg.Conversation.SystemPrompt,
		Language:          cfg.Conversation.Language,
		Voice:             cfg.Conversation.Voice,
		Speed:             cfg.Conversation.Speed,
		Pitch:             cfg.Conversation.Pitch,
		MaxHistoryTurns:   cfg.Conversation.MaxHistoryTurns,
		TranscribeTimeout: time.Duration(cfg.Conversation.TranscribeTimeoutMs) * time.Millisecond,
		FirstTokenTimeout: time.Duration(cfg.Conversation.FirstTokenTimeoutMs) * time.Millisecond,
		FirstChunkTimeout: time.Duration(cfg.Conversation.FirstChunkTimeoutMs) * time.Millisecond,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	publishMetrics(machine)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Face.Enabled {
		face := facebridge.New(cfg.Face.ListenAddr, logger)
		machine.Notify(face.Listener())
		g.Go(func() error {
			err := face.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	if cfg.Debug.ListenAddr != "" {
		g.Go(func() error { return serveDebug(gctx, cfg.Debug.ListenAddr, logger) })
	}

	g.Go(func() error {
		err := sink.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		// When the recording runs out, give in-flight turns a moment to
		// play out, then stop the session.
		if err := source.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		waitForIdle(gctx, machine, sink)
		cancel()
		return nil
	})

	g.Go(func() error {
		err := machine.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	err = g.Wait()
	logger.Info("voiceloop stopped")
	return err
}

// waitForIdle blocks until the machine has no turn in flight and playback
// has drained, or ctx is cancelled.
func waitForIdle(ctx context.Context, m *agent.Machine, sink *playback.Sink) {
	// Let a just-finalized utterance reach the machine first.
	grace := time.NewTimer(500 * time.Millisecond)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.CurrentState() == agent.StateIdle &&
				sink.Status().State == playback.Idle && sink.QueueLen() == 0 {
				return
			}
		}
	}
}

func publishMetrics(m *agent.Machine) {
	metrics := m.Metrics()
	root := expvar.NewMap("voiceloop")
	root.Set("state_transitions", metrics.StateTransitions)
	root.Set("turns_completed", metrics.TurnsCompleted)
	root.Set("turns_abandoned", metrics.TurnsAbandoned)
	root.Set("turns_failed", metrics.TurnsFailed)
	root.Set("turns_interrupted", metrics.TurnsInterrupted)
	root.Set("first_audio_latency_seconds", metrics.FirstAudioLatency)
	root.Set("session_duration_seconds", metrics.SessionDuration)
}

func serveDebug(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("debug server listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func main() {
	runCmd.Flags().String("config", "", "path to YAML configuration")
	runCmd.Flags().String("input-wav", "", "WAV recording to drive capture (overrides audio.input_wav)")
	runCmd.Flags().String("output-wav", "", "record reply audio to this WAV file (overrides audio.output_wav)")

	transcribeCmd.Flags().String("file", "", "WAV file to transcribe")
	transcribeCmd.Flags().String("provider", "fake", "stt provider name")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(transcribeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
