package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"strzcam.com/blackbox/config"
	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/persist"
	"strzcam.com/blackbox/save"
	"strzcam.com/blackbox/server"
	"strzcam.com/blackbox/session"
	"strzcam.com/blackbox/source"
	"strzcam.com/blackbox/store"
	"strzcam.com/blackbox/telemetry"
	"strzcam.com/blackbox/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Record until shut down",
	Long: `Start the capture loop. Every source keeps the last capture-duration
seconds. Any key, SIGINT, SIGTERM, a file created in the trigger directory,
the periodic timer or the operator page saves the window to the output
directory and starts a fresh one. Ctrl-C saves once more and exits.`,
	Args: cobra.NoArgs,
	RunE: runRecorder,
}

var (
	noKeyboard bool
	listenAddr string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntP("capture-duration", "d", config.Default().Capture.DurationSeconds, "seconds of history kept by every source")
	_ = viper.BindPFlag("capture.duration_seconds", runCmd.Flags().Lookup("capture-duration"))
	runCmd.Flags().BoolVar(&noKeyboard, "no-keyboard", false, "do not read triggers from the terminal")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "serve the operator page on this address")
}

func runRecorder(cmd *cobra.Command, args []string) error {
	if noKeyboard {
		viper.Set("trigger.keyboard", false)
	}
	if listenAddr != "" {
		viper.Set("server.enabled", true)
		viper.Set("server.addr", listenAddr)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Paths.LogDir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	if !persist.Available(cfg.Merge.FFmpeg) {
		return fmt.Errorf("%s not found; it is needed to capture and encode", cfg.Merge.FFmpeg)
	}

	app, err := newApp(cfg, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}
	defer app.close()
	return app.run(cmd.Context())
}

// app is one wired recorder process.
type app struct {
	loop     *session.Loop
	coord    *save.Coordinator
	disp     *trigger.Dispatcher[*session.Cycle]
	triggers []trigger.Source
	logger   *logging.Logger
	closers  []func() error
}

func newApp(cfg *config.Config, fs afero.Fs, logger *logging.Logger) (*app, error) {
	a := &app{logger: logger}

	sources, err := a.sources(cfg, logger)
	if err != nil {
		return nil, err
	}

	queue := session.NewQueue()
	a.disp = trigger.NewDispatcher(queue, logger)
	a.loop, err = session.New(session.Config{
		Window:           cfg.Capture.Window(),
		BarrierTimeout:   cfg.Session.BarrierTimeout(),
		RetryDelay:       cfg.Session.RetryDelay(),
		ProgressInterval: cfg.Session.ProgressInterval(),
		Policy:           session.Policy(cfg.Session.Policy()),
	}, sources, a.disp, logger)
	if err != nil {
		return nil, err
	}

	st := store.New(fs, cfg.Paths.OutputDir)
	a.coord = save.NewCoordinator(save.Config{
		TempDir:        cfg.Paths.TempDir,
		Ext:            cfg.Output.Ext,
		MaxBytes:       cfg.Output.MaxBytes,
		AudioFormat:    cfg.Capture.Audio.PCM(),
		HandoffTimeout: cfg.Session.HandoffTimeout(),
	}, queue, st,
		&persist.FFmpegVideo{Binary: cfg.Merge.FFmpeg, Codec: cfg.Output.Codec, Tag: cfg.Output.Tag, Logger: logger},
		&persist.WAV{Fs: fs},
		&persist.FFmpegMerger{Binary: cfg.Merge.FFmpeg},
		logger)

	a.triggers = a.triggerSources(cfg, st, logger)
	return a, nil
}

func (a *app) sources(cfg *config.Config, logger *logging.Logger) (session.Sources, error) {
	var sources session.Sources
	v := cfg.Capture.Video
	switch v.Source {
	case config.VideoSourceShm:
		sources.Video = &source.SharedMemory{
			Path:   v.ShmPath,
			Width:  v.Width,
			Height: v.Height,
			Format: frame.BGR24, // OpenCV producers publish BGR
			Stall:  v.Stall(),
			Logger: logger,
		}
	default:
		sources.Video = &source.FFmpegVideo{
			Binary: cfg.Merge.FFmpeg,
			Format: v.Format,
			Device: v.Device,
			Width:  v.Width,
			Height: v.Height,
			FPS:    v.FPS,
			Logger: logger,
		}
	}

	if au := cfg.Capture.Audio; au.Enabled {
		sources.Audio = &source.FFmpegAudio{
			Binary:      cfg.Merge.FFmpeg,
			Format:      au.Format,
			Device:      au.Device,
			Channels:    au.Channels,
			SampleRate:  au.SampleRate,
			ChunkFrames: au.ChunkFrames,
			Logger:      logger,
		}
	}

	if tm := cfg.Capture.Telemetry; tm.Enabled {
		obd := &telemetry.OBD{
			Port:     tm.Port,
			Baud:     tm.Baud,
			Protocol: tm.Protocol,
			Interval: tm.Interval(),
			Timeout:  tm.Timeout(),
			Dial:     telemetry.DialSerial,
			Logger:   logger,
		}
		if cfg.Paths.LogDir == "" && tm.DataLog != "" {
			logger.Warn("paths.log_dir is empty, telemetry data log disabled")
		}
		if cfg.Paths.LogDir != "" && tm.DataLog != "" {
			dataLog, err := logging.NewLoggerFile(cfg.Paths.LogDir, tm.DataLog, logging.LevelInfo)
			if err != nil {
				return sources, err
			}
			a.closers = append(a.closers, dataLog.Close)
			obd.DataLog = dataLog
		}
		sources.Telemetry = obd
	}
	return sources, nil
}

func (a *app) triggerSources(cfg *config.Config, st *store.Store, logger *logging.Logger) []trigger.Source {
	var sources []trigger.Source
	if cfg.Trigger.Signals {
		sources = append(sources, trigger.NewSignalTrigger())
	}
	if cfg.Trigger.Keyboard {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			sources = append(sources, &trigger.KeyTrigger{In: os.Stdin})
		} else {
			logger.Warn("stdin is not a terminal, keyboard trigger disabled")
		}
	}
	if cfg.Trigger.Dir != "" {
		sources = append(sources, &trigger.FileTrigger{Dir: filepath.Clean(cfg.Trigger.Dir), Logger: logger})
	}
	if iv := cfg.Trigger.Interval(); iv > 0 {
		sources = append(sources, &trigger.TimerTrigger{Interval: iv})
	}
	if cfg.Server.Enabled {
		sources = append(sources, server.New(cfg.Server.Addr, st, a.coord, a.disp, logger))
	}
	return sources
}

// run blocks until the session loop stopped. The trigger sources are
// stopped next, then the coordinator finishes the last save.
func (a *app) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	coordCtx, stopCoord := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCoord()
	coordErr := make(chan error, 1)
	go func() { coordErr <- a.coord.Run(coordCtx) }()

	trigCtx, stopTriggers := context.WithCancel(ctx)
	defer stopTriggers()
	triggersDone := make(chan struct{})
	go func() {
		defer close(triggersDone)
		trigger.RunAll(trigCtx, a.disp, a.logger, a.triggers...)
	}()

	a.logger.Info("recorder started", "triggers", len(a.triggers))
	loopErr := a.loop.Run(ctx)

	stopTriggers()
	<-triggersDone
	stopCoord()
	err := errors.Join(loopErr, <-coordErr)
	a.logger.Info("recorder stopped", "sessions", a.loop.Cycles())
	return err
}

func (a *app) close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			a.logger.Warn("failed to close", "error", err.Error())
		}
	}
}
