// Command kestrel is the CLI front end for the download core: add URLs to
// the queue, inspect and control it, and browse the organized library.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrel-dl/kestrel/internal/actor"
	"github.com/kestrel-dl/kestrel/internal/appconfig"
	"github.com/kestrel-dl/kestrel/internal/engine"
	"github.com/kestrel-dl/kestrel/internal/eventlog"
	"github.com/kestrel-dl/kestrel/internal/extractorrunner"
	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/metastore"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/organizer"
	"github.com/kestrel-dl/kestrel/internal/progress"
	"github.com/kestrel-dl/kestrel/internal/queue"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	cfgFile  string
	logLevel string
	noColor  bool

	cfg    *appconfig.Config
	logger *slog.Logger
	act    *actor.Actor
	mgr    *queue.Manager
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kestrel",
	Short:   "A high-throughput video downloader with crash-safe queueing",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
			return nil
		}

		if err := appconfig.EnsureDirs(); err != nil {
			return fmt.Errorf("initialize directories: %w", err)
		}

		var v *viper.Viper
		var err error
		cfg, v, err = appconfig.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if noColor {
			cfg.Logging.Color = false
		}

		logger, err = appconfig.InitLogger(&cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			logger.Info("config file changed, reloading", "file", e.Name)
			var reloaded appconfig.Config
			if err := v.Unmarshal(&reloaded); err != nil {
				logger.Error("failed to reload config", "error", err)
				return
			}
			if err := appconfig.Validate(&reloaded); err != nil {
				logger.Error("reloaded config failed validation, keeping previous settings", "error", err)
				return
			}
			*cfg = reloaded
			if mgr != nil {
				mgr.UpdateConfig(cfg.QueueConfig(filepath.Join(appconfig.DataDir(), "scratch")))
			}
		})

		return buildActor(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if act != nil {
			act.Send(actor.ClearCompleted{})
		}
	},
}

// buildActor wires the full pipeline (event log, HTTP client, engine,
// extractor, organizer, metadata store, queue manager) and starts the actor
// loop in the background, bound to the process lifetime.
func buildActor(ctx context.Context) error {
	log, err := eventlog.Open(appconfig.DataDir(), logger)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	client := httpclient.New(cfg.HTTPClientConfig())
	eng := engine.New(cfg.EngineConfig(), client)

	var extractor extractorrunner.Extractor
	if runner, runnerErr := extractorrunner.New(cfg.ExtractorPath, logger); runnerErr != nil {
		logger.Warn("external extractor not found, adaptive-manifest fallback disabled", "error", runnerErr)
	} else {
		extractor = runner
	}

	org := organizer.New(cfg.DownloadLocation)
	if err := org.EnsureLayout(); err != nil {
		return fmt.Errorf("prepare library layout: %w", err)
	}
	meta := metastore.New(filepath.Join(org.BaseDir(), ".metadata"), logger)

	scratchDir := filepath.Join(appconfig.DataDir(), "scratch")
	mgr, err = queue.New(cfg.QueueConfig(scratchDir), log, eng, extractor, org, meta, logger)
	if err != nil {
		return fmt.Errorf("construct queue manager: %w", err)
	}

	act = actor.New(mgr, extractor, logger)
	act.Subscribe(func(ev actor.Event) {
		switch ev.Kind {
		case actor.EventDownloadProgress:
			pct := 0.0
			if ev.Progress.TotalBytes > 0 {
				pct = float64(ev.Progress.DownloadedBytes) / float64(ev.Progress.TotalBytes) * 100
			}
			fmt.Printf("\r%s  %5.1f%%  %s  eta %s", ev.Task.Info.Title, pct,
				progress.FormatSpeed(ev.Progress.SpeedBytesPerSec), progress.FormatETA(ev.Progress.ETASeconds))
		case actor.EventDownloadCompleted:
			fmt.Printf("\ncompleted: %s -> %s\n", ev.Task.Info.Title, ev.Task.OutputPath)
		case actor.EventDownloadFailed:
			fmt.Printf("\nfailed: %s (%s)\n", ev.Task.Info.Title, ev.Task.FailReason)
		}
	})

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		act.Run(runCtx)
		cancel()
	}()
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: kestrel's config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored log output")

	rootCmd.AddCommand(versionCmd, downloadCmd, queueCmd, libraryCmd, configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kestrel version %s (commit %s, built %s)\n", version, commit, date)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Add a URL to the download queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		quality, _ := cmd.Flags().GetString("quality")

		reply := make(chan actor.ExtractResult, 1)
		act.Send(actor.ExtractInfo{URL: url, Reply: reply})
		result := <-reply

		info := result.Info
		if result.Err != nil {
			logger.Warn("extractor could not resolve metadata, downloading raw URL", "url", url, "error", result.Err)
			info = model.VideoInfo{PageURL: url}
		}

		format := pickFormat(info.Formats, quality)

		taskReply := make(chan actor.TaskResult, 1)
		act.Send(actor.StartDownload{URL: url, Info: info, Format: format, Reply: taskReply})
		taskResult := <-taskReply
		if taskResult.Err != nil {
			return taskResult.Err
		}
		fmt.Printf("queued: %s (task %s)\n", url, taskResult.Task.ID)
		return nil
	},
}

// pickFormat applies the quality selector (Best | Worst | a literal format
// id) to the formats the extractor reported.
func pickFormat(formats []model.Format, quality string) model.Format {
	if len(formats) == 0 {
		return model.Format{}
	}
	switch quality {
	case "", "Best":
		best := formats[0]
		for _, f := range formats {
			if f.Height > best.Height {
				best = f
			}
		}
		return best
	case "Worst":
		worst := formats[0]
		for _, f := range formats {
			if f.Height > 0 && (worst.Height == 0 || f.Height < worst.Height) {
				worst = f
			}
		}
		return worst
	default:
		for _, f := range formats {
			if f.ID == quality {
				return f
			}
		}
		return formats[0]
	}
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the download queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every tracked task",
	RunE: func(cmd *cobra.Command, args []string) error {
		reply := make(chan []*model.Task, 1)
		act.Send(actor.ListQueue{Reply: reply})
		tasks := <-reply
		if len(tasks) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		for _, t := range tasks {
			fmt.Printf("%s  %-11s  %s\n", t.ID, t.Status, t.Info.Title)
		}
		return nil
	},
}

func queueActionCmd(use, short string, send func(id string, reply chan<- error) actor.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply := make(chan error, 1)
			act.Send(send(args[0], reply))
			return <-reply
		},
	}
}

var queuePauseCmd = queueActionCmd("pause", "Pause a task", func(id string, reply chan<- error) actor.Command {
	return actor.Pause{ID: id, Reply: reply}
})

var queueResumeCmd = queueActionCmd("resume", "Resume a paused or failed task", func(id string, reply chan<- error) actor.Command {
	return actor.Resume{ID: id, Reply: reply}
})

var queueCancelCmd = queueActionCmd("cancel", "Cancel an active or queued task", func(id string, reply chan<- error) actor.Command {
	return actor.Cancel{ID: id, Reply: reply}
})

var queueRemoveCmd = queueActionCmd("remove", "Remove a terminal task from the queue", func(id string, reply chan<- error) actor.Command {
	return actor.Remove{ID: id, Reply: reply}
})

var queueClearCompletedCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Prune every completed, failed, or cancelled task",
	RunE: func(cmd *cobra.Command, args []string) error {
		done := make(chan struct{}, 1)
		act.Send(actor.ClearCompleted{Done: done})
		<-done
		return nil
	},
}

var queueResumeAllCmd = &cobra.Command{
	Use:   "resume-all",
	Short: "Resume every paused or failed task",
	RunE: func(cmd *cobra.Command, args []string) error {
		done := make(chan struct{}, 1)
		act.Send(actor.ResumeAll{Done: done})
		<-done
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringP("quality", "q", "Best", "quality selector: Best, Worst, or a format id")
	queueCmd.AddCommand(queueListCmd, queuePauseCmd, queueResumeCmd, queueCancelCmd, queueRemoveCmd, queueClearCompletedCmd, queueResumeAllCmd)
}

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Browse the organized library",
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every downloaded video",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := metastore.New(filepath.Join(cfg.DownloadLocation, ".metadata"), logger)
		docs, err := store.ListAll()
		if err != nil {
			return err
		}
		for _, d := range docs {
			fmt.Printf("%-10s  %-8s  %s\n", d.QualityTier, d.SourcePlatform, d.Title)
		}
		return nil
	},
}

var librarySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the library by title or tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := metastore.New(filepath.Join(cfg.DownloadLocation, ".metadata"), logger)
		docs, err := store.Search(args[0])
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%-10s  %-8s  %s\n", d.QualityTier, d.SourcePlatform, d.Title)
		}
		return nil
	},
}

func init() {
	libraryCmd.AddCommand(libraryListCmd, librarySearchCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = filepath.Join(appconfig.ConfigDir(), "kestrel.yaml")
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s", path)
		}
		if err := appconfig.SaveDefaultConfig(path); err != nil {
			return fmt.Errorf("save default configuration: %w", err)
		}
		fmt.Printf("default configuration written to %s\n", path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Display the configuration directory",
	Run: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			fmt.Println(cfgFile)
			return
		}
		fmt.Println(appconfig.ConfigDir())
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configPathCmd)
}
