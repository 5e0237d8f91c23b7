// Command usn-watcherd streams NTFS USN change journal activity for a
// single volume as newline-delimited JSON, with an optional named-pipe
// fanout. Flag parsing, environment overlay and process lifecycle are
// this command's concern; the watch logic itself lives in
// internal/orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AlexSvobo/usn-watcher/internal/filterexpr"
	"github.com/AlexSvobo/usn-watcher/internal/metrics"
	"github.com/AlexSvobo/usn-watcher/internal/orchestrator"
	"github.com/AlexSvobo/usn-watcher/internal/pipebroadcast"
)

var (
	flagPollMS     int
	flagWindowMS   int
	flagFilter     string
	flagNoPopulate bool
	flagVerbose    bool
	flagPipe       bool
	flagFormat     string
	flagFilterLog  bool
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usn-watcherd <volume-letter>",
		Short: "Stream NTFS USN change journal events as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}

	flags := cmd.Flags()
	flags.IntVar(&flagPollMS, "poll-ms", 1000, "journal poll interval in milliseconds")
	flags.IntVar(&flagWindowMS, "window-ms", 50, "coalescer quiet window in milliseconds")
	flags.StringVar(&flagFilter, "filter", "", "filter expression (field=value or field~=substring, joined with &&)")
	flags.BoolVar(&flagNoPopulate, "no-populate", false, "skip startup MFT population of the path cache")
	flags.BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
	flags.BoolVar(&flagPipe, "pipe", false, `also broadcast events on \\.\pipe\usn-watcher-<LETTER>`)
	flags.StringVar(&flagFormat, "format", "ndjson", "output format (only ndjson is supported)")
	flags.BoolVar(&flagFilterLog, "filter-log", false, "log why an event was dropped by --filter at debug level")

	viper.SetEnvPrefix("usn_watcher")
	viper.AutomaticEnv()
	viper.BindPFlags(flags)

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	volume := strings.ToUpper(strings.TrimSuffix(args[0], ":"))

	if viper.GetString("format") != "ndjson" {
		return fmt.Errorf("unsupported --format %q: only ndjson is implemented", viper.GetString("format"))
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if viper.GetBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}

	filter, err := filterexpr.Parse(viper.GetString("filter"))
	if err != nil {
		return fmt.Errorf("invalid --filter: %w", err)
	}

	stateDir, err := stateDir()
	if err != nil {
		return err
	}

	m := metrics.New(volume)

	var pipeSink func([]byte)
	var broadcaster *pipebroadcast.Broadcaster
	if viper.GetBool("pipe") {
		ln, err := pipebroadcast.Listen(volume)
		if err != nil {
			return fmt.Errorf("opening named pipe: %w", err)
		}
		broadcaster = pipebroadcast.New(ln, log, func(n int) { m.PipeSubscribers.Set(float64(n)) })
		go func() {
			if err := broadcaster.Serve(); err != nil {
				log.WithError(err).Error("pipe broadcaster stopped")
			}
		}()
		defer broadcaster.Close()
		pipeSink = broadcaster.Broadcast
	}

	cfg := orchestrator.Config{
		Volume:       volume,
		PollInterval: time.Duration(viper.GetInt("poll-ms")) * time.Millisecond,
		Window:       time.Duration(viper.GetInt("window-ms")) * time.Millisecond,
		NoPopulate:   viper.GetBool("no-populate"),
		StateDir:     stateDir,
		Filter:       filter,
		FilterLog:    viper.GetBool("filter-log"),
		Out:          os.Stdout,
		PipeSink:     pipeSink,
		Metrics:      m,
		Log:          log,
	}

	opened, err := orchestrator.OpenVolume(cfg)
	if err != nil {
		return fmt.Errorf("opening volume %s: %w", volume, err)
	}
	defer opened.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithField("volume", volume).Info("watching")
	if err := opened.Run(ctx); err != nil {
		return err
	}

	batches, events := opened.Counts()
	log.WithFields(logrus.Fields{"batches": batches, "events": events}).Info("shut down cleanly")
	return nil
}

func stateDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return filepath.Join(base, "usn-watcher"), nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
