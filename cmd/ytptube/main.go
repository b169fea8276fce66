package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/FildCommander/ytptube/internal/archive"
	"github.com/FildCommander/ytptube/internal/config"
	"github.com/FildCommander/ytptube/internal/downloader"
	"github.com/FildCommander/ytptube/internal/engine"
	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/internal/notify"
	"github.com/FildCommander/ytptube/internal/presets"
	"github.com/FildCommander/ytptube/internal/server"
	"github.com/FildCommander/ytptube/internal/store"
	"github.com/FildCommander/ytptube/internal/tasks"
	"github.com/FildCommander/ytptube/pkg/logger"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "ytptube"
	app.Usage = "queued video downloader driven by yt-dlp"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the YAML config file",
			Value: "",
		},
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "address to serve the API and websocket on",
		},
		cli.StringFlag{
			Name:  "download-path, d",
			Usage: "directory completed downloads land in",
		},
		cli.IntFlag{
			Name:  "workers, w",
			Usage: "number of concurrent downloads",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ytptube: %s\n", err.Error())
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("download-path"); v != "" {
		cfg.DownloadPath = v
	}
	if v := c.Int("workers"); v > 0 {
		cfg.MaxWorkers = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	base := logger.NewStandardLogger(log.New(os.Stderr, "", log.LstdFlags))
	bus := events.NewBus(base)
	lg := events.NewBusLogger(base, bus)

	for _, dir := range []string{cfg.DownloadPath, cfg.TempPath, cfg.ConfigPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %q: %w", dir, err)
		}
	}

	// An unreachable store is fatal: running without persistence would
	// silently lose every submission on restart.
	st, err := store.Open(cfg.DatabaseFile, cfg.StoreRetries, lg)
	if err != nil {
		return err
	}
	defer st.Close()

	if n, err := st.ResetInFlight(); err != nil {
		return err
	} else if n > 0 {
		lg.Info("reset %d interrupted downloads to pending", n)
	}

	queue := store.NewView(store.TypeQueue, st)
	done := store.NewView(store.TypeDone, st)
	if err := queue.Load(); err != nil {
		return err
	}
	if err := done.Load(); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	arch, err := archive.New(fs, cfg.ArchiveFile)
	if err != nil {
		return err
	}

	ps := presets.NewSet(fs, filepath.Join(cfg.ConfigPath, "presets.json"), presets.Defaults{
		Preset:   cfg.DefaultPreset,
		Folder:   cfg.DownloadPath,
		Template: cfg.OutputTemplate,
	})
	if err := ps.Load(); err != nil {
		return err
	}

	exec := downloader.New(downloader.Config{
		Bin:              cfg.DownloaderBin,
		DownloadPath:     cfg.DownloadPath,
		TempPath:         cfg.TempPath,
		SocketTimeout:    cfg.SocketTimeout,
		ExtractTimeout:   cfg.ExtractTimeout,
		CancelGrace:      cfg.CancelGrace,
		ProgressInterval: cfg.ProgressInterval,
		MaxRuntime:       cfg.MaxRuntime,
		Retries:          cfg.DownloadRetries,
	}, lg)

	eng := engine.New(engine.Config{
		MaxWorkers:  cfg.MaxWorkers,
		Dedupe:      cfg.Dedupe,
		KeepArchive: cfg.KeepArchive,
	}, queue, done, arch, ps, bus, exec, fs, lg)

	tm := tasks.NewManager(fs, filepath.Join(cfg.ConfigPath, "tasks.json"), arch, exec, bus, lg)
	if err := tm.Load(); err != nil {
		return err
	}
	poller := tasks.NewPoller(tm, eng, st, lg)

	notifier := notify.New(notify.Config{Retries: cfg.NotifyRetries}, fs, filepath.Join(cfg.ConfigPath, "notifications.json"), lg)
	if err := notifier.Load(); err != nil {
		return err
	}

	srv := server.New(cfg.Listen, eng, ps, tm, bus, lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier.Attach(ctx, bus)
	eng.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		poller.Run(ctx)
		return nil
	})
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	lg.Info("ytptube %s started with %d workers", version, cfg.MaxWorkers)
	err = g.Wait()
	eng.Wait()
	lg.Info("shutdown complete")
	return err
}
