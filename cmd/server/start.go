package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"serialkv/internal/api"
	"serialkv/internal/client"
	"serialkv/internal/config"
	"serialkv/internal/engine"
	"serialkv/internal/log"
	"serialkv/internal/mirror"
	"serialkv/internal/replica"
)

const defaultConfigFilePath = "./serialkv.yml"

func newStartCmd() *cobra.Command {
	var configFilePath string

	c := &cobra.Command{
		Use:     "start",
		Short:   "Start a serialkv master or replica",
		Example: "serialkv start --config <path>",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFilePath)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			log.Info("using %v for configuration", configFilePath)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	c.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, "path to the serialkv YAML configuration file")
	return c
}

// run serves cfg until ctx is done or a component fails.
func run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.RootDirectory, 0o755); err != nil {
		return errors.Wrapf(err, "create root directory %s", cfg.RootDirectory)
	}

	store, err := engine.Open(engine.Config{Path: cfg.ChangelogPath()})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close changelog: %v", err)
		}
	}()

	state := mirror.NewState()
	projects := mirror.NewProjectChanged(state, log.Default().Named("mirror"))
	projects.Load(store)
	store.Subscribe(projects.HandleEntry)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.ListenAddr)
	}
	srv := &http.Server{
		Handler: api.NewServer(store, state, api.Config{
			LongPollTimeout: cfg.LongPollTimeout,
			ReadOnly:        cfg.IsReplica(),
			Logger:          log.Default().Named("api"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving changelog at serial %d on %s", store.LatestSerial(), ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	if cfg.IsReplica() {
		master := client.New(cfg.MasterURL, nil)
		rep := replica.New(store, master, cfg.ReplicaConfig(), log.Default().Named("replica"))
		g.Go(func() error {
			log.Info("replicating from %s", cfg.MasterURL)
			return rep.Start(gctx, mirror.NewProxy(master), state)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down, waiting up to %v for requests to finish", cfg.StopGracePeriod)
		// long-polls answer 503 instead of holding the shutdown
		store.Notifier().Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown incomplete: %v", err)
			_ = srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
