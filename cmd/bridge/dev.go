package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/config"
	"lambda-live-bridge/internal/events"
	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/services"
	"lambda-live-bridge/internal/supervisor"
	"lambda-live-bridge/internal/transport"
	"lambda-live-bridge/internal/workerpool"
)

func newDevCmd(a *app) *cobra.Command {
	var controlStdin bool
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Attach to the relay and run invocations on local workers",
		Long: "dev registers this machine as the relay's client and runs every forwarded invocation on the locally configured function command. Send SIGHUP to rebuild all functions.\n\n" +
			`With --control-stdin, worker commands are read from stdin one JSON object per line, e.g. {"type":"worker.stop","workerID":"..."}.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var control io.Reader
			if controlStdin {
				control = cmd.InOrStdin()
			}
			return runDev(cmd.Context(), a.cfg, a.log, control)
		},
	}
	cmd.Flags().BoolVar(&controlStdin, "control-stdin", false, "read worker.start / worker.stop commands from stdin")
	return cmd
}

func runDev(ctx context.Context, cfg *config.Config, log *zap.Logger, control io.Reader) error {
	if len(cfg.Supervisor.Functions) == 0 {
		return fmt.Errorf("no functions configured under supervisor.functions")
	}

	api := workerpool.NewRuntimeAPI(log)
	if err := api.Listen("127.0.0.1:0"); err != nil {
		return err
	}
	defer api.Shutdown()

	pool := workerpool.New(workerpool.Options{
		Concurrency: cfg.Supervisor.Concurrency,
		BuildWait:   cfg.Supervisor.BuildWait,
		Logger:      log,
	})
	defer pool.Close()

	process := workerpool.NewProcessRuntime(api, log)
	for _, fn := range cfg.Supervisor.Functions {
		pool.Register(workerpool.Function{
			ID:      fn.ID,
			Runtime: process,
			Args:    fn.Command,
			Env:     fn.EnvMap(),
			Dir:     fn.Dir,
		})
	}
	buildAll(ctx, pool, cfg.Supervisor.Functions, log)

	store, err := services.NewStorageService(ctx, cfg.Payload.Store, payloadLocation(cfg.Payload))
	if err != nil {
		return fmt.Errorf("failed to initialize payload store: %w", err)
	}

	bus := events.NewBus()
	publishers := events.Fanout{bus}
	if cfg.Events.RedisAddr != "" {
		rs := services.NewRedisService(cfg.Events.RedisAddr, cfg.Events.Channel)
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			log.Warn("event bus unreachable, publishing locally only", zap.Error(err))
		} else {
			publishers = append(publishers, rs)
		}
	}

	opts := supervisor.Options{
		RelayURL:         cfg.Supervisor.RelayURL,
		ReconnectInitial: cfg.Supervisor.ReconnectInitial,
		ReconnectMax:     cfg.Supervisor.ReconnectMax,
		Events:           publishers,
		Store:            store,
		MaxInlineBytes:   cfg.Payload.MaxInlineBytes,
		Logger:           log,
	}
	if cfg.History.DSN != "" {
		db, err := services.NewDBService(ctx, cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		opts.History = db
	}

	sub, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	go logEvents(sub, log)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				buildAll(ctx, pool, cfg.Supervisor.Functions, log)
			case <-ctx.Done():
				return
			}
		}
	}()

	if control != nil {
		go func() {
			if err := pool.ServeControl(ctx, control); err != nil {
				log.Warn("control input ended", zap.Error(err))
			}
		}()
	}

	log.Info("supervisor starting",
		zap.String("relay", cfg.Supervisor.RelayURL),
		zap.Int("functions", len(cfg.Supervisor.Functions)),
		zap.String("runtime_api", api.Addr()),
	)
	return supervisor.New(transport.WebSocketDialer{}, pool, opts).Run(ctx)
}

func buildAll(ctx context.Context, pool *workerpool.Pool, fns []config.FunctionConfig, log *zap.Logger) {
	for _, fn := range fns {
		if len(fn.Build) == 0 {
			continue
		}
		log.Info("building function", zap.String("function_id", fn.ID))
		if err := pool.Build(ctx, fn.ID, fn.Build, fn.Dir); err != nil {
			log.Error("build failed", zap.String("function_id", fn.ID), zap.Error(err))
		}
	}
}

func payloadLocation(p config.PayloadConfig) string {
	if p.Store == "s3" {
		return p.Bucket
	}
	return p.Path
}

// logEvents prints the local event stream: worker output as plain lines,
// everything else as structured records.
func logEvents(sub <-chan events.Event, log *zap.Logger) {
	for e := range sub {
		switch e.Type {
		case events.WorkerOut:
			if m, ok := e.Properties.(models.WorkerMessage); ok {
				log.Info(m.Data, zap.String("function_id", m.FunctionID), zap.String("worker_id", m.WorkerID))
			}
		case events.FunctionInvoked, events.FunctionSuccess, events.FunctionError:
			log.Debug(string(e.Type), zap.Any("invocation", e.Properties))
		default:
			log.Info(string(e.Type), zap.Any("properties", e.Properties))
		}
	}
}
