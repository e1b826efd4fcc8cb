package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/companionchat/relay/bus"
	"github.com/companionchat/relay/clients"
	"github.com/companionchat/relay/config"
	"github.com/companionchat/relay/dispatcher"
	"github.com/companionchat/relay/fanout"
	"github.com/companionchat/relay/gateway"
	"github.com/companionchat/relay/history"
	"github.com/companionchat/relay/logger"
	"github.com/companionchat/relay/ratelimit"
	"github.com/companionchat/relay/registry"
	"github.com/companionchat/relay/resilience"
	"github.com/companionchat/relay/store"
	"github.com/companionchat/relay/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat-relay",
		Short:         "Real-time conversational chat relay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newGatewayCommand(), newWorkerCommand(), newDispatcherCommand())
	return root
}

func buildLogger(cfg *config.Config) logger.Logger {
	level := logger.ParseLevel(cfg.LogLevel)
	if cfg.LogJSON {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}

func newRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func newGatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := newRedisClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			st, err := store.NewSQLite(cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer st.Close()

			busClient, err := bus.NewAMQP(cfg.AMQPURL, log)
			if err != nil {
				return err
			}
			defer busClient.Close()

			gw := gateway.New(
				log,
				st,
				registry.New(log),
				history.New(log, rdb, st, history.WithTTL(cfg.CacheTTL)),
				busClient,
				fanout.New(log, rdb),
				clients.NewIdentityClient(cfg.AuthServiceURL, cfg.ClientTimeout),
				ratelimit.New(ratelimit.Config{
					MaxTokens:  float64(cfg.RateLimitTokens),
					RefillRate: cfg.RateLimitRefill,
				}),
			)

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			gw.RegisterRoutes(e)

			errCh := make(chan error, 1)
			go func() {
				addr := fmt.Sprintf(":%d", cfg.HTTPPort)
				log.Info("gateway listening on %s", addr)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down gateway")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the generation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := newRedisClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			st, err := store.NewSQLite(cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer st.Close()

			busClient, err := bus.NewAMQP(cfg.AMQPURL, log)
			if err != nil {
				return err
			}
			defer busClient.Close()

			breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				MaxFailures:      5,
				CoolDown:         30 * time.Second,
				SuccessThreshold: 2,
				RequestTimeout:   cfg.GenerationTimeout,
			})
			generator := worker.NewResilientGenerator(
				worker.NewHTTPGenerator(cfg.GenerationURL, cfg.GenerationModel, cfg.GenerationAPIKey, cfg.GenerationTimeout),
				breaker,
			)

			w := worker.New(
				log,
				busClient,
				clients.NewCharacterClient(cfg.CharacterServiceURL, cfg.ClientTimeout),
				history.New(log, rdb, st, history.WithTTL(cfg.CacheTTL)),
				generator,
				cfg.HistoryLimit,
			)

			log.Info("worker consuming %s", worker.Queue)
			return w.Run(ctx)
		},
	}
}

func newDispatcherCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatcher",
		Short: "Run the reply dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := newRedisClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			st, err := store.NewSQLite(cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer st.Close()

			busClient, err := bus.NewAMQP(cfg.AMQPURL, log)
			if err != nil {
				return err
			}
			defer busClient.Close()

			d := dispatcher.New(
				log,
				busClient,
				st,
				history.New(log, rdb, st, history.WithTTL(cfg.CacheTTL)),
				fanout.New(log, rdb),
			)

			log.Info("dispatcher consuming %s", dispatcher.Queue)
			return d.Run(ctx)
		},
	}
}
