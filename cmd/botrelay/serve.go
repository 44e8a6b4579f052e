package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/botrelay/internal/analysis"
	"github.com/comigor/botrelay/internal/attendee"
	"github.com/comigor/botrelay/internal/history"
	"github.com/comigor/botrelay/internal/hub"
	"github.com/comigor/botrelay/internal/ingest"
	"github.com/comigor/botrelay/internal/llm"
	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/mcpserver"
	"github.com/comigor/botrelay/internal/server"
	"github.com/comigor/botrelay/internal/session"
	"github.com/comigor/botrelay/internal/signature"
	"github.com/comigor/botrelay/internal/tracker"
	"github.com/comigor/botrelay/pkg/tools"
)

var configPath string

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, push stream and MCP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.SetFormat(cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	secret, err := signature.DecodeSecret(cfg.Webhook.Secret)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// cross-instance fan-out is optional
	var hubOpts []hub.Option
	var relay *hub.RedisRelay
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		relay = hub.NewRedisRelay(rdb, cfg.Redis.Channel)
		hubOpts = append(hubOpts, hub.WithRelay(relay))
	}
	h := hub.New(cfg.Hub.QueueSize, hubOpts...)
	defer h.Close()

	registry := session.NewRegistry(
		session.WithCapacity(cfg.Session.BufferCapacity),
		session.WithRetention(cfg.Session.Retention),
		session.WithPublisher(h),
	)

	trackerOpts := []tracker.Option{tracker.WithDemoDir(cfg.Demo.Dir)}
	if cfg.Attendee.APIKey != "" {
		trackerOpts = append(trackerOpts, tracker.WithBotController(attendee.NewClient(cfg.Attendee)))
	} else {
		logger.L.Warn("attendee api key not set; launch and leave are disabled")
	}
	t := tracker.New(registry, h, trackerOpts...)

	store := history.Open(cfg.History.Path)
	defer store.Close()

	deps := server.Deps{
		Tracker:  t,
		Pipeline: ingest.NewPipeline(secret, registry),
		History:  store,
	}
	if cfg.LLM.APIKey != "" {
		deps.Analyzer = analysis.New(llm.NewClient(cfg.LLM), cfg.LLM)
	} else {
		logger.L.Warn("llm api key not set; conversation analysis is disabled")
	}
	srv := server.New(cfg.Server, cfg.Webhook, deps)

	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		registry.Run(ctx, cfg.Session.SweepInterval)
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("redis relay: %w", err)
			}
			return nil
		})
	}

	var mcp *mcpserver.Server
	if cfg.MCP.Addr != "" {
		mcp = mcpserver.New("botrelay", Version, cfg.MCP.BaseURL, tools.NewSessionToolManager(t))
		g.Go(func() error { return mcp.Start(cfg.MCP.Addr) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.L.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		h.Close()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if mcp != nil {
			if err := mcp.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("mcp shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
