package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/evolvechat/evolvechat/internal/chat"
	"github.com/evolvechat/evolvechat/internal/config"
	"github.com/evolvechat/evolvechat/internal/hub"
	"github.com/evolvechat/evolvechat/internal/identity"
	"github.com/evolvechat/evolvechat/internal/server"
)

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "evolvechat", "config file name (without extension)")
	return cmd
}

func runServe(configFile string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(logger, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The chat server and its sessions live until shutdown has finished
	// cleaning shared state, not just until the signal arrives.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	var rdb *redis.Client
	newRedisClient := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		c := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		defer cancel()
		if err := c.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis at %s: %w", cfg.Redis.Addr, err)
		}
		rdb = c
		return rdb, nil
	}

	var h hub.Hub
	switch cfg.Store.Backend {
	case "memory":
		h = hub.NewMemoryHub(logger)
		logger.Info("using in-memory hub; membership is not shared across processes")
	case "redis":
		client, err := newRedisClient()
		if err != nil {
			return err
		}
		h = hub.NewRedisHub(client, logger)
		logger.Info("using redis hub", "addr", cfg.Redis.Addr)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var resolver identity.Resolver
	switch cfg.Auth.Mode {
	case "jwt":
		resolver = identity.NewJWTResolver(cfg.Auth.JWTSecret)
	case "redis":
		client, err := newRedisClient()
		if err != nil {
			return err
		}
		resolver = identity.NewRedisResolver(client, cfg.Auth.TokenPrefix)
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}

	chatServer := chat.NewServer(h, logger, cfg.Chat.DefaultRoom)
	go chatServer.Run(runCtx)

	srv := server.New(runCtx, logger, cfg, chatServer, h, resolver)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("evolvechat listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop <- syscall.SIGTERM
		}
	}()

	<-stop
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	// Sweep this process's memberships out of the shared snapshot so other
	// processes do not keep showing our sessions as present.
	cleanCtx, cancelClean := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClean()
	membership, err := chatServer.LocalMembership(cleanCtx)
	if err != nil {
		logger.Warn("collect local membership", "error", err)
	} else if err := h.Clean(cleanCtx, membership); err != nil {
		logger.Warn("clean shared state", "error", err)
	}

	stopRun()
	if err := h.Close(); err != nil {
		logger.Warn("close hub", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
