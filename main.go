package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"webgis_backend/auth"
	"webgis_backend/config"
	"webgis_backend/logging"
	"webgis_backend/notify"
	"webgis_backend/staging"
	"webgis_backend/users"
)

// shutdownTimeout: сколько ждать завершения активных запросов при остановке.
const shutdownTimeout = 10 * time.Second

func main() {
	logger := logging.GetLogger().BaseLogger()
	if err := newRootCmd(afero.NewOsFs(), logger).Execute(); err != nil {
		logger.Error("❌ Ошибка", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(fs afero.Fs, logger *log.Logger) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "webgis",
		Short:         "Бэкенд webgis: пользователи, аватары и временные загрузки",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "путь к .env файлу")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(envFile)
		if err != nil {
			return nil, err
		}
		if cfg.Debug {
			logger.SetLevel(log.DebugLevel)
		}
		return cfg, nil
	}

	root.AddCommand(newServeCmd(fs, logger, load), newSweepCmd(fs, logger, load))
	return root
}

func newServeCmd(fs afero.Fs, logger *log.Logger, load func() (*config.Config, error)) *cobra.Command {
	var (
		addr string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP-сервер",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("ttl") {
				cfg.StagingTTLSeconds = int(ttl.Seconds())
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, fs, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":3000", "адрес HTTP-сервера")
	cmd.Flags().DurationVar(&ttl, "ttl", staging.DefaultTTL, "время жизни неподтверждённой загрузки")
	return cmd
}

func newSweepCmd(fs afero.Fs, logger *log.Logger, load func() (*config.Config, error)) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Удалить из каталога временных загрузок файлы без владельца",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				// Файлы моложе трёх TTL может ещё держать работающий сервер.
				olderThan = 3 * cfg.StagingTTL()
			}

			area, err := staging.NewArea(fs, cfg.StagingDir())
			if err != nil {
				return err
			}
			avatars, err := staging.NewDirStore(fs, cfg.AvatarDir(), avatarURLPrefix(cfg))
			if err != nil {
				return err
			}
			engine, err := staging.New(area, avatars,
				staging.WithLogger(logger),
				staging.WithSweepOnStart(false))
			if err != nil {
				return err
			}
			defer func() { _ = engine.Close() }()

			n, err := engine.Sweep(olderThan)
			logger.Info("🧹 Очистка завершена", "dir", area.Dir(), "removed", n, "older_than", olderThan)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "удалять файлы старше этого возраста (по умолчанию 3×TTL)")
	return cmd
}

func avatarURLPrefix(cfg *config.Config) string {
	return "/uploads/" + cfg.AvatarSubdir
}

// serve собирает компоненты и обслуживает запросы до отмены ctx.
func serve(ctx context.Context, fs afero.Fs, cfg *config.Config, logger *log.Logger) error {
	srv, cleanup, err := newServer(ctx, fs, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 Сервер запущен", "addr", cfg.Addr, "staging_ttl", cfg.StagingTTL())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Остановка сервера...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newServer открывает базу, создаёт хранилища, хаб и движок временных загрузок.
// opts применяются к движку после настроек из cfg. cleanup закрывает всё в обратном порядке.
func newServer(ctx context.Context, fs afero.Fs, cfg *config.Config, logger *log.Logger, opts ...staging.Option) (*server, func(), error) {
	db, err := users.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	area, err := staging.NewArea(fs, cfg.StagingDir())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	avatars, err := staging.NewDirStore(fs, cfg.AvatarDir(), avatarURLPrefix(cfg))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hubCtx, stopHub := context.WithCancel(ctx)
	hub := notify.NewHub(logger)
	go hub.Run(hubCtx)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "webgis_notify_observers",
		Help: "Number of connected websocket observers.",
	}, func() float64 { return float64(hub.Len()) }))

	engine, err := staging.New(area, avatars, append([]staging.Option{
		staging.WithTTL(cfg.StagingTTL()),
		staging.WithLogger(logger),
		staging.WithRegisterer(reg),
		staging.WithNotifier(staging.NotifierFunc(func(e staging.Event) { hub.Broadcast(e) })),
	}, opts...)...)
	if err != nil {
		stopHub()
		_ = db.Close()
		return nil, nil, err
	}

	srv := &server{
		cfg:     cfg,
		fs:      fs,
		engine:  engine,
		avatars: avatars,
		users:   db,
		tokens:  auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL()),
		hub:     hub,
		reg:     reg,
		logger:  logger,
	}

	cleanup := func() {
		if err := engine.Close(); err != nil {
			logger.Error("❌ Ошибка остановки хранилища загрузок", "error", err)
		}
		stopHub()
		if err := db.Close(); err != nil {
			logger.Error("❌ Ошибка закрытия базы", "error", err)
		}
	}
	return srv, cleanup, nil
}
