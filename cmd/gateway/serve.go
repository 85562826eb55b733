package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/gateway"
	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/internal/registry"
	"github.com/nao1215/edgegate/pkg/logging"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// purgeInterval はSQLiteカウンタストアの期限切れ行を削除する間隔。
const purgeInterval = time.Minute

// newServeCmd はGatewayを起動するコマンドを生成する。
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Gatewayを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(cmd); err != nil {
				return err
			}
			settings, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, settings)
		},
	}
}

// serve は依存関係を組み立ててGatewayを起動し、ctxがキャンセルされるまで待つ。
func serve(ctx context.Context, settings config.Settings) error {
	logger := logging.New(logging.Config{Level: settings.LogLevel, Pretty: settings.LogPretty})
	ctx = logger.WithContext(ctx)

	reg, err := registry.Load(settings.ServicesFile)
	if err != nil {
		return fmt.Errorf("サービスレジストリの読み込みに失敗: %w", err)
	}

	store, closeStore, err := openStore(ctx, settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("failed to close counter store")
		}
	}()

	server, err := gateway.NewServer(gateway.Options{
		Settings: settings,
		Registry: reg,
		Store:    store,
		Metrics:  metrics.New(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	logger.Info().
		Int("port", settings.Port).
		Str("env", settings.Env).
		Str("counter_store", settings.CounterStore).
		Int("services", len(reg.Services())).
		Msg("starting gateway")
	return server.Run(ctx)
}

// openStore は設定に従ってカウンタストアを開く。
// Redisに到達できない場合も起動は続行する。レート制限はストア障害時に許可する。
func openStore(ctx context.Context, settings config.Settings) (ratelimit.Store, func() error, error) {
	logger := zerolog.Ctx(ctx)

	switch settings.CounterStore {
	case config.StoreSQLite:
		store, err := ratelimit.OpenSQLiteStore(ctx, settings.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("SQLiteカウンタストアの初期化に失敗: %w", err)
		}
		go purgeLoop(ctx, store, purgeInterval)
		return store, store.Close, nil
	default:
		store := ratelimit.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		}))
		pingCtx, cancel := context.WithTimeout(ctx, settings.StoreTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Str("addr", settings.RedisAddr).Msg("redis unreachable at startup, rate limiting will fail open")
		}
		return store, store.Close, nil
	}
}

// purgeLoop は期限切れのカウンタを定期的に削除する。ctxのキャンセルで終了する。
func purgeLoop(ctx context.Context, store *ratelimit.SQLiteStore, interval time.Duration) {
	logger := zerolog.Ctx(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to purge expired counters")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("rows", n).Msg("purged expired counters")
			}
		}
	}
}

// loadEnvFile は--env-fileで指定された.envファイルを読み込む。
// 既に設定されている環境変数は上書きしない。ファイルが無い場合は何もしない。
func loadEnvFile(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("env-fileフラグの取得に失敗: %w", err)
	}
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf(".envファイルの読み込みに失敗 (%s): %w", path, err)
	}
	return nil
}
