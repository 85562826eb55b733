// API Gatewayのエントリポイント。
// リクエストのルーティング、JWT認証、レート制限、バックエンドへの転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/registry"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd はルートコマンドを生成する。
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "edgegate",
		Short:         "API Gateway",
		Long:          "登録済みのバックエンドサービスへリクエストを転送するAPI Gateway。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("env-file", ".env", "起動前に読み込む.envファイル（存在しない場合は無視）")

	rootCmd.AddCommand(newServeCmd(), newCheckConfigCmd(), newTokenCmd())
	return rootCmd
}

// newCheckConfigCmd は設定とサービスレジストリを検証するコマンドを生成する。
func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "設定とサービスレジストリを検証してルーティング表を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(cmd); err != nil {
				return err
			}
			settings, err := config.Load()
			if err != nil {
				return err
			}
			reg, err := registry.Load(settings.ServicesFile)
			if err != nil {
				return err
			}
			return printRoutes(cmd.OutOrStdout(), reg)
		},
	}
}

// printRoutes はマッチング順にルーティング表を出力する。
func printRoutes(w io.Writer, reg *registry.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PREFIX\tSERVICE\tBACKEND\tAUTH\tTIER\tLIMIT\tROLES")
	for _, svc := range reg.Services() {
		limit := "-"
		if tier, ok := reg.Tier(svc.RateTier); ok {
			limit = fmt.Sprintf("%d/%s", tier.MaxRequests, tier.Window)
		}
		roles := "-"
		if len(svc.AllowedRoles) > 0 {
			roles = strings.Join(svc.AllowedRoles, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			svc.PathPrefix, svc.Name, svc.BackendURL, svc.RequiresAuth, svc.RateTier, limit, roles)
	}
	return tw.Flush()
}

// newTokenCmd は開発用のJWTを発行するコマンドを生成する。
func newTokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "開発用のJWTを発行する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(cmd); err != nil {
				return err
			}
			settings, err := config.Load()
			if err != nil {
				return err
			}
			if settings.IsProduction() {
				return fmt.Errorf("本番環境では開発用トークンを発行できません")
			}
			token, err := middleware.GenerateJWT(settings.JWTSecret, userID, email, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "dev-user", "ユーザーID")
	cmd.Flags().StringVar(&email, "email", "dev@localhost", "メールアドレス")
	cmd.Flags().StringVar(&role, "role", "user", "ロール")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有効期間")
	return cmd
}
