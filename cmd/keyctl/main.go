// Package main は鍵ライフサイクル操作のCLIエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/NGC-337-2/secure-health-api/config"
	"github.com/NGC-337-2/secure-health-api/internal/crypto"
	"github.com/NGC-337-2/secure-health-api/internal/domain"
	"github.com/NGC-337-2/secure-health-api/internal/infra"
	"github.com/NGC-337-2/secure-health-api/internal/keystore"
	"github.com/NGC-337-2/secure-health-api/internal/repository"
	"github.com/NGC-337-2/secure-health-api/internal/store"
	"github.com/NGC-337-2/secure-health-api/internal/usecase"
)

const version = "1.0.0"

const timeFormat = "2006-01-02 15:04:05"

func main() {
	// .envファイルの読み込み（存在しない場合は無視）
	_ = godotenv.Load()

	cfg := config.Load()
	infra.SetupLogger(cfg)

	rootCmd := &cobra.Command{
		Use:          "keyctl",
		Short:        "Data encryption key lifecycle CLI",
		SilenceUsage: true,
	}

	// サブコマンド登録
	rootCmd.AddCommand(generateCmd(cfg))
	rootCmd.AddCommand(rotateCmd(cfg))
	rootCmd.AddCommand(statusCmd(cfg))
	rootCmd.AddCommand(listCmd(cfg))
	rootCmd.AddCommand(verifyCmd(cfg))
	rootCmd.AddCommand(purgeCmd(cfg))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app はコマンド実行に必要な依存一式。
type app struct {
	keys    *keystore.Store
	records usecase.RecordStore
	journal *repository.JournalRepository
	codec   *crypto.Codec
	keySvc  *usecase.KeyService
	cfg     *config.Config
}

// newApp は設定に従って鍵リング・レコード保管域・ジャーナルを組み立てる。
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.KeystorePath == "" {
		return nil, fmt.Errorf("KEYSTORE_PATH environment variable is required")
	}
	if cfg.RecordStorePath == "" && cfg.RecordStoreDSN == "" {
		return nil, fmt.Errorf("RECORD_STORE_PATH or RECORD_STORE_DSN environment variable is required")
	}

	sealer, err := newSealer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	keys, err := keystore.NewStore(cfg.KeystorePath, sealer)
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	// レコード保管域を先に用意する。既定のジャーナルは保管域ディレクトリ内の
	// SQLiteファイルなので、保管域の作成が先でなければならない
	var records usecase.RecordStore
	var recordDB *gorm.DB
	if cfg.RecordStoreDSN != "" {
		recordDB, err = infra.NewDB(cfg.RecordStoreDSN, cfg.OtelEnabled)
		if err != nil {
			return nil, fmt.Errorf("opening record store database: %w", err)
		}
		records, err = repository.NewRecordRepository(recordDB)
		if err != nil {
			return nil, fmt.Errorf("preparing record store: %w", err)
		}
	} else {
		records, err = store.NewFileStore(cfg.RecordStorePath)
		if err != nil {
			return nil, fmt.Errorf("opening record store: %w", err)
		}
	}

	journalDB := recordDB
	if journalDB == nil || cfg.JournalDSN != cfg.RecordStoreDSN {
		journalDB, err = infra.NewDB(cfg.JournalDSN, cfg.OtelEnabled)
		if err != nil {
			return nil, fmt.Errorf("opening journal database: %w", err)
		}
	}
	journal, err := repository.NewJournalRepository(journalDB)
	if err != nil {
		return nil, fmt.Errorf("preparing rotation journal: %w", err)
	}

	codec := crypto.NewCodec()
	return &app{
		keys:    keys,
		records: records,
		journal: journal,
		codec:   codec,
		keySvc:  usecase.NewKeyService(keys, records, codec, journal),
		cfg:     cfg,
	}, nil
}

func (a *app) close() {
	if err := a.keys.Close(); err != nil {
		slog.Error("failed to close keystore", "operation", "shutdown", "error", err)
	}
}

// newSealer はSEALER設定に応じた鍵リング封印の実装を返す。noneの場合はnil。
func newSealer(ctx context.Context, cfg *config.Config) (keystore.Sealer, error) {
	switch cfg.Sealer {
	case "", "none":
		return nil, nil
	case "aead":
		if cfg.SealerAEADKey == "" {
			return nil, fmt.Errorf("SEALER_AEAD_KEY environment variable is required for the aead sealer")
		}
		return infra.NewAEADSealer(ctx, cfg.SealerAEADKey)
	case "gcpckms":
		return infra.NewKMSSealer(ctx, cfg.KMSKeyName)
	default:
		return nil, fmt.Errorf("unknown sealer %q (expected none, aead, or gcpckms)", cfg.Sealer)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyctl version %s\n", version)
		},
	}
}

// generateCmd は初期鍵の生成コマンド。
func generateCmd(cfg *config.Config) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the initial data encryption key",
		Long:  "Generate the initial data encryption key. A no-op if a key already exists unless --force is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			meta, err := a.keySvc.Bootstrap(ctx, force)
			if errors.Is(err, domain.ErrKeyExists) {
				fmt.Println("Key already exists, nothing to do (use --force to re-initialize).")
				return nil
			}
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}

			fmt.Printf("Generated key %s (generation %d)\n", meta.ID, meta.Generation)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Discard any existing keys and generate a new one")
	return cmd
}

// rotateCmd は鍵ローテーションの実行・再開コマンド。
func rotateCmd(cfg *config.Config) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the data encryption key and re-encrypt all records",
		Long:  "Rotate the data encryption key and re-encrypt all records. Resumes an interrupted rotation if one exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// SIGINT/SIGTERMでレコード境界の安全な位置まで進めて停止する
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tp, err := infra.InitTracer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initializing tracer: %w", err)
			}
			if tp != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := tp.Shutdown(shutdownCtx); err != nil {
						slog.Error("failed to shutdown tracer", "operation", "shutdown", "error", err)
					}
				}()
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if workers <= 0 {
				workers = cfg.RotationWorkers
			}
			rotSvc := usecase.NewRotationService(a.keys, a.records, a.journal, a.codec, workers)

			run, err := rotSvc.Rotate(ctx)
			if errors.Is(err, context.Canceled) {
				fmt.Println("Rotation interrupted. Run `keyctl rotate` again to resume.")
				return err
			}
			if errors.Is(err, domain.ErrRotationInProgress) {
				fmt.Println("Another rotation is already in progress. Try again later.")
				return err
			}
			if err != nil {
				if run != nil && run.State == domain.RotationStateCommitting {
					fmt.Println("Rotation failed during commit. Run `keyctl rotate` again to resume.")
				}
				return fmt.Errorf("rotation failed: %w", err)
			}

			fmt.Printf("Rotation %s complete. Active key is now %s.\n", run.ID, run.NewKeyID)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of parallel re-encryption workers (default from ROTATION_WORKERS)")
	return cmd
}

// statusCmd はローテーション実行の一覧表示コマンド。
func statusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of all rotation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			rotSvc := usecase.NewRotationService(a.keys, a.records, a.journal, a.codec, cfg.RotationWorkers)
			statuses, err := rotSvc.Status(ctx)
			if err != nil {
				return fmt.Errorf("loading rotation status: %w", err)
			}
			if len(statuses) == 0 {
				fmt.Println("No rotation runs.")
				return nil
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "STARTED AT\tRUN ID\tSTATE\tSTAGED\tCOMMITTED\tDETAIL")
			fmt.Fprintln(w, "----------\t------\t-----\t------\t---------\t------")
			for _, s := range statuses {
				detail := s.Run.Detail
				if detail == "" {
					detail = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					s.Run.StartedAt.Format(timeFormat), s.Run.ID, s.Run.State, s.Staged, s.Committed, detail)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}

// listCmd は鍵一覧の表示コマンド。鍵素材は出力しない。
func listCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all keys in the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			metas, err := a.keySvc.ListKeys(ctx)
			if err != nil {
				return fmt.Errorf("listing keys: %w", err)
			}
			if len(metas) == 0 {
				fmt.Println("Keyring is empty. Run `keyctl generate` first.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "GENERATION\tKEY ID\tSTATUS\tCREATED AT")
			fmt.Fprintln(w, "----------\t------\t------\t----------")
			for _, m := range metas {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", m.Generation, m.ID, m.Status, m.CreatedAt.Format(timeFormat))
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}

// verifyCmd は全レコードの読み取り検証コマンド。保管域には書き込まない。
func verifyCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify that every record decrypts under the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.keySvc.VerifyRecords(ctx)
			if err != nil {
				return fmt.Errorf("verifying records: %w", err)
			}

			fmt.Printf("Verified %d record(s): %d ok, %d failed\n", report.Total, report.OK, report.Failed)
			if report.Failed > 0 {
				for _, id := range report.FailedIDs {
					fmt.Printf("  failed: %s\n", id)
				}
				if report.Failed > len(report.FailedIDs) {
					fmt.Printf("  ... and %d more\n", report.Failed-len(report.FailedIDs))
				}
				return fmt.Errorf("%d of %d records failed verification", report.Failed, report.Total)
			}
			return nil
		},
	}
}

// purgeCmd は参照されなくなったretired鍵の破棄コマンド。
func purgeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Purge retired keys no record references anymore",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			purged, err := a.keySvc.PurgeRetired(ctx)
			if err != nil {
				return fmt.Errorf("purging retired keys: %w", err)
			}
			if len(purged) == 0 {
				fmt.Println("No purgeable keys.")
				return nil
			}
			for _, id := range purged {
				fmt.Printf("Purged key %s\n", id)
			}
			return nil
		},
	}
}
