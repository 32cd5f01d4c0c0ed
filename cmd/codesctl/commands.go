package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
	"gorm.io/gorm"

	"github.com/tbourn/go-activation-bot/internal/app/bootstrap"
	"github.com/tbourn/go-activation-bot/internal/config"
	"github.com/tbourn/go-activation-bot/internal/ledger"
	"github.com/tbourn/go-activation-bot/internal/repo"
	"github.com/tbourn/go-activation-bot/internal/sysutil"
	"github.com/tbourn/go-activation-bot/internal/telegram"
	"github.com/tbourn/go-activation-bot/internal/utils"
)

// app carries state shared by subcommands.
type app struct {
	cfg config.Config
	db  *gorm.DB

	// sheetsOpts are extra Google API options; tests point them at a fake.
	sheetsOpts []option.ClientOption
	// webhookClient overrides the Telegram client used by set-webhook.
	webhookClient telegram.WebhookRequester
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "codesctl",
		Short:        "Administer the activation code pool",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			sysutil.SetupLogger(cmd.ErrOrStderr(), cfg.LogLevel, true, "codesctl")
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.closeDB()
		},
	}
	root.AddCommand(
		a.migrateCmd(),
		a.seedCmd(),
		a.countCmd(),
		a.listCmd(),
		a.setWebhookCmd(),
	)
	return root
}

func (a *app) openDB(ctx context.Context) (*gorm.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := bootstrap.OpenDB(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) closeDB() error {
	if a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	a.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.openDB(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.cfg.DBDriver)
			return nil
		},
	}
}

func (a *app) seedCmd() *cobra.Command {
	var fromSheet bool
	cmd := &cobra.Command{
		Use:   "seed [file|-]",
		Short: "Import activation codes, skipping ones already present",
		Long: "Reads one code per line from a file (or stdin with -), or with --from-sheet\n" +
			"from the \"" + ledger.CodesHeader + "\" column of GOOGLE_SHEET_NAME_FOR_CODES.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var codes []string
			var err error
			switch {
			case fromSheet:
				codes, err = a.sheetCodes(ctx)
			case len(args) == 1:
				codes, err = fileCodes(cmd.InOrStdin(), args[0])
			default:
				return fmt.Errorf("seed needs a file argument or --from-sheet")
			}
			if err != nil {
				return err
			}

			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			n, err := repo.CreateCodes(ctx, db, codes)
			if err != nil {
				return fmt.Errorf("insert codes: %w", err)
			}
			log.Info().Int("read", len(codes)).Int64("inserted", n).Msg("codes seeded")
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d of %d codes\n", n, len(codes))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromSheet, "from-sheet", false, "read codes from Google Sheets instead of a file")
	return cmd
}

func (a *app) sheetCodes(ctx context.Context) ([]string, error) {
	if !a.cfg.SheetsEnabled() {
		return nil, fmt.Errorf("GOOGLE_SHEET_ID is not set")
	}
	opts := a.sheetsOpts
	if a.cfg.Ledger.SheetsCredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(a.cfg.Ledger.SheetsCredentialsPath))
	}
	sh, err := ledger.NewSheets(ctx, a.cfg.Ledger.SheetID, a.cfg.Ledger.SheetName, opts...)
	if err != nil {
		return nil, err
	}
	return sh.ReadCodes(ctx, a.cfg.Ledger.CodesSheetName)
}

func fileCodes(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || line == ledger.CodesHeader {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func (a *app) countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print pool totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			s, err := repo.PoolStats(cmd.Context(), db)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "total:     %d\n", s.Total)
			fmt.Fprintf(w, "assigned:  %d\n", s.Assigned)
			fmt.Fprintf(w, "available: %d\n", s.Available)
			if s.LastAssignedAt != nil {
				fmt.Fprintf(w, "last assigned: %s\n", s.LastAssignedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var status string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List codes page by page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var assigned *bool
			switch status {
			case "all":
			case "assigned", "available":
				v := status == "assigned"
				assigned = &v
			default:
				return fmt.Errorf("--status must be one of: all, assigned, available")
			}
			page, pageSize = utils.ClampPage(page, pageSize)

			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			items, total, err := repo.ListCodesPage(cmd.Context(), db, assigned, utils.Offset(page, pageSize), pageSize)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCODE\tPHONE\tDEVICE\tRECEIPT\tASSIGNED AT")
			for _, c := range items {
				at := ""
				if c.AssignedAt != nil {
					at = c.AssignedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.Code, deref(c.PhoneNumber), deref(c.Device), deref(c.ReceiptNumber), at)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "page %d, %d of %d codes\n", page, len(items), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "all", "all, assigned or available")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", utils.DefaultPageSize, "codes per page")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (a *app) setWebhookCmd() *cobra.Command {
	var url string
	var dropPending bool
	cmd := &cobra.Command{
		Use:   "set-webhook",
		Short: "Register the webhook URL and secret with Telegram",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := sysutil.FirstNonEmpty(url, a.cfg.Telegram.WebhookURL)
			if target == "" {
				return fmt.Errorf("webhook url missing: pass --url or set TELEGRAM_WEBHOOK_URL")
			}
			client := a.webhookClient
			if client == nil {
				bot, err := telegram.NewBot(a.cfg.Telegram.Token, a.cfg.Telegram.APIEndpoint, a.cfg.Telegram.APITimeout)
				if err != nil {
					return err
				}
				client = bot
			}
			if err := telegram.SetWebhook(client, target, a.cfg.Telegram.WebhookSecret, dropPending); err != nil {
				return err
			}
			if a.cfg.Telegram.WebhookSecret == "" {
				log.Warn().Msg("webhook registered without a secret; deliveries are not authenticated")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webhook set to %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "public webhook URL (defaults to TELEGRAM_WEBHOOK_URL)")
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates queued while no webhook was set")
	return cmd
}
