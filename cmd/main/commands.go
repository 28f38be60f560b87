package main

import (
	"encoding/json"
	"fmt"
	"io"

	"catalog/ingest/internal/config"
	"catalog/ingest/internal/container"
	"catalog/ingest/internal/domain"
	"catalog/ingest/internal/service"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	configDir string
	cfg       *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ingest",
		Short:         "Resumable two-phase catalog ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configDir)
			if err != nil {
				return err
			}
			if err := container.ConfigureLogging(cfg.Log); err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configDir, "config", ".", "directory containing config.yaml")

	root.AddCommand(a.runCmd(), a.statusCmd())
	return root
}

func (a *app) runCmd() *cobra.Command {
	var opts service.Options

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enumerate the catalog and fetch details of pending items",
		Long: `Enumerate the catalog and fetch details of pending items.

An interrupted enumeration resumes after the last committed page; a finished
one starts from page 1 on the next run. Pass --fresh to start from page 1
regardless. Failed items that are not dead are retried. Interrupt with
Ctrl-C: items in flight are finished and saved before exit.

Examples:
  ingest run
  ingest run --catalog-only
  ingest run --details-only --workers 16`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log.Info("Starting catalog ingest...")

			c, err := container.New(ctx, a.cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize container: %w", err)
			}
			defer c.Close()

			summary, err := c.Run(ctx, opts)
			if err != nil {
				return err
			}

			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.SkipDetails, "catalog-only", false, "only enumerate the catalog")
	cmd.Flags().BoolVar(&opts.SkipCatalog, "details-only", false, "only fetch details of pending items")
	cmd.Flags().BoolVar(&opts.Fresh, "fresh", false, "ignore the saved cursor and enumerate from page 1")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "detail workers (default pipeline.workers)")
	cmd.MarkFlagsMutuallyExclusive("catalog-only", "details-only")

	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var (
		asJSON bool
		list   string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show item counts per status and the crawl cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := container.OpenStore(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if list != "" {
				status, err := domain.ParseStatus(list)
				if err != nil {
					return err
				}
				items, err := st.List(ctx, status)
				if err != nil {
					return fmt.Errorf("failed to list %s items: %w", status, err)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), items)
				}
				printItems(cmd.OutOrStdout(), items)
				return nil
			}

			counts, err := st.Counts(ctx)
			if err != nil {
				return fmt.Errorf("failed to count items: %w", err)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), counts)
			}
			printCounts(cmd.OutOrStdout(), counts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.Flags().StringVar(&list, "list", "", fmt.Sprintf("list items with the given status %v", domain.Statuses))

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printItems(w io.Writer, items []domain.WorkItem) {
	for _, item := range items {
		line := fmt.Sprintf("%-48s attempts=%d", item.ID, item.AttemptCount)
		if item.Dead {
			line += " dead"
		}
		if item.LastError != "" {
			line += " error=" + item.LastError
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%d items\n", len(items))
}

func printCounts(w io.Writer, c domain.StatusCounts) {
	fmt.Fprintf(w, "Cursor:   page %d\n", c.Cursor)
	fmt.Fprintf(w, "Total:    %d\n", c.Total())
	fmt.Fprintf(w, "Pending:  %d\n", c.Pending)
	fmt.Fprintf(w, "Fetched:  %d\n", c.Fetched)
	fmt.Fprintf(w, "Failed:   %d (%d dead)\n", c.Failed, c.Dead)
}

func printSummary(w io.Writer, s service.RunSummary) {
	fmt.Fprintf(w, "Run %s\n", s.RunID)
	if s.Catalog.Reason != "" {
		fmt.Fprintf(w, "Catalog:  %d pages, %d items (%d new), stopped: %s\n",
			s.Catalog.PagesProcessed, s.Catalog.ItemsDiscovered, s.Catalog.ItemsCreated, s.Catalog.Reason)
	}
	fmt.Fprintf(w, "Details:  %d fetched, %d failed\n", s.Details.Succeeded, s.Details.Failed)
	printCounts(w, s.Counts)
}
