package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopgraph/crawler/internal/crawl"
	"github.com/shopgraph/crawler/internal/orchestrator"
)

func newCrawlCmd() *cobra.Command {
	var (
		domainFlag string
		limitFlag  int
		newOnly    bool
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one bounded crawl session",
		Long: `Runs a single crawl session: new domains are bootstrapped from their
root URL, established domains get their highest-priority stale pages
refetched. The session stops when the page budget is exhausted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, domainFlag, limitFlag, orchestrator.Options{
				NewOnly: newOnly,
				Force:   force,
			})
		},
	}
	cmd.Flags().StringVar(&domainFlag, "domain", "", "restrict the session to one hostname")
	cmd.Flags().IntVar(&limitFlag, "limit", 0, "session-wide fetch budget (0 uses the configured default)")
	cmd.Flags().BoolVar(&newOnly, "new-only", false, "fetch only never-crawled frontier pages")
	cmd.Flags().BoolVar(&force, "force", false, "refetch candidates even when they are not yet due")
	return cmd
}

func runCrawl(cmd *cobra.Command, domainFlag string, limit int, opts orchestrator.Options) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.seedDomains(ctx); err != nil {
		return err
	}

	domains, err := selectDomains(cmd, app, domainFlag)
	if err != nil {
		return err
	}

	reports, err := app.orch.Run(ctx, domains, limit, opts)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoDomains) {
			app.logger.Info("nothing to crawl")
			return nil
		}
		return fmt.Errorf("run session: %w", err)
	}

	for hostname, report := range reports {
		app.logger.Info("domain report",
			zap.String("domain", hostname),
			zap.Int("processed", report.Processed),
			zap.Int("errors", report.Errors),
			zap.Int("queue_size", report.QueueSize),
		)
	}

	out, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	cmd.Println(string(out))
	return nil
}

func selectDomains(cmd *cobra.Command, app *app, domainFlag string) ([]crawl.Domain, error) {
	ctx := cmd.Context()
	if domainFlag != "" {
		domain, err := app.domains.GetDomain(ctx, domainFlag)
		if err != nil {
			if errors.Is(err, crawl.ErrNotFound) {
				return nil, fmt.Errorf("domain %q is not registered", domainFlag)
			}
			return nil, fmt.Errorf("look up domain %q: %w", domainFlag, err)
		}
		return []crawl.Domain{domain}, nil
	}
	domains, err := app.domains.ListActiveDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active domains: %w", err)
	}
	return domains, nil
}
