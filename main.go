package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"

	"karui-search/config"
	"karui-search/fetch"
	"karui-search/models"
	"karui-search/scraper"
	"karui-search/scraper/sites"
	"karui-search/services"
	"karui-search/storage"
	"karui-search/utils"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens.
func run() int {
	cfg := config.Load()

	sourcesFlag := flag.String("sources", "", "comma-separated source ids to crawl (default: all)")
	timeoutFlag := flag.Duration("timeout", cfg.JobTimeout, "crawl job deadline")
	sourcesFile := flag.String("config", cfg.SourcesFile, "per-source YAML configuration")
	flag.Parse()

	logger := utils.NewLoggerWith(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("%v", err)
		return 1
	}

	logger.Info("=== karui-search crawl starting ===")
	logger.Info("Config — catalog: %s | concurrency: %d | retries: %d | timeout: %v",
		cfg.CatalogDriver, cfg.MaxConcurrency, cfg.MaxRetries, *timeoutFlag)

	sources, err := config.LoadSources(*sourcesFile)
	if err != nil {
		logger.Error("Failed to load sources: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := openCatalog(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open %s catalog: %v", cfg.CatalogDriver, err)
		if cfg.CatalogDriver == "postgres" {
			logger.Error("Make sure Docker is running: docker compose up -d")
		}
		return 1
	}
	defer catalog.Close()

	var raw storage.RawListingWriter
	if cfg.CSVOutputPath != "" {
		w, err := storage.NewCSVWriter(cfg.CSVOutputPath)
		if err != nil {
			logger.Error("Failed to create CSV writer: %v", err)
			return 1
		}
		defer w.Close()
		raw = w
	}

	resolverCfg := services.ResolverConfig{
		Weights: services.Weights{
			Location: cfg.DedupWeights.Location,
			Price:    cfg.DedupWeights.Price,
			Size:     cfg.DedupWeights.Size,
			Title:    cfg.DedupWeights.Title,
		},
		Confirm:         cfg.DedupConfirm,
		Review:          cfg.DedupReview,
		SizeTolerance:   cfg.SizeTolerance,
		PriceBand:       cfg.PriceBand,
		ConflictRetries: cfg.ConflictRetry,
		DeactivateAfter: cfg.DeactivateAfter,
	}
	pipeline := services.NewPipeline(
		services.NewValidator(cfg.DescriptionMax, logger),
		services.NewNormalizer(logger),
		services.NewResolver(catalog, resolverCfg, logger),
		logger,
	)

	fetchers := newFetchers(cfg, logger)
	defer fetchers.Close()

	orch, err := scraper.NewOrchestrator(sources, sites.NewRegistry(), fetchers.For, pipeline, catalog, raw,
		scraper.OptionsFromConfig(cfg), logger)
	if err != nil {
		logger.Error("Failed to set up sources: %v", err)
		return 1
	}

	jobCtx, cancel := context.WithTimeout(ctx, *timeoutFlag)
	defer cancel()

	job, err := orch.RunCrawlJob(jobCtx, splitList(*sourcesFlag))
	if err != nil {
		logger.Error("Crawl job %s failed: %v", job.ID, err)
	}
	printJob(job)

	insightSvc := services.NewInsightService(logger)
	report, err := insightSvc.Report(context.WithoutCancel(ctx), catalog, time.Now())
	if err != nil {
		logger.Error("Failed to build insights: %v", err)
	} else {
		insightSvc.Print(report)
	}

	if job.Status == models.JobFailed {
		return 1
	}
	return 0
}

func openCatalog(ctx context.Context, cfg *config.Config) (storage.Catalog, error) {
	switch cfg.CatalogDriver {
	case "memory":
		return storage.NewMemoryCatalog(), nil
	case "postgres":
		return storage.OpenPostgres(ctx, cfg.DSN())
	default:
		return storage.OpenSQLite(ctx, cfg.SQLitePath)
	}
}

// fetcherSet shares one Direct client and gives each rendered source its
// own browser.
type fetcherSet struct {
	direct   *fetch.Direct
	rendered []*fetch.Rendered
	cfg      *config.Config
	logger   *utils.Logger
}

func newFetchers(cfg *config.Config, logger *utils.Logger) *fetcherSet {
	return &fetcherSet{direct: fetch.NewDirect(cfg.RequestTimeout), cfg: cfg, logger: logger}
}

func (f *fetcherSet) For(src models.Source, strategy models.FetchStrategy) (fetch.Fetcher, error) {
	switch strategy {
	case models.StrategyRendered:
		r := fetch.NewRendered(fetch.NewChromeSessions(f.cfg.ChromeBin, f.logger), f.cfg.PageTimeout, f.cfg.StabilizeTimeout)
		f.rendered = append(f.rendered, r)
		return r, nil
	case models.StrategyDirect, "":
		return f.direct, nil
	}
	return nil, eris.Errorf("unknown fetch strategy %q for %s", strategy, src.ID)
}

func (f *fetcherSet) Close() {
	for _, r := range f.rendered {
		_ = r.Close()
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJob(job *models.CrawlJob) {
	fmt.Println()
	fmt.Printf("  Crawl job %s — %s (%v)\n", job.ID, job.Status, job.EndedAt.Sub(job.StartedAt).Round(time.Second))
	fmt.Printf("  %-18s %6s %5s %8s %8s %7s %9s\n", "source", "found", "new", "updated", "removed", "errors", "stopped")
	for _, id := range sortedIDs(job.Sources) {
		c := job.Sources[id]
		fmt.Printf("  %-18s %6d %5d %8d %8d %7d %9s\n", id, c.Found, c.New, c.Updated, c.Removed, c.Errors, c.Stopped)
	}
	for _, e := range job.Errors {
		fmt.Printf("  ! %s %s %s: %s\n", e.SourceID, e.Kind, e.URL, e.Message)
	}
	for _, w := range job.Warnings {
		fmt.Printf("  ~ %s %s %s: %s\n", w.SourceID, w.Kind, w.URL, w.Message)
	}
	fmt.Println()
}

func sortedIDs(m map[string]*models.SourceCounts) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
