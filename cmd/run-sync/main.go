package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/marketsync"
	"github.com/mmdatafocus/seller_sync_backend/models"
)

// run-sync runs one sync invocation from the command line, for backfills and
// operator-driven reruns.
func main() {
	accountID := flag.String("account", "", "Required: seller account id")
	storefrontID := flag.Uint("storefront", 0, "Optional: limit to one storefront id")
	startStr := flag.String("start", "", "Optional: range start (YYYY-MM-DD)")
	endStr := flag.String("end", "", "Optional: range end (YYYY-MM-DD)")
	timeout := flag.Duration("timeout", 30*time.Minute, "Overall run timeout")
	flag.Parse()

	if strings.TrimSpace(*accountID) == "" {
		fmt.Fprintln(os.Stderr, "--account is required")
		os.Exit(1)
	}

	opts := marketsync.RunOptions{TriggeredBy: models.SyncTriggeredManual}
	if strings.TrimSpace(*startStr) != "" {
		d, err := time.Parse("2006-01-02", strings.TrimSpace(*startStr))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid start date: %v\n", err)
			os.Exit(1)
		}
		opts.Start = d
	}
	if strings.TrimSpace(*endStr) != "" {
		d, err := time.Parse("2006-01-02", strings.TrimSpace(*endStr))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid end date: %v\n", err)
			os.Exit(1)
		}
		opts.End = d
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()
	logger := config.GetLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	resolver := marketsync.NewCredentialResolver(db)
	api := marketsync.NewMarketplaceClient()
	var fetchers []marketsync.SourceFetcher
	for _, source := range marketsync.AllSources() {
		limiter := marketsync.NewSlidingWindowLimiter(config.IntFromEnv("RATE_LIMIT_"+strings.ToUpper(string(source)), 10), time.Minute)
		fetchers = append(fetchers, marketsync.NewFetcher(source, api, resolver, limiter, logger))
	}
	engine := marketsync.NewEngine(marketsync.NewRecordStore(db), logger)
	orchestrator := marketsync.NewOrchestrator(resolver, fetchers, engine, marketsync.NewRunStore(db), logger)

	var (
		run *models.SyncRun
		err error
	)
	if *storefrontID > 0 {
		run, err = orchestrator.SyncStorefront(ctx, *accountID, *storefrontID, opts)
	} else {
		run, err = orchestrator.SyncAccount(ctx, *accountID, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("run %d finished: status=%s records=%d ok=%d failed=%d skipped=%d\n",
		run.ID, run.Status, run.RecordCount, run.StoreSucceeded, run.StoreFailed, run.StoreSkipped)
	if run.Status == models.SyncRunStatusFailed {
		os.Exit(2)
	}
}
