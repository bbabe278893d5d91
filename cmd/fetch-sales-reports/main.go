// fetch-sales-reports runs one sync of the sale records from the configured
// Google Drive folder and exits. Useful for cron jobs and manual backfills
// without going through the HTTP endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/belaudiobooks/royalties_backend/config"
	"github.com/belaudiobooks/royalties_backend/jobs"
	"github.com/belaudiobooks/royalties_backend/models"
	"github.com/belaudiobooks/royalties_backend/services"
)

func main() {
	samples := flag.Int("samples", -1, "process at most N files (negative means all)")
	flag.Parse()

	logger := config.GetLogger()

	folderId := os.Getenv("GOOGLE_DRIVE_FOLDER_ID")
	if folderId == "" {
		fmt.Fprintln(os.Stderr, "Missing GOOGLE_DRIVE_FOLDER_ID environment variable")
		os.Exit(1)
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	source, err := services.NewGoogleDriveFetcher(ctx, folderId)
	if err != nil {
		config.LogError(logger, "fetch-sales-reports", "main", "creating drive fetcher", nil, err)
		os.Exit(1)
	}

	var sampleLimit *int
	if *samples >= 0 {
		sampleLimit = samples
	}

	summary, err := jobs.SyncSalesReports(ctx, source, sampleLimit)
	if err != nil {
		config.LogError(logger, "fetch-sales-reports", "main", "running sync", nil, err)
		os.Exit(1)
	}

	if summary.FilesProcessed == 0 {
		fmt.Println("No xlsx files found in Google Drive folder.")
		return
	}
	fmt.Printf("Sync complete. Processed %d file(s), saved %d row(s).\n", summary.FilesProcessed, summary.RowsSaved)
}
