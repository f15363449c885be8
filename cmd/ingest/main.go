// Command ingest runs one bulk ingestion over a CSV file of observations.
//
// Usage:
//
//	go run ./cmd/ingest -file rainfall_2019.csv [-data-type Rainfall] [-batch-size 2000]
//
// Re-running the same file is idempotent: the provenance key derived from
// the file content makes every row upsert onto its previous version.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/peatmoor/basinflow/internal/config"
	"github.com/peatmoor/basinflow/internal/ingest"
	"github.com/peatmoor/basinflow/internal/observability"
	"github.com/peatmoor/basinflow/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ingestion failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	filePath := flag.String("file", "", "path to the CSV file to ingest")
	dataType := flag.String("data-type", "", "data type name overriding CSV/filename inference")
	batchSize := flag.Int("batch-size", 0, "rows per upsert batch (default from BATCH_SIZE)")
	rejectDir := flag.String("reject-log", "", "directory for the rejected-row report (default from REJECT_LOG_DIR)")
	flag.Parse()

	if *filePath == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -file")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	if *rejectDir != "" {
		cfg.RejectLogDir = *rejectDir
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	src, err := ingest.OpenCSV(*filePath, *dataType)
	if err != nil {
		return err
	}
	defer src.Close()

	rejects, err := ingest.NewFileRejectLog(cfg.RejectLogDir)
	if err != nil {
		return err
	}
	defer rejects.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := ingest.New(st, logger, metrics, ingest.Config{
		BatchSize:    cfg.BatchSize,
		QueueDepth:   cfg.QueueDepth,
		FlushRetries: cfg.FlushRetries,
	})

	summary, runErr := p.Run(ctx, src, rejects)

	fmt.Printf("Ingestion complete. total=%d inserted=%d updated=%d rejected=%d\n",
		summary.Total, summary.Inserted, summary.Updated, summary.RejectedTotal())
	for reason, count := range summary.Rejected {
		fmt.Printf("  %s: %d\n", reason, count)
	}
	fmt.Printf("Reject log: %s\n", rejects.Path)

	return runErr
}
