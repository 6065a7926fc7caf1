// Command coupon-import loads externally issued coupons from gzipped CSV
// files. Each user keeps at most one coupon: the first record for a user,
// in file then line order, wins.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

func main() {
	var (
		dataDir     string
		databaseURL string
		expected    uint
		workers     int
		dryRun      bool
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected", 1_000_000, "expected number of records per file, sizes the bloom filters")
	flag.IntVar(&workers, "workers", 8, "concurrent database writers")
	flag.BoolVar(&dryRun, "dry-run", false, "scan and deduplicate without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, expected, workers, dryRun); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string, expected uint, workers int, dryRun bool) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list data files")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.csv.gz files in %s", dataDir)
	}
	sort.Strings(files)

	imp := newImporter(files, expected)

	// Pass 1: per-file bloom filters of user ids.
	slog.Info("pass 1: indexing users", slog.Int("files", len(files)))
	if err := imp.index(ctx); err != nil {
		return errors.Wrap(err, "index users")
	}

	var sink couponSink = discardSink{}
	if !dryRun {
		slog.Info("connecting to database")
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		sink = postgres.NewCouponRepository(pool)
	}

	// Pass 2: resolve duplicates and write first occurrences.
	slog.Info("pass 2: importing coupons", slog.Int("suspects", imp.suspectCount()))
	stats, err := imp.load(ctx, sink, workers)
	if err != nil {
		return errors.Wrap(err, "import coupons")
	}

	slog.Info("import summary",
		slog.Int("written", stats.written),
		slog.Int("duplicates", stats.duplicates),
		slog.Int("invalid", stats.invalid),
	)
	return nil
}
