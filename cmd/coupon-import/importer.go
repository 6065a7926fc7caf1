package main

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
)

type couponSink interface {
	Replace(ctx context.Context, c *coupon.Coupon) error
}

type discardSink struct{}

func (discardSink) Replace(context.Context, *coupon.Coupon) error { return nil }

type importStats struct {
	written    int
	duplicates int
	invalid    int
}

// importer deduplicates users across files in two passes. Pass 1 builds a
// bloom filter per file and records users repeated inside a file. A user is a
// suspect when it repeats in its own file or tests positive in another file's
// filter; only suspects need exact tracking in pass 2, since bloom filters
// have no false negatives.
type importer struct {
	files    []string
	expected uint

	filters []*bloom.BloomFilter

	mu       sync.Mutex
	suspects map[string]struct{}
}

func newImporter(files []string, expected uint) *importer {
	if expected == 0 {
		expected = 1
	}
	return &importer{
		files:    files,
		expected: expected,
		filters:  make([]*bloom.BloomFilter, len(files)),
		suspects: make(map[string]struct{}),
	}
}

func (imp *importer) index(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range imp.files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(imp.expected, bloomFPR)
			var count int
			err := streamRecords(ctx, path, func(r record) error {
				if filter.TestAndAddString(r.userID) {
					imp.markSuspect(r.userID)
				}
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Int("records", count))
				}
				return nil
			}, nil)
			if err != nil {
				return errors.Wrapf(err, "index %s", path)
			}
			imp.filters[i] = filter
			slog.Info("pass 1 complete", slog.String("file", path), slog.Int("records", count))
			return nil
		})
	}
	return g.Wait()
}

func (imp *importer) markSuspect(userID string) {
	imp.mu.Lock()
	imp.suspects[userID] = struct{}{}
	imp.mu.Unlock()
}

func (imp *importer) suspectCount() int {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return len(imp.suspects)
}

func (imp *importer) suspect(idx int, userID string) bool {
	if _, ok := imp.suspects[userID]; ok {
		return true
	}
	for j, f := range imp.filters {
		if j != idx && f.TestString(userID) {
			return true
		}
	}
	return false
}

// load streams files in order and hands first occurrences to a pool of
// writers. Writes for distinct users never conflict.
func (imp *importer) load(ctx context.Context, sink couponSink, workers int) (importStats, error) {
	if workers < 1 {
		workers = 1
	}
	var (
		stats   importStats
		written atomic.Int64
		seen    = make(map[string]struct{})
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for idx, path := range imp.files {
		err := streamRecords(gctx, path, func(r record) error {
			if imp.suspect(idx, r.userID) {
				if _, dup := seen[r.userID]; dup {
					stats.duplicates++
					return nil
				}
				seen[r.userID] = struct{}{}
			}
			c := r.coupon()
			g.Go(func() error {
				if err := sink.Replace(gctx, c); err != nil {
					return errors.Wrapf(err, "replace coupon for %s", c.UserID)
				}
				if n := written.Add(1); n%progressEvery == 0 {
					slog.Info("pass 2 progress", slog.Int64("written", n))
				}
				return nil
			})
			return nil
		}, func(row int, err error) {
			stats.invalid++
			slog.Warn("skipping invalid record",
				slog.String("file", path),
				slog.Int("row", row),
				slog.String("error", err.Error()),
			)
		})
		if err != nil {
			// A failed writer cancels gctx; report its error rather than the cancellation.
			if werr := g.Wait(); werr != nil {
				return stats, werr
			}
			return stats, errors.Wrapf(err, "load %s", path)
		}
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	stats.written = int(written.Load())
	return stats, nil
}

type record struct {
	userID    string
	code      string
	percent   int
	expiresAt time.Time
}

func (r record) coupon() *coupon.Coupon {
	return &coupon.Coupon{
		UserID:             r.userID,
		Code:               r.code,
		DiscountPercentage: r.percent,
		ExpiresAt:          r.expiresAt,
		Active:             true,
	}
}

// parseRecord parses user_id,code,percent,expires_rfc3339.
func parseRecord(fields []string) (record, error) {
	if len(fields) != 4 {
		return record{}, errors.Errorf("want 4 fields, got %d", len(fields))
	}
	r := record{
		userID: strings.TrimSpace(fields[0]),
		code:   strings.ToUpper(strings.TrimSpace(fields[1])),
	}
	if r.userID == "" || r.code == "" {
		return record{}, errors.New("user id and code are required")
	}
	pct, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return record{}, errors.Wrap(err, "parse percent")
	}
	if pct < 1 || pct > 100 {
		return record{}, errors.Errorf("percent %d out of range 1..100", pct)
	}
	r.percent = pct
	if r.expiresAt, err = time.Parse(time.RFC3339, strings.TrimSpace(fields[3])); err != nil {
		return record{}, errors.Wrap(err, "parse expiry")
	}
	return r, nil
}

// streamRecords calls fn for each valid record of a gzipped CSV file. A header
// row starting with "user_id" is skipped. Invalid rows go to onInvalid when it
// is non-nil and are dropped otherwise.
func streamRecords(ctx context.Context, path string, fn func(record) error, onInvalid func(row int, err error)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	cr := csv.NewReader(gz)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	for row := 1; ; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				if onInvalid != nil {
					onInvalid(row, err)
				}
				continue
			}
			return errors.Wrapf(err, "read %s", path)
		}
		if row == 1 && len(fields) > 0 && strings.EqualFold(strings.TrimSpace(fields[0]), "user_id") {
			continue
		}
		r, err := parseRecord(fields)
		if err != nil {
			if onInvalid != nil {
				onInvalid(row, err)
			}
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}
