// Command rule-import bulk loads pricing rules from gzip-compressed JSONL
// files. Coupon codes must be unique across the whole import: every record
// carrying a code that occurs more than once is rejected.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/storage/postgres"
	"github.com/xenking/bazaar-pricing/internal/storage/rediscache"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
	maxLineBytes  = 1 << 20
)

// ruleWriter persists imported rules.
type ruleWriter interface {
	Upsert(ctx context.Context, rule *pricing.Rule) error
}

type dryRunWriter struct{}

func (dryRunWriter) Upsert(_ context.Context, rule *pricing.Rule) error {
	slog.Debug("dry run: would upsert rule", slog.String("id", rule.ID.String()), slog.String("name", rule.Name))
	return nil
}

type importer struct {
	files    []string
	capacity uint
	workers  int
	writer   ruleWriter
}

type stats struct {
	mu         sync.Mutex
	written    int
	invalid    int
	duplicates map[string]int
}

func (s *stats) addInvalid() {
	s.mu.Lock()
	s.invalid++
	s.mu.Unlock()
}

func (s *stats) addWritten(n int) {
	s.mu.Lock()
	s.written += n
	s.mu.Unlock()
}

func main() {
	var (
		databaseURL string
		redisURL    string
		capacity    uint
		workers     int
		dryRun      bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&redisURL, "redis-url", "", "Redis URL of the candidate cache to invalidate (or PRICING_REDIS_URL env)")
	flag.UintVar(&capacity, "expected-codes", 1_000_000, "expected coupon codes per file, sizes the bloom filters")
	flag.IntVar(&workers, "workers", 4, "files processed concurrently")
	flag.BoolVar(&dryRun, "dry-run", false, "validate and report without writing")
	flag.Usage = func() {
		_, _ = os.Stderr.WriteString("usage: rule-import [flags] rules1.jsonl.gz [rules2.jsonl.gz ...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if redisURL == "" {
		redisURL = os.Getenv("PRICING_REDIS_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, redisURL, flag.Args(), capacity, workers, dryRun); err != nil {
		slog.Error("rule import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("rule import completed successfully")
}

func run(ctx context.Context, databaseURL, redisURL string, files []string, capacity uint, workers int, dryRun bool) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	imp := &importer{files: files, capacity: capacity, workers: workers, writer: dryRunWriter{}}
	if !dryRun {
		slog.Info("connecting to database")

		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		imp.writer = postgres.NewRuleRepository(pool)

		if redisURL != "" {
			cache, err := rediscache.Dial(redisURL, rediscache.Config{})
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()
			// Invalidate once at the end, also after a failed run: some rules
			// may already be written.
			defer func() {
				if err := cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
					slog.Error("candidate cache invalidation failed", slog.String("error", err.Error()))
					return
				}
				slog.Info("candidate cache invalidated")
			}()
		}
	}

	st, err := imp.run(ctx)
	if err != nil {
		return err
	}

	for code, n := range st.duplicates {
		slog.Warn("rejected duplicate coupon code", slog.String("code", code), slog.Int("occurrences", n))
	}
	slog.Info("import summary",
		slog.Int("written", st.written),
		slog.Int("invalid", st.invalid),
		slog.Int("duplicate_codes", len(st.duplicates)),
		slog.Bool("dry_run", dryRun),
	)
	return nil
}

// run executes three streaming passes:
//  1. build one bloom filter of coupon codes per file;
//  2. collect suspect codes: codes another file's filter may contain, or
//     codes already seen earlier in the same file;
//  3. write every rule whose code is not a suspect, count suspects exactly
//     and write the ones that turn out to be unique.
func (imp *importer) run(ctx context.Context) (*stats, error) {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(imp.files)))

	filters, err := imp.buildFilters(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: finding suspect codes")

	suspects, err := imp.findSuspects(ctx, filters)
	if err != nil {
		return nil, errors.Wrap(err, "find suspect codes")
	}

	slog.Info("pass 3: writing rules", slog.Int("suspect_codes", len(suspects)))

	st, err := imp.write(ctx, suspects)
	if err != nil {
		return nil, errors.Wrap(err, "write rules")
	}
	return st, nil
}

func (imp *importer) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	if imp.workers > 0 {
		g.SetLimit(imp.workers)
	}
	return g, ctx
}

func (imp *importer) newFilter() *bloom.BloomFilter {
	capacity := imp.capacity
	if capacity == 0 {
		capacity = 1_000
	}
	return bloom.NewWithEstimates(capacity, bloomFPR)
}

func (imp *importer) buildFilters(ctx context.Context) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(imp.files))

	g, ctx := imp.group(ctx)
	for i, path := range imp.files {
		g.Go(func() error {
			filter := imp.newFilter()
			var count uint64
			err := streamRules(ctx, path, func(_ int, r pricing.Rule, err error) error {
				if err != nil || r.CouponCode == "" {
					return nil
				}
				filter.AddString(r.CouponCode)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}

			slog.Info("pass 1 complete", slog.Int("file", i+1), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func (imp *importer) findSuspects(ctx context.Context, filters []*bloom.BloomFilter) (map[string]struct{}, error) {
	var (
		mu       sync.Mutex
		suspects = make(map[string]struct{})
	)

	g, ctx := imp.group(ctx)
	for i, path := range imp.files {
		g.Go(func() error {
			local := make(map[string]struct{})
			seen := imp.newFilter()
			err := streamRules(ctx, path, func(_ int, r pricing.Rule, err error) error {
				if err != nil || r.CouponCode == "" {
					return nil
				}
				code := r.CouponCode
				if seen.TestOrAddString(code) {
					local[code] = struct{}{}
					return nil
				}
				for j, f := range filters {
					if j != i && f.TestString(code) {
						local[code] = struct{}{}
						break
					}
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s for suspects", path)
			}

			slog.Info("pass 2 complete", slog.Int("file", i+1), slog.Int("suspects", len(local)))

			mu.Lock()
			for code := range local {
				suspects[code] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return suspects, nil
}

func (imp *importer) write(ctx context.Context, suspects map[string]struct{}) (*stats, error) {
	st := &stats{duplicates: make(map[string]int)}
	var (
		mu      sync.Mutex
		counts  = make(map[string]int)
		pending = make(map[string]pricing.Rule)
	)

	g, gctx := imp.group(ctx)
	for i, path := range imp.files {
		g.Go(func() error {
			var written int
			err := streamRules(gctx, path, func(line int, r pricing.Rule, err error) error {
				if err != nil {
					st.addInvalid()
					slog.Warn("skipping invalid rule",
						slog.Int("file", i+1),
						slog.Int("line", line),
						slog.String("error", err.Error()),
					)
					return nil
				}
				if _, ok := suspects[r.CouponCode]; ok {
					mu.Lock()
					counts[r.CouponCode]++
					pending[r.CouponCode] = r
					mu.Unlock()
					return nil
				}
				if err := imp.writer.Upsert(gctx, &r); err != nil {
					return errors.Wrapf(err, "upsert rule %q (line %d)", r.Name, line)
				}
				written++
				if written%progressEvery == 0 {
					slog.Info("pass 3 progress", slog.Int("file", i+1), slog.Int("written", written))
				}
				return nil
			})
			st.addWritten(written)
			if err != nil {
				return errors.Wrapf(err, "import %s", path)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Bloom false positives are unique after all.
	for code, n := range counts {
		if n > 1 {
			st.duplicates[code] = n
			continue
		}
		r := pending[code]
		if err := imp.writer.Upsert(ctx, &r); err != nil {
			return nil, errors.Wrapf(err, "upsert rule %q", r.Name)
		}
		st.written++
	}
	return st, nil
}

// streamRules opens a gzip-compressed JSONL file and calls fn for each
// non-empty line with its 1-based number and the parsed rule or parse error.
func streamRules(ctx context.Context, path string, fn func(line int, r pricing.Rule, err error) error) error {
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

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var line int
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		r, perr := parseRecord(data)
		if err := fn(line, r, perr); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
