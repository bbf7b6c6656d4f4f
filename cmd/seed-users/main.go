// Command seed-users bulk-imports accounts from a JSON Lines file, optionally
// gzip-compressed, into the PostgreSQL directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/gatekeeper/internal/domain/identity"
	"github.com/xenking/gatekeeper/internal/secret"
	"github.com/xenking/gatekeeper/internal/storage/postgres"
)

type options struct {
	databaseURL string
	file        string
	workers     int
	batchSize   int
	cost        int
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.file, "file", "users.jsonl.gz", "path to users JSON Lines file, .gz for gzip")
	flag.IntVar(&opts.workers, "workers", runtime.NumCPU(), "concurrent hashing workers")
	flag.IntVar(&opts.batchSize, "batch", 500, "rows per insert batch")
	flag.IntVar(&opts.cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	lg, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.workers < 1 || opts.batchSize < 1 {
		lg.Fatal("Workers and batch must be positive")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Error("Seed failed", zap.Error(err))
		cancel()
		_ = lg.Sync()
		os.Exit(1)
	}

	lg.Info("Seed completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	if _, err := os.Stat(opts.file); err != nil {
		return errors.Wrapf(err, "check file %s", opts.file)
	}

	lg.Info("Connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	catalog, err := postgres.NewRoleSource(pool).Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load roles")
	}
	lg.Info("Loaded roles",
		zap.String("default", catalog.DefaultRole),
		zap.Strings("roles", catalog.Names()),
	)

	conv := &converter{mapping: catalog, hasher: secret.NewHasher(opts.cost)}
	dir := postgres.NewDirectory(pool)

	stats, err := pipeline(ctx, lg, opts, conv, dir.Import)
	if err != nil {
		return err
	}

	lg.Info("Import finished",
		zap.Int("read", stats.read),
		zap.Int("skipped", stats.skipped),
		zap.Int("inserted", stats.inserted),
	)
	return nil
}

type importStats struct {
	read     int
	skipped  int
	inserted int
}

// importFunc writes a batch and reports how many rows were inserted.
type importFunc func(ctx context.Context, recs []identity.Record) (int, error)

// pipeline streams the file, hashes secrets on opts.workers goroutines and
// writes the records in batches.
func pipeline(ctx context.Context, lg *zap.Logger, opts options, conv *converter, write importFunc) (importStats, error) {
	var (
		stats importStats
		mu    sync.Mutex
	)
	lines := make(chan userLine, opts.workers*4)
	recs := make(chan identity.Record, opts.batchSize)

	g, ctx := errgroup.WithContext(ctx)

	// Reader.
	g.Go(func() error {
		defer close(lines)
		return streamUsers(ctx, opts.file, func(n int, u userLine) error {
			mu.Lock()
			stats.read++
			mu.Unlock()
			u.line = n
			select {
			case lines <- u:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	// Hashers.
	var hashers sync.WaitGroup
	for range opts.workers {
		hashers.Add(1)
		g.Go(func() error {
			defer hashers.Done()
			for u := range lines {
				rec, err := conv.record(u)
				if err != nil {
					lg.Warn("Skipping user", zap.Int("line", u.line), zap.Error(err))
					mu.Lock()
					stats.skipped++
					mu.Unlock()
					continue
				}
				select {
				case recs <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		hashers.Wait()
		close(recs)
		return nil
	})

	// Writer.
	g.Go(func() error {
		batch := make([]identity.Record, 0, opts.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := write(ctx, batch)
			if err != nil {
				return errors.Wrap(err, "import batch")
			}
			mu.Lock()
			stats.inserted += n
			inserted := stats.inserted
			mu.Unlock()
			lg.Info("Write progress", zap.Int("batch", len(batch)), zap.Int("inserted", inserted))
			batch = batch[:0]
			return nil
		}
		for rec := range recs {
			batch = append(batch, rec)
			if len(batch) == opts.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}
