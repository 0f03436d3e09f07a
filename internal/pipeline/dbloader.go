package pipeline

import (
	"context"
	"sort"

	"inmodata/pipeline/internal/database"
	"inmodata/pipeline/internal/models"
)

// DatabaseLoader adapts the connection pool and batch loader to the Loader
// interface. It holds one pooled connection for the whole load so the
// schema check and every dataset share a single handle.
type DatabaseLoader struct {
	pool   *database.Pool
	loader *database.Loader
}

func NewDatabaseLoader(pool *database.Pool, loader *database.Loader) *DatabaseLoader {
	return &DatabaseLoader{pool: pool, loader: loader}
}

func (l *DatabaseLoader) Load(ctx context.Context, datasets map[string]*models.Dataset) (int64, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer l.pool.Release(conn)

	if err := l.loader.InitSchema(conn); err != nil {
		return 0, err
	}

	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	for _, name := range names {
		rows, err := l.loader.LoadDataset(ctx, conn, datasets[name])
		if err != nil {
			return total, err
		}
		total += rows
	}
	return total, nil
}
