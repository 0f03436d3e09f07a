package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrPoolExhausted is returned when every connection is in use and the
	// acquire wait timeout elapses.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by Acquire after the pool has been closed.
	ErrPoolClosed = errors.New("connection pool closed")
)

// PoolConnection is a handle to one live database session. It is never held
// by more than one in-flight operation at a time; callers must return it to
// the pool on every exit path.
type PoolConnection struct {
	id  int
	db  *sql.DB
	orm *gorm.DB
}

// ORM exposes the gorm handle bound to this connection.
func (c *PoolConnection) ORM() *gorm.DB {
	return c.orm
}

// Pool is a bounded set of pre-established sqlite connections.
type Pool struct {
	path    string
	size    int
	timeout time.Duration
	conns   chan *PoolConnection
	logger  *logrus.Logger

	mu     sync.Mutex
	closed bool
	nextID int
}

// NewPool opens size connections against the database at path. Opening is
// eager so a misconfigured database fails at startup, not mid-run.
func NewPool(path string, size int, timeout time.Duration, log *logrus.Logger) (*Pool, error) {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetOutput(os.Stdout)
	}
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	p := &Pool{
		path:    path,
		size:    size,
		timeout: timeout,
		conns:   make(chan *PoolConnection, size),
		logger:  log,
	}
	for i := 0; i < size; i++ {
		conn, err := p.open()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to establish pool connection %d: %w", i, err)
		}
		p.conns <- conn
	}

	log.WithFields(logrus.Fields{
		"path":      path,
		"pool_size": size,
	}).Info("Connection pool established")
	return p, nil
}

// Acquire returns a connection from the pool, blocking until one is free, the
// wait timeout elapses (ErrPoolExhausted) or ctx is done. A connection found
// broken on acquire is discarded and replaced transparently so the pool keeps
// its configured size.
func (p *Pool) Acquire(ctx context.Context) (*PoolConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case conn := <-p.conns:
		if err := conn.db.PingContext(ctx); err != nil {
			p.logger.WithError(err).WithField("conn_id", conn.id).Warn("Discarding broken pool connection")
			conn.db.Close()
			replacement, openErr := p.open()
			if openErr != nil {
				return nil, fmt.Errorf("failed to replace broken connection: %w", openErr)
			}
			return replacement, nil
		}
		return conn, nil
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a connection to the available set. It must be called at
// most once per acquired connection; a nil connection is ignored so callers
// can release unconditionally in deferred cleanup.
func (p *Pool) Release(conn *PoolConnection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		conn.db.Close()
		return
	}
	select {
	case p.conns <- conn:
	default:
		// More releases than acquires would overflow the channel; close
		// the surplus handle instead of blocking.
		p.logger.WithField("conn_id", conn.id).Warn("Release on full pool, closing connection")
		conn.db.Close()
	}
}

// Available returns the number of idle connections.
func (p *Pool) Available() int {
	return len(p.conns)
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return p.size
}

// Close shuts the pool down and closes every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.conns:
			conn.db.Close()
		default:
			return
		}
	}
}

func (p *Pool) open() (*PoolConnection, error) {
	db, err := sql.Open("sqlite3", p.path)
	if err != nil {
		return nil, err
	}

	// One session per pool slot; the bounded pool is the concurrency limit.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	orm, err := gorm.Open(sqlite.Dialector{Conn: db}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	return &PoolConnection{id: id, db: db, orm: orm}, nil
}
