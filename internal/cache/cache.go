package cache

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Producer computes the value for a cache key that has not been seen yet.
type Producer func() (interface{}, error)

type entry struct {
	value      interface{}
	err        error
	ready      chan struct{}
	insertedAt time.Time
}

// Cache is a process-lifetime key to dataset store. A get for a key that has
// not been computed yet triggers exactly one producer invocation; concurrent
// callers for the same key block until that computation finishes and share
// its result. Failed computations are never cached.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	logger  *logrus.Logger
}

// NewCache creates a cache. A ttl of zero keeps entries until they are
// invalidated or the cache is cleared at a run boundary.
func NewCache(ttl time.Duration, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  logger,
	}
}

// GetOrCompute returns the cached value for key if present, otherwise invokes
// producer exactly once, stores the result and returns it. If the producer
// fails the key remains uncached and the error propagates to every waiter.
func (c *Cache) GetOrCompute(key string, producer Producer) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.expired(e) {
			delete(c.entries, key)
		} else {
			c.mu.Unlock()
			<-e.ready
			if e.err != nil {
				return nil, e.err
			}
			c.logger.WithField("key", key).Debug("Cache hit")
			return e.value, nil
		}
	}

	e := &entry{ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	start := time.Now()
	value, err := producer()

	c.mu.Lock()
	if err != nil {
		// No poison-caching of errors: drop the entry so a later call
		// can attempt the computation again.
		delete(c.entries, key)
		e.err = err
	} else {
		e.value = value
		e.insertedAt = time.Now()
	}
	c.mu.Unlock()
	close(e.ready)

	if err != nil {
		c.logger.WithError(err).WithField("key", key).Error("Cache producer failed")
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"key":         key,
		"load_time_s": time.Since(start).Seconds(),
	}).Info("Cache miss, value computed")
	return value, nil
}

// Get returns the cached value without computing anything.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		// Still being computed.
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.value, true
}

// Put stores a value directly, replacing any existing entry.
func (c *Cache) Put(key string, value interface{}) {
	e := &entry{value: value, insertedAt: time.Now(), ready: make(chan struct{})}
	close(e.ready)

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ClearAll empties the cache. The orchestrator calls this at run boundaries
// to bound memory growth.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	c.logger.Debug("Cache cleared")
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(e *entry) bool {
	if c.ttl <= 0 || e.insertedAt.IsZero() {
		return false
	}
	return time.Since(e.insertedAt) > c.ttl
}
