// Package cache holds the parsed-invoice cache: an in-process LRU+TTL Manager and a
// Redis-backed store for deployments that run more than one instance.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxSize = 1000
	DefaultTTL     = 24 * time.Hour
)

// Entry is the stored envelope. Only the cache creates or mutates entries.
type Entry[T any] struct {
	Payload         T     `json:"payload"`
	CreatedAtMillis int64 `json:"createdAt"`
	TTLMillis       int64 `json:"ttl"`
}

func (e *Entry[T]) expired(nowMillis int64) bool {
	return nowMillis-e.CreatedAtMillis >= e.TTLMillis
}

// Stats are process-lifetime counters, used for observability only
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// Metadata describes the timing of a stored entry
type Metadata struct {
	CachedAt  time.Time     `json:"cachedAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	TTL       time.Duration `json:"ttl"`
	Age       time.Duration `json:"age"`
}

// Lookup is the result of a metadata-aware read
type Lookup[T any] struct {
	Data      T          `json:"data"`
	FromCache bool       `json:"fromCache"`
	CachedAt  *time.Time `json:"cachedAt,omitempty"`
}

// Store is the key/value surface the parsing pipeline depends on.
type Store[T any] interface {
	Lookup(ctx context.Context, key string) (Lookup[T], error)
	Put(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Purge(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
}

type settings struct {
	name       string
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a Manager or RedisStore
type Option func(*settings)

// WithMaxSize caps the number of entries; values <= 0 keep the default
func WithMaxSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithDefaultTTL sets the TTL used when Set is given ttl <= 0
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithName labels the cache in metrics and logs
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func newSettings(opts []Option) settings {
	s := settings{
		name:       "invoices",
		maxSize:    DefaultMaxSize,
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

type node[T any] struct {
	key   string
	entry Entry[T]
}

// Manager is an in-memory LRU cache with per-entry TTL. It is safe for concurrent use;
// every operation, reads included, takes the same lock because reads reorder the list.
type Manager[T any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	hits    uint64
	misses  uint64
	cfg     settings
	metrics *metricSet
}

// NewManager creates an empty cache
func NewManager[T any](opts ...Option) *Manager[T] {
	cfg := newSettings(opts)
	return &Manager[T]{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		cfg:     cfg,
		metrics: metricsFor(cfg.name),
	}
}

// Get returns the value for key. An expired entry is removed and counted as a miss.
func (m *Manager[T]) Get(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.getLocked(key)
	if !ok {
		var zero T
		return zero, false
	}
	return n.entry.Payload, true
}

// GetWithMetadata is Get plus the time the entry was stored
func (m *Manager[T]) GetWithMetadata(key string) Lookup[T] {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.getLocked(key)
	if !ok {
		return Lookup[T]{}
	}
	cachedAt := time.UnixMilli(n.entry.CreatedAtMillis)
	return Lookup[T]{Data: n.entry.Payload, FromCache: true, CachedAt: &cachedAt}
}

func (m *Manager[T]) getLocked(key string) (*node[T], bool) {
	el, ok := m.items[key]
	if !ok {
		m.miss()
		return nil, false
	}
	n := el.Value.(*node[T])
	if n.entry.expired(m.nowMillis()) {
		m.removeLocked(el)
		m.miss()
		return nil, false
	}
	m.order.MoveToFront(el)
	m.hit()
	return n, true
}

// Set stores value under key. ttl <= 0 uses the default TTL.
func (m *Manager[T]) Set(key string, value T, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
}

// SetAndGetMetadata stores value and returns the resulting entry metadata
func (m *Manager[T]) SetAndGetMetadata(key string, value T, ttl time.Duration) Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.setLocked(key, value, ttl)
	return m.metadataOf(n)
}

func (m *Manager[T]) setLocked(key string, value T, ttl time.Duration) *node[T] {
	if ttl <= 0 {
		ttl = m.cfg.defaultTTL
	}
	entry := Entry[T]{
		Payload:         value,
		CreatedAtMillis: m.nowMillis(),
		TTLMillis:       ttl.Milliseconds(),
	}

	if el, ok := m.items[key]; ok {
		n := el.Value.(*node[T])
		n.entry = entry
		m.order.MoveToFront(el)
		return n
	}

	n := &node[T]{key: key, entry: entry}
	m.items[key] = m.order.PushFront(n)
	for m.order.Len() > m.cfg.maxSize {
		m.removeLocked(m.order.Back())
	}
	m.metrics.size.Set(float64(m.order.Len()))
	return n
}

// Has reports whether a live entry exists. Like Get, it refreshes recency and
// treats an expired entry as a miss.
func (m *Manager[T]) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Clear removes key
func (m *Manager[T]) Clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeLocked(el)
	}
}

// ClearAll removes every entry. Hit/miss counters are kept.
func (m *Manager[T]) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.order.Init()
	m.metrics.size.Set(0)
}

// Keys lists live keys, most recently used first
func (m *Manager[T]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowMillis()
	keys := make([]string, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		n := el.Value.(*node[T])
		if !n.entry.expired(now) {
			keys = append(keys, n.key)
		}
	}
	return keys
}

// GetStats returns size and hit/miss counters
func (m *Manager[T]) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newStats(m.order.Len(), m.hits, m.misses)
}

// GetMetadata returns timing information without touching recency or counters
func (m *Manager[T]) GetMetadata(key string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return Metadata{}, false
	}
	n := el.Value.(*node[T])
	if n.entry.expired(m.nowMillis()) {
		m.removeLocked(el)
		return Metadata{}, false
	}
	return m.metadataOf(n), true
}

func (m *Manager[T]) metadataOf(n *node[T]) Metadata {
	cachedAt := time.UnixMilli(n.entry.CreatedAtMillis)
	ttl := time.Duration(n.entry.TTLMillis) * time.Millisecond
	return Metadata{
		CachedAt:  cachedAt,
		ExpiresAt: cachedAt.Add(ttl),
		TTL:       ttl,
		Age:       m.cfg.now().Sub(cachedAt),
	}
}

func (m *Manager[T]) removeLocked(el *list.Element) {
	n := el.Value.(*node[T])
	delete(m.items, n.key)
	m.order.Remove(el)
	m.metrics.size.Set(float64(m.order.Len()))
}

func (m *Manager[T]) hit() {
	m.hits++
	m.metrics.hits.Inc()
}

func (m *Manager[T]) miss() {
	m.misses++
	m.metrics.misses.Inc()
}

func (m *Manager[T]) nowMillis() int64 {
	return m.cfg.now().UnixMilli()
}

func newStats(size int, hits, misses uint64) Stats {
	s := Stats{Size: size, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Store implementation, so a Manager can be handed to the pipeline directly.

func (m *Manager[T]) Lookup(_ context.Context, key string) (Lookup[T], error) {
	return m.GetWithMetadata(key), nil
}

func (m *Manager[T]) Put(_ context.Context, key string, value T, ttl time.Duration) error {
	m.Set(key, value, ttl)
	return nil
}

func (m *Manager[T]) Delete(_ context.Context, key string) error {
	m.Clear(key)
	return nil
}

func (m *Manager[T]) Purge(_ context.Context) error {
	m.ClearAll()
	return nil
}

func (m *Manager[T]) Stats(_ context.Context) (Stats, error) {
	return m.GetStats(), nil
}
