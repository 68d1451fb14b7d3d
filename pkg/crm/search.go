package crm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/rbac"
)

// SearchConfig bounds the search result cache
type SearchConfig struct {
	CacheSize int
	CacheTTL  time.Duration
	MaxHits   int
}

// DefaultSearchConfig returns production defaults
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{CacheSize: 1024, CacheTTL: 30 * time.Second, MaxHits: 25}
}

// SearchService answers substring searches through a bounded TTL cache.
//
// Cache keys include a per-(org, module) generation counter that every
// write bumps, so stale results are unreachable immediately after a
// mutation. Visibility still applies per caller; results are cached per
// visibility rule so two callers with different rules never share hits.
type SearchService struct {
	store   *Store
	config  SearchConfig
	cache   *lru.LRU[string, []*Record]
	metrics *observability.Metrics

	mu          sync.Mutex
	generations map[string]uint64
}

// NewSearchService creates a search service with a bounded cache
func NewSearchService(store *Store, config SearchConfig, metrics *observability.Metrics) *SearchService {
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultSearchConfig().CacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultSearchConfig().CacheTTL
	}
	if config.MaxHits <= 0 {
		config.MaxHits = DefaultSearchConfig().MaxHits
	}
	return &SearchService{
		store:       store,
		config:      config,
		cache:       lru.NewLRU[string, []*Record](config.CacheSize, nil, config.CacheTTL),
		metrics:     metrics,
		generations: make(map[string]uint64),
	}
}

func (s *SearchService) generation(orgID, module string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[orgID+"|"+module]
}

// Invalidate makes cached results for the org and module unreachable.
// Called after every record mutation.
func (s *SearchService) Invalidate(orgID, module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[orgID+"|"+module]++
}

// Search returns matching records, serving from cache when possible
func (s *SearchService) Search(ctx context.Context, orgID, module, query string, filter rbac.VisibilityFilter) ([]*Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	key := fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		orgID, module, s.generation(orgID, module),
		filter.Visibility, filter.UserID, strings.ToLower(query))

	if records, ok := s.cache.Get(key); ok {
		s.countCache(true)
		return records, nil
	}
	s.countCache(false)

	records, err := s.store.SearchRows(ctx, orgID, module, query, filter, s.config.MaxHits)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, records)
	return records, nil
}

func (s *SearchService) countCache(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHitsTotal.WithLabelValues("search").Inc()
	} else {
		s.metrics.CacheMissesTotal.WithLabelValues("search").Inc()
	}
}
