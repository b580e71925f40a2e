package matching

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DomainCache is the process-wide set of unique identifier domains.
//
// Lifecycle: Init loads it when the engine starts, Invalidate reloads it whenever a domain is
// created, updated or deleted (locally or, via pub/sub, on another instance), and Stop tears
// it down. Reads before Init see no unique domains.
type DomainCache struct {
	mu      sync.RWMutex
	domains store.DomainStore
	logger  ectologger.Logger
	unique  map[string]bool
	loaded  bool
}

func NewDomainCache(domains store.DomainStore, logger ectologger.Logger) *DomainCache {
	return &DomainCache{
		domains: domains,
		logger:  logger,
		unique:  map[string]bool{},
	}
}

func (c *DomainCache) Init(ctx context.Context) error {
	return c.load(ctx)
}

func (c *DomainCache) Invalidate(ctx context.Context) error {
	c.logger.WithContext(ctx).Debug("Unique identifier domain cache invalidated")
	return c.load(ctx)
}

func (c *DomainCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unique = map[string]bool{}
	c.loaded = false
}

func (c *DomainCache) load(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "matching.DomainCache.load")
	defer span.End()

	domains, err := c.domains.ListDomains(ctx)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("Failed to load identifier domains")
		return err
	}

	unique := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d.Unique {
			unique[strings.ToUpper(d.Name)] = true
		}
	}

	c.mu.Lock()
	c.unique = unique
	c.loaded = true
	c.mu.Unlock()

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"domains": len(domains),
		"unique":  len(unique),
	}).Info("Loaded identifier domains")
	return nil
}

func (c *DomainCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func (c *DomainCache) IsUnique(domain string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unique[strings.ToUpper(domain)]
}

func (c *DomainCache) UniqueDomains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.unique))
	for d := range c.unique {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
