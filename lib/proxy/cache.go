/*
 * fleetd
 * Copyright (C) 2025  Openclaw, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/types"
)

// resolverCacheConfig configures a resolverCache.
type resolverCacheConfig struct {
	// deployments is the backing collection.
	deployments storage.Deployments
	// ttl caches healthy resolutions.
	ttl time.Duration
	// notHealthyTTL caches every other resolution, shorter so a deployment
	// coming up is not served stale errors for the full ttl.
	notHealthyTTL time.Duration
	// clock is the cache's time source.
	clock clockwork.Clock
}

func (c *resolverCacheConfig) checkAndSetDefaults() error {
	if c.deployments == nil {
		return trace.BadParameter("missing deployments collection")
	}
	if c.ttl == 0 {
		c.ttl = defaults.ProxyCacheTTL
	}
	if c.notHealthyTTL == 0 {
		c.notHealthyTTL = defaults.ProxyCacheNotHealthyTTL
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	return nil
}

// resolverCache memoizes subdomain to deployment resolutions on the hot
// request path. Concurrent misses for one subdomain share a single storage
// lookup.
type resolverCache struct {
	cfg   resolverCacheConfig
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]resolverCacheEntry
}

type resolverCacheEntry struct {
	deployment *types.Deployment
	expires    time.Time
}

func newResolverCache(cfg resolverCacheConfig) (*resolverCache, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resolverCache{
		cfg:     cfg,
		entries: make(map[string]resolverCacheEntry),
	}, nil
}

// Resolve returns the deployment serving a subdomain. Not-found results are
// not cached; a tenant creating a deployment sees it on the next request.
func (c *resolverCache) Resolve(ctx context.Context, subdomain string) (*types.Deployment, error) {
	c.mu.RLock()
	entry, ok := c.entries[subdomain]
	c.mu.RUnlock()
	if ok && c.cfg.clock.Now().Before(entry.expires) {
		return entry.deployment, nil
	}

	d, err, _ := c.group.Do(subdomain, func() (any, error) {
		d, err := c.cfg.deployments.GetBySubdomain(ctx, subdomain)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ttl := c.cfg.notHealthyTTL
		if d.Status == types.StatusHealthy {
			ttl = c.cfg.ttl
		}
		c.mu.Lock()
		c.entries[subdomain] = resolverCacheEntry{
			deployment: d,
			expires:    c.cfg.clock.Now().Add(ttl),
		}
		c.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return d.(*types.Deployment), nil
}

// Invalidate drops a cached resolution, typically after a wake changed the
// deployment's state.
func (c *resolverCache) Invalidate(subdomain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, subdomain)
}
