// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/doofapp/doof/neighborhoods"
)

const defaultZipCacheSize = 4096

// zipCache memoizes neighborhood lookups by ZIP code. Misses are stored
// too: during a bulk session most ZIP codes map to no neighborhood, and
// those would otherwise hit the database on every request.
type zipCache struct {
	cache *lru.Cache[string, []*neighborhoods.Record]
}

func newZipCache(size int) (*zipCache, error) {
	cache, err := lru.New[string, []*neighborhoods.Record](size)
	if err != nil {
		return nil, err
	}

	return &zipCache{cache: cache}, nil
}

func (c *zipCache) lookup(zipcode string) ([]*neighborhoods.Record, bool) {
	return c.cache.Get(zipcode)
}

func (c *zipCache) store(zipcode string, records []*neighborhoods.Record) {
	c.cache.Add(zipcode, records)
}

// purge empties the cache. Called after a neighborhood import changes the
// ZIP mappings.
func (c *zipCache) purge() {
	c.cache.Purge()
}
