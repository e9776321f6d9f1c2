package policy

import (
	"container/list"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultCacheCapacity = 1024

// decisionCache is a small LRU of policy outcomes keyed by config fingerprint.
type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Outcome
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Outcome{}, false
	}
	c.order.MoveToFront(elem)
	return cloneOutcome(elem.Value.(cacheItem).value), true
}

func (c *decisionCache) Add(key string, value Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value = cloneOutcome(value)
	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// configKey fingerprints config. encoding/json sorts map keys, so equal configs
// hash equally. Unencodable configs are not cached.
func configKey(config map[string]any) (string, bool) {
	data, err := json.Marshal(config)
	if err != nil {
		return "", false
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), true
}

func cloneOutcome(o Outcome) Outcome {
	o.Evidence = append([]string(nil), o.Evidence...)
	return o
}
