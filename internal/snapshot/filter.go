package snapshot

import "context"

// KeyFilter reports whether a page cache or chat history key must be
// withheld from sync.
type KeyFilter func(key string) bool

// FilterCollector wraps a collector so keys matching the filter never
// enter a snapshot. The config section is not keyed and passes through.
func FilterCollector(inner Collector, exclude KeyFilter) Collector {
	if exclude == nil {
		return inner
	}
	return &filteredCollector{inner: inner, exclude: exclude}
}

type filteredCollector struct {
	inner   Collector
	exclude KeyFilter
}

func (f *filteredCollector) CollectConfig(ctx context.Context) (Config, error) {
	return f.inner.CollectConfig(ctx)
}

func (f *filteredCollector) CollectPageCache(ctx context.Context) (map[string]PageCacheEntry, error) {
	entries, err := f.inner.CollectPageCache(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PageCacheEntry, len(entries))
	for k, v := range entries {
		if f.exclude(k) {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (f *filteredCollector) CollectChatHistory(ctx context.Context) (map[string][]ChatMessage, error) {
	entries, err := f.inner.CollectChatHistory(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]ChatMessage, len(entries))
	for k, v := range entries {
		if f.exclude(k) {
			continue
		}
		out[k] = v
	}
	return out, nil
}
