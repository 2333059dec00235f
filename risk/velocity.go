package risk

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const shardCount = 64

// Substrings of user agents treated as automated clients.
var botPatterns = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "java", "go-http", "okhttp",
}

func isBot(userAgent string) bool {
	if userAgent == "" {
		return true
	}
	ua := strings.ToLower(userAgent)
	for _, p := range botPatterns {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}

// pattern is the recent request history of one client.
type pattern struct {
	last   time.Time
	recent []time.Time // within the last minute, oldest first
}

type velocityShard struct {
	mu       sync.Mutex
	patterns map[string]*pattern
}

// velocity tracks request arrival times per client.
type velocity struct {
	shards [shardCount]*velocityShard
}

func newVelocity() *velocity {
	v := &velocity{}
	for i := range v.shards {
		v.shards[i] = &velocityShard{patterns: make(map[string]*pattern)}
	}
	return v
}

func (v *velocity) shard(client string) *velocityShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(client))
	return v.shards[h.Sum32()%shardCount]
}

// record registers a request at now. It returns the gap since the previous
// request, whether there was one, and the number of requests in the last
// minute including this one. The history is capped at limit+1 entries.
func (v *velocity) record(client string, now time.Time, limit int) (gap time.Duration, seen bool, count int) {
	sh := v.shard(client)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.patterns[client]
	if ok {
		gap = now.Sub(p.last)
	} else {
		p = &pattern{}
		sh.patterns[client] = p
	}
	p.last = now

	cutoff := now.Add(-time.Minute)
	drop := 0
	for drop < len(p.recent) && !p.recent[drop].After(cutoff) {
		drop++
	}
	p.recent = append(p.recent[drop:], now)
	if limit > 0 && len(p.recent) > limit+1 {
		p.recent = p.recent[len(p.recent)-limit-1:]
	}
	return gap, ok, len(p.recent)
}

func (v *velocity) forget(client string) {
	sh := v.shard(client)
	sh.mu.Lock()
	delete(sh.patterns, client)
	sh.mu.Unlock()
}

// prune drops clients idle since before cutoff.
func (v *velocity) prune(cutoff time.Time) int {
	removed := 0
	for _, sh := range v.shards {
		sh.mu.Lock()
		for client, p := range sh.patterns {
			if p.last.Before(cutoff) {
				delete(sh.patterns, client)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
