package semcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Giftedx/crew-sub028/pkg/text"
)

// Entry is a cached response served on a similarity hit.
type Entry struct {
	Prompt     string
	Response   string
	Model      string
	InsertedAt time.Time
	Similarity float64 // similarity to the query prompt, 1.0 for exact
}

// Config controls the gate's sizing and match threshold.
type Config struct {
	MaxEntriesPerTenant int
	TTL                 time.Duration
	// Threshold is the minimum shingle-overlap similarity for a hit.
	// Deployments typically run between 0.85 and 0.95.
	Threshold   float64
	ShingleSize int
}

func DefaultConfig() Config {
	return Config{
		MaxEntriesPerTenant: 512,
		TTL:                 15 * time.Minute,
		Threshold:           0.90,
		ShingleSize:         2,
	}
}

type record struct {
	entry     Entry
	shingles  map[string]bool
	expiresAt time.Time
}

// Gate short-circuits the routing pipeline when a near-duplicate prompt
// was answered recently. Entries are strictly namespaced per tenant key:
// identical prompts under different tenants never share entries.
type Gate struct {
	cfg       Config
	tokenizer *text.Tokenizer

	mu      sync.RWMutex
	tenants map[string]*lru.Cache[string, *record]
	hits    uint64
	misses  uint64

	now func() time.Time
}

func New(cfg Config) *Gate {
	if cfg.MaxEntriesPerTenant <= 0 {
		cfg.MaxEntriesPerTenant = 512
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.90
	}
	return &Gate{
		cfg:       cfg,
		tokenizer: text.NewTokenizer(true, cfg.ShingleSize),
		tenants:   make(map[string]*lru.Cache[string, *record]),
		now:       time.Now,
	}
}

// Get scans the tenant's namespace for the most similar non-expired entry
// at or above the threshold. Returns (entry, true) on a hit.
func (g *Gate) Get(tenantKey, prompt string) (Entry, bool) {
	g.mu.RLock()
	cache := g.tenants[tenantKey]
	g.mu.RUnlock()

	if cache == nil {
		g.miss()
		return Entry{}, false
	}

	query := g.tokenizer.ShingleSet(prompt)
	now := g.now()

	var best *record
	bestSim := 0.0
	for _, key := range cache.Keys() {
		rec, ok := cache.Peek(key)
		if !ok || (g.cfg.TTL > 0 && now.After(rec.expiresAt)) {
			continue
		}
		if sim := text.JaccardSets(query, rec.shingles); sim >= g.cfg.Threshold && sim > bestSim {
			best, bestSim = rec, sim
		}
	}

	if best == nil {
		g.miss()
		return Entry{}, false
	}

	// Touch the winner so LRU eviction tracks real usage.
	cache.Get(promptKey(best.entry.Prompt))
	g.hit()

	entry := best.entry
	entry.Similarity = bestSim
	return entry, true
}

// Put stores a response under the tenant's namespace after a successful
// dispatch.
func (g *Gate) Put(tenantKey, prompt, response, model string) {
	g.mu.Lock()
	cache, ok := g.tenants[tenantKey]
	if !ok {
		// Size is validated in New; an error here means a programming
		// bug, not an operational condition.
		cache, _ = lru.New[string, *record](g.cfg.MaxEntriesPerTenant)
		g.tenants[tenantKey] = cache
	}
	g.mu.Unlock()

	now := g.now()
	expires := time.Time{}
	if g.cfg.TTL > 0 {
		expires = now.Add(g.cfg.TTL)
	}

	cache.Add(promptKey(prompt), &record{
		entry: Entry{
			Prompt:     prompt,
			Response:   response,
			Model:      model,
			InsertedAt: now,
		},
		shingles:  g.tokenizer.ShingleSet(prompt),
		expiresAt: expires,
	})
}

// Stats reports hit/miss counts and the hit ratio.
type Stats struct {
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

func (g *Gate) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := g.hits + g.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(g.hits) / float64(total)
	}
	return Stats{Hits: g.hits, Misses: g.misses, HitRatio: ratio}
}

func (g *Gate) hit() {
	g.mu.Lock()
	g.hits++
	g.mu.Unlock()
}

func (g *Gate) miss() {
	g.mu.Lock()
	g.misses++
	g.mu.Unlock()
}

func promptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
