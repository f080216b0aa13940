package memory

import (
	"crypto/sha1"
	"encoding/binary"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/statefile"
)

const (
	// DefaultDimensions is the hash vector width.
	DefaultDimensions = 128
	// DefaultIndexMaxRecords caps the persisted index size.
	DefaultIndexMaxRecords = 2000
	// maxTokensPerDocument caps how much of a document contributes to
	// its vector.
	maxTokensPerDocument = 2000
)

// Hit is one query result, ranked by cosine similarity.
type Hit struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type indexEntry struct {
	ID          string      `json:"id"`
	Text        string      `json:"text"`
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
	Vector      []float64   `json:"vector"`
	UpdatedAt   int64       `json:"updatedAt"`
}

type indexSnapshot struct {
	Dimensions int          `json:"dimensions"`
	Records    []indexEntry `json:"records"`
}

// Index is a hash-based bag-of-words vector index over memory records.
// No model calls: each token increments vector[sha1(token) mod dims]
// and vectors are L2-normalized, so cosine similarity is a plain dot
// product. Persistence is serialized by an in-order write chain.
type Index struct {
	mu          sync.Mutex
	path        string
	dims        int
	maxRecords  int
	allowSecret bool
	entries     map[string]*indexEntry
	now         func() time.Time
	logger      *slog.Logger
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithIndexDimensions sets the vector width. Default: 128
func WithIndexDimensions(n int) IndexOption {
	return func(ix *Index) { ix.dims = n }
}

// WithIndexMaxRecords trims the index to the newest n entries.
// Default: 2000
func WithIndexMaxRecords(n int) IndexOption {
	return func(ix *Index) { ix.maxRecords = n }
}

// WithIndexAllowSecret permits sensitivity=secret records in the index.
// Default: false
func WithIndexAllowSecret(allow bool) IndexOption {
	return func(ix *Index) { ix.allowSecret = allow }
}

// WithIndexNow overrides the clock, for tests.
func WithIndexNow(now func() time.Time) IndexOption {
	return func(ix *Index) { ix.now = now }
}

// WithIndexLogger sets the logger. Defaults to slog.Default.
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(ix *Index) { ix.logger = logger }
}

// NewIndex loads the index from path, tolerating a missing file. A
// persisted snapshot with a different dimension count is discarded and
// rebuilt lazily by future upserts.
func NewIndex(path string, opts ...IndexOption) (*Index, error) {
	ix := &Index{
		path:       path,
		dims:       DefaultDimensions,
		maxRecords: DefaultIndexMaxRecords,
		entries:    make(map[string]*indexEntry),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.logger == nil {
		ix.logger = slog.Default().With("component", "memory.index")
	}

	var snap indexSnapshot
	found, err := statefile.ReadJSON(path, &snap)
	if err != nil {
		ix.logger.Warn("embedding index load failed, starting empty", "error", err)
		return ix, nil
	}
	if found {
		if snap.Dimensions != ix.dims {
			ix.logger.Warn("embedding index dimension mismatch, discarding",
				"persisted", snap.Dimensions, "configured", ix.dims)
			return ix, nil
		}
		for i := range snap.Records {
			entry := snap.Records[i]
			ix.entries[entry.ID] = &entry
		}
	}
	return ix, nil
}

// Upsert adds or refreshes a record's vector and persists the index.
// Secret records are silently excluded unless the index allows them.
func (ix *Index) Upsert(rec Record) error {
	if rec.Provenance.Sensitivity == SensitivitySecret && !ix.allowSecret {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries[rec.ID] = &indexEntry{
		ID:          rec.ID,
		Text:        rec.Text,
		Sensitivity: rec.Provenance.Sensitivity,
		Vector:      ix.embed(rec.Text),
		UpdatedAt:   ix.now().UnixMilli(),
	}
	ix.trimLocked()
	return ix.persistLocked()
}

// Remove deletes entries by id and persists the index.
func (ix *Index) Remove(ids ...string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	changed := false
	for _, id := range ids {
		if _, ok := ix.entries[id]; ok {
			delete(ix.entries, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return ix.persistLocked()
}

// Query returns up to topK entries with cosine similarity > 0 against
// the query text, best first.
func (ix *Index) Query(q string, topK int) []Hit {
	qv := ix.embed(q)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	hits := make([]Hit, 0, len(ix.entries))
	for _, entry := range ix.entries {
		if entry.Sensitivity == SensitivitySecret && !ix.allowSecret {
			continue
		}
		score := dot(qv, entry.Vector)
		if score > 0 {
			hits = append(hits, Hit{ID: entry.ID, Text: entry.Text, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// embed builds the L2-normalized hash vector for a text.
func (ix *Index) embed(text string) []float64 {
	vec := make([]float64, ix.dims)
	for _, token := range tokenize(text) {
		sum := sha1.Sum([]byte(token))
		slot := binary.BigEndian.Uint64(sum[:8]) % uint64(ix.dims)
		vec[slot]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// tokenize lowercases, splits on non-alphanumeric runes, drops tokens
// shorter than two characters, and caps the count per document.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
		if len(tokens) >= maxTokensPerDocument {
			break
		}
	}
	return tokens
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// trimLocked evicts the oldest entries by UpdatedAt when over capacity.
func (ix *Index) trimLocked() {
	if ix.maxRecords <= 0 || len(ix.entries) <= ix.maxRecords {
		return
	}
	all := make([]*indexEntry, 0, len(ix.entries))
	for _, e := range ix.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt == all[j].UpdatedAt {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt > all[j].UpdatedAt
	})
	for _, e := range all[ix.maxRecords:] {
		delete(ix.entries, e.ID)
	}
}

func (ix *Index) persistLocked() error {
	snap := indexSnapshot{
		Dimensions: ix.dims,
		Records:    make([]indexEntry, 0, len(ix.entries)),
	}
	for _, e := range ix.entries {
		snap.Records = append(snap.Records, *e)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })
	return statefile.WriteJSON(ix.path, snap)
}
