package bow

import (
	"cmp"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
)

// posting is the set of keyframes containing one word.
type posting struct {
	mu  sync.Mutex
	kfs *roaring64.Bitmap
}

// Database is an inverted index from vocabulary words to the keyframes
// containing them. It is safe for concurrent use.
type Database struct {
	words *xsync.MapOf[uint32, *posting]
}

// NewDatabase returns an empty index.
func NewDatabase() *Database {
	return &Database{words: xsync.NewMapOf[uint32, *posting]()}
}

// Add indexes keyframe id under every word of its vector.
func (db *Database) Add(id mapgraph.KeyFrameID, vec map[uint32]float64) {
	for word := range vec {
		p, _ := db.words.LoadOrCompute(word, func() *posting {
			return &posting{kfs: roaring64.New()}
		})
		p.mu.Lock()
		p.kfs.Add(uint64(id))
		p.mu.Unlock()
	}
}

// Erase removes keyframe id from the postings of its words.
func (db *Database) Erase(id mapgraph.KeyFrameID, vec map[uint32]float64) {
	for word := range vec {
		p, ok := db.words.Load(word)
		if !ok {
			continue
		}
		p.mu.Lock()
		p.kfs.Remove(uint64(id))
		p.mu.Unlock()
	}
}

// Clear empties the index.
func (db *Database) Clear() {
	db.words.Clear()
}

// Contains reports whether keyframe id is indexed under word.
func (db *Database) Contains(word uint32, id mapgraph.KeyFrameID) bool {
	p, ok := db.words.Load(word)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kfs.Contains(uint64(id))
}

// KeyFrames returns the number of distinct indexed keyframes.
func (db *Database) KeyFrames() int {
	all := roaring64.New()
	db.words.Range(func(_ uint32, p *posting) bool {
		p.mu.Lock()
		all.Or(p.kfs)
		p.mu.Unlock()
		return true
	})
	return int(all.GetCardinality())
}

// Candidate is a keyframe sharing words with a query vector.
type Candidate struct {
	ID          mapgraph.KeyFrameID
	SharedWords int
}

// Candidates returns keyframes sharing at least minShared words with vec,
// ordered by shared words descending then id ascending.
func (db *Database) Candidates(vec map[uint32]float64, minShared int) []Candidate {
	counts := map[uint64]int{}
	for word := range vec {
		p, ok := db.words.Load(word)
		if !ok {
			continue
		}
		p.mu.Lock()
		it := p.kfs.Iterator()
		for it.HasNext() {
			counts[it.Next()]++
		}
		p.mu.Unlock()
	}

	out := make([]Candidate, 0, len(counts))
	for id, n := range counts {
		if n >= minShared {
			out = append(out, Candidate{ID: mapgraph.KeyFrameID(id), SharedWords: n})
		}
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.SharedWords, a.SharedWords); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
