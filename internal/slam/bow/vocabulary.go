// Package bow provides the appearance vocabulary used to describe keyframes
// as bag-of-words vectors, and the inverted keyframe index built on it.
package bow

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/banshee-data/slamctl/internal/fsutil"
	"github.com/banshee-data/slamctl/internal/slam/codec"
)

// ErrEmptyVocabulary is returned for a vocabulary file with no words.
var ErrEmptyVocabulary = errors.New("vocabulary has no words")

// Word is a vocabulary entry: a binary descriptor centroid and its
// inverse document frequency weight.
type Word struct {
	Descriptor []byte
	Weight     float64
}

// Vocabulary maps binary descriptors to word ids.
type Vocabulary struct {
	DescriptorBytes int
	Words           []Word
}

// Size returns the number of words.
func (v *Vocabulary) Size() int { return len(v.Words) }

// LoadVocabulary reads a vocabulary file through fs.
func LoadVocabulary(fs fsutil.FileSystem, path string) (*Vocabulary, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	v, err := ReadVocabulary(f)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	return v, nil
}

// ReadVocabulary decodes a vocabulary: descriptor width, word count, then
// per word the descriptor bytes and the weight.
func ReadVocabulary(r io.Reader) (*Vocabulary, error) {
	d := codec.NewDecoder(r)
	width := d.Count()
	n := d.Count()
	if err := d.Err(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrEmptyVocabulary
	}
	if width == 0 || width > 1024 {
		return nil, fmt.Errorf("%w: descriptor width %d", codec.ErrCorrupt, width)
	}

	v := &Vocabulary{DescriptorBytes: width, Words: make([]Word, 0, min(n, 1<<16))}
	for i := 0; i < n && d.Err() == nil; i++ {
		desc := d.Bytes(width)
		v.Words = append(v.Words, Word{Descriptor: desc, Weight: d.Float64()})
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return v, nil
}

// WriteTo encodes the vocabulary in the format ReadVocabulary expects.
func (v *Vocabulary) WriteTo(w io.Writer) (int64, error) {
	e := codec.NewEncoder(w)
	e.Count(v.DescriptorBytes)
	e.Count(len(v.Words))
	for _, word := range v.Words {
		e.Bytes(word.Descriptor)
		e.Float64(word.Weight)
	}
	err := e.Flush()
	return e.Written(), err
}

// Transform converts a descriptor matrix (one row per feature) into an
// L1-normalised tf-idf vector keyed by word id.
func (v *Vocabulary) Transform(desc codec.Matrix) map[uint32]float64 {
	out := map[uint32]float64{}
	if desc.Empty() || len(v.Words) == 0 {
		return out
	}
	for r := 0; r < int(desc.Rows); r++ {
		id := v.nearest(desc.RowBytes(r))
		out[id] += v.Words[id].Weight
	}

	var sum float64
	for _, w := range out {
		sum += math.Abs(w)
	}
	if sum > 0 {
		for id, w := range out {
			out[id] = w / sum
		}
	}
	return out
}

func (v *Vocabulary) nearest(desc []byte) uint32 {
	best, bestDist := 0, math.MaxInt
	for i, w := range v.Words {
		d := 0
		for j := range min(len(desc), len(w.Descriptor)) {
			d += bits.OnesCount8(desc[j] ^ w.Descriptor[j])
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return uint32(best)
}

// Score returns the L1 similarity of two normalised vectors, in [0, 1].
func Score(a, b map[uint32]float64) float64 {
	var s float64
	for id, wa := range a {
		if wb, ok := b[id]; ok {
			s += math.Abs(wa) + math.Abs(wb) - math.Abs(wa-wb)
		}
	}
	return s / 2
}
