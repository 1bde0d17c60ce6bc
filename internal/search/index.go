// Package search implements the BM25 full-text index used by match,
// matchPhrase, and matchPrefix predicates.
package search

import (
	"math"
	"regexp"
	"strings"
	"sync"
)

const (
	// DefaultK1 and DefaultB are the standard BM25 tuning constants.
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize lower-cases and splits s into alphanumeric terms. Exposed so
// callers can tokenize query strings identically to indexed documents.
func Tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

// posting is one term's occurrence within a document.
type posting struct {
	docID     string
	termFreq  int
	positions []int
}

// Index is a tokenized inverted index with BM25 scoring, per term→postings
// list plus per-document length and corpus average length tracking. IDF is
// cached per term and invalidated on any add/remove.
type Index struct {
	mu sync.RWMutex

	k1 float64
	b  float64

	postings   map[string]map[string]*posting // term -> docID -> posting
	docLength  map[string]int
	totalTerms int
	idfCache   map[string]float64
}

// New creates an empty index with the default k1/b constants.
func New() *Index {
	return &Index{
		k1:        DefaultK1,
		b:         DefaultB,
		postings:  make(map[string]map[string]*posting),
		docLength: make(map[string]int),
		idfCache:  make(map[string]float64),
	}
}

// Add indexes text under docID, tokenizing and recording term positions.
// Updates are remove-then-add: callers must call Remove
// first if docID was previously indexed.
func (ix *Index) Add(docID, text string) {
	terms := Tokenize(text)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for pos, term := range terms {
		docs, ok := ix.postings[term]
		if !ok {
			docs = make(map[string]*posting)
			ix.postings[term] = docs
		}
		p, ok := docs[docID]
		if !ok {
			p = &posting{docID: docID}
			docs[docID] = p
		}
		p.termFreq++
		p.positions = append(p.positions, pos)
	}

	ix.docLength[docID] = len(terms)
	ix.totalTerms += len(terms)
	ix.invalidateLocked(terms)
}

// Remove deletes every posting for docID.
func (ix *Index) Remove(docID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	length, ok := ix.docLength[docID]
	if !ok {
		return
	}

	var touched []string
	for term, docs := range ix.postings {
		if _, present := docs[docID]; present {
			delete(docs, docID)
			touched = append(touched, term)
			if len(docs) == 0 {
				delete(ix.postings, term)
			}
		}
	}

	delete(ix.docLength, docID)
	ix.totalTerms -= length
	ix.invalidateLocked(touched)
}

// invalidateLocked drops cached IDF values for terms. Must be called with
// ix.mu held.
func (ix *Index) invalidateLocked(terms []string) {
	for _, t := range terms {
		delete(ix.idfCache, t)
	}
}

// docCountLocked returns the corpus size N. Must be called with ix.mu held
// (read or write).
func (ix *Index) docCountLocked() int { return len(ix.docLength) }

// avgDocLengthLocked returns the corpus average document length. Must be
// called with ix.mu held.
func (ix *Index) avgDocLengthLocked() float64 {
	n := ix.docCountLocked()
	if n == 0 {
		return 0
	}
	return float64(ix.totalTerms) / float64(n)
}

// idfLocked computes (and caches) IDF(t) = ln(((N-df+0.5)/(df+0.5))+1).
// Must be called with ix.mu held for write (it may populate idfCache).
func (ix *Index) idfLocked(term string) float64 {
	if v, ok := ix.idfCache[term]; ok {
		return v
	}
	n := float64(ix.docCountLocked())
	df := float64(len(ix.postings[term]))
	idf := math.Log(((n-df+0.5)/(df+0.5) + 1))
	ix.idfCache[term] = idf
	return idf
}

// Hit is one scored document result.
type Hit struct {
	DocID string
	Score float64
}

// Search scores every document containing at least one term of query
// against the BM25 formula and returns hits sorted by
// descending score.
func (ix *Index) Search(query string) []Hit {
	terms := Tokenize(query)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	avgdl := ix.avgDocLengthLocked()
	scores := make(map[string]float64)

	for _, term := range terms {
		docs, ok := ix.postings[term]
		if !ok {
			continue
		}
		idf := ix.idfLocked(term)
		for docID, p := range docs {
			dl := float64(ix.docLength[docID])
			tf := float64(p.termFreq)
			denom := tf + ix.k1*(1-ix.b+ix.b*dl/avgdl)
			scores[docID] += idf * ((tf * (ix.k1 + 1)) / denom)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for docID, score := range scores {
		hits = append(hits, Hit{DocID: docID, Score: score})
	}
	sortHitsDescending(hits)
	return hits
}

// MatchingDocIDs returns the set of documents containing at least one term
// of query, for predicate evaluation of a `match` leaf (scoring is a
// separate concern, handled by Search for sort-by-_score).
func (ix *Index) MatchingDocIDs(query string) map[string]bool {
	hits := ix.Search(query)
	out := make(map[string]bool, len(hits))
	for _, h := range hits {
		out[h.DocID] = true
	}
	return out
}

// MatchPhrase reports whether text contains the tokenized phrase as a
// contiguous run of term positions within docID's indexed text.
func (ix *Index) MatchPhrase(docID, phrase string) bool {
	phraseTerms := Tokenize(phrase)
	if len(phraseTerms) == 0 {
		return false
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	first, ok := ix.postings[phraseTerms[0]]
	if !ok {
		return false
	}
	p0, ok := first[docID]
	if !ok {
		return false
	}

	for _, start := range p0.positions {
		matched := true
		for i := 1; i < len(phraseTerms); i++ {
			docs, ok := ix.postings[phraseTerms[i]]
			if !ok {
				matched = false
				break
			}
			p, ok := docs[docID]
			if !ok {
				matched = false
				break
			}
			if !containsInt(p.positions, start+i) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// MatchPrefix reports whether docID contains any indexed term beginning
// with prefix.
func (ix *Index) MatchPrefix(docID, prefix string) bool {
	prefix = strings.ToLower(prefix)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for term, docs := range ix.postings {
		if strings.HasPrefix(term, prefix) {
			if _, ok := docs[docID]; ok {
				return true
			}
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func sortHitsDescending(hits []Hit) {
	// Insertion sort over every matching document's hit; Search does not
	// paginate.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}
