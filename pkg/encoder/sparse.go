package encoder

import (
	"context"
	"math"
	"strings"
	"sync"
)

// stopWords are dropped during tokenization. English plus common Chinese
// function words, matching the bilingual corpora this router is trained on.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true,
	"this": true, "that": true, "these": true, "those": true,
	"我": true, "你": true, "他": true, "她": true, "它": true,
	"的": true, "了": true, "是": true, "在": true, "有": true,
	"和": true, "与": true, "或": true, "但": true, "不": true,
}

// Tokenize lowercases text and splits it into terms, dropping stop words and
// single-character tokens.
func Tokenize(text string) []string {
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if !stopWords[word] && len(word) > 1 {
			terms = append(terms, word)
		}
	}
	return terms
}

// BM25Encoder is a SparseEncoder producing BM25 term weights. Fit computes
// IDF values and the average document length from a corpus; unfitted encoders
// fall back to a flat IDF of 1.0 so term overlap still scores.
type BM25Encoder struct {
	mu        sync.RWMutex
	idf       map[string]float64
	docFreq   map[string]int
	totalDocs int
	avgDocLen float64

	k1 float64 // term frequency saturation
	b  float64 // document length normalization
}

// NewBM25Encoder creates a BM25 encoder with the standard k1=1.2, b=0.75.
func NewBM25Encoder() *BM25Encoder {
	return NewBM25EncoderWithParams(1.2, 0.75)
}

// NewBM25EncoderWithParams creates a BM25 encoder with custom parameters.
func NewBM25EncoderWithParams(k1, b float64) *BM25Encoder {
	return &BM25Encoder{
		idf:     make(map[string]float64),
		docFreq: make(map[string]int),
		k1:      k1,
		b:       b,
	}
}

// Fit trains the encoder on a corpus, replacing any previous fit.
func (e *BM25Encoder) Fit(ctx context.Context, documents []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	docFreq := make(map[string]int)
	var totalLen float64
	for _, doc := range documents {
		terms := Tokenize(doc)
		totalLen += float64(len(terms))

		seen := make(map[string]bool, len(terms))
		for _, term := range terms {
			if !seen[term] {
				seen[term] = true
				docFreq[term]++
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalDocs = len(documents)
	e.docFreq = docFreq
	e.idf = make(map[string]float64, len(docFreq))
	for term, df := range docFreq {
		// IDF = log((N - df + 0.5) / (df + 0.5) + 1)
		fdf := float64(df)
		e.idf[term] = math.Log((float64(e.totalDocs)-fdf+0.5)/(fdf+0.5) + 1)
	}
	if e.totalDocs > 0 {
		e.avgDocLen = totalLen / float64(e.totalDocs)
	}
	return nil
}

// EncodeSparse converts text into a BM25-weighted sparse vector.
func (e *BM25Encoder) EncodeSparse(text string) SparseVector {
	terms := Tokenize(text)
	if len(terms) == 0 {
		return SparseVector{}
	}
	docLen := float64(len(terms))

	termFreq := make(map[string]int, len(terms))
	for _, term := range terms {
		termFreq[term]++
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	avgLen := e.avgDocLen
	if avgLen == 0 {
		avgLen = docLen
	}

	result := make(SparseVector, len(termFreq))
	for term, tf := range termFreq {
		idf, ok := e.idf[term]
		if !ok {
			idf = 1.0 // unknown term
		}
		num := float64(tf) * (e.k1 + 1)
		den := float64(tf) + e.k1*(1-e.b+e.b*(docLen/avgLen))
		result[term] = idf * (num / den)
	}
	return result
}

// EncodeSparseBatch encodes each text independently.
func (e *BM25Encoder) EncodeSparseBatch(texts []string) []SparseVector {
	results := make([]SparseVector, len(texts))
	for i, text := range texts {
		results[i] = e.EncodeSparse(text)
	}
	return results
}

// Vocabulary returns the terms observed during Fit.
func (e *BM25Encoder) Vocabulary() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	vocab := make([]string, 0, len(e.docFreq))
	for term := range e.docFreq {
		vocab = append(vocab, term)
	}
	return vocab
}

// TFIDFEncoder is a SparseEncoder producing TF-IDF term weights. Terms not
// seen during Fit are dropped.
type TFIDFEncoder struct {
	mu        sync.RWMutex
	idf       map[string]float64
	totalDocs int

	sublinearTF bool // use 1 + log(tf) instead of raw tf
}

// NewTFIDFEncoder creates a TF-IDF encoder with linear term frequency.
func NewTFIDFEncoder() *TFIDFEncoder {
	return &TFIDFEncoder{idf: make(map[string]float64)}
}

// NewTFIDFEncoderWithSublinearTF creates a TF-IDF encoder that dampens term
// frequency with 1 + log(tf).
func NewTFIDFEncoderWithSublinearTF() *TFIDFEncoder {
	return &TFIDFEncoder{idf: make(map[string]float64), sublinearTF: true}
}

// Fit trains the encoder on a corpus, replacing any previous fit.
func (e *TFIDFEncoder) Fit(ctx context.Context, documents []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	docFreq := make(map[string]int)
	for _, doc := range documents {
		seen := make(map[string]bool)
		for _, term := range Tokenize(doc) {
			if !seen[term] {
				seen[term] = true
				docFreq[term]++
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalDocs = len(documents)
	e.idf = make(map[string]float64, len(docFreq))
	for term, df := range docFreq {
		e.idf[term] = math.Log(float64(e.totalDocs) / float64(df))
	}
	return nil
}

// EncodeSparse converts text into a TF-IDF weighted sparse vector.
func (e *TFIDFEncoder) EncodeSparse(text string) SparseVector {
	termFreq := make(map[string]int)
	for _, term := range Tokenize(text) {
		termFreq[term]++
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make(SparseVector, len(termFreq))
	for term, tf := range termFreq {
		idf, ok := e.idf[term]
		if !ok {
			continue
		}
		tfVal := float64(tf)
		if e.sublinearTF {
			tfVal = 1 + math.Log(tfVal)
		}
		result[term] = tfVal * idf
	}
	return result
}

// EncodeSparseBatch encodes each text independently.
func (e *TFIDFEncoder) EncodeSparseBatch(texts []string) []SparseVector {
	results := make([]SparseVector, len(texts))
	for i, text := range texts {
		results[i] = e.EncodeSparse(text)
	}
	return results
}
