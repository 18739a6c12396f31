// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/synesis-ai/synesis/pkg/logging"
)

// Okapi BM25 parameters, conventional values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// Doc is one indexed document.
type Doc struct {
	ID     string
	Text   string
	Source string
}

// bm25Snapshot is one immutable built index. Queries read whichever
// snapshot was most recently completed; a rebuild never blocks reads.
type bm25Snapshot struct {
	docs      []Doc
	docTokens [][]string
	docFreq   map[string]int
	avgLen    float64
	builtAt   time.Time
}

// CorpusLoader fetches the documents to index, normally from the
// vector store. Implemented by Service.
type CorpusLoader func(ctx context.Context) ([]Doc, error)

// BM25Index is the read-mostly lexical index.
//
// Thread Safety: safe for concurrent use. Refresh is serialized through
// singleflight; concurrent refreshers share one rebuild.
type BM25Index struct {
	loader  CorpusLoader
	log     *logging.Logger
	refresh singleflight.Group

	mu       sync.RWMutex
	snapshot *bm25Snapshot
}

// NewBM25Index creates an empty index over the loader.
func NewBM25Index(loader CorpusLoader, log *logging.Logger) *BM25Index {
	return &BM25Index{loader: loader, log: log}
}

// Refresh rebuilds the snapshot from the corpus. Concurrent calls
// coalesce into a single rebuild.
func (b *BM25Index) Refresh(ctx context.Context) error {
	_, err, _ := b.refresh.Do("refresh", func() (interface{}, error) {
		docs, err := b.loader(ctx)
		if err != nil {
			return nil, err
		}
		snap := buildSnapshot(docs)
		b.mu.Lock()
		b.snapshot = snap
		b.mu.Unlock()
		b.log.Info("bm25 snapshot rebuilt", "docs", len(docs))
		return nil, nil
	})
	return err
}

// StartRefreshLoop rebuilds on the given interval until ctx ends. The
// first rebuild runs immediately.
func (b *BM25Index) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	go func() {
		if err := b.Refresh(ctx); err != nil {
			b.log.Warn("initial bm25 refresh failed", "error", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.Refresh(ctx); err != nil {
					b.log.Warn("bm25 refresh failed, serving prior snapshot", "error", err)
				}
			}
		}
	}()
}

// Ranked is one scored lexical hit.
type Ranked struct {
	Doc   Doc
	Score float64
}

// Query scores the corpus against the query and returns the top k.
// An index with no completed snapshot returns nothing.
func (b *BM25Index) Query(query string, k int) []Ranked {
	b.mu.RLock()
	snap := b.snapshot
	b.mu.RUnlock()
	if snap == nil || len(snap.docs) == 0 {
		return nil
	}

	terms := tokenize(query)
	n := float64(len(snap.docs))

	scores := make([]Ranked, 0, len(snap.docs))
	for i, doc := range snap.docs {
		tokens := snap.docTokens[i]
		docLen := float64(len(tokens))

		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}

		var score float64
		for _, term := range terms {
			df := snap.docFreq[term]
			if df == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
			freq := float64(tf[term])
			score += idf * (freq * (bm25K1 + 1)) /
				(freq + bm25K1*(1-bm25B+bm25B*docLen/snap.avgLen))
		}
		if score > 0 {
			scores = append(scores, Ranked{Doc: doc, Score: score})
		}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Doc.ID < scores[j].Doc.ID
	})
	if len(scores) > k {
		scores = scores[:k]
	}
	return scores
}

func buildSnapshot(docs []Doc) *bm25Snapshot {
	snap := &bm25Snapshot{
		docs:      docs,
		docTokens: make([][]string, len(docs)),
		docFreq:   make(map[string]int),
		builtAt:   time.Now(),
	}
	var totalLen int
	for i, doc := range docs {
		tokens := tokenize(doc.Text)
		snap.docTokens[i] = tokens
		totalLen += len(tokens)
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				snap.docFreq[t]++
			}
		}
	}
	if len(docs) > 0 {
		snap.avgLen = float64(totalLen) / float64(len(docs))
	}
	return snap
}

func tokenize(text string) []string {
	raw := tokenRe.FindAllString(strings.ToLower(text), -1)
	return raw
}
