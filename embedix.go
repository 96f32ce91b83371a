// Package embedix is an embedded similarity-search core: it stores
// embedding vectors with opaque payloads, indexes them for approximate
// nearest-neighbor search and keeps acknowledged writes durable via
// snapshots and a write-ahead log.
//
// The DB facade is safe for concurrent use. Text-based operations
// (IndexDocument, Search, LoadJSONL) require an Embedder; the
// vector-based operations work without one.
package embedix

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/embedix/codec"
	"github.com/hupe1980/embedix/embedding"
	"github.com/hupe1980/embedix/engine"
	"github.com/hupe1980/embedix/model"
)

// DB is the top-level handle.
type DB struct {
	engine   *engine.Engine
	embedder embedding.Embedder
	log      *slog.Logger
}

// Document is a text document to be embedded and indexed.
type Document struct {
	ID      model.DocID
	Content string
	// Payload is stored verbatim and returned with search hits. When
	// nil, the content itself is stored.
	Payload []byte
}

// Stats mirrors engine.Stats.
type Stats = engine.Stats

// IndexDocument embeds text and stores it under id. The document is
// searchable as soon as the call returns.
func (db *DB) IndexDocument(ctx context.Context, id model.DocID, text string, payload []byte) error {
	if db.embedder == nil {
		return fmt.Errorf("%w: no embedder configured", ErrDependencyFailure)
	}

	vec, err := db.embedder.Embed(ctx, text)
	if err != nil {
		return translateError(err)
	}

	if payload == nil {
		payload = []byte(text)
	}

	return db.IndexVector(ctx, id, vec, payload)
}

// IndexVector stores a pre-computed vector under id.
func (db *DB) IndexVector(ctx context.Context, id model.DocID, vec []float32, payload []byte) error {
	return translateError(db.engine.Insert(ctx, id, vec, payload))
}

// BatchIndexDocuments embeds and indexes documents. Embedding runs in
// one batch call; inserts are applied in input order. The first failed
// insert aborts the batch, leaving earlier documents indexed.
func (db *DB) BatchIndexDocuments(ctx context.Context, docs []Document) error {
	if db.embedder == nil {
		return fmt.Errorf("%w: no embedder configured", ErrDependencyFailure)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	vecs, err := db.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return translateError(err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("%w: embedder returned %d vectors for %d documents", ErrDependencyFailure, len(vecs), len(docs))
	}

	for i, d := range docs {
		payload := d.Payload
		if payload == nil {
			payload = []byte(d.Content)
		}
		if err := db.IndexVector(ctx, d.ID, vecs[i], payload); err != nil {
			return fmt.Errorf("embedix: batch index %q: %w", d.ID, err)
		}
	}

	return nil
}

// DeleteDocument removes id. The document disappears from search
// results before the call returns.
func (db *DB) DeleteDocument(ctx context.Context, id model.DocID) error {
	return translateError(db.engine.Delete(ctx, id))
}

// Search embeds the query text and returns the k most similar
// documents.
func (db *DB) Search(ctx context.Context, text string, k int, optFns ...func(o *model.SearchOptions)) (model.SearchResult, error) {
	if db.embedder == nil {
		return model.SearchResult{}, fmt.Errorf("%w: no embedder configured", ErrDependencyFailure)
	}

	vec, err := db.embedder.Embed(ctx, text)
	if err != nil {
		return model.SearchResult{}, translateError(err)
	}

	return db.SearchVector(ctx, vec, k, optFns...)
}

// SearchVector returns the k nearest documents to a pre-computed query
// vector, ordered by descending similarity score.
func (db *DB) SearchVector(ctx context.Context, q []float32, k int, optFns ...func(o *model.SearchOptions)) (model.SearchResult, error) {
	opts := model.SearchOptions{K: k}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.K = k

	res, err := db.engine.Search(ctx, q, opts)
	return res, translateError(err)
}

// SearchThreshold embeds the query text and returns documents scoring
// at least minScore, capped at k.
func (db *DB) SearchThreshold(ctx context.Context, text string, minScore float32, k int, optFns ...func(o *model.SearchOptions)) (model.SearchResult, error) {
	if db.embedder == nil {
		return model.SearchResult{}, fmt.Errorf("%w: no embedder configured", ErrDependencyFailure)
	}

	vec, err := db.embedder.Embed(ctx, text)
	if err != nil {
		return model.SearchResult{}, translateError(err)
	}

	opts := model.SearchOptions{K: k}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.K = k

	res, err := db.engine.SearchThreshold(ctx, vec, minScore, opts)
	return res, translateError(err)
}

// SearchVectorThreshold returns documents scoring at least minScore
// against a pre-computed query vector, capped at k.
func (db *DB) SearchVectorThreshold(ctx context.Context, q []float32, minScore float32, k int, optFns ...func(o *model.SearchOptions)) (model.SearchResult, error) {
	opts := model.SearchOptions{K: k}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.K = k

	res, err := db.engine.SearchThreshold(ctx, q, minScore, opts)
	return res, translateError(err)
}

// BatchSearchVectors runs one search per query concurrently, results
// in query order.
func (db *DB) BatchSearchVectors(ctx context.Context, queries [][]float32, k int, optFns ...func(o *model.SearchOptions)) ([]model.SearchResult, error) {
	opts := model.SearchOptions{K: k}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.K = k

	res, err := db.engine.BatchSearch(ctx, queries, opts)
	return res, translateError(err)
}

// Get returns the stored record for id.
func (db *DB) Get(id model.DocID) (model.Record, error) {
	rec, err := db.engine.Get(id)
	return rec, translateError(err)
}

// RebuildIndex compacts tombstones into a fresh index generation.
// Reads are served throughout; see engine.Rebuild.
func (db *DB) RebuildIndex(ctx context.Context) error {
	return translateError(db.engine.Rebuild(ctx))
}

// Flush persists a snapshot and truncates the write-ahead log.
func (db *DB) Flush(ctx context.Context) error {
	return translateError(db.engine.Flush(ctx))
}

// Stats returns current engine counters.
func (db *DB) Stats() Stats {
	return db.engine.Stats()
}

// Close shuts the database down. It does not imply a final Flush.
func (db *DB) Close() error {
	return translateError(db.engine.Close())
}

// jsonlRecord is one line of a JSONL corpus file.
type jsonlRecord struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// LoadJSONL ingests a JSON-lines corpus of {"id": ..., "content": ...}
// records, embedding each line. The raw line is stored as the payload.
// It returns the number of documents indexed. Blank lines are skipped;
// a malformed line aborts the load.
func (db *DB) LoadJSONL(ctx context.Context, r io.Reader) (int, error) {
	if db.embedder == nil {
		return 0, fmt.Errorf("%w: no embedder configured", ErrDependencyFailure)
	}

	type job struct {
		rec  jsonlRecord
		line []byte
	}

	var jobs []job

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec jsonlRecord
		if err := codec.Default.Unmarshal(line, &rec); err != nil {
			return 0, fmt.Errorf("embedix: jsonl line %d: %w", lineNo, err)
		}
		if rec.ID == "" {
			return 0, fmt.Errorf("embedix: jsonl line %d: missing id", lineNo)
		}

		cp := make([]byte, len(line))
		copy(cp, line)
		jobs = append(jobs, job{rec: rec, line: cp})
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("embedix: jsonl read: %w", err)
	}

	// Embedding dominates load time; run it in parallel. Inserts stay
	// in file order so re-loads are deterministic.
	vecs := make([][]float32, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, j := range jobs {
		g.Go(func() error {
			vec, err := db.embedder.Embed(gctx, j.rec.Content)
			if err != nil {
				return err
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, translateError(err)
	}

	for i, j := range jobs {
		if err := db.IndexVector(ctx, model.DocID(j.rec.ID), vecs[i], j.line); err != nil {
			return i, fmt.Errorf("embedix: jsonl index %q: %w", j.rec.ID, err)
		}
	}

	db.log.Info("jsonl corpus loaded", slog.Int("documents", len(jobs)))

	return len(jobs), nil
}
