package model

// DocID is the user-facing stable identifier of a document.
type DocID string

// LocalID is a dense, generation-local identifier for a vector.
// It is transient: a rebuild may assign new LocalIDs. All hot-path
// structures (graph adjacency, bitmaps, heaps) are keyed by LocalID.
type LocalID uint32

// Record is a full stored document: identifier, embedding vector and
// an opaque payload blob. Records are immutable once stored; an update
// is modeled as delete + insert.
type Record struct {
	ID      DocID
	Vector  []float32
	Payload []byte
}

// Candidate is a single ranked search hit.
type Candidate struct {
	// ID is the user-facing document identifier.
	ID DocID
	// Local is the generation-local identifier of the match.
	Local LocalID
	// Score is the similarity score (higher is more similar,
	// regardless of the configured metric).
	Score float32
	// Payload is the stored payload blob, resolved from the vector store.
	Payload []byte
}

// SearchResult is an ordered sequence of candidates, sorted by
// descending score with ties broken by ascending DocID.
type SearchResult struct {
	Hits []Candidate
	// Degraded is true when a time or effort budget expired before the
	// search completed; Hits then contains the best results found so far.
	Degraded bool
	// Gaps counts candidates the index returned but the vector store
	// could no longer resolve. They are skipped, not fatal.
	Gaps int
}

// SearchOptions controls the execution of a search query.
type SearchOptions struct {
	// K is the number of nearest neighbors to return. Must be > 0.
	K int

	// EF is the search-effort parameter (size of the candidate list the
	// index explores). Larger values trade latency for recall.
	// If 0, the index default applies.
	EF int

	// RefineFactor is the over-fetch multiplier applied before payload
	// resolution and filtering, so that tombstones and consistency gaps
	// do not shrink the result below K. If 0, a default of 2 is used.
	RefineFactor float32

	// Filter, when non-nil, is a payload-level post-filter. Candidates
	// for which it returns false are dropped after resolution.
	Filter func(c Candidate) bool

	// IDFilter, when non-nil, restricts the search to matching DocIDs
	// during index traversal.
	IDFilter func(id DocID) bool
}
