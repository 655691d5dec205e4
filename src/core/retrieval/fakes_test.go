package retrieval_test

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/core/retrieval"
	"hybridrag/src/storage/memory"
)

const testDim = 256

var errProvider = errors.New("provider exploded")

// bagOfWords hashes lower-cased words into a dim sized count vector so that
// texts sharing words are close in cosine distance.
func bagOfWords(text string, dim int) retrieval.Vector {
	v := make(retrieval.Vector, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32()%uint32(dim))]++
	}
	return v
}

type fakeEmbedder struct {
	mu         sync.Mutex
	dim        int
	fixed      map[string]retrieval.Vector
	err        error
	calls      int
	batchSizes []int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dim: testDim, fixed: map[string]retrieval.Vector{}}
}

func (e *fakeEmbedder) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *fakeEmbedder) vector(text string) retrieval.Vector {
	if v, ok := e.fixed[text]; ok {
		return v
	}
	return bagOfWords(text, e.dim)
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) (retrieval.Vector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]retrieval.Vector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.batchSizes = append(e.batchSizes, len(texts))
	if e.err != nil {
		return nil, e.err
	}
	out := make([]retrieval.Vector, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

type fakeModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	lastUser string
}

func (m *fakeModel) Generate(_ context.Context, _, userPrompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastUser = userPrompt
	return m.reply, m.err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClient(p retrieval.EmbeddingProvider, opts ...retrieval.EmbeddingOption) *retrieval.EmbeddingClient {
	return retrieval.NewEmbeddingClient(p, circuitbreaker.New("test-embedding", circuitbreaker.DefaultConfig()), testDim, opts...)
}

type fixture struct {
	embedder *fakeEmbedder
	client   *retrieval.EmbeddingClient
	chunks   *memory.ChunkStore
	tags     *memory.TagStore
	indexer  *retrieval.Indexer
	engine   *retrieval.SearchEngine
}

func newFixture(model retrieval.LanguageModel) (*fixture, error) {
	f := &fixture{
		embedder: newFakeEmbedder(),
		chunks:   memory.NewChunkStore(),
		tags:     memory.NewTagStore(),
	}
	f.client = newClient(f.embedder)

	var err error
	f.indexer, err = retrieval.NewIndexer(retrieval.NewChunker(retrieval.DefaultChunkPolicy()), f.client, f.chunks)
	if err != nil {
		return nil, err
	}
	var rewriter *retrieval.QueryRewriter
	if model != nil {
		rewriter = retrieval.NewQueryRewriter(model, nil)
	}
	f.engine, err = retrieval.NewSearchEngine(f.client, f.chunks, rewriter)
	if err != nil {
		return nil, err
	}
	return f, nil
}
