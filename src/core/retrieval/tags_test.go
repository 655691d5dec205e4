package retrieval_test

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/storage/memory"
)

// atDistance returns a unit vector whose cosine distance to the first basis
// vector is d.
func atDistance(d float64) retrieval.Vector {
	v := make(retrieval.Vector, testDim)
	cos := 1 - d
	v[0] = float32(cos)
	v[1] = float32(math.Sqrt(1 - cos*cos))
	return v
}

type tagFixture struct {
	embedder *fakeEmbedder
	store    *memory.TagStore
	matcher  *retrieval.TagMatcher
	clock    *testClock
}

func newTagFixture(t *testing.T) *tagFixture {
	t.Helper()
	f := &tagFixture{
		embedder: newFakeEmbedder(),
		store:    memory.NewTagStore(),
		clock:    newTestClock(),
	}
	m, err := retrieval.NewTagMatcher(newClient(f.embedder), f.store, retrieval.DefaultTagPolicy(),
		retrieval.WithTagClock(f.clock.Now))
	require.NoError(t, err)
	f.matcher = m
	return f
}

func TestNormalizeTagName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "  Machine   Learning \n", want: "Machine Learning"},
		{in: strings.Repeat("ab", 40), want: strings.Repeat("ab", 32)},
		{in: "   ", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := retrieval.NormalizeTagName(tt.in, 64)
		if tt.wantErr {
			assert.ErrorIs(t, err, retrieval.ErrInvalidTagName)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestResolveMergesWithinThreshold(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()
	f.embedder.fixed["Machine Learning"] = atDistance(0)
	f.embedder.fixed["machine-learning methods"] = atDistance(0.05)
	f.embedder.fixed["Gardening"] = atDistance(0.5)

	first, err := f.matcher.ResolveOrCreate(ctx, "Machine Learning")
	require.NoError(t, err)
	assert.False(t, first.Merged)
	assert.Equal(t, 1, first.Tag.UsageCount)

	near, err := f.matcher.ResolveOrCreate(ctx, "machine-learning methods")
	require.NoError(t, err)
	assert.True(t, near.Merged)
	assert.Equal(t, first.Tag.ID, near.Tag.ID)
	assert.Equal(t, 2, near.Tag.UsageCount)

	far, err := f.matcher.ResolveOrCreate(ctx, "Gardening")
	require.NoError(t, err)
	assert.False(t, far.Merged)
	assert.NotEqual(t, first.Tag.ID, far.Tag.ID)
	assert.Equal(t, 1, far.Tag.UsageCount)

	tags, err := f.store.ListTags(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 2)
}

func TestResolveExactNameSkipsEmbedding(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()

	created, err := f.matcher.ResolveOrCreate(ctx, "Kubernetes")
	require.NoError(t, err)
	calls := f.embedder.callCount()

	again, err := f.matcher.ResolveOrCreate(ctx, "  kubernetes ")
	require.NoError(t, err)

	assert.True(t, again.Merged)
	assert.Equal(t, created.Tag.ID, again.Tag.ID)
	assert.Equal(t, 2, again.Tag.UsageCount)
	assert.Equal(t, calls, f.embedder.callCount())
}

func TestResolveRejectsBlankName(t *testing.T) {
	f := newTagFixture(t)

	_, err := f.matcher.ResolveOrCreate(context.Background(), " \t ")

	assert.ErrorIs(t, err, retrieval.ErrInvalidTagName)
}

func TestResolveDegradesToExactMatchWithoutProvider(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()
	f.embedder.setErr(errProvider)

	created, err := f.matcher.ResolveOrCreate(ctx, "Observability")
	require.NoError(t, err)
	assert.False(t, created.Merged)
	assert.Empty(t, created.Tag.NameEmbedding)

	again, err := f.matcher.ResolveOrCreate(ctx, "observability")
	require.NoError(t, err)
	assert.True(t, again.Merged)
	assert.Equal(t, 2, again.Tag.UsageCount)
}

func TestResolveSameNameConcurrently(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.matcher.ResolveOrCreate(ctx, "golang")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tags, err := f.store.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, 16, tags[0].UsageCount)
}

func TestLinkAutoConfirm(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()

	confirmed, err := f.matcher.Link(ctx, "note-1", "tag-1", 0.9)
	require.NoError(t, err)
	assert.Equal(t, retrieval.LinkConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, f.clock.Now(), *confirmed.ConfirmedAt)

	pending, err := f.matcher.Link(ctx, "note-1", "tag-2", 0.4)
	require.NoError(t, err)
	assert.Equal(t, retrieval.LinkPending, pending.Status)
	assert.Nil(t, pending.ConfirmedAt)

	links, err := f.matcher.ListLinks(ctx, "note-1")
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestLinkValidatesInput(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()

	for _, c := range []float64{-0.1, 1.5, math.NaN()} {
		_, err := f.matcher.Link(ctx, "e", "t", c)
		assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
	}
	_, err := f.matcher.Link(ctx, "", "t", 0.5)
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
}

func TestRelinkPromotesPendingButKeepsReviewedStatus(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()

	_, err := f.matcher.Link(ctx, "e", "t", 0.3)
	require.NoError(t, err)
	promoted, err := f.matcher.Link(ctx, "e", "t", 0.8)
	require.NoError(t, err)
	assert.Equal(t, retrieval.LinkConfirmed, promoted.Status)
	assert.Equal(t, 0.8, promoted.Confidence)

	_, err = f.matcher.SetLinkStatus(ctx, "e", "t", retrieval.LinkRejected)
	require.NoError(t, err)
	relinked, err := f.matcher.Link(ctx, "e", "t", 0.95)
	require.NoError(t, err)
	assert.Equal(t, retrieval.LinkRejected, relinked.Status)
}

func TestSetLinkStatusIsIdempotent(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()
	_, err := f.matcher.Link(ctx, "e", "t", 0.2)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	confirmed, err := f.matcher.SetLinkStatus(ctx, "e", "t", retrieval.LinkConfirmed)
	require.NoError(t, err)
	require.NotNil(t, confirmed.ConfirmedAt)
	at := *confirmed.ConfirmedAt

	f.clock.Advance(time.Minute)
	again, err := f.matcher.SetLinkStatus(ctx, "e", "t", retrieval.LinkConfirmed)
	require.NoError(t, err)
	assert.Equal(t, at, *again.ConfirmedAt)
	assert.Equal(t, confirmed.UpdatedAt, again.UpdatedAt)

	rejected, err := f.matcher.SetLinkStatus(ctx, "e", "t", retrieval.LinkRejected)
	require.NoError(t, err)
	assert.Nil(t, rejected.ConfirmedAt)

	_, err = f.matcher.SetLinkStatus(ctx, "e", "missing", retrieval.LinkConfirmed)
	assert.ErrorIs(t, err, retrieval.ErrNotFound)
	_, err = f.matcher.SetLinkStatus(ctx, "e", "t", "archived")
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
}

func TestRemergeFoldsNearDuplicates(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()
	base := f.clock.Now()

	// duplicates as two processes racing on similar names would leave them
	require.NoError(t, f.store.CreateTag(ctx, &retrieval.Tag{ID: "a", Name: "LLM", NameEmbedding: atDistance(0), UsageCount: 3, CreatedAt: base}))
	require.NoError(t, f.store.CreateTag(ctx, &retrieval.Tag{ID: "b", Name: "LLMs", NameEmbedding: atDistance(0.02), UsageCount: 2, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, f.store.CreateTag(ctx, &retrieval.Tag{ID: "c", Name: "Baking", NameEmbedding: atDistance(0.6), UsageCount: 1, CreatedAt: base.Add(2 * time.Second)}))
	_, err := f.matcher.Link(ctx, "post-1", "b", 0.9)
	require.NoError(t, err)

	merged, err := f.matcher.Remerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	tags, err := f.store.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "a", tags[0].ID)
	assert.Equal(t, 5, tags[0].UsageCount)

	links, err := f.matcher.ListLinks(ctx, "post-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "a", links[0].TagID)

	again, err := f.matcher.Remerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

// gatedEmbedder blocks every Embed until release is closed.
type gatedEmbedder struct {
	*fakeEmbedder
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEmbedder() *gatedEmbedder {
	return &gatedEmbedder{
		fakeEmbedder: newFakeEmbedder(),
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (g *gatedEmbedder) Embed(ctx context.Context, text string) (retrieval.Vector, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.fakeEmbedder.Embed(ctx, text)
}

func TestResolveSharedEmbeddingSurvivesFirstCallerCancel(t *testing.T) {
	embedder := newGatedEmbedder()
	store := memory.NewTagStore()
	m, err := retrieval.NewTagMatcher(newClient(embedder), store, retrieval.DefaultTagPolicy())
	require.NoError(t, err)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.ResolveOrCreate(firstCtx, "kubernetes")
		firstErr <- err
	}()
	<-embedder.started

	type outcome struct {
		res retrieval.TagResolution
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := m.ResolveOrCreate(context.Background(), "kubernetes")
		second <- outcome{res, err}
	}()
	// let the second caller join the in-flight embedding
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the shared embedding")
	}

	close(embedder.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, "kubernetes", got.res.Tag.Name)
		assert.Len(t, got.res.Tag.NameEmbedding, testDim)
	case <-time.After(time.Second):
		t.Fatal("second caller never resolved")
	}
	assert.Equal(t, 1, embedder.callCount())
}

func TestRemergeBackfillsTagsCreatedDuringOutage(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()
	f.embedder.fixed["LLMs"] = atDistance(0.02)
	require.NoError(t, f.store.CreateTag(ctx, &retrieval.Tag{
		ID: "a", Name: "LLM", NameEmbedding: atDistance(0), UsageCount: 3, CreatedAt: f.clock.Now().Add(-time.Hour),
	}))

	f.embedder.setErr(errProvider)
	created, err := f.matcher.ResolveOrCreate(ctx, "LLMs")
	require.NoError(t, err)
	require.Empty(t, created.Tag.NameEmbedding)

	// still down: the tag is left alone
	merged, err := f.matcher.Remerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, merged)
	tags, err := f.store.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Empty(t, tags[1].NameEmbedding)

	f.embedder.setErr(nil)
	merged, err = f.matcher.Remerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	tags, err = f.store.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "a", tags[0].ID)
	assert.Equal(t, 4, tags[0].UsageCount)
}

func TestRemergeBackfillKeepsDistinctTag(t *testing.T) {
	f := newTagFixture(t)
	ctx := context.Background()
	f.embedder.fixed["Baking"] = atDistance(0.6)
	require.NoError(t, f.store.CreateTag(ctx, &retrieval.Tag{
		ID: "a", Name: "LLM", NameEmbedding: atDistance(0), UsageCount: 1, CreatedAt: f.clock.Now().Add(-time.Hour),
	}))
	require.NoError(t, f.store.CreateTag(ctx, &retrieval.Tag{ID: "b", Name: "Baking", UsageCount: 1, CreatedAt: f.clock.Now()}))

	merged, err := f.matcher.Remerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, merged)

	tags, err := f.store.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, atDistance(0.6), tags[1].NameEmbedding)
}
