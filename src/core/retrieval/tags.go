package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"hybridrag/src/log"
)

const (
	DefaultMaxTagNameLen    = 64
	DefaultMergeDistance    = 0.1
	DefaultAutoConfirmLevel = 0.7
)

// TagPolicy holds the matcher thresholds.
type TagPolicy struct {
	MaxNameLen    int     `mapstructure:"max_name_len"`
	MergeDistance float64 `mapstructure:"merge_distance"`
	AutoConfirm   float64 `mapstructure:"auto_confirm"`
}

func DefaultTagPolicy() TagPolicy {
	return TagPolicy{
		MaxNameLen:    DefaultMaxTagNameLen,
		MergeDistance: DefaultMergeDistance,
		AutoConfirm:   DefaultAutoConfirmLevel,
	}
}

// NormalizeTagName trims, collapses inner whitespace and caps the name to
// maxLen runes.
func NormalizeTagName(candidate string, maxLen int) (string, error) {
	name := strings.Join(strings.Fields(candidate), " ")
	if maxLen > 0 && runeLen(name) > maxLen {
		name = strings.TrimSpace(string([]rune(name)[:maxLen]))
	}
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTagName, candidate)
	}
	return name, nil
}

// TagResolution is the outcome of ResolveOrCreate. Merged is true when an
// existing tag was returned.
type TagResolution struct {
	Tag    Tag  `json:"tag"`
	Merged bool `json:"merged"`
}

// TagMatcher deduplicates free text labels against existing tags by exact
// name first and by name embedding second.
type TagMatcher struct {
	embedder *EmbeddingClient
	store    TagStore
	policy   TagPolicy
	ids      *snowflake.Node
	locks    *KeyedMutex
	embeds   singleflight.Group
	now      func() time.Time
	logger   logr.Logger
}

type TagMatcherOption func(*TagMatcher)

func WithTagClock(now func() time.Time) TagMatcherOption {
	return func(m *TagMatcher) { m.now = now }
}

func WithTagLogger(l logr.Logger) TagMatcherOption {
	return func(m *TagMatcher) { m.logger = l }
}

func WithTagIDNode(node *snowflake.Node) TagMatcherOption {
	return func(m *TagMatcher) { m.ids = node }
}

func NewTagMatcher(embedder *EmbeddingClient, store TagStore, policy TagPolicy, opts ...TagMatcherOption) (*TagMatcher, error) {
	if embedder == nil || store == nil {
		return nil, fmt.Errorf("tag matcher requires an embedding client and a tag store")
	}
	d := DefaultTagPolicy()
	if policy.MaxNameLen <= 0 {
		policy.MaxNameLen = d.MaxNameLen
	}
	if policy.MergeDistance <= 0 {
		policy.MergeDistance = d.MergeDistance
	}
	if policy.AutoConfirm <= 0 {
		policy.AutoConfirm = d.AutoConfirm
	}
	m := &TagMatcher{
		embedder: embedder,
		store:    store,
		policy:   policy,
		locks:    NewKeyedMutex(),
		now:      time.Now,
		logger:   log.WithName("tags"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ids == nil {
		node, err := snowflake.NewNode(2)
		if err != nil {
			return nil, fmt.Errorf("failed to create snowflake node: %w", err)
		}
		m.ids = node
	}
	return m, nil
}

func (m *TagMatcher) Policy() TagPolicy {
	return m.policy
}

// ResolveOrCreate returns the canonical tag for candidate, creating it when
// no existing tag matches by name or lies within the merge distance.
func (m *TagMatcher) ResolveOrCreate(ctx context.Context, candidate string) (TagResolution, error) {
	name, err := NormalizeTagName(candidate, m.policy.MaxNameLen)
	if err != nil {
		return TagResolution{}, err
	}
	key := strings.ToLower(name)

	if res, ok, err := m.exactMatch(ctx, name); err != nil || ok {
		return res, err
	}

	embedding, err := m.embedName(ctx, key, name)
	switch {
	case err == nil:
	case errors.Is(err, ErrDimensionMismatch):
		return TagResolution{}, err
	case errors.Is(err, ErrProviderUnavailable):
		m.logger.Info("embedding unavailable, matching tag by exact name only", "name", name, "error", err.Error())
	default:
		return TagResolution{}, err
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	// Another caller may have created the tag while we were embedding.
	if res, ok, err := m.exactMatch(ctx, name); err != nil || ok {
		return res, err
	}

	if embedding != nil {
		nearest, err := m.store.NearestTag(ctx, embedding)
		switch {
		case err == nil && nearest.Distance < m.policy.MergeDistance:
			tag, err := m.store.IncrementTagUsage(ctx, nearest.Tag.ID, 1)
			if err != nil {
				return TagResolution{}, fmt.Errorf("failed to increment usage of tag %s: %w", nearest.Tag.ID, err)
			}
			m.logger.V(1).Info("merged tag candidate", "candidate", name, "tag", tag.Name, "distance", nearest.Distance)
			return TagResolution{Tag: *tag, Merged: true}, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return TagResolution{}, fmt.Errorf("failed to find nearest tag: %w", err)
		}
	}

	now := m.now().UTC()
	tag := &Tag{
		ID:            m.ids.Generate().String(),
		Name:          name,
		NameEmbedding: embedding,
		UsageCount:    1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateTag(ctx, tag); err != nil {
		return TagResolution{}, fmt.Errorf("failed to create tag %q: %w", name, err)
	}
	m.logger.Info("created tag", "id", tag.ID, "name", tag.Name)
	return TagResolution{Tag: *tag}, nil
}

// embedName shares one embedding call between concurrent callers with the
// same name. The shared call is detached from any single caller and bounded by
// the client timeout; each caller stops waiting when its own ctx ends.
func (m *TagMatcher) embedName(ctx context.Context, key, name string) (Vector, error) {
	shared := context.WithoutCancel(ctx)
	ch := m.embeds.DoChan(key, func() (interface{}, error) {
		return m.embedder.Embed(shared, name)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Vector), nil
	}
}

func (m *TagMatcher) exactMatch(ctx context.Context, name string) (TagResolution, bool, error) {
	existing, err := m.store.FindTagByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return TagResolution{}, false, nil
	}
	if err != nil {
		return TagResolution{}, false, fmt.Errorf("failed to look up tag %q: %w", name, err)
	}
	tag, err := m.store.IncrementTagUsage(ctx, existing.ID, 1)
	if err != nil {
		return TagResolution{}, false, fmt.Errorf("failed to increment usage of tag %s: %w", existing.ID, err)
	}
	return TagResolution{Tag: *tag, Merged: true}, true, nil
}

// Link attaches tagID to entityID. The link is confirmed right away when
// confidence reaches the auto-confirm level. Linking an already linked pair
// keeps the higher confidence and never downgrades a reviewed status.
func (m *TagMatcher) Link(ctx context.Context, entityID, tagID string, confidence float64) (TagLink, error) {
	if strings.TrimSpace(entityID) == "" || strings.TrimSpace(tagID) == "" {
		return TagLink{}, fmt.Errorf("%w: entity id and tag id are required", ErrInvalidRequest)
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return TagLink{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidRequest, confidence)
	}

	unlock := m.locks.Lock("link:" + entityID + "/" + tagID)
	defer unlock()

	now := m.now().UTC()
	link, err := m.store.GetTagLink(ctx, entityID, tagID)
	switch {
	case errors.Is(err, ErrNotFound):
		link = &TagLink{
			EntityID:   entityID,
			TagID:      tagID,
			Confidence: confidence,
			Status:     LinkPending,
			CreatedAt:  now,
		}
	case err != nil:
		return TagLink{}, fmt.Errorf("failed to load tag link: %w", err)
	default:
		link.Confidence = math.Max(link.Confidence, confidence)
	}
	if link.Status == LinkPending && confidence >= m.policy.AutoConfirm {
		link.Status = LinkConfirmed
		link.ConfirmedAt = &now
	}
	link.UpdatedAt = now

	if err := m.store.UpsertTagLink(ctx, link); err != nil {
		return TagLink{}, fmt.Errorf("failed to save tag link: %w", err)
	}
	return *link, nil
}

// SetLinkStatus moves a link to status. Setting the current status again
// changes nothing.
func (m *TagMatcher) SetLinkStatus(ctx context.Context, entityID, tagID string, status LinkStatus) (TagLink, error) {
	if _, err := ParseLinkStatus(string(status)); err != nil {
		return TagLink{}, err
	}

	unlock := m.locks.Lock("link:" + entityID + "/" + tagID)
	defer unlock()

	link, err := m.store.GetTagLink(ctx, entityID, tagID)
	if err != nil {
		return TagLink{}, fmt.Errorf("failed to load tag link: %w", err)
	}
	if link.Status == status {
		return *link, nil
	}

	now := m.now().UTC()
	link.Status = status
	link.UpdatedAt = now
	if status == LinkConfirmed {
		link.ConfirmedAt = &now
	} else {
		link.ConfirmedAt = nil
	}
	if err := m.store.UpdateTagLink(ctx, link); err != nil {
		return TagLink{}, fmt.Errorf("failed to update tag link: %w", err)
	}
	return *link, nil
}

func (m *TagMatcher) ListLinks(ctx context.Context, entityID string) ([]TagLink, error) {
	links, err := m.store.ListTagLinks(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tag links: %w", err)
	}
	return links, nil
}

// Remerge folds every tag lying within the merge distance of an older tag into
// that older tag. It repairs duplicates created by concurrent resolutions in
// different processes and returns the number of tags folded away. Tags created
// while the provider was down get their name embedding first; those that still
// cannot be embedded are left alone.
func (m *TagMatcher) Remerge(ctx context.Context) (int, error) {
	tags, err := m.store.ListTags(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tags: %w", err)
	}

	var (
		kept                []Tag
		merged              int
		backfilled, skipped int
	)
	for _, t := range tags {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		if len(t.NameEmbedding) == 0 {
			v, err := m.backfill(ctx, t)
			if err != nil {
				return merged, err
			}
			if v == nil {
				skipped++
				kept = append(kept, t)
				continue
			}
			t.NameEmbedding = v
			backfilled++
		}

		target := -1
		best := m.policy.MergeDistance
		for i, k := range kept {
			if len(k.NameEmbedding) == 0 {
				continue
			}
			if d := CosineDistance(k.NameEmbedding, t.NameEmbedding); d < best {
				best, target = d, i
			}
		}
		if target < 0 {
			kept = append(kept, t)
			continue
		}

		into := kept[target]
		if err := m.store.MergeTags(ctx, into.ID, t.ID); err != nil {
			return merged, fmt.Errorf("failed to merge tag %s into %s: %w", t.ID, into.ID, err)
		}
		kept[target].UsageCount += t.UsageCount
		merged++
		m.logger.Info("remerged tag", "from", t.Name, "into", into.Name, "distance", best)
	}
	m.logger.Info("remerge finished", "merged", merged, "backfilled", backfilled, "without_embedding", skipped)
	return merged, nil
}

// backfill embeds the name of a tag stored without an embedding. A nil vector
// with a nil error means the provider is still unavailable.
func (m *TagMatcher) backfill(ctx context.Context, t Tag) (Vector, error) {
	v, err := m.embedder.Embed(ctx, t.Name)
	if errors.Is(err, ErrProviderUnavailable) {
		m.logger.V(1).Info("tag left without embedding", "tag", t.Name, "error", err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to embed tag %s: %w", t.ID, err)
	}
	if err := m.store.SetTagEmbedding(ctx, t.ID, v); err != nil {
		return nil, fmt.Errorf("failed to store embedding of tag %s: %w", t.ID, err)
	}
	return v, nil
}
