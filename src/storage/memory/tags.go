package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hybridrag/src/core/retrieval"
)

// TagStore is an in-process retrieval.TagStore.
type TagStore struct {
	mu    sync.Mutex
	tags  []retrieval.Tag
	links map[string]map[string]retrieval.TagLink
	now   func() time.Time
}

func NewTagStore() *TagStore {
	return &TagStore{
		links: make(map[string]map[string]retrieval.TagLink),
		now:   time.Now,
	}
}

func (s *TagStore) indexOf(id string) int {
	for i, t := range s.tags {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (s *TagStore) FindTagByName(_ context.Context, name string) (*retrieval.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tags {
		if strings.EqualFold(t.Name, name) {
			t := t
			return &t, nil
		}
	}
	return nil, retrieval.ErrNotFound
}

func (s *TagStore) NearestTag(_ context.Context, vector retrieval.Vector) (*retrieval.TagNeighbor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *retrieval.TagNeighbor
	for _, t := range s.tags {
		if len(t.NameEmbedding) == 0 {
			continue
		}
		d := retrieval.CosineDistance(vector, t.NameEmbedding)
		if best == nil || d < best.Distance || (d == best.Distance && t.CreatedAt.Before(best.Tag.CreatedAt)) {
			best = &retrieval.TagNeighbor{Tag: t, Distance: d}
		}
	}
	if best == nil {
		return nil, retrieval.ErrNotFound
	}
	return best, nil
}

func (s *TagStore) CreateTag(_ context.Context, tag *retrieval.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tags {
		if t.ID == tag.ID || strings.EqualFold(t.Name, tag.Name) {
			return retrieval.StoreError("create tag", fmt.Errorf("tag %q already exists", tag.Name))
		}
	}
	s.tags = append(s.tags, *tag)
	return nil
}

func (s *TagStore) IncrementTagUsage(_ context.Context, id string, delta int) (*retrieval.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return nil, retrieval.ErrNotFound
	}
	s.tags[i].UsageCount += delta
	s.tags[i].UpdatedAt = s.now().UTC()
	t := s.tags[i]
	return &t, nil
}

func (s *TagStore) SetTagEmbedding(_ context.Context, id string, embedding retrieval.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return retrieval.ErrNotFound
	}
	s.tags[i].NameEmbedding = append(retrieval.Vector(nil), embedding...)
	s.tags[i].UpdatedAt = s.now().UTC()
	return nil
}

func (s *TagStore) ListTags(_ context.Context) ([]retrieval.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]retrieval.Tag(nil), s.tags...), nil
}

func (s *TagStore) MergeTags(_ context.Context, into, from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ti, fi := s.indexOf(into), s.indexOf(from)
	if ti < 0 || fi < 0 {
		return retrieval.ErrNotFound
	}
	s.tags[ti].UsageCount += s.tags[fi].UsageCount
	s.tags[ti].UpdatedAt = s.now().UTC()

	for _, byTag := range s.links {
		link, ok := byTag[from]
		if !ok {
			continue
		}
		delete(byTag, from)
		if existing, ok := byTag[into]; ok {
			if link.Confidence > existing.Confidence {
				existing.Confidence = link.Confidence
				byTag[into] = existing
			}
			continue
		}
		link.TagID = into
		byTag[into] = link
	}

	s.tags = append(s.tags[:fi], s.tags[fi+1:]...)
	return nil
}

func (s *TagStore) UpsertTagLink(_ context.Context, link *retrieval.TagLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTag, ok := s.links[link.EntityID]
	if !ok {
		byTag = make(map[string]retrieval.TagLink)
		s.links[link.EntityID] = byTag
	}
	byTag[link.TagID] = *link
	return nil
}

func (s *TagStore) GetTagLink(_ context.Context, entityID, tagID string) (*retrieval.TagLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[entityID][tagID]
	if !ok {
		return nil, retrieval.ErrNotFound
	}
	return &link, nil
}

func (s *TagStore) UpdateTagLink(_ context.Context, link *retrieval.TagLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.EntityID][link.TagID]; !ok {
		return retrieval.ErrNotFound
	}
	s.links[link.EntityID][link.TagID] = *link
	return nil
}

// ListTagLinks returns the links of entityID ordered by creation time.
func (s *TagStore) ListTagLinks(_ context.Context, entityID string) ([]retrieval.TagLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]retrieval.TagLink, 0, len(s.links[entityID]))
	for _, l := range s.links[entityID] {
		out = append(out, l)
	}
	sortLinks(out)
	return out, nil
}

func sortLinks(links []retrieval.TagLink) {
	sort.Slice(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].TagID < links[j].TagID
	})
}
