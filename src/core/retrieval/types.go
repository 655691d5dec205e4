package retrieval

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// SourceType identifies what kind of source a chunk was cut from.
type SourceType string

const (
	SourceDocument     SourceType = "document"
	SourceConversation SourceType = "conversation"
)

// ParseSourceType validates a source type coming from outside the core.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceDocument, SourceConversation:
		return SourceType(s), nil
	default:
		return "", fmt.Errorf("%w: unknown source type %q", ErrInvalidRequest, s)
	}
}

// SourceKey is the identity of an indexed source.
type SourceKey struct {
	SourceID   string
	SourceType SourceType
}

func (k SourceKey) String() string {
	return string(k.SourceType) + ":" + k.SourceID
}

// Vector is a dense embedding. Its length must equal the deployment dimension.
type Vector []float32

// CheckDimension reports ErrDimensionMismatch when v does not have dim components.
func CheckDimension(v Vector, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d components, want %d", ErrDimensionMismatch, len(v), dim)
	}
	return nil
}

const (
	maxMetadataKeys     = 64
	maxMetadataKeyLen   = 64
	maxMetadataValueLen = 1024
)

// Metadata is opaque key/value data stored alongside chunks (title, timestamps...).
type Metadata map[string]string

// Validate enforces the size limits on metadata.
func (m Metadata) Validate() error {
	if len(m) > maxMetadataKeys {
		return fmt.Errorf("%w: metadata has %d keys, limit is %d", ErrInvalidRequest, len(m), maxMetadataKeys)
	}
	for k, v := range m {
		if k == "" {
			return fmt.Errorf("%w: metadata key is empty", ErrInvalidRequest)
		}
		if len(k) > maxMetadataKeyLen {
			return fmt.Errorf("%w: metadata key %q exceeds %d bytes", ErrInvalidRequest, k, maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValueLen {
			return fmt.Errorf("%w: metadata value for %q exceeds %d bytes", ErrInvalidRequest, k, maxMetadataValueLen)
		}
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return fmt.Errorf("%w: metadata %q is not valid UTF-8", ErrInvalidRequest, k)
		}
	}
	return nil
}

// Clone returns a copy that can be shared between chunk records.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Chunk is a bounded segment of source text stored with its embedding.
type Chunk struct {
	ID         string
	SourceID   string
	SourceType SourceType
	Content    string
	Embedding  Vector
	ChunkIndex int
	OwnerID    string
	Metadata   Metadata
	CreatedAt  time.Time
}

// Key returns the source this chunk belongs to.
func (c Chunk) Key() SourceKey {
	return SourceKey{SourceID: c.SourceID, SourceType: c.SourceType}
}

// Filters restricts both search legs to the same candidate set.
type Filters struct {
	SourceTypes []SourceType
	OwnerID     string
}

// Hit is one entry of a ranked result list produced by a store.
type Hit struct {
	ChunkID    string
	SourceID   string
	SourceType SourceType
	Content    string
	ChunkIndex int
	Metadata   Metadata
}

// Origin tells which search leg(s) produced a fused result.
type Origin string

const (
	OriginVector  Origin = "vector"
	OriginKeyword Origin = "keyword"
	OriginBoth    Origin = "both"
)

// SearchResult is a fused, ranked chunk.
type SearchResult struct {
	ChunkID    string     `json:"chunkId"`
	SourceID   string     `json:"sourceId"`
	SourceType SourceType `json:"sourceType"`
	Content    string     `json:"content"`
	ChunkIndex int        `json:"chunkIndex"`
	Metadata   Metadata   `json:"metadata,omitempty"`
	Score      float64    `json:"score"`
	Origin     Origin     `json:"origin"`
}

// Tag is a canonical short label shared between entities.
type Tag struct {
	ID            string
	Name          string
	NameEmbedding Vector
	UsageCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LinkStatus is the review state of a TagLink.
type LinkStatus string

const (
	LinkPending   LinkStatus = "pending"
	LinkConfirmed LinkStatus = "confirmed"
	LinkRejected  LinkStatus = "rejected"
)

// ParseLinkStatus validates a status coming from outside the core.
func ParseLinkStatus(s string) (LinkStatus, error) {
	switch LinkStatus(s) {
	case LinkPending, LinkConfirmed, LinkRejected:
		return LinkStatus(s), nil
	default:
		return "", fmt.Errorf("%w: unknown link status %q", ErrInvalidRequest, s)
	}
}

// TagLink attaches a tag to an entity.
type TagLink struct {
	EntityID    string
	TagID       string
	Confidence  float64
	Status      LinkStatus
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
