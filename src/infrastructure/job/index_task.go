package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/log"
)

const (
	TaskTypeIndexSource  = "index_source"
	TaskTypeDeleteSource = "delete_source"
)

// IndexSourcePayload is the job payload of TaskTypeIndexSource. The text is
// either inline or archived under ObjectRef.
type IndexSourcePayload struct {
	SourceID      string            `json:"source_id"`
	SourceType    string            `json:"source_type"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Text          string            `json:"text,omitempty"`
	ObjectRef     string            `json:"object_ref,omitempty"`
	Turns         []retrieval.Turn  `json:"turns,omitempty"`
	MergeSameRole bool              `json:"merge_same_role,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type DeleteSourcePayload struct {
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
}

// SourceIndexer is the part of retrieval.Service the tasks need.
type SourceIndexer interface {
	Index(ctx context.Context, req retrieval.IndexRequest) (retrieval.IndexResult, error)
	DeleteSource(ctx context.Context, key retrieval.SourceKey) error
}

// SourceArchive loads archived source text and removes it once indexed.
type SourceArchive interface {
	GetSource(ctx context.Context, ref string) (string, error)
	DeleteSource(ctx context.Context, ref string) error
}

type IndexTask struct {
	indexer SourceIndexer
	archive SourceArchive
}

// NewIndexTask builds the indexing tasks. archive may be nil when every
// payload carries its text inline.
func NewIndexTask(indexer SourceIndexer, archive SourceArchive) *IndexTask {
	return &IndexTask{indexer: indexer, archive: archive}
}

// RegisterWith binds the tasks to svc.
func (t *IndexTask) RegisterWith(svc *JobService) {
	svc.Register(TaskTypeIndexSource, t.HandleIndexSource)
	svc.Register(TaskTypeDeleteSource, t.HandleDeleteSource)
}

func (t *IndexTask) HandleIndexSource(ctx context.Context, payload json.RawMessage) error {
	var p IndexSourcePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: failed to unmarshal index payload: %v", ErrPermanent, err)
	}

	text := p.Text
	if p.ObjectRef != "" {
		if t.archive == nil {
			return fmt.Errorf("%w: payload references %s but no source archive is configured", ErrPermanent, p.ObjectRef)
		}
		archived, err := t.archive.GetSource(ctx, p.ObjectRef)
		if err != nil {
			return fmt.Errorf("failed to load source text: %w", err)
		}
		text = archived
	}

	_, err := t.indexer.Index(ctx, retrieval.IndexRequest{
		SourceID:      p.SourceID,
		SourceType:    retrieval.SourceType(p.SourceType),
		Text:          text,
		Turns:         p.Turns,
		MergeSameRole: p.MergeSameRole,
		OwnerID:       p.OwnerID,
		Metadata:      p.Metadata,
	})
	if err != nil {
		return classify(err)
	}

	// the archived text is kept until indexing succeeds so retries can reread it
	if p.ObjectRef != "" {
		if err := t.archive.DeleteSource(ctx, p.ObjectRef); err != nil {
			log.Error(err, "failed to delete archived source", "object_ref", p.ObjectRef, "source_id", p.SourceID)
		}
	}
	return nil
}

func (t *IndexTask) HandleDeleteSource(ctx context.Context, payload json.RawMessage) error {
	var p DeleteSourcePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: failed to unmarshal delete payload: %v", ErrPermanent, err)
	}
	err := t.indexer.DeleteSource(ctx, retrieval.SourceKey{
		SourceID:   p.SourceID,
		SourceType: retrieval.SourceType(p.SourceType),
	})
	return classify(err)
}

// classify marks input errors permanent; provider and store errors stay
// retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, retrieval.ErrInvalidRequest) || errors.Is(err, retrieval.ErrDimensionMismatch) {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}
