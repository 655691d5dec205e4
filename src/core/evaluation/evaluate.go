// Package evaluation measures retrieval quality against a golden dataset:
// a corpus of pre-chunked documents and a JSONL file of queries naming the
// chunks that should come back.
package evaluation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-logr/logr"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/log"
)

const (
	metaDocUUID    = "doc_uuid"
	metaChunkIndex = "chunk_index"

	maxLineSize = 4 * 1024 * 1024
)

// Retriever is the part of the retrieval service an evaluation run drives.
type Retriever interface {
	Index(ctx context.Context, req retrieval.IndexRequest) (retrieval.IndexResult, error)
	DeleteSource(ctx context.Context, key retrieval.SourceKey) error
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.SearchResult, error)
}

type Document struct {
	ID       string          `json:"doc_id"`
	UUIDHash string          `json:"original_uuid"`
	Content  string          `json:"content"`
	Chunks   []DocumentChunk `json:"chunks"`
}

type DocumentChunk struct {
	ID      string `json:"chunk_id"`
	Index   int64  `json:"original_index"`
	Content string `json:"content"`
}

type Query struct {
	Query        string     `json:"query"`
	GoldenChunks []ChunkRef `json:"golden_chunk_uuids"`
}

// ChunkRef points at one corpus chunk. On the wire it is a two element
// array: [doc uuid, chunk index].
type ChunkRef struct {
	DocUUID string
	Index   int64
}

func (e *ChunkRef) UnmarshalJSON(data []byte) error {
	var temp []interface{}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	if len(temp) != 2 {
		return fmt.Errorf("ChunkRef must have exactly 2 elements")
	}
	uuidStr, ok := temp[0].(string)
	if !ok {
		return fmt.Errorf("first element must be a string")
	}
	index, ok := temp[1].(float64)
	if !ok {
		return fmt.Errorf("second element must be a number")
	}
	e.DocUUID = uuidStr
	e.Index = int64(index)
	return nil
}

func (e ChunkRef) sourceID() string {
	return e.DocUUID + "#" + strconv.FormatInt(e.Index, 10)
}

// LoadCorpus decodes the JSON array of documents.
func LoadCorpus(r io.Reader) ([]Document, error) {
	var docs []Document
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return nil, fmt.Errorf("failed to parse corpus: %w", err)
	}
	return docs, nil
}

// Report summarises a run. MeanRecall is in [0, 1].
type Report struct {
	Queries    int     `json:"queries"`
	Skipped    int     `json:"skipped"`
	MeanRecall float64 `json:"meanRecall"`
	K          int     `json:"k"`
}

type Evaluator struct {
	retriever Retriever
	k         int
	logger    logr.Logger
}

func NewEvaluator(r Retriever, k int) *Evaluator {
	if k <= 0 {
		k = 5
	}
	return &Evaluator{retriever: r, k: k, logger: log.WithName("evaluation")}
}

// Import indexes every corpus chunk as its own document source so results
// map back to exactly one golden reference. progress, when set, is called
// once per chunk.
func (e *Evaluator) Import(ctx context.Context, docs []Document, progress func()) (int, error) {
	var imported int
	for _, doc := range docs {
		for _, chunk := range doc.Chunks {
			ref := ChunkRef{DocUUID: doc.UUIDHash, Index: chunk.Index}
			_, err := e.retriever.Index(ctx, retrieval.IndexRequest{
				SourceID:   ref.sourceID(),
				SourceType: retrieval.SourceDocument,
				Text:       chunk.Content,
				Metadata: retrieval.Metadata{
					metaDocUUID:    doc.UUIDHash,
					metaChunkIndex: strconv.FormatInt(chunk.Index, 10),
				},
			})
			if err != nil {
				return imported, fmt.Errorf("failed to index chunk %s: %w", ref.sourceID(), err)
			}
			imported++
			if progress != nil {
				progress()
			}
		}
	}
	return imported, nil
}

// Cleanup removes every source Import created.
func (e *Evaluator) Cleanup(ctx context.Context, docs []Document) error {
	var errs []error
	for _, doc := range docs {
		for _, chunk := range doc.Chunks {
			ref := ChunkRef{DocUUID: doc.UUIDHash, Index: chunk.Index}
			key := retrieval.SourceKey{SourceID: ref.sourceID(), SourceType: retrieval.SourceDocument}
			if err := e.retriever.DeleteSource(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Run reads queries line by line and averages recall@k. Lines that fail to
// parse or to search are logged and counted as skipped.
func (e *Evaluator) Run(ctx context.Context, queries io.Reader) (Report, error) {
	report := Report{K: e.k}
	var total float64

	scanner := bufio.NewScanner(queries)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var q Query
		if err := json.Unmarshal(line, &q); err != nil {
			e.logger.Error(err, "failed to parse evaluation line")
			report.Skipped++
			continue
		}
		if len(q.GoldenChunks) == 0 {
			report.Skipped++
			continue
		}
		results, err := e.retriever.Search(ctx, q.Query, retrieval.SearchOptions{TopK: e.k})
		if err != nil {
			e.logger.Error(err, "failed to retrieve chunks for query", "query", q.Query)
			report.Skipped++
			continue
		}
		total += Recall(results, q.GoldenChunks)
		report.Queries++
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("error reading evaluation file: %w", err)
	}
	if report.Queries > 0 {
		report.MeanRecall = total / float64(report.Queries)
	}
	return report, nil
}

// Recall is the share of golden chunks present in results. A golden chunk
// counts once even when several of its sub-chunks were retrieved.
func Recall(results []retrieval.SearchResult, golden []ChunkRef) float64 {
	if len(golden) == 0 {
		return 0
	}
	found := make(map[ChunkRef]struct{}, len(results))
	for _, r := range results {
		idx, err := strconv.ParseInt(r.Metadata[metaChunkIndex], 10, 64)
		if err != nil {
			continue
		}
		found[ChunkRef{DocUUID: r.Metadata[metaDocUUID], Index: idx}] = struct{}{}
	}
	var matches int
	seen := make(map[ChunkRef]struct{}, len(golden))
	for _, g := range golden {
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		if _, ok := found[g]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(seen))
}
