package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/fsutil"
	"hybridrag/src/infrastructure/integrations/unstructured"
	"hybridrag/src/infrastructure/job"
	"hybridrag/src/log"
)

var indexCmd = &cobra.Command{
	Use:   "index <pattern>...",
	Short: "Index files matching the given patterns",
	Long: `Index reads every file matching the patterns (** is supported) and indexes it
as one source whose id is the file path. Plain text and markdown are read
as is; other formats go through the unstructured API. Conversation sources
are JSON arrays of {"role", "content"} turns.

With --async the sources are archived and queued for the worker instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringP("type", "t", string(retrieval.SourceDocument), "source type: document or conversation")
	indexCmd.Flags().StringP("owner", "o", "", "owner id stored with every chunk")
	indexCmd.Flags().Bool("merge-same-role", false, "merge consecutive turns of the same role")
	indexCmd.Flags().Bool("async", false, "queue indexing jobs instead of indexing in process")
}

var plainTextExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".rst":      true,
	".json":     true,
	".csv":      true,
}

type indexOptions struct {
	sourceType    retrieval.SourceType
	ownerID       string
	mergeSameRole bool
}

func runIndex(cmd *cobra.Command, args []string) error {
	var opts indexOptions
	typ, _ := cmd.Flags().GetString("type")
	sourceType, err := retrieval.ParseSourceType(typ)
	if err != nil {
		return err
	}
	opts.sourceType = sourceType
	opts.ownerID, _ = cmd.Flags().GetString("owner")
	opts.mergeSameRole, _ = cmd.Flags().GetBool("merge-same-role")
	async, _ := cmd.Flags().GetBool("async")

	fs := fsutil.NewLocalFileStore()
	var paths []string
	for _, pattern := range args {
		matches, err := fs.Glob(pattern)
		if err != nil {
			return err
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files match %v", args)
	}
	stat, err := fs.GetFileStats(paths)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d files (%d bytes)\n", stat.Count, stat.Size)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	extractor := unstructured.NewUnstructuredService(cfg.Unstructured.URL, &http.Client{})

	var j *jobs
	if async {
		if j, err = a.newJobs(ctx); err != nil {
			return err
		}
	}

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("Indexing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	var written, failed int
	for _, path := range paths {
		req, err := buildIndexRequest(ctx, fs, extractor, path, opts)
		if err == nil {
			if j != nil {
				err = enqueueIndex(ctx, j, req)
			} else {
				var res retrieval.IndexResult
				res, err = a.service.Index(ctx, req)
				written += res.ChunksWritten
			}
		}
		if err != nil {
			failed++
			log.Error(err, "failed to index file", "path", path)
		}
		_ = bar.Add(1)
	}

	if async {
		fmt.Printf("Queued %d sources, %d failed\n", len(paths)-failed, failed)
	} else {
		fmt.Printf("Indexed %d sources into %d chunks, %d failed\n", len(paths)-failed, written, failed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

// textExtractor converts non-text formats.
type textExtractor interface {
	ExtractText(ctx context.Context, filename string, content []byte) (string, error)
}

func buildIndexRequest(ctx context.Context, fs fsutil.FileStore, extractor textExtractor, path string, opts indexOptions) (retrieval.IndexRequest, error) {
	req := retrieval.IndexRequest{
		SourceID:      sourceIDFor(path),
		SourceType:    opts.sourceType,
		OwnerID:       opts.ownerID,
		MergeSameRole: opts.mergeSameRole,
		Metadata:      retrieval.Metadata{"title": filepath.Base(path)},
	}
	content, err := fs.ReadFile(path)
	if err != nil {
		return req, err
	}

	if opts.sourceType == retrieval.SourceConversation {
		if err := json.Unmarshal(content, &req.Turns); err != nil {
			return req, fmt.Errorf("conversation %s is not a JSON array of turns: %w", path, err)
		}
		return req, nil
	}

	if plainTextExtensions[strings.ToLower(filepath.Ext(path))] {
		req.Text = string(content)
		return req, nil
	}
	req.Text, err = extractor.ExtractText(ctx, filepath.Base(path), content)
	return req, err
}

// sourceIDFor uses the slash separated, cleaned path so ids are stable
// across platforms.
func sourceIDFor(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// enqueueIndex archives the text and queues a job pointing at it.
func enqueueIndex(ctx context.Context, j *jobs, req retrieval.IndexRequest) error {
	payload := job.IndexSourcePayload{
		SourceID:      req.SourceID,
		SourceType:    string(req.SourceType),
		OwnerID:       req.OwnerID,
		Turns:         req.Turns,
		MergeSameRole: req.MergeSameRole,
		Metadata:      req.Metadata,
	}
	if len(req.Turns) == 0 {
		ref, err := j.archive.PutSource(ctx, req.Key(), req.Text)
		if err != nil {
			return err
		}
		payload.ObjectRef = ref
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = j.service.EnqueueJob(ctx, job.TaskTypeIndexSource, data)
	return err
}
