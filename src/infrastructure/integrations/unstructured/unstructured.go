package unstructured

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-logr/logr"

	"hybridrag/src/log"
)

type UnstructuredService struct {
	baseURL    string
	httpClient *http.Client
	logger     logr.Logger
}

type UnstructuredElement struct {
	Type      string   `json:"type"`
	Text      string   `json:"text"`
	ElementID string   `json:"element_id"`
	Metadata  Metadata `json:"metadata"`
}

type Metadata struct {
	Filename   string `json:"filename,omitempty"`
	Filetype   string `json:"filetype,omitempty"`
	PageNumber int    `json:"page_number,omitempty"`
}

func NewUnstructuredService(baseURL string, c *http.Client) *UnstructuredService {
	if c == nil {
		c = http.DefaultClient
	}
	return &UnstructuredService{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: c,
		logger:     log.WithName("unstructured"),
	}
}

// ExtractText turns a document into plain text with one paragraph per
// element, separated by blank lines so the chunker sees paragraph breaks.
func (s *UnstructuredService) ExtractText(ctx context.Context, filename string, content []byte) (string, error) {
	elements, err := s.Partition(ctx, filename, content)
	if err != nil {
		return "", err
	}
	return JoinElements(elements), nil
}

func JoinElements(elements []UnstructuredElement) string {
	paragraphs := make([]string, 0, len(elements))
	for _, e := range elements {
		// headers and footers repeat on every page
		if e.Type == "Header" || e.Type == "Footer" || e.Type == "PageBreak" {
			continue
		}
		if text := strings.TrimSpace(e.Text); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// Partition posts the file to the general partition endpoint.
func (s *UnstructuredService) Partition(ctx context.Context, filename string, content []byte) ([]UnstructuredElement, error) {
	var requestBody bytes.Buffer
	multipartWriter := multipart.NewWriter(&requestBody)

	fileWriter, err := multipartWriter.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err = io.Copy(fileWriter, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to write file content: %w", err)
	}

	fields := [][2]string{
		{"strategy", "fast"},
		{"output_format", "application/json"},
	}
	for _, f := range fields {
		if err := multipartWriter.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f[0], err)
		}
	}
	multipartWriter.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/general/v0/general", &requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", multipartWriter.FormDataContentType())

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Error(fmt.Errorf("status %s", resp.Status), "failed to convert document",
			"filename", filename, "response", string(body))
		return nil, fmt.Errorf("conversion service error: %s", resp.Status)
	}

	var elements []UnstructuredElement
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return elements, nil
}
