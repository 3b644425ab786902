package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/forgelabs/indexforge/internal/models"
)

// DocumentSource supplies the full document set for a rebuild. The
// pipeline treats documents as read-only and external.
type DocumentSource interface {
	Load(ctx context.Context) ([]models.Document, error)
}

// SliceSource serves a fixed in-memory document set.
type SliceSource []models.Document

func (s SliceSource) Load(context.Context) ([]models.Document, error) {
	return s, nil
}

// JSONLSource reads documents from a file with one JSON document per
// line: {"id": "...", "text": "..."}.
type JSONLSource struct {
	Path string
}

func (s JSONLSource) Load(_ context.Context) ([]models.Document, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open document source: %w", err)
	}
	defer file.Close()

	var docs []models.Document
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var doc models.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", s.Path, line, err)
		}
		if doc.ID == "" {
			return nil, fmt.Errorf("%s:%d: document without id", s.Path, line)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read document source: %w", err)
	}
	return docs, nil
}
