// Package memory maintains the cross-session narrative memory document:
// characters, items and locations observed in transcripts, plus the list
// of transcript texts already folded into it.
package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Document is the shared memory state consumed and produced by the update
// pipeline. ProcessedChunks keeps the raw transcript texts already folded
// in, both to give the model running context and to avoid reprocessing
// identical text.
type Document struct {
	Characters      map[string]string `json:"characters"`
	Items           map[string]string `json:"items"`
	Locations       map[string]string `json:"locations"`
	ProcessedChunks []string          `json:"processedChunks"`
	LastUpdated     time.Time         `json:"lastUpdated"`
}

func NewDocument() *Document {
	return &Document{
		Characters: make(map[string]string),
		Items:      make(map[string]string),
		Locations:  make(map[string]string),
	}
}

// Load reads the document from path, returning an empty document when the
// file does not exist yet.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read memory document")
	}

	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse memory document")
	}
	if doc.Characters == nil {
		doc.Characters = make(map[string]string)
	}
	if doc.Items == nil {
		doc.Items = make(map[string]string)
	}
	if doc.Locations == nil {
		doc.Locations = make(map[string]string)
	}
	return doc, nil
}

// Save writes the document to path, creating parent directories as needed.
func (d *Document) Save(path string) error {
	d.LastUpdated = time.Now()
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal memory document")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create memory directory")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "failed to write memory document")
}

// HasProcessed reports whether the exact text was already folded in.
func (d *Document) HasProcessed(text string) bool {
	return lo.Contains(d.ProcessedChunks, text)
}

// MarkProcessed records the text as folded in.
func (d *Document) MarkProcessed(text string) {
	if !d.HasProcessed(text) {
		d.ProcessedChunks = append(d.ProcessedChunks, text)
	}
}
