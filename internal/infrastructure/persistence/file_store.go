package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"loom-backend/internal/domain/tree"
	pkgerrors "loom-backend/pkg/errors"
)

// Format is the on-disk encoding of a document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func (f Format) ext() string { return "." + string(f) }

// FileStore keeps one file per document in a directory. Writes go to a
// temporary file that is renamed over the target.
type FileStore struct {
	dir    string
	format Format
	logger *zap.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, format Format, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format != FormatJSON && format != FormatYAML {
		return nil, pkgerrors.NewValidationError("unsupported document format").WithDetail("format", string(format))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.NewStorageError("create directory", err)
	}
	return &FileStore{dir: dir, format: format, logger: logger}, nil
}

// Path returns the file a document is saved to.
func (s *FileStore) Path(docID string) string {
	return filepath.Join(s.dir, docID+s.format.ext())
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, docID string, doc *tree.DocumentRecord) error {
	if err := ValidateDocumentID(docID); err != nil {
		return err
	}
	data, err := Encode(doc, s.format)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+docID+".*.tmp")
	if err != nil {
		return pkgerrors.NewStorageError("create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.NewStorageError("write document", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return pkgerrors.NewStorageError("sync document", err)
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.NewStorageError("close document", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(docID)); err != nil {
		return pkgerrors.NewStorageError("rename document", err)
	}

	s.logger.Debug("Document saved",
		zap.String("document_id", docID),
		zap.String("path", s.Path(docID)),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Load implements Store. A document saved in the other format is still found.
func (s *FileStore) Load(_ context.Context, docID string) (*tree.DocumentRecord, error) {
	if err := ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	for _, f := range []Format{s.format, s.other()} {
		data, err := os.ReadFile(filepath.Join(s.dir, docID+f.ext()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, pkgerrors.NewStorageError("read document", err)
		}
		return Decode(data, f)
	}
	return nil, pkgerrors.NewNotFoundError("document", docID)
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, pkgerrors.NewStorageError("list documents", err)
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		for _, f := range []Format{FormatJSON, FormatYAML} {
			if id, ok := strings.CutSuffix(name, f.ext()); ok {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) other() Format {
	if s.format == FormatJSON {
		return FormatYAML
	}
	return FormatJSON
}

// Encode serializes a document record.
func Encode(doc *tree.DocumentRecord, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, pkgerrors.NewStorageError("encode document", err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, pkgerrors.NewStorageError("encode document", err)
		}
		if err := enc.Close(); err != nil {
			return nil, pkgerrors.NewStorageError("encode document", err)
		}
		return buf.Bytes(), nil
	}
	return nil, pkgerrors.NewValidationError(fmt.Sprintf("unsupported document format %q", format))
}

// Decode parses a document record.
func Decode(data []byte, format Format) (*tree.DocumentRecord, error) {
	var doc tree.DocumentRecord
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		return nil, pkgerrors.NewValidationError(fmt.Sprintf("unsupported document format %q", format))
	}
	if err != nil {
		return nil, pkgerrors.NewStorageError("decode document", err)
	}
	return &doc, nil
}
