// Package filestore persists resolved concepts in a local CSV file.
package filestore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/concept"
)

// DefaultFileName is the conventional name of the concept details file
const DefaultFileName = "SaveRxCUIDetails.csv"

// CSVStore keeps concepts in memory and appends new ones to a CSV file whose
// columns follow concept.RecordHeader
type CSVStore struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]concept.Record
}

// Open loads path. A missing file is treated as empty and created on the first Save.
func Open(path string, logger *zap.Logger) (*CSVStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CSVStore{path: path, logger: logger, records: make(map[string]concept.Record)}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := s.load(f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	logger.Info("concept details loaded",
		zap.String("path", path),
		zap.Int("concepts", len(s.records)))
	return s, nil
}

func (s *CSVStore) load(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if header {
			header = false
			if len(row) > 0 && row[0] == concept.RecordHeader[0] {
				continue
			}
		}
		rec := concept.RecordFromValues(row)
		if rec.RxCUI == "" {
			continue
		}
		// later rows win, matching append order
		s.records[rec.RxCUI] = rec
	}
}

// Lookup returns the stored concept or concept.ErrNotStored
func (s *CSVStore) Lookup(_ context.Context, rxcui string) (*concept.Concept, error) {
	s.mu.RLock()
	rec, ok := s.records[rxcui]
	s.mu.RUnlock()
	if !ok {
		return nil, concept.ErrNotStored
	}
	return concept.FromRecord(rec), nil
}

// Save appends concepts that are not yet stored
func (s *CSVStore) Save(_ context.Context, concepts []*concept.Concept) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []concept.Record
	for _, c := range concepts {
		if _, ok := s.records[c.RxCUI]; ok {
			continue
		}
		fresh = append(fresh, concept.ToRecord(c))
	}
	if len(fresh) == 0 {
		return nil
	}

	_, statErr := os.Stat(s.path)
	newFile := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(concept.RecordHeader); err != nil {
			return err
		}
	}
	for _, rec := range fresh {
		if err := w.Write(rec.Values()); err != nil {
			return fmt.Errorf("write rxcui %s: %w", rec.RxCUI, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}

	for _, rec := range fresh {
		s.records[rec.RxCUI] = rec
	}
	s.logger.Debug("concept details appended",
		zap.String("path", s.path),
		zap.Int("count", len(fresh)))
	return nil
}

// Len returns the number of stored concepts
func (s *CSVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
