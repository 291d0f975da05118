package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

type embeddingRecord struct {
	Source    string         `json:"source"`
	Chapter   *string        `json:"chapter,omitempty"`
	Section   *string        `json:"section,omitempty"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IngestEmbeddingsFromFile loads precomputed reference embeddings from a JSON
// file (an array of {source, chapter?, section?, content, embedding,
// metadata?} records) into the medical_embeddings table. Vectors are expected
// to be computed offline; this only persists them. Malformed records are
// skipped with a log line rather than aborting the whole run.
func (s *SQLiteStore) IngestEmbeddingsFromFile(filePath string) (int, error) {
	contentBytes, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read embeddings file %s: %w", filePath, err)
	}

	var records []embeddingRecord
	if err := json.Unmarshal(contentBytes, &records); err != nil {
		return 0, fmt.Errorf("failed to parse embeddings file %s: %w", filePath, err)
	}

	count := 0
	for i, rec := range records {
		if rec.Source == "" || rec.Content == "" {
			log.Printf("Skipping record %d: missing source or content", i+1)
			continue
		}
		if _, err := s.CreateMedicalEmbedding(rec.Source, rec.Content, rec.Embedding, rec.Chapter, rec.Section, rec.Metadata); err != nil {
			if err == ErrUnavailable {
				return count, err
			}
			log.Printf("Failed to store embedding record %d (%.50s...): %v. Skipping.", i+1, rec.Content, err)
			continue
		}
		count++
		if count%100 == 0 || count == len(records) {
			log.Printf("Ingested %d/%d embedding records...", count, len(records))
		}
	}
	log.Printf("Successfully ingested %d embedding records.", count)
	return count, nil
}
