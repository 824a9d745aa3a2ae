// Package ingest loads statute files into the chunk store. It runs out of
// band of the serving path, behind the server's -ingest flag.
package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lawbase.hk/legal-assistant/internal/chunker"
	"lawbase.hk/legal-assistant/internal/store"
)

// Embedder produces the embedding for one chunk of text.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Run re-ingests every .md and .pdf file under dir. The law id is the file
// name without extension; the title is the first markdown heading when one
// exists. Embedding calls are paced to stay under provider rate limits.
func Run(ctx context.Context, st store.Store, dir string, embed Embedder, linkBase string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read statute directory %s: %w", dir, err)
	}

	if err := st.ClearChunks(); err != nil {
		return 0, fmt.Errorf("failed to clear existing chunks: %w", err)
	}

	ticker := time.NewTicker(40 * time.Millisecond) // stay under the embedding rate limit
	defer ticker.Stop()

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		text, err := loadFile(path)
		if err != nil {
			log.Printf("Skipping %s: %v", entry.Name(), err)
			continue
		}

		lawID := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		title := firstHeading(text)
		if title == "" {
			title = lawID
		}

		var sourceURL string
		if linkBase != "" {
			sourceURL = strings.TrimSuffix(linkBase, "/") + "/" + lawID
		}

		chunks := chunker.Split(text, chunker.DefaultOptions())
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return count, ctx.Err()
			case <-ticker.C:
			}

			embedding, err := embed(ctx, c.Text)
			if err != nil {
				log.Printf("Failed to embed chunk %s:%d-%d: %v. Skipping.", lawID, c.StartLine, c.EndLine, err)
				continue
			}

			chunk := store.LawChunk{
				LawID:     lawID,
				Title:     title,
				LineRange: fmt.Sprintf("%d-%d", c.StartLine, c.EndLine),
				SourceURL: sourceURL,
				Content:   c.Text,
				Embedding: embedding,
			}
			if err := st.AddChunk(&chunk); err != nil {
				log.Printf("Failed to store chunk %s:%s: %v. Skipping.", lawID, chunk.LineRange, err)
				continue
			}
			count++
			if count%25 == 0 {
				log.Printf("Ingested %d chunks...", count)
			}
		}
		log.Printf("Ingested %s (%d chunks so far)", entry.Name(), count)
	}
	return count, nil
}

func loadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		return string(data), nil
	case ".pdf":
		return extractPDFText(data)
	default:
		return "", fmt.Errorf("unsupported file type %s", filepath.Ext(path))
	}
}

func firstHeading(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
		}
	}
	return ""
}
