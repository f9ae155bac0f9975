package indexer

import (
	"fmt"
	"os"
)

const DefaultQueryLimit = 25

// Result is one ranked full-text search hit.
type Result struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	Timestamp      string `json:"timestamp"`
	Language       string `json:"language,omitempty"`
	Snippet        string `json:"snippet"`
}

// Query runs a ranked full-text search against a built index and returns up
// to limit matches, best first. It fails when the index file does not exist
// or holds no rows.
func Query(indexPath, text string, limit int) ([]Result, error) {
	if _, err := os.Stat(indexPath); err != nil {
		return nil, fmt.Errorf("index does not exist at %s: %w", indexPath, err)
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	db, err := openIndex(indexPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&rows); err != nil {
		return nil, fmt.Errorf("inspect index: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("index at %s is unpopulated", indexPath)
	}

	result, err := db.Query(
		`SELECT conversation_id, title, timestamp, language,
			snippet(conversations, 4, '[', ']', '…', 10) AS snippet
		FROM conversations WHERE conversations MATCH ? ORDER BY rank LIMIT ?`,
		text, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	defer result.Close()

	matches := make([]Result, 0, limit)
	for result.Next() {
		var match Result
		if err := result.Scan(&match.ConversationID, &match.Title, &match.Timestamp, &match.Language, &match.Snippet); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		matches = append(matches, match)
	}
	return matches, result.Err()
}
