package indexer

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	_ "modernc.org/sqlite"

	"github.com/mkarls/chat-backup-search/pkg/log"
)

// ConversationFile is the structured export recognised inside an extracted
// backup. When absent, the extraction is indexed as a plain text corpus.
const ConversationFile = "conversations.json"

var textExtensions = map[string]bool{
	".json": true,
	".txt":  true,
	".md":   true,
	".csv":  true,
}

// ProgressFunc is called after each inserted record with the number of rows
// written so far and the total record count.
type ProgressFunc func(done, total int)

// Build creates or rebuilds the full-text index for an extracted backup.
// Rebuilding clears prior rows first, so the result only depends on the
// current contents of extractDir.
func Build(extractDir, indexPath string, progress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	db, err := openIndex(indexPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := initSchema(db); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear previous rows: %w", err)
	}

	conversationPath := filepath.Join(extractDir, ConversationFile)
	if _, err := os.Stat(conversationPath); err == nil {
		conversations, err := loadConversations(conversationPath)
		if err != nil {
			return err
		}
		return insertConversations(db, conversations, progress)
	}

	documents, err := collectTextDocuments(extractDir)
	if err != nil {
		return err
	}
	return insertDocuments(db, documents, progress)
}

func openIndex(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS conversations USING fts5(
		conversation_id UNINDEXED,
		title,
		timestamp,
		language UNINDEXED,
		content
	)`)
	if err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}
	return nil
}

// loadConversations reads the export file, accepting either a bare array of
// conversation records or an object wrapping one under a well-known key.
func loadConversations(path string) ([]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ConversationFile, err)
	}

	var asList []map[string]any
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConversationFile, err)
	}
	for _, key := range []string{"conversations", "items", "data"} {
		nested, ok := asObject[key]
		if !ok {
			continue
		}
		var list []map[string]any
		if err := json.Unmarshal(nested, &list); err == nil {
			return list, nil
		}
	}
	return nil, nil
}

func insertConversations(db *sql.DB, conversations []map[string]any, progress ProgressFunc) error {
	total := len(conversations)
	for i, conversation := range conversations {
		id := stringField(conversation, "id")
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		title := stringField(conversation, "title")
		if title == "" {
			title = fmt.Sprintf("Conversation %d", i+1)
		}
		timestamp := formatTimestamp(firstField(conversation, "create_time", "update_time"))
		content := conversationText(conversation)
		if content == "" {
			log.Debug("Conversation %s has no extractable content", id)
		}

		if err := insertRow(db, id, title, timestamp, content); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return nil
}

func insertDocuments(db *sql.DB, documents []textDocument, progress ProgressFunc) error {
	total := len(documents)
	for i, doc := range documents {
		if err := insertRow(db, doc.ID, doc.Title, "", doc.Content); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return nil
}

func insertRow(db *sql.DB, id, title, timestamp, content string) error {
	_, err := db.Exec(
		`INSERT INTO conversations (conversation_id, title, timestamp, language, content) VALUES (?, ?, ?, ?, ?)`,
		id, title, timestamp, detectLanguage(content), content,
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", id, err)
	}
	return nil
}

func detectLanguage(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	return whatlanggo.DetectLang(content).Iso6391()
}

// conversationText flattens a conversation record into one searchable blob:
// the title followed by every message from the mapping graph in creation
// order, each prefixed with its author role. Malformed nodes contribute
// nothing rather than aborting the build.
func conversationText(conversation map[string]any) string {
	parts := make([]string, 0, 8)
	if title := stringField(conversation, "title"); title != "" {
		parts = append(parts, title)
	}

	if mapping, ok := conversation["mapping"].(map[string]any); ok {
		for _, message := range orderedMessages(mapping) {
			role := "unknown"
			if author, ok := message["author"].(map[string]any); ok {
				if r := stringField(author, "role"); r != "" {
					role = r
				}
			}
			if text := messageText(message); text != "" {
				parts = append(parts, role+": "+text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// orderedMessages collects the message nodes of the mapping graph sorted by
// creation time; a missing timestamp sorts as zero. Nodes are visited by
// sorted key so ties between equal timestamps resolve the same way on every
// build.
func orderedMessages(mapping map[string]any) []map[string]any {
	keys := make([]string, 0, len(mapping))
	for key := range mapping {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	messages := make([]map[string]any, 0, len(mapping))
	for _, key := range keys {
		nodeMap, ok := mapping[key].(map[string]any)
		if !ok {
			continue
		}
		message, ok := nodeMap["message"].(map[string]any)
		if !ok || message == nil {
			continue
		}
		messages = append(messages, message)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messageTime(messages[i]) < messageTime(messages[j])
	})
	return messages
}

func messageTime(message map[string]any) float64 {
	t, _ := message["create_time"].(float64)
	return t
}

// messageText extracts the text of one message. Content may be an object
// with parts, an object with a text field, a list of parts, or a bare
// string; anything else degrades to empty text.
func messageText(message map[string]any) string {
	switch content := message["content"].(type) {
	case map[string]any:
		if rawParts, ok := content["parts"].([]any); ok && len(rawParts) > 0 {
			return joinParts(rawParts)
		}
		if text := stringField(content, "text"); text != "" {
			return text
		}
	case []any:
		return joinParts(content)
	case string:
		return content
	}
	return ""
}

func joinParts(parts []any) string {
	collected := make([]string, 0, len(parts))
	for _, part := range parts {
		if text := normalizePart(part); text != "" {
			collected = append(collected, text)
		}
	}
	return strings.Join(collected, "\n")
}

func normalizePart(part any) string {
	switch v := part.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return strings.TrimSpace(text)
		}
		if value, ok := v["value"].(string); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

type textDocument struct {
	ID      string
	Title   string
	Content string
}

// collectTextDocuments walks the extraction directory and returns every
// text-like file as one document keyed by its relative path.
func collectTextDocuments(root string) ([]textDocument, error) {
	documents := make([]textDocument, 0)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if !textExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(raw) {
			log.Debug("Skipping non-UTF8 file %s", path)
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		documents = append(documents, textDocument{
			ID:      rel,
			Title:   filepath.Base(path),
			Content: string(raw),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk extraction directory: %w", err)
	}
	return documents, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func firstField(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// formatTimestamp renders a unix-seconds export timestamp as RFC 3339 UTC;
// non-numeric values are kept verbatim.
func formatTimestamp(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case float64:
		return unixToRFC3339(v)
	case string:
		if v == "" {
			return ""
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return unixToRFC3339(f)
		}
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func unixToRFC3339(seconds float64) string {
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}
