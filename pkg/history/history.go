// Package history persists conversations as JSONL files.
//
// Each conversation is one file:
//   - Line 1: Header (type=conversation, id, version, title, timestamp)
//   - Lines 2+: one Turn per line, append-only
//
// A turn saved twice (a partial commit followed by a retraction or edit)
// appends again; readers keep the last line per turn ID, so the file stays
// append-only and crash-safe.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/pkg/ai"
)

const currentVersion = 1

// Header is the first line of a conversation file.
type Header struct {
	Type      string `json:"type"` // always "conversation"
	ID        string `json:"id"`
	Version   int    `json:"version"`
	Title     string `json:"title,omitempty"`
	Timestamp string `json:"timestamp"`
}

type turnLine struct {
	Type string  `json:"type"` // always "turn"
	Turn ai.Turn `json:"turn"`
}

// Conversation is an open conversation file. Writes are append-only; the
// mutex guards against accidental concurrent appenders.
type Conversation struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	id    string
	title string
}

// ID returns the conversation's UUID.
func (c *Conversation) ID() string { return c.id }

// Title returns the title recorded in the header.
func (c *Conversation) Title() string { return c.title }

// FilePath returns the absolute path of the backing file.
func (c *Conversation) FilePath() string { return c.f.Name() }

// ---------------------------------------------------------------------------
// Creating and loading conversations
// ---------------------------------------------------------------------------

// Create opens a new conversation file in dir and writes the header.
func Create(dir, title string) (*Conversation, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: mkdir %s: %w", dir, err)
	}

	id := uuid.New().String()
	name := fmt.Sprintf("%s-%s.jsonl",
		time.Now().UTC().Format("20060102-150405"),
		id[:8],
	)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: create %s: %w", path, err)
	}

	c := &Conversation{f: f, w: bufio.NewWriter(f), id: id, title: title}

	header := Header{
		Type:      "conversation",
		ID:        id,
		Version:   currentVersion,
		Title:     title,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Load opens an existing conversation by ID prefix (any unambiguous prefix
// of the UUID) and returns it ready for appending.
func Load(dir, idPrefix string) (*Conversation, error) {
	path, header, err := findConversation(dir, idPrefix)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open %s for append: %w", path, err)
	}
	return &Conversation{f: f, w: bufio.NewWriter(f), id: header.ID, title: header.Title}, nil
}

// AppendTurn appends one turn to the file.
func (c *Conversation) AppendTurn(turn ai.Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLine(turnLine{Type: "turn", Turn: turn})
}

// Turns reads the file back and returns the turns in order. When a turn ID
// appears more than once, the last line wins.
func (c *Conversation) Turns() ([]ai.Turn, error) {
	return ReadTurns(c.FilePath())
}

// Close flushes and closes the file.
func (c *Conversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Flush(); err != nil {
		c.f.Close()
		return fmt.Errorf("history: flush: %w", err)
	}
	return c.f.Close()
}

// writeLine marshals v and appends it as one line, flushing immediately so a
// crash loses at most the line being written.
func (c *Conversation) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	if _, err := c.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return c.w.Flush()
}

// ReadTurns parses a conversation file into its turns, de-duplicating by
// turn ID (last line wins) while preserving first-seen order.
func ReadTurns(path string) ([]ai.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", path, err)
	}

	var order []string
	byID := make(map[string]ai.Turn)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var tl turnLine
		if err := json.Unmarshal([]byte(line), &tl); err != nil || tl.Type != "turn" {
			continue
		}
		if _, seen := byID[tl.Turn.ID]; !seen {
			order = append(order, tl.Turn.ID)
		}
		byID[tl.Turn.ID] = tl.Turn
	}

	turns := make([]ai.Turn, 0, len(order))
	for _, id := range order {
		turns = append(turns, byID[id])
	}
	return turns, nil
}

// findConversation locates a file whose header ID starts with idPrefix.
func findConversation(dir, idPrefix string) (string, Header, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", Header{}, fmt.Errorf("history: read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		h, err := readHeader(path)
		if err != nil {
			continue
		}
		if strings.HasPrefix(h.ID, idPrefix) {
			return path, h, nil
		}
	}
	return "", Header{}, fmt.Errorf("history: no conversation matching %q in %s", idPrefix, dir)
}

func readHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return Header{}, fmt.Errorf("history: empty file %s", path)
	}
	var h Header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return Header{}, err
	}
	if h.Type != "conversation" || h.ID == "" {
		return Header{}, fmt.Errorf("history: no header in %s", path)
	}
	return h, nil
}
