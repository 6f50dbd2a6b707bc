package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/ai"
)

// DefaultDir returns the platform-appropriate history directory.
func DefaultDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "parley", "history")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".parley", "history")
}

// Store routes turn saves to their conversation files, creating files on
// first write. It satisfies the streaming engine's persistence contract.
type Store struct {
	dir string

	mu   sync.Mutex
	open map[string]*Conversation // conversation ID -> open file
}

// NewStore builds a store rooted at dir ("" means DefaultDir).
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Store{dir: dir, open: make(map[string]*Conversation)}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// SaveTurn appends a turn to its conversation, opening or creating the
// conversation file as needed.
func (s *Store) SaveTurn(turn ai.Turn) error {
	if turn.ConversationID == "" {
		return fmt.Errorf("history: turn %s has no conversation", turn.ID)
	}
	conv, err := s.conversation(turn.ConversationID)
	if err != nil {
		return err
	}
	return conv.AppendTurn(turn)
}

// Open returns the conversation for id, loading or creating it.
func (s *Store) Open(id string) (*Conversation, error) {
	return s.conversation(id)
}

// Close flushes and closes every open conversation.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, conv := range s.open {
		if err := conv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.open, id)
	}
	return firstErr
}

func (s *Store) conversation(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.open[id]; ok {
		return conv, nil
	}

	conv, err := Load(s.dir, id)
	if err != nil {
		conv, err = createWithID(s.dir, id)
		if err != nil {
			return nil, err
		}
	}
	s.open[id] = conv
	return conv, nil
}

// createWithID creates a conversation file carrying a caller-chosen ID, used
// when the client names the conversation before the first save.
func createWithID(dir, id string) (*Conversation, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: mkdir %s: %w", dir, err)
	}

	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s-%s.jsonl", time.Now().UTC().Format("20060102-150405"), short)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: create %s: %w", path, err)
	}
	c := &Conversation{f: f, w: bufio.NewWriter(f), id: id}
	header := Header{
		Type:      "conversation",
		ID:        id,
		Version:   currentVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

// Info is a lightweight summary of one conversation, used for listing.
type Info struct {
	ID        string
	Path      string
	Title     string
	Created   time.Time
	TurnCount int
	FirstLine string // first user turn's text, truncated
}

// List returns summaries for every conversation in dir, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: list: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := readInfo(path)
		if err != nil {
			continue // skip malformed files
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Created.After(infos[j].Created)
	})
	return infos, nil
}

func readInfo(path string) (Info, error) {
	h, err := readHeader(path)
	if err != nil {
		return Info{}, err
	}
	info := Info{ID: h.ID, Path: path, Title: h.Title}
	if t, err := time.Parse(time.RFC3339, h.Timestamp); err == nil {
		info.Created = t
	}

	turns, err := ReadTurns(path)
	if err != nil {
		return Info{}, err
	}
	info.TurnCount = len(turns)
	for _, t := range turns {
		if t.Role == ai.RoleUser {
			info.FirstLine = truncate(t.Content, 80)
			break
		}
	}
	return info, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
