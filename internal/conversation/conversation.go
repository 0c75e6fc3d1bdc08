// Package conversation keeps the short per-session chat history used for
// follow-up questions.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edunexus/edunexus/internal/format"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultMaxExchanges = 10
	DefaultPromptTurns  = 6

	summaryLimit      = 300
	executedCodeLimit = 200
	promptEntryLimit  = 200
)

var ErrSessionRequired = errors.New("conversation: session id is required")

type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists entries per session. Append trims the session to the newest
// keep entries.
type Store interface {
	Append(ctx context.Context, sessionID string, entries []Entry, keep int) error
	Load(ctx context.Context, sessionID string) ([]Entry, error)
	Clear(ctx context.Context, sessionID string) error
}

type Manager struct {
	store      Store
	maxEntries int
	now        func() time.Time
}

// NewManager keeps at most maxExchanges question and answer pairs.
func NewManager(store Store, maxExchanges int) *Manager {
	if maxExchanges <= 0 {
		maxExchanges = DefaultMaxExchanges
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{store: store, maxEntries: maxExchanges * 2, now: time.Now}
}

// Append records one exchange. The answer is stored as a summary with the
// executed code echoed after it.
func (m *Manager) Append(ctx context.Context, sessionID, question, answer, code string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionRequired
	}
	now := m.now().UTC()
	entries := []Entry{
		{Role: RoleUser, Content: question, CreatedAt: now},
		{Role: RoleAssistant, Content: Summarize(answer, code), CreatedAt: now},
	}
	if err := m.store.Append(ctx, sessionID, entries, m.maxEntries); err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

func (m *Manager) History(ctx context.Context, sessionID string) ([]Entry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionRequired
	}
	entries, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return entries, nil
}

func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionRequired
	}
	if err := m.store.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// Summarize is the stored form of an assistant answer.
func Summarize(answer, code string) string {
	summary := format.Clip(answer, summaryLimit)
	if code != "" {
		summary += "\n[Executed: " + format.Clip(code, executedCodeLimit) + "]"
	}
	return summary
}

// FormatHistory renders the last turns entries for the prompt. It returns an
// empty string when there is no history.
func FormatHistory(entries []Entry, turns int) string {
	if len(entries) == 0 {
		return ""
	}
	if turns <= 0 {
		turns = DefaultPromptTurns
	}
	if len(entries) > turns {
		entries = entries[len(entries)-turns:]
	}
	lines := []string{"\n\nCONVERSATION HISTORY (for follow-up context):"}
	for _, entry := range entries {
		speaker := "Assistant"
		if entry.Role == RoleUser {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+format.Clip(entry.Content, promptEntryLimit))
	}
	return strings.Join(lines, "\n")
}

func trimHead(entries []Entry, keep int) []Entry {
	if keep > 0 && len(entries) > keep {
		return entries[len(entries)-keep:]
	}
	return entries
}
