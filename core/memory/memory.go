// Package memory implements the per-agent scratchpad. Agents update it
// in-band by emitting line-anchored commands in their final utterance:
//
//	MEMORIZE[task]: Verify KBOS weather
//	MEMORIZE[fact]: runway=04R
//
// Command content is data, never executed.
package memory

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/mudler/xlog"
)

// Category names. Singular aliases accepted on the wire map to these.
const (
	CategoryTaskList  = "task_list"
	CategoryKeyFacts  = "key_facts"
	CategoryDecisions = "decisions_made"
	CategoryConcerns  = "concerns"
	CategoryNotes     = "notes"
)

var aliases = map[string]string{
	"task":           CategoryTaskList,
	"task_list":      CategoryTaskList,
	"fact":           CategoryKeyFacts,
	"key_facts":      CategoryKeyFacts,
	"decision":       CategoryDecisions,
	"decisions_made": CategoryDecisions,
	"concern":        CategoryConcerns,
	"concerns":       CategoryConcerns,
	"note":           CategoryNotes,
	"notes":          CategoryNotes,
}

// Caps bound each category so memory cannot grow without limit.
type Caps struct {
	TaskList  int
	KeyFacts  int
	Decisions int
	Concerns  int
	Notes     int
}

// DefaultCaps keeps list categories at 50 entries, facts at 100, and notes at
// the last 20.
func DefaultCaps() Caps {
	return Caps{TaskList: 50, KeyFacts: 100, Decisions: 50, Concerns: 50, Notes: 20}
}

// Contents is the serializable form of a scratchpad, used by snapshots.
type Contents struct {
	TaskList  []string          `json:"task_list"`
	KeyFacts  map[string]string `json:"key_facts"`
	Decisions []string          `json:"decisions_made"`
	Concerns  []string          `json:"concerns"`
	Notes     []string          `json:"notes"`
}

// Store is an agent's scratchpad with exactly five bounded categories.
type Store struct {
	mu       sync.Mutex
	agentID  string
	caps     Caps
	contents Contents
}

var (
	memorizePattern = regexp.MustCompile(`(?m)^\s*MEMORIZE\[([^\]]+)\]:\s*(.+?)\s*$`)
	memorizeLine    = regexp.MustCompile(`(?m)^\s*MEMORIZE\b.*$`)
)

// NewStore creates an empty scratchpad for the given agent.
func NewStore(agentID string, caps Caps) *Store {
	return &Store{
		agentID: agentID,
		caps:    caps,
		contents: Contents{
			KeyFacts: map[string]string{},
		},
	}
}

// Update applies a single (category, payload) update. Additions append and
// truncate to the category cap; key_facts payloads of shape key=value upsert.
func (s *Store) Update(category, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(category, payload)
}

func (s *Store) update(category, payload string) error {
	canonical, ok := aliases[strings.ToLower(strings.TrimSpace(category))]
	if !ok {
		return fmt.Errorf("unknown memory category %q", category)
	}

	switch canonical {
	case CategoryKeyFacts:
		key, value, found := strings.Cut(payload, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return fmt.Errorf("key_facts payload must be key=value, got %q", payload)
		}
		s.contents.KeyFacts[key] = strings.TrimSpace(value)
		s.truncateFacts()
	case CategoryTaskList:
		s.contents.TaskList = appendCapped(s.contents.TaskList, payload, s.caps.TaskList)
	case CategoryDecisions:
		s.contents.Decisions = appendCapped(s.contents.Decisions, payload, s.caps.Decisions)
	case CategoryConcerns:
		s.contents.Concerns = appendCapped(s.contents.Concerns, payload, s.caps.Concerns)
	case CategoryNotes:
		s.contents.Notes = appendCapped(s.contents.Notes, payload, s.caps.Notes)
	}
	xlog.Debug("memory.update", "agent_id", s.agentID, "category", canonical)
	return nil
}

// ExtractCommands scans an utterance for MEMORIZE lines and applies each
// valid one. Returns the number of applied updates and the number of invalid
// lines; every invalid line is logged as a warning.
func (s *Store) ExtractCommands(text string) (applied, invalid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := map[string]bool{}
	for _, m := range memorizePattern.FindAllStringSubmatch(text, -1) {
		matched[strings.TrimSpace(m[0])] = true
		if err := s.update(m[1], m[2]); err != nil {
			xlog.Warn("memory.update rejected", "agent_id", s.agentID, "line", strings.TrimSpace(m[0]), "error", err)
			invalid++
			continue
		}
		applied++
	}

	// Lines that begin like a command but don't parse at all also warrant a
	// warning.
	for _, line := range memorizeLine.FindAllString(text, -1) {
		trimmed := strings.TrimSpace(line)
		if matched[trimmed] {
			continue
		}
		xlog.Warn("memory.update malformed", "agent_id", s.agentID, "line", trimmed)
		invalid++
	}
	return applied, invalid
}

// Snapshot returns a deep copy of the current contents.
func (s *Store) Snapshot() Contents {
	s.mu.Lock()
	defer s.mu.Unlock()

	facts := make(map[string]string, len(s.contents.KeyFacts))
	for k, v := range s.contents.KeyFacts {
		facts[k] = v
	}
	return Contents{
		TaskList:  append([]string(nil), s.contents.TaskList...),
		KeyFacts:  facts,
		Decisions: append([]string(nil), s.contents.Decisions...),
		Concerns:  append([]string(nil), s.contents.Concerns...),
		Notes:     append([]string(nil), s.contents.Notes...),
	}
}

// Restore replaces the contents wholesale, re-applying category caps.
func (s *Store) Restore(c Contents) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contents = Contents{
		TaskList:  capTail(append([]string(nil), c.TaskList...), s.caps.TaskList),
		KeyFacts:  map[string]string{},
		Decisions: capTail(append([]string(nil), c.Decisions...), s.caps.Decisions),
		Concerns:  capTail(append([]string(nil), c.Concerns...), s.caps.Concerns),
		Notes:     capTail(append([]string(nil), c.Notes...), s.caps.Notes),
	}
	for k, v := range c.KeyFacts {
		s.contents.KeyFacts[k] = v
	}
	s.truncateFacts()
}

// PromptFragment renders a compact summary for inclusion in the system
// prompt. Empty categories are omitted; an empty scratchpad renders nothing.
func (s *Store) PromptFragment() string {
	c := s.Snapshot()

	var b strings.Builder
	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(title + ":\n")
		for _, item := range items {
			b.WriteString("- " + item + "\n")
		}
	}

	writeList("Tasks", c.TaskList)
	if len(c.KeyFacts) > 0 {
		b.WriteString("Key facts:\n")
		keys := make([]string, 0, len(c.KeyFacts))
		for k := range c.KeyFacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("- " + k + "=" + c.KeyFacts[k] + "\n")
		}
	}
	writeList("Decisions", c.Decisions)
	writeList("Concerns", c.Concerns)
	writeList("Notes", c.Notes)

	if b.Len() == 0 {
		return ""
	}
	return "CURRENT MEMORY:\n" + b.String()
}

func (s *Store) truncateFacts() {
	if s.caps.KeyFacts <= 0 || len(s.contents.KeyFacts) <= s.caps.KeyFacts {
		return
	}
	// Facts carry no insertion order; drop arbitrary extras.
	for k := range s.contents.KeyFacts {
		if len(s.contents.KeyFacts) <= s.caps.KeyFacts {
			break
		}
		delete(s.contents.KeyFacts, k)
	}
}

func appendCapped(items []string, payload string, max int) []string {
	items = append(items, payload)
	return capTail(items, max)
}

func capTail(items []string, max int) []string {
	if max > 0 && len(items) > max {
		items = items[len(items)-max:]
	}
	return items
}
