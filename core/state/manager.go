// Package state persists and restores whole sessions: the message log plus
// every agent's scratchpad. Rows live in a local LevelDB keyed by session id;
// tool-server sessions are never part of a snapshot and are re-established on
// demand after a restore.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mudler/xlog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/semanticarchitectures/multi-agent-collab/core/agent"
	"github.com/semanticarchitectures/multi-agent-collab/core/channel"
	"github.com/semanticarchitectures/multi-agent-collab/core/memory"
	"github.com/semanticarchitectures/multi-agent-collab/core/types"
)

const sessionPrefix = "session/"

// ExportFormat selects the Export rendering.
type ExportFormat string

const (
	ExportStructured ExportFormat = "structured"
	ExportText       ExportFormat = "text"
)

// AgentState is one agent's persisted slice of a snapshot.
type AgentState struct {
	AgentID  string              `json:"agent_id"`
	Callsign string              `json:"callsign"`
	Memory   memory.Contents     `json:"memory"`
	Config   agent.ConfigSummary `json:"config"`
}

// Snapshot is the full durable session document.
type Snapshot struct {
	SessionID string             `json:"session_id"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Messages  []*channel.Message `json:"messages"`
	Agents    []AgentState       `json:"agent_states"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// Summary is the listing row for a stored session.
type Summary struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	AgentCount   int       `json:"agent_count"`
}

// Manager wraps the session store. Concurrent writers to the same session
// are serialized by the manager mutex; last writer wins.
type Manager struct {
	mu     sync.Mutex
	db     *leveldb.DB
	closed bool
}

// Open opens (or creates) the store at path.
func Open(path string) (*Manager, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, types.NewError(types.KindSnapshot, "failed to open session store", types.ErrorContext{}, err)
	}
	return &Manager{db: db}, nil
}

// Close releases the store. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Save upserts the session document built from the channel and agents. The
// original creation timestamp is preserved across updates.
func (m *Manager) Save(sessionID string, ch *channel.SharedChannel, agents []*agent.Agent, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.NewError(types.KindSnapshot, "session store is closed",
			types.ErrorContext{SessionID: sessionID}, nil)
	}

	now := time.Now()
	snap := Snapshot{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  ch.All(),
		Metadata:  metadata,
	}
	for _, a := range agents {
		snap.Agents = append(snap.Agents, AgentState{
			AgentID:  a.AgentID(),
			Callsign: a.Callsign(),
			Memory:   a.Memory().Snapshot(),
			Config:   a.Config(),
		})
	}

	if existing, err := m.load(sessionID); err == nil {
		snap.CreatedAt = existing.CreatedAt
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return types.NewError(types.KindSnapshot, "failed to serialize snapshot",
			types.ErrorContext{SessionID: sessionID}, err)
	}
	if err := m.db.Put([]byte(sessionPrefix+sessionID), raw, nil); err != nil {
		return types.NewError(types.KindSnapshot, "failed to write snapshot",
			types.ErrorContext{SessionID: sessionID}, err)
	}
	xlog.Info("session.save", "session_id", sessionID, "messages", len(snap.Messages), "agents", len(snap.Agents))
	return nil
}

// Load fetches the full session document.
func (m *Manager) Load(sessionID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, types.NewError(types.KindSnapshot, "session store is closed",
			types.ErrorContext{SessionID: sessionID}, nil)
	}

	snap, err := m.load(sessionID)
	if err != nil {
		return nil, err
	}
	xlog.Info("session.load", "session_id", sessionID, "messages", len(snap.Messages), "agents", len(snap.Agents))
	return snap, nil
}

func (m *Manager) load(sessionID string) (*Snapshot, error) {
	raw, err := m.db.Get([]byte(sessionPrefix+sessionID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, types.NewError(types.KindSnapshotNotFound, "unknown session",
			types.ErrorContext{SessionID: sessionID}, nil)
	}
	if err != nil {
		return nil, types.NewError(types.KindSnapshot, "failed to read snapshot",
			types.ErrorContext{SessionID: sessionID}, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, types.NewError(types.KindSnapshot, "failed to decode snapshot",
			types.ErrorContext{SessionID: sessionID}, err)
	}
	return &snap, nil
}

// List returns stored sessions ordered by creation time, newest first.
func (m *Manager) List(limit, offset int) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, types.NewError(types.KindSnapshot, "session store is closed", types.ErrorContext{}, nil)
	}

	var all []Summary
	iter := m.db.NewIterator(util.BytesPrefix([]byte(sessionPrefix)), nil)
	for iter.Next() {
		var snap Snapshot
		if err := json.Unmarshal(iter.Value(), &snap); err != nil {
			xlog.Warn("skipping undecodable snapshot row", "key", string(iter.Key()), "error", err)
			continue
		}
		all = append(all, Summary{
			SessionID:    snap.SessionID,
			CreatedAt:    snap.CreatedAt,
			UpdatedAt:    snap.UpdatedAt,
			MessageCount: len(snap.Messages),
			AgentCount:   len(snap.Agents),
		})
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, types.NewError(types.KindSnapshot, "failed to scan session store", types.ErrorContext{}, err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Delete removes a session.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.NewError(types.KindSnapshot, "session store is closed",
			types.ErrorContext{SessionID: sessionID}, nil)
	}

	if _, err := m.load(sessionID); err != nil {
		return err
	}
	if err := m.db.Delete([]byte(sessionPrefix+sessionID), nil); err != nil {
		return types.NewError(types.KindSnapshot, "failed to delete snapshot",
			types.ErrorContext{SessionID: sessionID}, err)
	}
	return nil
}

// Export renders a stored session either as the structured JSON document or
// as a human-readable transcript.
func (m *Manager) Export(sessionID string, format ExportFormat) (string, error) {
	snap, err := m.Load(sessionID)
	if err != nil {
		return "", err
	}

	switch format {
	case ExportStructured:
		raw, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return "", types.NewError(types.KindSnapshot, "failed to render snapshot",
				types.ErrorContext{SessionID: sessionID}, err)
		}
		return string(raw), nil
	case ExportText:
		var b strings.Builder
		fmt.Fprintf(&b, "Session %s (created %s)\n\n", snap.SessionID, snap.CreatedAt.Format(time.RFC3339))
		for _, msg := range snap.Messages {
			b.WriteString(msg.FormatForDisplay())
			b.WriteString("\n")
		}
		return b.String(), nil
	}
	return "", types.NewError(types.KindSnapshot, fmt.Sprintf("unknown export format %q", format),
		types.ErrorContext{SessionID: sessionID}, nil)
}

// RestoreChannel rebuilds a message log from a snapshot, preserving ids,
// timestamps and order.
func RestoreChannel(snap *Snapshot, maxHistory int) *channel.SharedChannel {
	ch := channel.NewSharedChannel(maxHistory)
	for _, msg := range snap.Messages {
		ch.Append(msg)
	}
	return ch
}

// ApplyMemories restores each agent's scratchpad from the snapshot, matched
// by agent id (falling back to callsign).
func ApplyMemories(snap *Snapshot, agents []*agent.Agent) {
	byID := map[string]AgentState{}
	byCallsign := map[string]AgentState{}
	for _, st := range snap.Agents {
		byID[st.AgentID] = st
		byCallsign[st.Callsign] = st
	}

	for _, a := range agents {
		st, ok := byID[a.AgentID()]
		if !ok {
			st, ok = byCallsign[a.Callsign()]
		}
		if !ok {
			continue
		}
		a.Memory().Restore(st.Memory)
	}
}
