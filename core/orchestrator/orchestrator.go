// Package orchestrator schedules agent turns over the shared channel:
// addressed messages route to a single station, broadcasts fan out to every
// agent whose speaking criteria fire, capped and prioritized.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/mudler/xlog"

	"github.com/semanticarchitectures/multi-agent-collab/core/agent"
	"github.com/semanticarchitectures/multi-agent-collab/core/channel"
	"github.com/semanticarchitectures/multi-agent-collab/core/mcptools"
	"github.com/semanticarchitectures/multi-agent-collab/core/types"
	"github.com/semanticarchitectures/multi-agent-collab/core/voicenet"
)

// Config carries the orchestration parameters.
type Config struct {
	MaxResponses int // broadcast responder cap R
	RecentWindow int // messages handed to speaking criteria
}

// DefaultConfig caps broadcasts at 3 responders and shows criteria the last
// 10 messages.
func DefaultConfig() Config {
	return Config{MaxResponses: 3, RecentWindow: 10}
}

// Orchestrator owns the agents and the shared channel for one session.
type Orchestrator struct {
	mu      sync.Mutex
	cfg     Config
	channel *channel.SharedChannel
	agents  []*agent.Agent
	tools   *mcptools.Manager
}

func New(ch *channel.SharedChannel, cfg Config) *Orchestrator {
	if cfg.MaxResponses <= 0 {
		cfg.MaxResponses = DefaultConfig().MaxResponses
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultConfig().RecentWindow
	}
	return &Orchestrator{cfg: cfg, channel: ch}
}

// AttachTools hands the orchestrator the tool client pool so Shutdown can
// close it with the session.
func (o *Orchestrator) AttachTools(m *mcptools.Manager) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tools = m
}

// AddAgent registers an agent. Callsigns must be unique after normalization.
func (o *Orchestrator) AddAgent(a *agent.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, existing := range o.agents {
		if voicenet.SameCallsign(existing.Callsign(), a.Callsign()) {
			return types.NewError(types.KindConfig,
				fmt.Sprintf("duplicate callsign %q", a.Callsign()),
				types.ErrorContext{AgentID: a.AgentID()}, nil)
		}
	}
	o.agents = append(o.agents, a)
	return nil
}

// Channel returns the shared message log.
func (o *Orchestrator) Channel() *channel.SharedChannel {
	return o.channel
}

// Agents returns registered agents in registration order.
func (o *Orchestrator) Agents() []*agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*agent.Agent(nil), o.agents...)
}

// SquadLeader returns the registered squad leader, or nil.
func (o *Orchestrator) SquadLeader() *agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.squadLeaderLocked()
}

func (o *Orchestrator) squadLeaderLocked() *agent.Agent {
	for _, a := range o.agents {
		if a.IsSquadLeader() {
			return a
		}
	}
	return nil
}

// Shutdown closes the tool client pool. Safe to call more than once.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	tools := o.tools
	o.mu.Unlock()
	if tools != nil {
		tools.Shutdown()
	}
}

type turnResult struct {
	agent   *agent.Agent
	message *channel.Message
}

// RunTurn processes one user message: append it, select responders, run them
// concurrently, and return the produced agent messages in responder priority
// order. Agent faults become System messages on the channel; they never fail
// the turn.
func (o *Orchestrator) RunTurn(ctx context.Context, senderCallsign, content string) []*channel.Message {
	userMsg := o.channel.AddMessage("user", senderCallsign, content, channel.KindUser)

	responders, broadcast := o.selectResponders(userMsg)

	results := o.dispatch(ctx, responders)

	spoke := 0
	for _, r := range results {
		if r.message != nil {
			spoke++
		}
	}

	// Broadcast with no takers falls to the squad leader.
	if broadcast && spoke == 0 {
		if leader := o.SquadLeader(); leader != nil {
			xlog.Debug("no responder spoke, falling back to squad leader", "callsign", leader.Callsign())
			if res := o.runAgent(ctx, leader); res.message != nil {
				results = append(results, res)
			}
		}
	}

	var out []*channel.Message
	for _, r := range results {
		if r.message != nil {
			out = append(out, r.message)
		}
	}
	return out
}

// selectResponders applies the addressing rules: a directed message goes to
// the matching station alone (or the squad leader when unknown); broadcasts
// go to every agent whose criteria fire, leader first, capped at R.
func (o *Orchestrator) selectResponders(userMsg *channel.Message) ([]*agent.Agent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	recipient := userMsg.RecipientCallsign
	if recipient != "" && !userMsg.Meta.IsBroadcast {
		for _, a := range o.agents {
			if voicenet.SameCallsign(a.Callsign(), recipient) {
				return []*agent.Agent{a}, false
			}
		}
		if leader := o.squadLeaderLocked(); leader != nil {
			xlog.Debug("unknown recipient, routing to squad leader", "recipient", recipient)
			return []*agent.Agent{leader}, false
		}
		return nil, false
	}

	var responders []*agent.Agent
	for _, a := range o.prioritizedLocked() {
		if len(responders) >= o.cfg.MaxResponses {
			break
		}
		if a.ShouldRespond(o.channel, o.cfg.RecentWindow) {
			responders = append(responders, a)
		}
	}
	return responders, true
}

// prioritizedLocked returns agents in responder priority order: squad leader
// first, then registration order.
func (o *Orchestrator) prioritizedLocked() []*agent.Agent {
	out := make([]*agent.Agent, 0, len(o.agents))
	if leader := o.squadLeaderLocked(); leader != nil {
		out = append(out, leader)
	}
	for _, a := range o.agents {
		if !a.IsSquadLeader() {
			out = append(out, a)
		}
	}
	return out
}

// dispatch runs the responders concurrently. Utterances are appended to the
// channel in completion order; the returned slice keeps responder priority
// order for the caller.
func (o *Orchestrator) dispatch(ctx context.Context, responders []*agent.Agent) []turnResult {
	results := make([]turnResult, len(responders))

	var wg sync.WaitGroup
	for i, a := range responders {
		wg.Add(1)
		go func(i int, a *agent.Agent) {
			defer wg.Done()
			results[i] = o.runAgent(ctx, a)
		}(i, a)
	}
	wg.Wait()
	return results
}

// runAgent executes one agent turn and appends the utterance (or a System
// failure notice) to the channel.
func (o *Orchestrator) runAgent(ctx context.Context, a *agent.Agent) turnResult {
	text, err := a.Respond(ctx, o.channel)
	if err != nil {
		kind := types.KindOf(err)
		xlog.Error("agent turn failed", "agent_id", a.AgentID(), "callsign", a.Callsign(), "error", err)
		o.channel.AddMessage("system", "", fmt.Sprintf("%s failed to respond (%s)", a.Callsign(), kind), channel.KindSystem)
		return turnResult{agent: a}
	}
	if text == "" {
		return turnResult{agent: a}
	}
	msg := o.channel.AddMessage(a.AgentID(), a.Callsign(), text, channel.KindAgent)
	return turnResult{agent: a, message: msg}
}
