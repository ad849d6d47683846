// Package agent implements the per-agent runtime: deciding whether to speak,
// driving the LLM through the bounded tool-use loop, and extracting memory
// commands from the final utterance.
package agent

import (
	"sync"

	"github.com/mudler/xlog"

	"github.com/semanticarchitectures/multi-agent-collab/core/channel"
	"github.com/semanticarchitectures/multi-agent-collab/core/memory"
	"github.com/semanticarchitectures/multi-agent-collab/core/types"
	"github.com/semanticarchitectures/multi-agent-collab/core/voicenet"
	"github.com/semanticarchitectures/multi-agent-collab/llm"
)

// Agent is one participant on the voice net. Turns of the same agent are
// serial: the mutex admits a single turn at a time.
type Agent struct {
	mu        sync.Mutex
	options   *options
	memory    *memory.Store
	generator *llm.Generator
}

// ConfigSummary is the agent configuration recorded in session snapshots.
type ConfigSummary struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Role        Role    `json:"role"`
}

// New builds an agent. Agent id, callsign and an LLM client are required.
func New(opts ...Option) (*Agent, error) {
	options, err := newOptions(opts...)
	if err != nil {
		return nil, types.NewError(types.KindConfig, "failed to set agent options", types.ErrorContext{}, err)
	}

	if options.agentID == "" {
		return nil, types.NewError(types.KindConfig, "agent id is required", types.ErrorContext{}, nil)
	}
	if options.callsign == "" {
		return nil, types.NewError(types.KindConfig, "agent callsign is required",
			types.ErrorContext{AgentID: options.agentID}, nil)
	}
	if options.client == nil {
		return nil, types.NewError(types.KindConfig, "agent requires an LLM client",
			types.ErrorContext{AgentID: options.agentID}, nil)
	}

	a := &Agent{
		options:   options,
		memory:    memory.NewStore(options.agentID, options.memoryCaps),
		generator: llm.NewGenerator(options.client, options.llmTimeout, options.retryCfg),
	}
	xlog.Info("agent.initialized", "agent_id", options.agentID, "callsign", options.callsign, "role", string(options.role))
	return a, nil
}

func (a *Agent) AgentID() string {
	return a.options.agentID
}

func (a *Agent) Callsign() string {
	return a.options.callsign
}

func (a *Agent) Role() Role {
	return a.options.role
}

func (a *Agent) IsSquadLeader() bool {
	return a.options.role == RoleSquadLeader
}

// Memory exposes the agent's scratchpad, mainly for snapshots and tests.
func (a *Agent) Memory() *memory.Store {
	return a.memory
}

// Config returns the snapshot summary of this agent's configuration.
func (a *Agent) Config() ConfigSummary {
	return ConfigSummary{
		Model:       a.options.model,
		Temperature: a.options.temperature,
		MaxTokens:   a.options.maxTokens,
		Role:        a.options.role,
	}
}

// ShouldRespond evaluates the agent's speaking criteria over the recent log.
func (a *Agent) ShouldRespond(ch *channel.SharedChannel, recentCount int) bool {
	recent := ch.Recent(recentCount)
	return a.options.criteria.ShouldRespond(a.options.agentID, a.options.callsign, recent)
}

// AssignTask formats a task assignment transmission to another station.
func (a *Agent) AssignTask(targetCallsign, task string) string {
	return voicenet.Format("assigning you the following task: "+task, a.options.callsign, targetCallsign, true)
}

// BroadcastToTeam formats an all-stations transmission from this agent.
func (a *Agent) BroadcastToTeam(body string) string {
	return voicenet.Format(body, a.options.callsign, "All stations", true)
}
