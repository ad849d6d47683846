package agent

import (
	"time"

	"github.com/semanticarchitectures/multi-agent-collab/core/mcptools"
	"github.com/semanticarchitectures/multi-agent-collab/core/memory"
	"github.com/semanticarchitectures/multi-agent-collab/llm"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/retry"
)

// Role distinguishes the squad leader from specialists.
type Role string

const (
	RoleSpecialist  Role = "specialist"
	RoleSquadLeader Role = "squad_leader"
)

type options struct {
	agentID      string
	callsign     string
	role         Role
	model        string
	temperature  float32
	maxTokens    int
	systemPrompt string

	criteria SpeakingCriteria
	tools    *mcptools.Manager
	client   llm.ChatCompleter

	llmTimeout        time.Duration
	retryCfg          retry.Config
	maxToolIterations int
	contextWindow     int
	memoryCaps        memory.Caps
}

type Option func(*options) error

func defaultOptions() *options {
	return &options{
		role:              RoleSpecialist,
		model:             "gpt-4o",
		temperature:       1.0,
		maxTokens:         1024,
		criteria:          DirectAddress{},
		llmTimeout:        llm.DefaultRequestTimeout,
		retryCfg:          retry.DefaultConfig(),
		maxToolIterations: 5,
		contextWindow:     20,
		memoryCaps:        memory.DefaultCaps(),
	}
}

func newOptions(opts ...Option) (*options, error) {
	options := defaultOptions()
	for _, o := range opts {
		if err := o(options); err != nil {
			return nil, err
		}
	}
	return options, nil
}

func WithAgentID(id string) Option {
	return func(o *options) error {
		o.agentID = id
		return nil
	}
}

func WithCallsign(callsign string) Option {
	return func(o *options) error {
		o.callsign = callsign
		return nil
	}
}

// AsSquadLeader marks the agent as the team's squad leader and gives it the
// leader's composite criteria, replacing any criteria set by an earlier
// option; a WithSpeakingCriteria placed after it takes precedence.
var AsSquadLeader = func(o *options) error {
	o.role = RoleSquadLeader
	o.criteria = Composite{Criteria: []SpeakingCriteria{DirectAddress{}, SquadLeader{}}}
	return nil
}

func WithModel(model string) Option {
	return func(o *options) error {
		o.model = model
		return nil
	}
}

func WithTemperature(t float32) Option {
	return func(o *options) error {
		o.temperature = t
		return nil
	}
}

func WithMaxTokens(n int) Option {
	return func(o *options) error {
		o.maxTokens = n
		return nil
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(o *options) error {
		o.systemPrompt = prompt
		return nil
	}
}

func WithSpeakingCriteria(c SpeakingCriteria) Option {
	return func(o *options) error {
		o.criteria = c
		return nil
	}
}

// WithTools gives the agent access to the tool client pool. Without it the
// agent runs with an empty tool catalog.
func WithTools(m *mcptools.Manager) Option {
	return func(o *options) error {
		o.tools = m
		return nil
	}
}

func WithLLMClient(c llm.ChatCompleter) Option {
	return func(o *options) error {
		o.client = c
		return nil
	}
}

func WithLLMTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.llmTimeout = d
		return nil
	}
}

func WithRetryConfig(cfg retry.Config) Option {
	return func(o *options) error {
		o.retryCfg = cfg
		return nil
	}
}

func WithMaxToolIterations(n int) Option {
	return func(o *options) error {
		o.maxToolIterations = n
		return nil
	}
}

func WithContextWindow(w int) Option {
	return func(o *options) error {
		o.contextWindow = w
		return nil
	}
}

func WithMemoryCaps(caps memory.Caps) Option {
	return func(o *options) error {
		o.memoryCaps = caps
		return nil
	}
}
