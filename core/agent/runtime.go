package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mudler/xlog"
	"github.com/sashabaranov/go-openai"

	"github.com/semanticarchitectures/multi-agent-collab/core/channel"
	"github.com/semanticarchitectures/multi-agent-collab/core/mcptools"
	"github.com/semanticarchitectures/multi-agent-collab/core/types"
)

// Respond runs one full turn: assemble context, drive the LLM through the
// tool-use loop, and extract memory commands from the final utterance. An
// empty return with nil error means the agent declined to speak.
func (a *Agent) Respond(ctx context.Context, ch *channel.SharedChannel) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	xlog.Info("agent.turn.start", "agent_id", a.options.agentID, "callsign", a.options.callsign)

	text, err := a.runTurn(ctx, ch)

	outcome := "ok"
	if err != nil {
		outcome = string(types.KindOf(err))
	}
	xlog.Info("agent.turn.end", "agent_id", a.options.agentID, "callsign", a.options.callsign,
		"duration_ms", time.Since(start).Milliseconds(), "outcome", outcome)

	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text != "" {
		a.memory.ExtractCommands(text)
	}
	return text, nil
}

func (a *Agent) runTurn(ctx context.Context, ch *channel.SharedChannel) (string, error) {
	window := ch.ContextWindow(a.options.callsign, a.options.contextWindow)

	var catalog []mcptools.ToolDescriptor
	if a.options.tools != nil {
		catalog = a.options.tools.Registry().ListAll()
	}

	system := a.buildSystemPrompt(catalog)
	msgs := a.buildTranscript(window)
	tools := toOpenAITools(catalog)

	reply, err := a.complete(ctx, system, msgs, tools)
	if err != nil {
		return "", err
	}

	iter := 0
	for len(reply.ToolCalls) > 0 {
		iter++
		if iter > a.options.maxToolIterations {
			return "", types.NewError(types.KindLoopOverflow,
				fmt.Sprintf("tool-use loop exceeded %d iterations", a.options.maxToolIterations),
				types.ErrorContext{AgentID: a.options.agentID}, nil)
		}

		msgs = append(msgs, reply)

		// Results must line up with the order of the tool_use blocks.
		for _, tc := range reply.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: tc.ID,
				Content:    a.executeToolCall(ctx, tc),
			})
		}

		reply, err = a.complete(ctx, system, msgs, tools)
		if err != nil {
			return "", err
		}
	}

	return reply.Content, nil
}

// executeToolCall runs one requested tool and renders the result as tool
// content. Failures do not abort the loop: the classified error is handed
// back to the model as data.
func (a *Agent) executeToolCall(ctx context.Context, tc openai.ToolCall) string {
	if a.options.tools == nil {
		return fmt.Sprintf("ERROR[%s]: no tool servers are connected", types.KindToolNotFound)
	}

	arguments := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &arguments); err != nil {
			return fmt.Sprintf("ERROR[%s]: malformed tool arguments: %v", types.KindToolExecutionError, err)
		}
	}

	out, err := a.options.tools.Execute(ctx, tc.Function.Name, arguments, a.options.agentID)
	if err != nil {
		return fmt.Sprintf("ERROR[%s]: %v", types.KindOf(err), err)
	}
	return out
}

// complete issues one chat completion and unwraps the reply message. LLM
// failures surface as AgentResponseError; cancellation propagates untouched.
func (a *Agent) complete(ctx context.Context, system string, msgs []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	if err := ctx.Err(); err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	full := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	full = append(full, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	full = append(full, msgs...)

	resp, err := a.generator.Generate(ctx, openai.ChatCompletionRequest{
		Model:       a.options.model,
		Messages:    full,
		Temperature: a.options.temperature,
		MaxTokens:   a.options.maxTokens,
		Tools:       tools,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return openai.ChatCompletionMessage{}, err
		}
		return openai.ChatCompletionMessage{}, types.NewError(types.KindAgentResponse, "LLM request failed",
			types.ErrorContext{AgentID: a.options.agentID}, err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, types.NewError(types.KindAgentResponse, "LLM returned no choices",
			types.ErrorContext{AgentID: a.options.agentID}, nil)
	}
	return resp.Choices[0].Message, nil
}

// buildTranscript renders the context window as alternating sender-tagged
// turns: own messages become assistant turns, system messages keep the
// system role, everything else arrives as user input.
func (a *Agent) buildTranscript(window []*channel.Message) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage

	for _, msg := range window {
		switch {
		case msg.Kind == channel.KindSystem:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case msg.SenderID == a.options.agentID:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			})
		default:
			callsign := msg.SenderCallsign
			if callsign == "" {
				callsign = msg.SenderID
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("[%s]: %s", callsign, msg.Content),
			})
		}
	}

	if len(msgs) == 0 {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "Channel is active. Monitoring communications.",
		})
	}
	return msgs
}

func toOpenAITools(catalog []mcptools.ToolDescriptor) []openai.Tool {
	if len(catalog) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(catalog))
	for _, d := range catalog {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return tools
}
