package agent_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sashabaranov/go-openai"

	"github.com/semanticarchitectures/multi-agent-collab/core/agent"
	"github.com/semanticarchitectures/multi-agent-collab/core/channel"
	"github.com/semanticarchitectures/multi-agent-collab/core/mcptools"
	"github.com/semanticarchitectures/multi-agent-collab/core/types"
	"github.com/semanticarchitectures/multi-agent-collab/llm"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/circuitbreaker"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/retry"
)

// mockLLM replays a scripted sequence of completions and records every
// request it sees.
type mockLLM struct {
	mu       sync.Mutex
	script   []openai.ChatCompletionResponse
	err      error
	requests []openai.ChatCompletionRequest
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	if len(m.script) == 0 {
		return textResponse(""), nil
	}
	next := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	return next, nil
}

func (m *mockLLM) Requests() []openai.ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), m.requests...)
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
	}
}

func toolCallResponse(id, name, arguments string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   id,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      name,
						Arguments: arguments,
					},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}
}

func newTestAgent(client llm.ChatCompleter, extra ...agent.Option) *agent.Agent {
	opts := append([]agent.Option{
		agent.WithAgentID("agent-1"),
		agent.WithCallsign("ALPHA-ONE"),
		agent.WithLLMClient(client),
		agent.WithRetryConfig(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Base: 2}),
	}, extra...)
	a, err := agent.New(opts...)
	Expect(err).ToNot(HaveOccurred())
	return a
}

// airportToolManager builds a tool pool backed by an in-memory MCP server
// exposing search_airports.
func airportToolManager(ctx context.Context) *mcptools.Manager {
	server := mcp.NewServer(&mcp.Implementation{Name: "aviation", Version: "v1.0.0"}, nil)
	type searchArgs struct {
		Query string `json:"query"`
	}
	mcp.AddTool(server, &mcp.Tool{Name: "search_airports", Description: "search airports near a location"},
		func(ctx context.Context, req *mcp.CallToolRequest, args searchArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `[{"code":"SFO"}]`}}}, nil, nil
		})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, serverTransport, nil)
	Expect(err).ToNot(HaveOccurred())

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	Expect(err).ToNot(HaveOccurred())

	manager := mcptools.NewManager(
		circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
		retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Base: 2},
		time.Second,
	)
	Expect(manager.AttachSession(ctx, "aviation", session, 0)).To(Succeed())
	return manager
}

var _ = Describe("Agent runtime", func() {
	var (
		ctx context.Context
		ch  *channel.SharedChannel
	)

	BeforeEach(func() {
		ctx = context.Background()
		ch = channel.NewSharedChannel(50)
		ch.AddMessage("user", "COMMAND", "Alpha One, this is Command, search airports near San Francisco, over.", channel.KindUser)
	})

	It("returns the utterance for a plain text reply", func() {
		client := &mockLLM{script: []openai.ChatCompletionResponse{
			textResponse("Command, this is Alpha One, on station, over."),
		}}
		a := newTestAgent(client)

		text, err := a.Respond(ctx, ch)
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(Equal("Command, this is Alpha One, on station, over."))
	})

	It("runs the tool-use loop against a live tool server", func() {
		tools := airportToolManager(ctx)
		defer tools.Shutdown()

		client := &mockLLM{script: []openai.ChatCompletionResponse{
			toolCallResponse("call_1", "search_airports", `{"query":"San Francisco"}`),
			textResponse("Command, this is Alpha One, found SFO, over."),
		}}
		a := newTestAgent(client, agent.WithTools(tools))

		text, err := a.Respond(ctx, ch)
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(ContainSubstring("found SFO"))

		// The second request must carry the tool result, in tool-call order.
		requests := client.Requests()
		Expect(requests).To(HaveLen(2))
		last := requests[1].Messages[len(requests[1].Messages)-1]
		Expect(last.Role).To(Equal(openai.ChatMessageRoleTool))
		Expect(last.ToolCallID).To(Equal("call_1"))
		Expect(last.Content).To(ContainSubstring("SFO"))

		// Catalog advertised to the model.
		Expect(requests[0].Tools).To(HaveLen(1))
		Expect(requests[0].Tools[0].Function.Name).To(Equal("search_airports"))

		history := tools.History("agent-1", 10)
		Expect(history).To(HaveLen(1))
		Expect(history[0].ServerName).To(Equal("aviation"))
		Expect(history[0].DurationMS).To(BeNumerically(">=", 0))
	})

	It("aborts with OverflowError when the loop exceeds the iteration bound", func() {
		tools := airportToolManager(ctx)
		defer tools.Shutdown()

		client := &mockLLM{script: []openai.ChatCompletionResponse{
			toolCallResponse("call_n", "search_airports", `{"query":"anywhere"}`),
		}}
		a := newTestAgent(client, agent.WithTools(tools), agent.WithMaxToolIterations(2))

		_, err := a.Respond(ctx, ch)
		Expect(errors.Is(err, types.ErrLoopOverflow)).To(BeTrue())
	})

	It("feeds tool failures back to the model as data", func() {
		client := &mockLLM{script: []openai.ChatCompletionResponse{
			toolCallResponse("call_1", "search_airports", `{"query":"x"}`),
			textResponse("Command, this is Alpha One, unable to search, over."),
		}}
		// No tool manager attached: the call cannot resolve.
		a := newTestAgent(client)

		text, err := a.Respond(ctx, ch)
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(ContainSubstring("unable to search"))

		requests := client.Requests()
		Expect(requests).To(HaveLen(2))
		last := requests[1].Messages[len(requests[1].Messages)-1]
		Expect(last.Role).To(Equal(openai.ChatMessageRoleTool))
		Expect(last.Content).To(ContainSubstring("ERROR[ToolNotFound]"))
	})

	It("aborts the turn with AgentResponseError on a hard LLM failure", func() {
		client := &mockLLM{err: errors.New("model exploded")}
		a := newTestAgent(client)

		_, err := a.Respond(ctx, ch)
		Expect(errors.Is(err, types.ErrAgentResponse)).To(BeTrue())
	})

	It("observes cancellation before issuing the LLM call", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		client := &mockLLM{script: []openai.ChatCompletionResponse{textResponse("never")}}
		a := newTestAgent(client)

		_, err := a.Respond(cancelled, ch)
		Expect(err).To(HaveOccurred())
		Expect(client.Requests()).To(BeEmpty())
	})

	It("extracts MEMORIZE commands from the final utterance", func() {
		client := &mockLLM{script: []openai.ChatCompletionResponse{
			textResponse("Command, this is Alpha One, search complete, over.\nMEMORIZE[task]: Verify KBOS weather\nMEMORIZE[fact]: airport=KBOS"),
		}}
		a := newTestAgent(client)

		_, err := a.Respond(ctx, ch)
		Expect(err).ToNot(HaveOccurred())

		snap := a.Memory().Snapshot()
		Expect(snap.TaskList).To(ContainElement("Verify KBOS weather"))
		Expect(snap.KeyFacts).To(HaveKeyWithValue("airport", "KBOS"))
	})

	It("treats an empty reply as declining to speak", func() {
		client := &mockLLM{script: []openai.ChatCompletionResponse{textResponse("   ")}}
		a := newTestAgent(client)

		text, err := a.Respond(ctx, ch)
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(BeEmpty())
	})

	It("layers memory and the tool catalog into the system prompt", func() {
		tools := airportToolManager(ctx)
		defer tools.Shutdown()

		client := &mockLLM{script: []openai.ChatCompletionResponse{textResponse("Roger.")}}
		a := newTestAgent(client, agent.WithTools(tools), agent.WithSystemPrompt("You are the airport specialist."))
		Expect(a.Memory().Update("fact", "sector=north")).To(Succeed())

		_, err := a.Respond(ctx, ch)
		Expect(err).ToNot(HaveOccurred())

		system := client.Requests()[0].Messages[0]
		Expect(system.Role).To(Equal(openai.ChatMessageRoleSystem))
		Expect(system.Content).To(ContainSubstring("You are ALPHA-ONE"))
		Expect(system.Content).To(ContainSubstring("You are the airport specialist."))
		Expect(system.Content).To(ContainSubstring("sector=north"))
		Expect(system.Content).To(ContainSubstring("search_airports"))
		Expect(system.Content).To(ContainSubstring("MEMORIZE[category]"))
	})

	It("serializes turns of the same agent", func() {
		release := make(chan struct{})
		started := make(chan struct{}, 2)
		client := &blockingLLM{release: release, started: started}
		a := newTestAgent(client)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = a.Respond(ctx, ch)
			}()
		}

		// Only one turn may be inside the LLM at a time.
		Eventually(started).Should(Receive())
		Consistently(started, 50*time.Millisecond).ShouldNot(Receive())

		close(release)
		wg.Wait()
	})
})

// blockingLLM parks every completion until released, to observe concurrency.
type blockingLLM struct {
	release chan struct{}
	started chan struct{}
}

func (b *blockingLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	b.started <- struct{}{}
	<-b.release
	return textResponse("Roger."), nil
}
