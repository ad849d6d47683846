package state_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sashabaranov/go-openai"

	"github.com/semanticarchitectures/multi-agent-collab/core/agent"
	"github.com/semanticarchitectures/multi-agent-collab/core/channel"
	"github.com/semanticarchitectures/multi-agent-collab/core/state"
	"github.com/semanticarchitectures/multi-agent-collab/core/types"
)

type nullLLM struct{}

func (nullLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, errors.New("not wired in this test")
}

func testAgent(id, callsign string, opts ...agent.Option) *agent.Agent {
	base := []agent.Option{
		agent.WithAgentID(id),
		agent.WithCallsign(callsign),
		agent.WithLLMClient(nullLLM{}),
	}
	a, err := agent.New(append(base, opts...)...)
	Expect(err).ToNot(HaveOccurred())
	return a
}

var _ = Describe("Manager", func() {
	var (
		store  *state.Manager
		ch     *channel.SharedChannel
		agents []*agent.Agent
	)

	BeforeEach(func() {
		var err error
		store, err = state.Open(filepath.Join(GinkgoT().TempDir(), "sessions.db"))
		Expect(err).ToNot(HaveOccurred())

		ch = channel.NewSharedChannel(100)
		ch.AddMessage("user", "COMMAND", "Alpha One, this is Command, search airports near KBOS, over.", channel.KindUser)
		ch.AddMessage("agent-1", "ALPHA-ONE", "Command, this is Alpha One, searching now, over.", channel.KindAgent)

		a1 := testAgent("agent-1", "ALPHA-ONE")
		Expect(a1.Memory().Update("task", "Verify KBOS weather")).To(Succeed())
		Expect(a1.Memory().Update("fact", "location=Boston")).To(Succeed())

		a2 := testAgent("agent-2", "ALPHA-TWO")
		Expect(a2.Memory().Update("note", "Note 1")).To(Succeed())

		agents = []*agent.Agent{a1, a2}
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("round-trips a session: messages, memory and metadata", func() {
		Expect(store.Save("m1", ch, agents, map[string]string{"description": "test session"})).To(Succeed())

		snap, err := store.Load("m1")
		Expect(err).ToNot(HaveOccurred())
		Expect(snap.SessionID).To(Equal("m1"))
		Expect(snap.Metadata).To(HaveKeyWithValue("description", "test session"))

		original := ch.All()
		Expect(snap.Messages).To(HaveLen(len(original)))
		for i, msg := range snap.Messages {
			Expect(msg.ID).To(Equal(original[i].ID))
			Expect(msg.Content).To(Equal(original[i].Content))
			Expect(msg.SenderCallsign).To(Equal(original[i].SenderCallsign))
		}

		Expect(snap.Agents).To(HaveLen(2))
		Expect(snap.Agents[0].Memory.TaskList).To(Equal([]string{"Verify KBOS weather"}))
		Expect(snap.Agents[0].Memory.KeyFacts).To(HaveKeyWithValue("location", "Boston"))
		Expect(snap.Agents[1].Memory.Notes).To(Equal([]string{"Note 1"}))
	})

	It("restores the channel and agent memories into a fresh engine", func() {
		Expect(store.Save("m1", ch, agents, nil)).To(Succeed())

		snap, err := store.Load("m1")
		Expect(err).ToNot(HaveOccurred())

		restoredCh := state.RestoreChannel(snap, 100)
		Expect(restoredCh.All()).To(HaveLen(2))
		Expect(restoredCh.All()[0].ID).To(Equal(ch.All()[0].ID))

		fresh := []*agent.Agent{
			testAgent("agent-1", "ALPHA-ONE"),
			testAgent("agent-2", "ALPHA-TWO"),
		}
		state.ApplyMemories(snap, fresh)
		Expect(fresh[0].Memory().Snapshot().TaskList).To(Equal([]string{"Verify KBOS weather"}))
		Expect(fresh[1].Memory().Snapshot().Notes).To(Equal([]string{"Note 1"}))
	})

	It("preserves eviction order past the history bound", func() {
		small := channel.NewSharedChannel(5)
		for i := 0; i < 8; i++ {
			small.AddMessage("user", "COMMAND", fmt.Sprintf("message %d", i), channel.KindUser)
		}

		Expect(store.Save("evicted", small, nil, nil)).To(Succeed())
		snap, err := store.Load("evicted")
		Expect(err).ToNot(HaveOccurred())

		Expect(snap.Messages).To(HaveLen(5))
		Expect(snap.Messages[0].Content).To(Equal("message 3"))
		Expect(snap.Messages[4].Content).To(Equal("message 7"))

		restored := state.RestoreChannel(snap, 5)
		Expect(restored.Len()).To(Equal(5))
		Expect(restored.All()[0].Content).To(Equal("message 3"))
	})

	It("upserts on repeated saves, keeping the creation timestamp", func() {
		Expect(store.Save("m1", ch, agents, map[string]string{"version": "1"})).To(Succeed())
		first, err := store.Load("m1")
		Expect(err).ToNot(HaveOccurred())

		ch.AddMessage("user", "COMMAND", "another message", channel.KindUser)
		Expect(store.Save("m1", ch, agents, map[string]string{"version": "2"})).To(Succeed())

		second, err := store.Load("m1")
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Messages).To(HaveLen(3))
		Expect(second.Metadata).To(HaveKeyWithValue("version", "2"))
		Expect(second.CreatedAt).To(BeTemporally("~", first.CreatedAt, time.Millisecond))
	})

	It("fails with SnapshotNotFound for unknown sessions", func() {
		_, err := store.Load("nope")
		Expect(errors.Is(err, types.ErrSnapshotNotFound)).To(BeTrue())

		Expect(errors.Is(store.Delete("nope"), types.ErrSnapshotNotFound)).To(BeTrue())
	})

	It("lists sessions newest first with limit and offset", func() {
		for i := 0; i < 3; i++ {
			Expect(store.Save(fmt.Sprintf("session-%d", i), ch, agents, nil)).To(Succeed())
			time.Sleep(5 * time.Millisecond)
		}

		sessions, err := store.List(0, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(sessions).To(HaveLen(3))
		Expect(sessions[0].SessionID).To(Equal("session-2"))
		Expect(sessions[2].SessionID).To(Equal("session-0"))
		Expect(sessions[0].MessageCount).To(Equal(2))
		Expect(sessions[0].AgentCount).To(Equal(2))

		limited, err := store.List(1, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(limited).To(HaveLen(1))
		Expect(limited[0].SessionID).To(Equal("session-1"))
	})

	It("deletes sessions", func() {
		Expect(store.Save("m1", ch, agents, nil)).To(Succeed())
		Expect(store.Delete("m1")).To(Succeed())
		_, err := store.Load("m1")
		Expect(errors.Is(err, types.ErrSnapshotNotFound)).To(BeTrue())
	})

	It("exports structured and text formats", func() {
		Expect(store.Save("m1", ch, agents, nil)).To(Succeed())

		structured, err := store.Export("m1", state.ExportStructured)
		Expect(err).ToNot(HaveOccurred())
		Expect(structured).To(ContainSubstring(`"session_id": "m1"`))

		text, err := store.Export("m1", state.ExportText)
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(ContainSubstring("Session m1"))
		Expect(text).To(ContainSubstring("ALPHA-ONE"))
	})

	It("closes idempotently", func() {
		Expect(store.Close()).To(Succeed())
		Expect(store.Close()).To(Succeed())

		// Reopen so AfterEach can close again without error.
		var err error
		store, err = state.Open(filepath.Join(GinkgoT().TempDir(), "sessions2.db"))
		Expect(err).ToNot(HaveOccurred())
	})
})
