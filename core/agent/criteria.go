package agent

import (
	"strings"

	"github.com/semanticarchitectures/multi-agent-collab/core/channel"
	"github.com/semanticarchitectures/multi-agent-collab/core/voicenet"
)

// SpeakingCriteria decides whether an agent takes the floor given the recent
// log. Implementations never fire on the agent's own messages.
type SpeakingCriteria interface {
	ShouldRespond(agentID, callsign string, recent []*channel.Message) bool
}

// latestOther returns the most recent message not sent by this agent, or nil.
func latestOther(agentID, callsign string, recent []*channel.Message) *channel.Message {
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		if msg.SenderID == agentID || msg.IsFrom(callsign) {
			continue
		}
		return msg
	}
	return nil
}

// latest returns the newest message unless this agent sent it, in which case
// nil: an agent never speaks in response to its own transmission.
func latest(agentID, callsign string, recent []*channel.Message) *channel.Message {
	if len(recent) == 0 {
		return nil
	}
	msg := recent[len(recent)-1]
	if msg.SenderID == agentID || msg.IsFrom(callsign) {
		return nil
	}
	return msg
}

// DirectAddress fires when the most recent non-self message is addressed to
// this agent's callsign.
type DirectAddress struct{}

func (DirectAddress) ShouldRespond(agentID, callsign string, recent []*channel.Message) bool {
	latest := latestOther(agentID, callsign, recent)
	if latest == nil || latest.RecipientCallsign == "" {
		return false
	}
	if latest.Meta.IsBroadcast {
		return false
	}
	return voicenet.SameCallsign(latest.RecipientCallsign, callsign)
}

// Keywords fires when the most recent message contains any of the configured
// keywords, matched case-insensitively on word boundaries.
type Keywords struct {
	Words []string
}

func (k Keywords) ShouldRespond(agentID, callsign string, recent []*channel.Message) bool {
	msg := latest(agentID, callsign, recent)
	if msg == nil {
		return false
	}
	content := strings.ToLower(msg.Content)
	for _, word := range k.Words {
		if voicenet.ContainsWord(content, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

// Question fires when the most recent message is a query.
type Question struct{}

func (Question) ShouldRespond(agentID, callsign string, recent []*channel.Message) bool {
	msg := latest(agentID, callsign, recent)
	if msg == nil {
		return false
	}
	return msg.Meta.Type == voicenet.TypeQuery
}

// SquadLeader is the coordination criterion for squad leaders: a message
// addressed to it directly or as a broadcast, a coordination keyword, or an
// unaddressed question.
type SquadLeader struct {
	CoordinationKeywords []string
}

// DefaultCoordinationKeywords are the triggers that pull the leader in.
var DefaultCoordinationKeywords = []string{"help", "stuck", "unclear", "coordinate", "organize", "plan"}

func (s SquadLeader) ShouldRespond(agentID, callsign string, recent []*channel.Message) bool {
	msg := latest(agentID, callsign, recent)
	if msg == nil {
		return false
	}

	if msg.IsAddressedTo(callsign) {
		return true
	}

	keywords := s.CoordinationKeywords
	if len(keywords) == 0 {
		keywords = DefaultCoordinationKeywords
	}
	content := strings.ToLower(msg.Content)
	for _, word := range keywords {
		if voicenet.ContainsWord(content, strings.ToLower(word)) {
			return true
		}
	}

	// Unaddressed questions fall to the leader.
	if msg.Meta.Type == voicenet.TypeQuery && msg.RecipientCallsign == "" {
		return true
	}
	return false
}

// Composite combines criteria with OR.
type Composite struct {
	Criteria []SpeakingCriteria
}

func (c Composite) ShouldRespond(agentID, callsign string, recent []*channel.Message) bool {
	for _, criterion := range c.Criteria {
		if criterion.ShouldRespond(agentID, callsign, recent) {
			return true
		}
	}
	return false
}
