// Package voicenet implements the pilot-ATC style addressing protocol used on
// the shared channel:
//
//	"[Recipient], this is [Sender], [message], over."
//	"Roger, [acknowledgment]"
//	"All stations, this is [Sender], [message], over."
package voicenet

import (
	"regexp"
	"strings"
)

// MessageType classifies the intent of a transmission body.
type MessageType string

const (
	TypeRequest        MessageType = "request"
	TypeReport         MessageType = "report"
	TypeCommand        MessageType = "command"
	TypeAcknowledgment MessageType = "acknowledgment"
	TypeQuery          MessageType = "query"
)

// ParsedMessage is the result of parsing a transmission.
type ParsedMessage struct {
	Sender      string
	Recipient   string
	Body        string
	IsOver      bool
	IsBroadcast bool
	Type        MessageType
}

var (
	// "[Recipient], this is [Sender], [content], over."
	fullPattern = regexp.MustCompile(`(?i)^(?P<recipient>[\w\s-]+),\s+this\s+is\s+(?P<sender>[\w\s-]+),\s+(?P<content>.+?)(?:,\s*over)?\.?$`)

	// "All stations/units/agents, this is [Sender], [content]"
	broadcastPattern = regexp.MustCompile(`(?i)^(?:all\s+(?:stations|units|agents)),\s+this\s+is\s+(?P<sender>[\w\s-]+),\s+(?P<content>.+?)(?:,\s*over)?\.?$`)

	// "Roger, [content]" / "Copy, [content]" / "Wilco."
	ackPattern = regexp.MustCompile(`(?i)^(?:roger|copy|wilco)\b[,.]?\s*(?P<content>.*?)\.?$`)

	// "[Recipient], [content]" shortened form
	directPattern = regexp.MustCompile(`(?i)^(?P<recipient>[\w\s-]+),\s+(?P<content>.+?)(?:,\s*over)?\.?$`)

	normalizeRuns    = regexp.MustCompile(`[\s_-]+`)
	trailingPunct    = regexp.MustCompile(`[^\w]+$`)
	queryKeywords    = []string{"what", "when", "where", "how", "why", "which", "who"}
	commandKeywords  = []string{"search", "calculate", "compute", "find", "plan", "execute", "perform", "check", "release"}
	requestKeywords  = []string{"please", "need", "require", "request", "can you", "could you", "would you"}
	ackKeywords      = []string{"roger", "copy", "wilco"}
	broadcastTargets = map[string]bool{"ALL": true, "ALL-STATIONS": true, "ALL-UNITS": true, "ALL-AGENTS": true, "EVERYONE": true}
)

// NormalizeCallsign maps a callsign to its canonical matching form: uppercase,
// runs of spaces/underscores/hyphens collapsed to a single hyphen, trailing
// punctuation stripped. "Alpha One" and "ALPHA_ONE." both normalize to
// "ALPHA-ONE".
func NormalizeCallsign(callsign string) string {
	c := strings.TrimSpace(callsign)
	c = trailingPunct.ReplaceAllString(c, "")
	c = normalizeRuns.ReplaceAllString(c, "-")
	return strings.ToUpper(c)
}

// SameCallsign reports whether two callsigns match after normalization.
func SameCallsign(a, b string) bool {
	return NormalizeCallsign(a) == NormalizeCallsign(b)
}

// IsBroadcastTarget reports whether a recipient callsign addresses the whole
// net.
func IsBroadcastTarget(recipient string) bool {
	return broadcastTargets[NormalizeCallsign(recipient)]
}

// Parse decodes a transmission into its addressing parts and classifies the
// body. Unparseable input comes back with an empty recipient and the whole
// string as body.
func Parse(message string) ParsedMessage {
	message = strings.TrimSpace(message)
	lower := strings.ToLower(message)
	isOver := strings.Contains(lower, "over")

	if m := namedMatch(broadcastPattern, message); m != nil {
		body := strings.TrimSpace(m["content"])
		return ParsedMessage{
			Sender:      strings.TrimSpace(m["sender"]),
			Recipient:   "ALL",
			Body:        body,
			IsOver:      isOver,
			IsBroadcast: true,
			Type:        classify(body),
		}
	}

	if m := namedMatch(fullPattern, message); m != nil {
		recipient := strings.TrimSpace(m["recipient"])
		body := strings.TrimSpace(m["content"])
		return ParsedMessage{
			Sender:      strings.TrimSpace(m["sender"]),
			Recipient:   recipient,
			Body:        body,
			IsOver:      isOver,
			IsBroadcast: IsBroadcastTarget(recipient),
			Type:        classify(body),
		}
	}

	if hasLeadingAck(lower) {
		m := namedMatch(ackPattern, message)
		body := ""
		if m != nil {
			body = strings.TrimSpace(m["content"])
		}
		return ParsedMessage{
			Body:   body,
			IsOver: isOver,
			Type:   TypeAcknowledgment,
		}
	}

	if m := namedMatch(directPattern, message); m != nil {
		recipient := strings.TrimSpace(m["recipient"])
		body := strings.TrimSpace(m["content"])
		return ParsedMessage{
			Recipient:   recipient,
			Body:        body,
			IsOver:      isOver,
			IsBroadcast: IsBroadcastTarget(recipient),
			Type:        classify(body),
		}
	}

	return ParsedMessage{
		Body:   message,
		IsOver: isOver,
		Type:   classify(message),
	}
}

// ExtractCallsigns returns the (sender, recipient) addressing of a raw
// transmission.
func ExtractCallsigns(message string) (string, string) {
	parsed := Parse(message)
	return parsed.Sender, parsed.Recipient
}

func namedMatch(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" {
			out[name] = m[i]
		}
	}
	return out
}

func hasLeadingAck(lower string) bool {
	for _, kw := range ackKeywords {
		if lower == kw || strings.HasPrefix(lower, kw+",") || strings.HasPrefix(lower, kw+".") || strings.HasPrefix(lower, kw+" ") {
			return true
		}
	}
	return false
}

// classify detects message intent. Priority order is fixed: acknowledgment,
// query, command, request, then report as the default.
func classify(body string) MessageType {
	lower := strings.ToLower(strings.TrimSpace(body))

	if hasLeadingAck(lower) {
		return TypeAcknowledgment
	}

	for _, kw := range queryKeywords {
		if lower == kw || strings.HasPrefix(lower, kw+" ") || strings.HasPrefix(lower, kw+"'") {
			return TypeQuery
		}
	}
	if strings.Contains(lower, "?") {
		return TypeQuery
	}

	for _, kw := range commandKeywords {
		if ContainsWord(lower, kw) {
			return TypeCommand
		}
	}

	for _, kw := range requestKeywords {
		if ContainsWord(lower, kw) {
			return TypeRequest
		}
	}

	return TypeReport
}

// ContainsWord reports whether word occurs in s on word boundaries. Both
// arguments are expected to be lowercase already.
func ContainsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(s[i-1])
		afterIdx := i + len(word)
		after := afterIdx >= len(s) || !isWordChar(s[afterIdx])
		if before && after {
			return true
		}
		idx = i + len(word)
		if idx >= len(s) {
			return false
		}
	}
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Format renders an addressed transmission: "<Recipient>, this is <Sender>,
// <body>, over."
func Format(body, sender, recipient string, addOver bool) string {
	var msg string
	if recipient != "" {
		msg = recipient + ", this is " + sender + ", " + body
	} else {
		msg = sender + ", " + body
	}

	if addOver && !strings.HasSuffix(msg, "over") {
		msg += ", over"
	}
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return msg
}

// FormatRoger renders an acknowledgment transmission.
func FormatRoger(body string) string {
	msg := "Roger"
	if body != "" {
		msg += ", " + body
	}
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return msg
}

// FormatCopy renders a confirmation transmission.
func FormatCopy(body string) string {
	msg := "Copy"
	if body != "" {
		msg += ", " + body
	}
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return msg
}
