package models

// Payload is the typed view of the source-specific part of a central
// message. Exactly one of UserMessage, AgentResponse or SystemEvent.
type Payload interface {
	payload()
}

// UserMessage is a message typed by a person in a chat surface.
type UserMessage struct {
	DisplayName string
	Attachments []Attachment
}

// AgentResponse is a reply generated by an agent.
type AgentResponse struct {
	AgentName string
	Thought   string
	Actions   []string
}

// SystemEvent is anything else, e.g. bridge or bot traffic. Kind is the
// source type it was stored with.
type SystemEvent struct {
	Kind string
}

func (UserMessage) payload()   {}
func (AgentResponse) payload() {}
func (SystemEvent) payload()   {}

// PayloadOf classifies a stored message by its source type and decodes the
// matching fields from its raw payload and metadata.
func PayloadOf(m *Message) Payload {
	switch m.SourceType {
	case SourceTypeAgentResponse:
		p := AgentResponse{AgentName: m.MetaString("agentName")}
		p.Thought, _ = m.RawMessage["thought"].(string)
		if p.Thought == "" {
			p.Thought = m.MetaString("thought")
		}
		p.Actions = ParseStrings(m.RawMessage["actions"])
		if len(p.Actions) == 0 && m.Metadata != nil {
			p.Actions = ParseStrings(m.Metadata["actions"])
		}
		return p
	case "", SourceTypeGUI, SourceTypeSocket:
		p := UserMessage{DisplayName: m.MetaString("user_display_name")}
		if m.Metadata != nil {
			p.Attachments = ParseAttachments(m.Metadata["attachments"])
		}
		return p
	default:
		return SystemEvent{Kind: m.SourceType}
	}
}

// SenderName returns the display name carried by a payload, if any.
func SenderName(p Payload) string {
	switch p := p.(type) {
	case UserMessage:
		return p.DisplayName
	case AgentResponse:
		return p.AgentName
	}
	return ""
}

// ParseStrings reads a JSON-decoded string list.
func ParseStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ParseAttachments reads a JSON-decoded attachment list, skipping entries
// without a URL.
func ParseAttachments(v any) []Attachment {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Attachment
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		a := Attachment{}
		a.ID, _ = m["id"].(string)
		a.URL, _ = m["url"].(string)
		a.Title, _ = m["title"].(string)
		a.Source, _ = m["source"].(string)
		a.ContentType, _ = m["contentType"].(string)
		if a.URL != "" {
			out = append(out, a)
		}
	}
	return out
}
