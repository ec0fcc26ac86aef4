package task

import (
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// PartKind distinguishes text from structured parts.
type PartKind string

const (
	PartText PartKind = "text"
	PartData PartKind = "data"
)

// Part is one ordered piece of a message or artifact.
type Part struct {
	Kind PartKind       `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart creates a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// DataPart creates a structured part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartData, Data: data}
}

// Message is one exchange unit of a task.
type Message struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, parts ...Part) Message {
	return Message{Role: role, Parts: parts, Timestamp: time.Now()}
}

// NewTextMessage creates a single-part text message.
func NewTextMessage(role Role, text string) Message {
	return NewMessage(role, TextPart(text))
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind != PartText || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (m Message) clone() Message {
	m.Parts = cloneParts(m.Parts)
	return m
}

// Artifact is a named output produced by a task.
type Artifact struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Parts       []Part    `json:"parts"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewArtifact creates an artifact with the given parts.
func NewArtifact(name string, parts ...Part) Artifact {
	return Artifact{Name: name, Parts: parts, CreatedAt: time.Now()}
}

func (a Artifact) clone() Artifact {
	a.Parts = cloneParts(a.Parts)
	return a
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p
		if p.Data != nil {
			out[i].Data = make(map[string]any, len(p.Data))
			for k, v := range p.Data {
				out[i].Data[k] = v
			}
		}
	}
	return out
}
