package a2a

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role 消息发送方角色
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind 消息片段类型
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
	PartKindFile PartKind = "file"
)

// FileContent 文件片段内容，URI 与 Bytes（base64）二选一
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
}

// Part 消息的原子片段：文本、结构化数据或文件
type Part struct {
	Kind     PartKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewTextPart 创建文本片段
func NewTextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// NewDataPart 创建结构化数据片段
func NewDataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// NewFilePart 创建文件片段
func NewFilePart(file FileContent) Part {
	return Part{Kind: PartKindFile, File: &file}
}

// Validate 校验片段与其类型匹配
func (p Part) Validate() error {
	switch p.Kind {
	case PartKindText:
		return nil
	case PartKindData:
		if p.Data == nil {
			return fmt.Errorf("%w: data part without data", ErrInvalidMessage)
		}
	case PartKindFile:
		if p.File == nil || (p.File.URI == "" && p.File.Bytes == "") {
			return fmt.Errorf("%w: file part needs uri or bytes", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown part kind %q", ErrInvalidMessage, p.Kind)
	}
	return nil
}

// Message 一次通信的原子单元
type Message struct {
	Kind      string         `json:"kind"`
	MessageID string         `json:"messageId"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage 创建带随机 ID 的消息
func NewMessage(role Role, parts ...Part) *Message {
	return &Message{
		Kind:      KindMessage,
		MessageID: uuid.New().String(),
		Role:      role,
		Parts:     parts,
	}
}

// NewAgentText 创建单文本片段的 agent 消息
func NewAgentText(text string) *Message {
	return NewMessage(RoleAgent, NewTextPart(text))
}

// Validate 校验消息结构
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("%w: invalid role %q", ErrInvalidMessage, m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("%w: message has no parts", ErrInvalidMessage)
	}
	for i, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// Clone 深拷贝消息
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Parts = cloneParts(m.Parts)
	c.Metadata = CloneMap(m.Metadata)
	return &c
}

// Text 按顺序拼接所有文本片段
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// DataParts 返回所有结构化数据片段
func (m *Message) DataParts() []map[string]any {
	if m == nil {
		return nil
	}
	var out []map[string]any
	for _, p := range m.Parts {
		if p.Kind == PartKindData && p.Data != nil {
			out = append(out, p.Data)
		}
	}
	return out
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p
		out[i].Data = CloneMap(p.Data)
		out[i].Metadata = CloneMap(p.Metadata)
		if p.File != nil {
			f := *p.File
			out[i].File = &f
		}
	}
	return out
}
