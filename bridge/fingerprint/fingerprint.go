// Package fingerprint 根据消息内容计算稳定哈希，并提供以哈希为键的任务缓存。
//
// 指纹只用作缓存键，不参与认证；碰撞的风险由调用方在复用前
// 查询远端任务的实时状态来兜底。
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
)

// canonicalPart 参与哈希的片段内容；文件字节只取摘要
type canonicalPart struct {
	Kind     a2a.PartKind   `json:"k"`
	Text     string         `json:"t,omitempty"`
	Data     map[string]any `json:"d,omitempty"`
	FileName string         `json:"fn,omitempty"`
	MimeType string         `json:"fm,omitempty"`
	URI      string         `json:"fu,omitempty"`
	BytesSum string         `json:"fb,omitempty"`
}

// Compute 返回消息片段的 SHA256 十六进制摘要。
// 只看片段内容，消息 ID、上下文与元数据不影响结果。
func Compute(msg *a2a.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("fingerprint: nil message")
	}

	parts := make([]canonicalPart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		cp := canonicalPart{Kind: p.Kind}
		switch p.Kind {
		case a2a.PartKindText:
			cp.Text = p.Text
		case a2a.PartKindData:
			cp.Data = p.Data
		case a2a.PartKindFile:
			if p.File != nil {
				cp.FileName = p.File.Name
				cp.MimeType = p.File.MimeType
				cp.URI = p.File.URI
				if p.File.Bytes != "" {
					sum := sha256.Sum256([]byte(p.File.Bytes))
					cp.BytesSum = hex.EncodeToString(sum[:])
				}
			}
		}
		parts = append(parts, cp)
	}

	// encoding/json 对 map 键排序，序列化结果与插入顺序无关
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal parts: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Entry 指纹对应的已知任务
type Entry struct {
	TaskID    string    `json:"task_id"`
	ContextID string    `json:"context_id,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache 指纹到任务的映射
type Cache interface {
	// Get 未命中时返回 ok=false 且 err=nil
	Get(ctx context.Context, fp string) (Entry, bool, error)
	Put(ctx context.Context, fp string, entry Entry) error
	Delete(ctx context.Context, fp string) error
}
