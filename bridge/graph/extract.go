package graph

import "strings"

// Output 从计算图状态中提取的最终结果
type Output struct {
	Text string
	Data map[string]any
}

// Empty 文本与数据均为空
func (o Output) Empty() bool {
	return strings.TrimSpace(o.Text) == "" && len(o.Data) == 0
}

// Extractor 从状态中提取最终结果，由具体代理提供
type Extractor func(state map[string]any) (Output, error)

var (
	textKeys = []string{"final_output", "output", "response", "answer", "summary"}
	dataKeys = []string{"result", "data", "structured_output"}
)

// DefaultExtractor 按约定键读取文本与数据；都没有时取 messages 中最后一条消息的 content。
func DefaultExtractor(state map[string]any) (Output, error) {
	var out Output
	if len(state) == 0 {
		return out, nil
	}
	for _, k := range textKeys {
		if s, ok := state[k].(string); ok && strings.TrimSpace(s) != "" {
			out.Text = s
			break
		}
	}
	for _, k := range dataKeys {
		if m, ok := state[k].(map[string]any); ok && len(m) > 0 {
			out.Data = m
			break
		}
	}
	if out.Empty() {
		out.Text = lastMessageContent(state["messages"])
	}
	return out, nil
}

func lastMessageContent(v any) string {
	msgs, ok := v.([]any)
	if !ok {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		switch m := msgs[i].(type) {
		case string:
			if m != "" {
				return m
			}
		case map[string]any:
			if c, ok := m["content"].(string); ok && c != "" {
				return c
			}
		}
	}
	return ""
}
