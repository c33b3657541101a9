// Package merge 提供流式片段的合并工具：文本按重叠拼接，结构化数据递归合并。
// 所有函数都是纯函数，不修改入参。
package merge

import (
	"reflect"
	"strings"
)

// Text 将增量文本 incoming 并入 existing。
//
// incoming 以 existing 开头时视为全量重发，直接返回 incoming；
// existing 已包含 incoming 前缀时不追加；否则找出 existing 的最长后缀
// 与 incoming 前缀的重叠，只追加不重叠的部分。
func Text(existing, incoming string) string {
	switch {
	case incoming == "":
		return existing
	case existing == "":
		return incoming
	case strings.HasPrefix(incoming, existing):
		return incoming
	case strings.HasPrefix(existing, incoming):
		return existing
	}

	n := min(len(existing), len(incoming))
	for k := n; k > 0; k-- {
		if strings.HasSuffix(existing, incoming[:k]) {
			return existing + incoming[k:]
		}
	}
	return existing + incoming
}

// TextAll 依次合并多个文本片段
func TextAll(fragments []string) string {
	var out string
	for _, f := range fragments {
		out = Text(out, f)
	}
	return out
}

// Data 返回 dst 与 src 合并后的新 map。
//
// 键不存在时插入；两侧都是列表时拼接并按结构相等去重（保留首次出现顺序）；
// 两侧都是 map 时递归合并；其余情况 src 覆盖 dst。
func Data(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = normalize(v)
	}
	for k, v := range src {
		cur, ok := out[k]
		if !ok {
			out[k] = normalize(v)
			continue
		}
		out[k] = mergeValue(cur, v)
	}
	return out
}

// Many 从左到右合并所有片段；空输入返回空 map。
func Many(fragments []map[string]any) map[string]any {
	out := make(map[string]any)
	for _, f := range fragments {
		if f == nil {
			continue
		}
		out = Data(out, f)
	}
	return out
}

func mergeValue(cur, next any) any {
	if a, ok := asList(cur); ok {
		if b, ok := asList(next); ok {
			return dedup(append(append(make([]any, 0, len(a)+len(b)), a...), b...))
		}
	}
	if a, ok := cur.(map[string]any); ok {
		if b, ok := next.(map[string]any); ok {
			return Data(a, b)
		}
	}
	return normalize(next)
}

// normalize 深拷贝值，列表统一为去重后的 []any
func normalize(v any) any {
	if list, ok := asList(v); ok {
		return dedup(list)
	}
	if m, ok := v.(map[string]any); ok {
		return Data(nil, m)
	}
	return v
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

func dedup(items []any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		// 先归一化再比较，嵌套的 []string 与 []any 视为相等
		item = normalize(item)
		seen := false
		for _, kept := range out {
			if reflect.DeepEqual(kept, item) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, item)
		}
	}
	return out
}
