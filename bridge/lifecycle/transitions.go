// Package lifecycle 管理单个任务的状态迁移，并把每次迁移作为状态事件发布给订阅者。
//
// 状态机初始为 submitted：
//
//	submitted      -> working | cancelled | failed
//	working        -> working | input_required | completed | failed | cancelled
//	input_required -> working | cancelled
//
// completed、failed、cancelled 为终态，进入后任务冻结，后续更新被忽略。
package lifecycle

import (
	"fmt"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/types"
)

var transitions = map[a2a.TaskState][]a2a.TaskState{
	a2a.TaskStateSubmitted:     {a2a.TaskStateWorking, a2a.TaskStateCancelled, a2a.TaskStateFailed},
	a2a.TaskStateWorking:       {a2a.TaskStateWorking, a2a.TaskStateInputRequired, a2a.TaskStateCompleted, a2a.TaskStateFailed, a2a.TaskStateCancelled},
	a2a.TaskStateInputRequired: {a2a.TaskStateWorking, a2a.TaskStateCancelled},
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to a2a.TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidPath 判断状态序列是否为状态机中的一条合法路径（首项须为 submitted）
func ValidPath(states []a2a.TaskState) bool {
	if len(states) == 0 {
		return true
	}
	if states[0] != a2a.TaskStateSubmitted {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}

func invalidTransition(taskID string, from, to a2a.TaskState) error {
	return types.NewError(types.ErrInvalidTransition, fmt.Sprintf("cannot move from %s to %s", from, to)).WithTask(taskID)
}
