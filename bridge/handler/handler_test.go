package handler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/executor"
	"github.com/BaSui01/agentbridge/bridge/graph"
	"github.com/BaSui01/agentbridge/bridge/graph/graphtest"
	"github.com/BaSui01/agentbridge/bridge/lifecycle"
	"github.com/BaSui01/agentbridge/bridge/taskstore"
	"github.com/BaSui01/agentbridge/config"
	"github.com/BaSui01/agentbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newHandler(t *testing.T, runner lifecycle.Runner, timeout time.Duration) (*Handler, *taskstore.MemoryStore) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	h := New(store, nil, runner, Config{RequestTimeout: timeout, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h, store
}

func userText(text string) *a2a.MessageSendParams {
	return &a2a.MessageSendParams{Message: *a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart(text))}
}

func collect(t *testing.T, events <-chan a2a.StreamEvent) []a2a.StreamEvent {
	t.Helper()
	var out []a2a.StreamEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

// completeWith 写入一条文本完成消息的执行器
func completeWith(text string) lifecycle.RunnerFunc {
	return func(ctx context.Context, u *lifecycle.Updater, _ lifecycle.RunRequest) error {
		if u.ClaimCompletion() {
			return u.Complete(ctx, a2a.NewAgentText(text))
		}
		return nil
	}
}

func TestHandler_SendMessageScenarioA(t *testing.T) {
	g := graphtest.New(graphtest.Script{Events: []graph.Event{
		graph.TokenChunk{Text: "Sam"},
		graph.TokenChunk{Text: "sung"},
		graph.TokenChunk{Text: " Electronics"},
		graph.NodeEnd{Node: graph.EndNode},
	}})
	h, _ := newHandler(t, executor.New(g, executor.Config{}), 5*time.Second)

	task, err := h.SendMessage(context.Background(), userText("who makes galaxy phones"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	require.Len(t, task.Artifacts, 1)
	assert.Equal(t, "Samsung Electronics", task.Artifacts[0].Parts[0].Text)
	assert.Equal(t, a2a.RoleUser, task.History[0].Role)
	assert.Equal(t, task.ID, task.History[0].TaskID)
}

func TestHandler_SendMessageValidation(t *testing.T) {
	h, _ := newHandler(t, completeWith("x"), time.Second)

	_, err := h.SendMessage(context.Background(), &a2a.MessageSendParams{Message: a2a.Message{Role: a2a.RoleUser}})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	assert.ErrorIs(t, err, a2a.ErrInvalidMessage)

	_, err = h.SendMessage(context.Background(), nil)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestHandler_SendMessageReturnsSnapshotOnTimeout(t *testing.T) {
	release := make(chan struct{})
	runner := lifecycle.RunnerFunc(func(ctx context.Context, u *lifecycle.Updater, _ lifecycle.RunRequest) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		u.ClaimCompletion()
		return u.Complete(ctx, a2a.NewAgentText("late"))
	})
	h, _ := newHandler(t, runner, 50*time.Millisecond)

	task, err := h.SendMessage(context.Background(), userText("slow"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)

	close(release)
	require.Eventually(t, func() bool {
		got, err := h.GetTask(context.Background(), &a2a.TaskQueryParams{ID: task.ID})
		return err == nil && got.Status.State == a2a.TaskStateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_StreamMessage(t *testing.T) {
	h, _ := newHandler(t, completeWith("done"), time.Second)

	events, err := h.StreamMessage(context.Background(), userText("go"))
	require.NoError(t, err)
	got := collect(t, events)

	require.GreaterOrEqual(t, len(got), 3)
	require.NotNil(t, got[0].Task)
	assert.Equal(t, a2a.TaskStateSubmitted, got[0].Task.Status.State)
	last := got[len(got)-1]
	require.NotNil(t, last.StatusUpdate)
	assert.True(t, last.StatusUpdate.Final)
	assert.Equal(t, a2a.TaskStateCompleted, last.StatusUpdate.Status.State)

	var states []a2a.TaskState
	states = append(states, got[0].Task.Status.State)
	for _, ev := range got[1:] {
		if ev.StatusUpdate != nil {
			states = append(states, ev.StatusUpdate.Status.State)
		}
	}
	assert.True(t, lifecycle.ValidPath(states), "%v", states)
}

func TestHandler_InterruptAndResume(t *testing.T) {
	g := graphtest.New(
		graphtest.Script{Events: []graph.Event{
			graph.NodeStart{Node: "trade"},
			graph.Interrupt{Node: "trade", Prompt: "Approve order?", Payload: map[string]any{"qty": 10}},
		}},
		graphtest.Script{Events: []graph.Event{
			graph.TokenChunk{Text: "order placed"},
			graph.NodeEnd{Node: graph.EndNode},
		}},
	)
	h, store := newHandler(t, executor.New(g, executor.Config{}), 5*time.Second)

	task, err := h.SendMessage(context.Background(), userText("buy 10 shares"))
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateInputRequired, task.Status.State)
	assert.Equal(t, "Approve order?", task.Status.Message.Parts[0].Text)

	resume := a2a.NewMessage(a2a.RoleUser, a2a.NewDataPart(map[string]any{"approved": true}))
	resume.TaskID = task.ID
	resumed, err := h.SendMessage(context.Background(), &a2a.MessageSendParams{Message: *resume})
	require.NoError(t, err)
	assert.Equal(t, task.ID, resumed.ID)
	assert.Equal(t, a2a.TaskStateCompleted, resumed.Status.State)

	calls := g.Calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[0].Resuming)
	assert.True(t, calls[1].Resuming)
	assert.Equal(t, map[string]any{"approved": true}, calls[1].Resume)

	stored, ok := store.Get(context.Background(), task.ID)
	require.True(t, ok)
	var users int
	for _, m := range stored.History {
		if m.Role == a2a.RoleUser {
			users++
		}
	}
	assert.Equal(t, 2, users)
}

func TestHandler_ResumeByContextID(t *testing.T) {
	g := graphtest.New(
		graphtest.Script{Events: []graph.Event{graph.Interrupt{Node: "n", Prompt: "name?"}}},
		graphtest.Script{Events: []graph.Event{graph.NodeEnd{Node: graph.EndNode, Output: map[string]any{"output": "hi bob"}}}},
	)
	h, _ := newHandler(t, executor.New(g, executor.Config{}), 5*time.Second)

	task, err := h.SendMessage(context.Background(), userText("greet me"))
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateInputRequired, task.Status.State)

	msg := a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("bob"))
	msg.ContextID = task.ContextID
	resumed, err := h.SendMessage(context.Background(), &a2a.MessageSendParams{Message: *msg})
	require.NoError(t, err)
	assert.Equal(t, task.ID, resumed.ID)
	assert.Equal(t, a2a.TaskStateCompleted, resumed.Status.State)
	assert.Equal(t, "bob", g.Calls()[1].Resume)
}

func TestHandler_ResumeRejected(t *testing.T) {
	h, _ := newHandler(t, completeWith("done"), time.Second)

	task, err := h.SendMessage(context.Background(), userText("x"))
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	msg := a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("again"))
	msg.TaskID = task.ID
	_, err = h.SendMessage(context.Background(), &a2a.MessageSendParams{Message: *msg})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	msg.TaskID = "missing"
	_, err = h.SendMessage(context.Background(), &a2a.MessageSendParams{Message: *msg})
	assert.Equal(t, types.ErrTaskNotFound, types.GetErrorCode(err))
	assert.ErrorIs(t, err, a2a.ErrTaskNotFound)
}

func TestHandler_ResumeWhileRunning(t *testing.T) {
	g := graphtest.New(graphtest.Script{Hold: make(chan struct{})})
	h, _ := newHandler(t, executor.New(g, executor.Config{}), 20*time.Millisecond)

	task, err := h.SendMessage(context.Background(), userText("long"))
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateWorking, task.Status.State)

	msg := a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("more"))
	msg.TaskID = task.ID
	_, err = h.SendMessage(context.Background(), &a2a.MessageSendParams{Message: *msg})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestHandler_CancelTask(t *testing.T) {
	g := graphtest.New(graphtest.Script{Hold: make(chan struct{})})
	h, _ := newHandler(t, executor.New(g, executor.Config{}), 20*time.Millisecond)

	task, err := h.SendMessage(context.Background(), userText("long"))
	require.NoError(t, err)

	cancelled, err := h.CancelTask(context.Background(), &a2a.TaskIDParams{ID: task.ID, Metadata: map[string]any{"reason": "user abort"}})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCancelled, cancelled.Status.State)
	assert.Equal(t, "user abort", cancelled.Status.Message.Parts[0].Text)
	require.Eventually(t, func() bool { return h.Running() == 0 }, 2*time.Second, 5*time.Millisecond)

	got, err := h.GetTask(context.Background(), &a2a.TaskQueryParams{ID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCancelled, got.Status.State)

	_, err = h.CancelTask(context.Background(), &a2a.TaskIDParams{ID: task.ID})
	assert.Equal(t, types.ErrTaskNotCancelable, types.GetErrorCode(err))
	assert.ErrorIs(t, err, a2a.ErrTaskNotCancelable)

	_, err = h.CancelTask(context.Background(), &a2a.TaskIDParams{ID: "nope"})
	assert.Equal(t, types.ErrTaskNotFound, types.GetErrorCode(err))
}

func TestHandler_CancelInputRequired(t *testing.T) {
	g := graphtest.New(graphtest.Script{Events: []graph.Event{graph.Interrupt{Node: "n"}}})
	h, _ := newHandler(t, executor.New(g, executor.Config{}), time.Second)

	task, err := h.SendMessage(context.Background(), userText("x"))
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateInputRequired, task.Status.State)

	got, err := h.CancelTask(context.Background(), &a2a.TaskIDParams{ID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCancelled, got.Status.State)
}

func TestHandler_RunnerFailures(t *testing.T) {
	tests := []struct {
		name    string
		runner  lifecycle.RunnerFunc
		wantErr string
	}{
		{
			name:    "error",
			runner:  func(context.Context, *lifecycle.Updater, lifecycle.RunRequest) error { return errors.New("boom") },
			wantErr: "boom",
		},
		{
			name:    "panic",
			runner:  func(context.Context, *lifecycle.Updater, lifecycle.RunRequest) error { panic("kaput") },
			wantErr: "runner panic: kaput",
		},
		{
			name:    "no terminal state",
			runner:  func(context.Context, *lifecycle.Updater, lifecycle.RunRequest) error { return nil },
			wantErr: "execution ended without a result",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHandler(t, tt.runner, time.Second)
			task, err := h.SendMessage(context.Background(), userText("x"))
			require.NoError(t, err)
			assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
			assert.Contains(t, task.Metadata[lifecycle.MetadataError], tt.wantErr)
			last := task.History[len(task.History)-1]
			assert.Contains(t, last.Text(), "Task failed: ")
		})
	}
}

func TestHandler_GetTaskHistoryLength(t *testing.T) {
	h, _ := newHandler(t, completeWith("done"), time.Second)
	task, err := h.SendMessage(context.Background(), userText("x"))
	require.NoError(t, err)
	require.Len(t, task.History, 2)

	got, err := h.GetTask(context.Background(), &a2a.TaskQueryParams{ID: task.ID, HistoryLength: 1})
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	assert.Equal(t, a2a.RoleAgent, got.History[0].Role)

	_, err = h.GetTask(context.Background(), &a2a.TaskQueryParams{})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestHandler_Resubscribe(t *testing.T) {
	t.Run("terminal task yields snapshot only", func(t *testing.T) {
		h, _ := newHandler(t, completeWith("done"), time.Second)
		task, err := h.SendMessage(context.Background(), userText("x"))
		require.NoError(t, err)

		events, err := h.Resubscribe(context.Background(), &a2a.TaskIDParams{ID: task.ID})
		require.NoError(t, err)
		got := collect(t, events)
		require.Len(t, got, 1)
		assert.Equal(t, a2a.TaskStateCompleted, got[0].Task.Status.State)
	})

	t.Run("input required ends with final status", func(t *testing.T) {
		g := graphtest.New(graphtest.Script{Events: []graph.Event{graph.Interrupt{Node: "n", Prompt: "?"}}})
		h, _ := newHandler(t, executor.New(g, executor.Config{}), time.Second)
		task, err := h.SendMessage(context.Background(), userText("x"))
		require.NoError(t, err)

		events, err := h.Resubscribe(context.Background(), &a2a.TaskIDParams{ID: task.ID})
		require.NoError(t, err)
		got := collect(t, events)
		require.Len(t, got, 2)
		assert.True(t, got[1].IsFinal())
		assert.Equal(t, a2a.TaskStateInputRequired, got[1].StatusUpdate.Status.State)
	})

	t.Run("running task forwards until final", func(t *testing.T) {
		release := make(chan struct{})
		runner := lifecycle.RunnerFunc(func(ctx context.Context, u *lifecycle.Updater, _ lifecycle.RunRequest) error {
			<-release
			u.ClaimCompletion()
			return u.Complete(ctx, a2a.NewAgentText("finally"))
		})
		h, _ := newHandler(t, runner, 10*time.Millisecond)
		task, err := h.SendMessage(context.Background(), userText("x"))
		require.NoError(t, err)

		events, err := h.Resubscribe(context.Background(), &a2a.TaskIDParams{ID: task.ID})
		require.NoError(t, err)
		close(release)
		got := collect(t, events)
		require.NotEmpty(t, got)
		assert.Equal(t, a2a.TaskStateWorking, got[0].Task.Status.State)
		assert.True(t, got[len(got)-1].IsFinal())
	})

	t.Run("unknown task", func(t *testing.T) {
		h, _ := newHandler(t, completeWith("x"), time.Second)
		_, err := h.Resubscribe(context.Background(), &a2a.TaskIDParams{ID: "ghost"})
		assert.Equal(t, types.ErrTaskNotFound, types.GetErrorCode(err))
	})
}

func TestHandler_CloseCancelsRunningTasks(t *testing.T) {
	g := graphtest.New(graphtest.Script{Hold: make(chan struct{})})
	store := taskstore.NewMemoryStore()
	h := New(store, nil, executor.New(g, executor.Config{}), Config{RequestTimeout: 20 * time.Millisecond})

	task, err := h.SendMessage(context.Background(), userText("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))

	got, ok := store.Get(context.Background(), task.ID)
	require.True(t, ok)
	assert.Equal(t, a2a.TaskStateCancelled, got.Status.State)

	_, err = h.SendMessage(context.Background(), userText("after close"))
	assert.ErrorIs(t, err, ErrClosed)
}

type countingRecorder struct {
	created     atomic.Int32
	transitions atomic.Int32
}

func (r *countingRecorder) RecordTaskCreated()                  { r.created.Add(1) }
func (r *countingRecorder) RecordTaskTransition(string, string) { r.transitions.Add(1) }

func TestHandler_Recorder(t *testing.T) {
	rec := &countingRecorder{}
	h := New(taskstore.NewMemoryStore(), nil, completeWith("ok"), Config{RequestTimeout: time.Second, Recorder: rec})
	defer h.Close(context.Background())

	_, err := h.SendMessage(context.Background(), userText("x"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), rec.created.Load())
	// submitted->working, working->completed
	assert.Equal(t, int32(2), rec.transitions.Load())
}

// storeWithClock 按 retention/interval 构建带可控时钟的任务表
func storeWithClock(t *testing.T, interval, retention time.Duration) (*taskstore.MemoryStore, *atomic.Int64) {
	t.Helper()
	var offset atomic.Int64
	store := taskstore.NewMemoryStore(
		taskstore.WithCleanup(interval, retention),
		taskstore.WithClock(func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }),
	)
	t.Cleanup(func() { _ = store.Close() })
	return store, &offset
}

func TestHandler_FinishedTaskOutlivesDefaultRetention(t *testing.T) {
	def := config.DefaultBridgeConfig()
	store, offset := storeWithClock(t, def.CleanupInterval, def.TaskRetention)
	h := New(store, nil, completeWith("done"), Config{RequestTimeout: 5 * time.Second, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	task, err := h.SendMessage(context.Background(), userText("keep me"))
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	// 时钟拨快两天，再给可能存在的清理协程留出运行时间
	offset.Store(int64(48 * time.Hour))
	time.Sleep(50 * time.Millisecond)

	got, err := h.GetTask(context.Background(), &a2a.TaskQueryParams{ID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
}

func TestHandler_OptInRetentionRemovesFinishedTask(t *testing.T) {
	store, offset := storeWithClock(t, 5*time.Millisecond, time.Hour)
	h := New(store, nil, completeWith("done"), Config{RequestTimeout: 5 * time.Second, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	task, err := h.SendMessage(context.Background(), userText("drop me"))
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	offset.Store(int64(48 * time.Hour))
	require.Eventually(t, func() bool {
		_, err := h.GetTask(context.Background(), &a2a.TaskQueryParams{ID: task.ID})
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
