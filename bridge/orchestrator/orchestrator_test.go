package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/client"
	"github.com/BaSui01/agentbridge/bridge/handler"
	"github.com/BaSui01/agentbridge/bridge/taskstore"
	"github.com/BaSui01/agentbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePeer struct {
	mu    sync.Mutex
	resp  *client.UnifiedResponse
	err   error
	calls []*a2a.Message
}

func (p *fakePeer) Send(_ context.Context, msg *a2a.Message) (*client.UnifiedResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg.Clone())
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func okPeer(taskID, text string, data map[string]any) *fakePeer {
	return &fakePeer{resp: &client.UnifiedResponse{
		TaskID: taskID, State: a2a.TaskStateCompleted, MergedText: text, MergedData: data,
	}}
}

type stepRecorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *stepRecorder) RecordWorkflowStep(step, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step+":"+outcome)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want Pattern
	}{
		{"fetch the latest Samsung price", PatternDataOnly},
		{"Analyze the Samsung stock trend", PatternDataAnalysis},
		{"삼성전자 주가 분석해줘", PatternDataAnalysis},
		{"Buy 10 shares of Samsung if the outlook is good", PatternFullPipeline},
		{"분석 후 삼성전자 매수", PatternFullPipeline},
		{"", PatternDataOnly},
		{"check the border crossing volume", PatternDataOnly},
		{"pull the flight recorder data", PatternDataOnly},
		{"place an order for Samsung", PatternFullPipeline},
		{"Orders pending? show them", PatternFullPipeline},
		{"reporting-period prices", PatternDataAnalysis},
		{"import the catalog", PatternDataOnly},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.text), tt.text)
	}

	assert.Equal(t, []Step{StepDataCollection}, StepsFor(PatternDataOnly))
	assert.Equal(t, []Step{StepDataCollection, StepAnalysis}, StepsFor(PatternDataAnalysis))
	assert.Equal(t, AllSteps, StepsFor(PatternFullPipeline))
}

func TestOrchestrator_FullPipeline(t *testing.T) {
	store := taskstore.NewMemoryStore()
	collect := okPeer("p-1", "price 71000", map[string]any{"price": 71000})
	analyze := okPeer("p-2", "bullish", map[string]any{"signal": "buy"})
	trade := okPeer("p-3", "order placed", map[string]any{"order_id": "o-1"})
	rec := &stepRecorder{}
	o := New(store, map[Step]Peer{
		StepDataCollection: collect, StepAnalysis: analyze, StepTrading: trade,
	}, WithLogger(zaptest.NewLogger(t)), WithRecorder(rec))

	task, err := o.Execute(context.Background(), "buy samsung if the analysis is positive", nil)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	assert.Equal(t, string(PatternFullPipeline), task.Metadata[MetaPattern])
	assert.Equal(t, []any{"data_collection", "analysis", "trading"}, task.Metadata[MetaCompletedSteps])
	assert.Equal(t, []any{}, task.Metadata[MetaPendingSteps])
	assert.Equal(t, 100, task.Metadata[MetaProgress])

	responses := task.Metadata[MetaAgentResponses].(map[string]any)
	require.Len(t, responses, 3)
	assert.Equal(t, "bullish", responses["analysis"].(map[string]any)["text"])

	// 后续步骤能看到前面步骤的结果
	require.Len(t, trade.calls, 1)
	prev := trade.calls[0].DataParts()[0]["previous_results"].(map[string]any)
	assert.Contains(t, prev, "data_collection")
	assert.Contains(t, prev, "analysis")

	assert.Equal(t, []string{"data_collection:ok", "analysis:ok", "trading:ok"}, rec.steps)

	report, err := o.GetStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, report.Percentage)
	assert.Equal(t, "Workflow completed (3/3 steps)", report.Message)
}

func TestOrchestrator_ScenarioCFirstStepFails(t *testing.T) {
	store := taskstore.NewMemoryStore()
	collect := &fakePeer{err: errors.New("collector exploded")}
	analyze := okPeer("p-2", "unused", nil)
	o := New(store, map[Step]Peer{StepDataCollection: collect, StepAnalysis: analyze})

	task, err := o.Execute(context.Background(), "analyze samsung", nil)
	require.Error(t, err)

	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
	assert.Equal(t, string(PatternDataAnalysis), task.Metadata[MetaPattern])
	assert.Empty(t, task.Metadata[MetaCompletedSteps])
	assert.NotEmpty(t, task.Metadata[MetaError])
	assert.Contains(t, task.Metadata[MetaError], "collector exploded")
	assert.Equal(t, "data_collection", task.Metadata[MetaFailedStep])
	assert.Equal(t, 0, analyze.count())

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "data_collection", e.Step)
	assert.Equal(t, types.ErrExecution, e.Code)

	last := task.History[len(task.History)-1]
	assert.Contains(t, last.Text(), "Task failed: ")
}

func TestOrchestrator_LaterStepFailureKeepsProgress(t *testing.T) {
	store := taskstore.NewMemoryStore()
	analyze := &fakePeer{err: types.NewTransportError("peer unreachable", a2a.ErrRemoteUnavailable)}
	o := New(store, map[Step]Peer{
		StepDataCollection: okPeer("p-1", "rows", nil),
		StepAnalysis:       analyze,
	})

	task, err := o.Execute(context.Background(), "analyze samsung", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrTransport, types.GetErrorCode(err))

	assert.Equal(t, []any{"data_collection"}, task.Metadata[MetaCompletedSteps])
	assert.Equal(t, []any{"analysis"}, task.Metadata[MetaPendingSteps])
	responses := task.Metadata[MetaAgentResponses].(map[string]any)
	assert.Contains(t, responses, "data_collection")

	report := Report(task)
	assert.Equal(t, 50, report.Percentage)
	assert.Contains(t, report.Message, "failed at step analysis")
}

// cancellingPeer 返回成功结果的同时取消调用方上下文
type cancellingPeer struct {
	*fakePeer
	cancel context.CancelFunc
}

func (p *cancellingPeer) Send(ctx context.Context, msg *a2a.Message) (*client.UnifiedResponse, error) {
	defer p.cancel()
	return p.fakePeer.Send(ctx, msg)
}

// blockingPeer 阻塞到上下文结束
type blockingPeer struct{}

func (blockingPeer) Send(ctx context.Context, _ *a2a.Message) (*client.UnifiedResponse, error) {
	<-ctx.Done()
	return nil, types.NewTransportError("request aborted", ctx.Err())
}

func TestOrchestrator_ExecuteCancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analyze := okPeer("p-2", "unused", nil)
	o := New(taskstore.NewMemoryStore(), map[Step]Peer{
		StepDataCollection: &cancellingPeer{fakePeer: okPeer("p-1", "rows", nil), cancel: cancel},
		StepAnalysis:       analyze,
	}, WithLogger(zaptest.NewLogger(t)))

	task, err := o.Execute(ctx, "analyze samsung", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, task)

	assert.Equal(t, a2a.TaskStateCancelled, task.Status.State)
	assert.Equal(t, []any{"data_collection"}, task.Metadata[MetaCompletedSteps])
	assert.Equal(t, 0, analyze.count())

	// 终态只写一次
	cancelled := 0
	for _, m := range task.History {
		if strings.Contains(m.Text(), "Workflow cancelled") {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestOrchestrator_ExecuteCancelledDuringStep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	o := New(taskstore.NewMemoryStore(), map[Step]Peer{StepDataCollection: blockingPeer{}})

	task, err := o.Execute(ctx, "fetch samsung prices", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, task)
	assert.Equal(t, a2a.TaskStateCancelled, task.Status.State)
	assert.Empty(t, task.Metadata[MetaCompletedSteps])
}

func TestOrchestrator_PeerOutcomes(t *testing.T) {
	tests := []struct {
		name string
		peer Peer
		code types.ErrorCode
	}{
		{
			name: "poll ceiling",
			peer: &fakePeer{resp: &client.UnifiedResponse{TaskID: "x", State: a2a.TaskStateWorking, TimedOut: true}},
			code: types.ErrTimeout,
		},
		{
			name: "input required",
			peer: &fakePeer{resp: &client.UnifiedResponse{TaskID: "x", State: a2a.TaskStateInputRequired, MergedText: "which market?"}},
			code: types.ErrExecution,
		},
		{
			name: "missing peer",
			peer: nil,
			code: types.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peers := map[Step]Peer{}
			if tt.peer != nil {
				peers[StepDataCollection] = tt.peer
			}
			task, err := New(taskstore.NewMemoryStore(), peers).Execute(context.Background(), "latest price", nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
			assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
		})
	}
}

func TestReport_InProgress(t *testing.T) {
	task := &a2a.Task{
		ID:     "wf-1",
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking},
		Metadata: map[string]any{
			MetaPattern:        string(PatternFullPipeline),
			MetaCurrentStep:    "analysis",
			MetaCompletedSteps: []string{"data_collection"},
			MetaPendingSteps:   []any{"analysis", "trading"},
		},
	}
	r := Report(task)
	assert.Equal(t, 33, r.Percentage)
	assert.Equal(t, "Processing analysis (1/3 steps completed, 33%)", r.Message)

	empty := Report(&a2a.Task{ID: "wf-2", Status: a2a.TaskStatus{State: a2a.TaskStateSubmitted}})
	assert.Equal(t, 0, empty.Percentage)
	assert.Equal(t, "Workflow is waiting to start", empty.Message)
	assert.Empty(t, empty.CompletedSteps)
}

func TestOrchestrator_StatusHandler(t *testing.T) {
	store := taskstore.NewMemoryStore()
	o := New(store, map[Step]Peer{StepDataCollection: okPeer("p", "rows", nil)})
	task, err := o.Execute(context.Background(), "latest price", nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("GET /workflows/{id}/status", o.StatusHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/workflows/" + task.ID + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, task.ID, report.TaskID)
	assert.Equal(t, 100, report.Percentage)
	assert.Equal(t, []string{"data_collection"}, report.CompletedSteps)

	missing, err := http.Get(srv.URL + "/workflows/nope/status")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestOrchestrator_AsHandlerRunner(t *testing.T) {
	store := taskstore.NewMemoryStore()
	o := New(store, map[Step]Peer{
		StepDataCollection: okPeer("p-1", "rows", map[string]any{"tags": []any{"a"}}),
		StepAnalysis:       okPeer("p-2", "trend up", nil),
	})
	h := handler.New(store, nil, o, handler.Config{RequestTimeout: 5 * time.Second})
	defer h.Close(context.Background())

	task, err := h.SendMessage(context.Background(), &a2a.MessageSendParams{
		Message: *a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("forecast samsung")),
	})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	report, err := o.GetStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(PatternDataAnalysis), report.Pattern)
	assert.Equal(t, 100, report.Percentage)
}
