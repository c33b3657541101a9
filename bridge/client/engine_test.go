package client

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/executor"
	"github.com/BaSui01/agentbridge/bridge/fingerprint"
	"github.com/BaSui01/agentbridge/bridge/graph"
	"github.com/BaSui01/agentbridge/bridge/graph/graphtest"
	"github.com/BaSui01/agentbridge/bridge/handler"
	"github.com/BaSui01/agentbridge/bridge/taskstore"
	"github.com/BaSui01/agentbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ---- fakes ----

type sliceStream struct {
	events []a2a.StreamEvent
	err    error
	pos    int
}

func (s *sliceStream) Next() (a2a.StreamEvent, error) {
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		return a2a.StreamEvent{}, s.err
	}
	return a2a.StreamEvent{}, io.EOF
}

func (s *sliceStream) Close() error { return nil }

type fakeTransport struct {
	mu           sync.Mutex
	streaming    bool
	discoverErrs []error
	sendErr      error
	streamEvents []a2a.StreamEvent
	streamErr    error
	tasks        []*a2a.Task
	getErr       error

	discovers, sends, streams, gets int
}

func (f *fakeTransport) Discover(context.Context) (*a2a.AgentCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovers++
	if len(f.discoverErrs) > 0 {
		err := f.discoverErrs[0]
		f.discoverErrs = f.discoverErrs[1:]
		return nil, err
	}
	return a2a.NewAgentCard("peer", "fake peer", "http://peer", "1.0").WithStreaming(f.streaming), nil
}

func (f *fakeTransport) SendMessage(_ context.Context, _ *a2a.MessageSendParams) (*a2a.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &a2a.Task{ID: "t-1", ContextID: "c-1", Status: a2a.TaskStatus{State: a2a.TaskStateSubmitted}}, nil
}

func (f *fakeTransport) StreamMessage(context.Context, *a2a.MessageSendParams) (a2a.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams++
	return &sliceStream{events: f.streamEvents, err: f.streamErr}, nil
}

func (f *fakeTransport) GetTask(_ context.Context, taskID string, _ int) (*a2a.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	idx := f.gets - 1
	if idx >= len(f.tasks) {
		idx = len(f.tasks) - 1
	}
	t := f.tasks[idx].Clone()
	t.ID = taskID
	return t, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	polls    int
	retries  int
	hits     int
	misses   int
}

func (r *fakeRecorder) RecordClientRequest(_, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) RecordPollAttempt(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
}

func (r *fakeRecorder) RecordRetry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeRecorder) RecordCacheLookup(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func completedTask(parts ...a2a.Part) *a2a.Task {
	return &a2a.Task{
		ContextID: "c-1",
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted, Message: a2a.NewMessage(a2a.RoleAgent, parts...)},
		Artifacts: []a2a.Artifact{{ArtifactID: "a", Name: "result", Parts: parts}},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newEngine(t *testing.T, tr Transport, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithName("test")}, opts...)
	return NewEngine(tr, cfg, opts...)
}

// ---- end to end ----

func startBridge(t *testing.T, streaming bool, scripts ...graphtest.Script) *a2a.HTTPClient {
	t.Helper()
	g := graphtest.New(scripts...)
	h := handler.New(taskstore.NewMemoryStore(), nil, executor.New(g, executor.Config{}), handler.Config{RequestTimeout: 5 * time.Second})
	card := a2a.NewAgentCard("bridge", "test bridge", "http://bridge", "1.0").WithStreaming(streaming)
	srv := httptest.NewServer(a2a.NewHTTPServer(nil, card, h))
	t.Cleanup(func() {
		srv.Close()
		_ = h.Close(context.Background())
	})
	return a2a.NewHTTPClient(srv.URL, nil)
}

func TestEngine_ScenarioAEndToEnd(t *testing.T) {
	script := graphtest.Script{Events: []graph.Event{
		graph.TokenChunk{Text: "Sam"},
		graph.TokenChunk{Text: "sung"},
		graph.TokenChunk{Text: " Electronics"},
		graph.NodeEnd{Node: graph.EndNode},
	}}

	for _, streaming := range []bool{true, false} {
		name := "blocking"
		if streaming {
			name = "streaming"
		}
		t.Run(name, func(t *testing.T) {
			peer := startBridge(t, streaming, script)
			e := newEngine(t, peer, testConfig())

			resp, err := e.SendText(context.Background(), "who makes galaxy phones", nil)
			require.NoError(t, err)
			assert.Equal(t, a2a.TaskStateCompleted, resp.State)
			assert.Equal(t, "Samsung Electronics", resp.MergedText)
			assert.False(t, resp.TimedOut)
			assert.NotEmpty(t, resp.TaskID)
		})
	}
}

func TestEngine_EndToEndInputRequired(t *testing.T) {
	peer := startBridge(t, true, graphtest.Script{Events: []graph.Event{
		graph.Interrupt{Node: "trade", Prompt: "Approve?", Payload: map[string]any{"order": "AAPL"}},
	}})
	e := newEngine(t, peer, testConfig())

	resp, err := e.SendText(context.Background(), "buy", nil)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateInputRequired, resp.State)
	assert.Equal(t, "Approve?", resp.MergedText)
	assert.Equal(t, "AAPL", resp.MergedData["order"])
}

// ---- engine behaviour ----

func TestEngine_ScenarioBMergedData(t *testing.T) {
	tr := &fakeTransport{tasks: []*a2a.Task{completedTask(
		a2a.NewDataPart(map[string]any{"tags": []any{"a", "b"}}),
		a2a.NewDataPart(map[string]any{"tags": []any{"b", "c"}}),
	)}}
	e := newEngine(t, tr, testConfig())

	resp, err := e.SendText(context.Background(), "tags", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tags": []any{"a", "b", "c"}}, resp.MergedData)
	assert.Len(t, resp.DataParts, 2)
}

func TestEngine_AuthoritativeTextReplacesStream(t *testing.T) {
	tr := &fakeTransport{
		streaming: true,
		streamEvents: []a2a.StreamEvent{
			a2a.TaskEvent(&a2a.Task{ID: "t-9", ContextID: "c-9", Status: a2a.TaskStatus{State: a2a.TaskStateSubmitted}}),
			a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{
				TaskID: "t-9", ContextID: "c-9",
				Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: a2a.NewAgentText("partial dra")},
			}),
			a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{
				TaskID: "t-9", ContextID: "c-9",
				Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: a2a.NewAgentText("draft")},
			}),
		},
		tasks: []*a2a.Task{completedTask(a2a.NewTextPart("final answer"))},
	}
	e := newEngine(t, tr, testConfig())

	resp, err := e.SendText(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "t-9", resp.TaskID)
	assert.Equal(t, "c-9", resp.ContextID)
	assert.Equal(t, "final answer", resp.MergedText)
	assert.Equal(t, 1, tr.streams)
	assert.Equal(t, 0, tr.sends)
}

func TestEngine_StreamTextUsedWhenNoAuthoritativeText(t *testing.T) {
	done := &a2a.Task{Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}}
	tr := &fakeTransport{
		streaming: true,
		streamEvents: []a2a.StreamEvent{
			a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{TaskID: "t", Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: a2a.NewAgentText("Sam")}}),
			a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{TaskID: "t", Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: a2a.NewAgentText("Samsung")}}),
			a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{TaskID: "t", Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: a2a.NewAgentText("sung Electronics")}}),
		},
		tasks: []*a2a.Task{done},
	}
	e := newEngine(t, tr, testConfig())

	resp, err := e.SendText(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "Samsung Electronics", resp.MergedText)
}

func TestEngine_HistoryFallback(t *testing.T) {
	task := &a2a.Task{
		Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
		History: []a2a.Message{
			*a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("question")),
			*a2a.NewAgentText("from history"),
		},
	}
	e := newEngine(t, &fakeTransport{tasks: []*a2a.Task{task}}, testConfig())

	resp, err := e.SendText(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "from history", resp.MergedText)
}

func TestEngine_PollCeiling(t *testing.T) {
	working := &a2a.Task{Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}
	tr := &fakeTransport{tasks: []*a2a.Task{working}}
	rec := &fakeRecorder{}
	cfg := testConfig()
	cfg.PollAttempts = 4
	cfg.PollInterval = 10 * time.Second
	e := newEngine(t, tr, cfg, WithRecorder(rec))

	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	resp, err := e.SendText(context.Background(), "slow", nil)
	require.NoError(t, err)
	assert.True(t, resp.TimedOut)
	assert.Equal(t, a2a.TaskStateWorking, resp.State)
	assert.Equal(t, 4, tr.gets)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, slept)
	assert.Equal(t, 4, rec.polls)
	assert.Equal(t, []string{"timeout"}, rec.outcomes)
}

func TestEngine_PollStopsOnContextCancel(t *testing.T) {
	working := &a2a.Task{Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}
	e := newEngine(t, &fakeTransport{tasks: []*a2a.Task{working}}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := e.SendText(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_RemoteFailure(t *testing.T) {
	failed := &a2a.Task{
		Status:   a2a.TaskStatus{State: a2a.TaskStateFailed, Message: a2a.NewAgentText("Task failed: db down")},
		Metadata: map[string]any{"error": "db down"},
	}
	e := newEngine(t, &fakeTransport{tasks: []*a2a.Task{failed}}, testConfig())

	_, err := e.SendText(context.Background(), "q", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrExecution, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "db down")
	assert.False(t, types.IsRetryable(err))
}

func TestEngine_RetryClassification(t *testing.T) {
	t.Run("transport errors are retried", func(t *testing.T) {
		tr := &fakeTransport{
			discoverErrs: []error{
				types.NewTransportError("dial", a2a.ErrRemoteUnavailable),
				types.NewTransportError("dial", a2a.ErrRemoteUnavailable),
			},
			tasks: []*a2a.Task{completedTask(a2a.NewTextPart("ok"))},
		}
		rec := &fakeRecorder{}
		e := newEngine(t, tr, testConfig(), WithRecorder(rec))

		resp, err := e.SendText(context.Background(), "q", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.MergedText)
		assert.Equal(t, 3, tr.discovers)
		assert.Equal(t, 2, rec.retries)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		tr := &fakeTransport{sendErr: types.NewTransportError("send", a2a.ErrRemoteUnavailable)}
		e := newEngine(t, tr, testConfig())

		_, err := e.SendText(context.Background(), "q", nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrTransport, types.GetErrorCode(err))
		assert.Equal(t, 3, tr.sends)
	})

	t.Run("validation errors are not retried", func(t *testing.T) {
		tr := &fakeTransport{sendErr: types.NewValidationError("bad params")}
		e := newEngine(t, tr, testConfig())

		_, err := e.SendText(context.Background(), "q", nil)
		assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
		assert.Equal(t, 1, tr.sends)
	})

	t.Run("unclassified errors are wrapped", func(t *testing.T) {
		tr := &fakeTransport{sendErr: errors.New("weird")}
		e := newEngine(t, tr, testConfig())

		_, err := e.SendText(context.Background(), "q", nil)
		assert.Equal(t, types.ErrInternalError, types.GetErrorCode(err))
		assert.Equal(t, 1, tr.sends)
	})
}

func TestEngine_InvalidMessage(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, tr, testConfig())

	_, err := e.Send(context.Background(), &a2a.Message{Role: a2a.RoleUser})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	assert.Equal(t, 0, tr.discovers)
}

func TestEngine_StreamInterruptedFallsBackToPolling(t *testing.T) {
	tr := &fakeTransport{
		streaming: true,
		streamEvents: []a2a.StreamEvent{
			a2a.TaskEvent(&a2a.Task{ID: "t-5", Status: a2a.TaskStatus{State: a2a.TaskStateSubmitted}}),
		},
		streamErr: types.NewTransportError("read event stream", io.ErrUnexpectedEOF),
		tasks:     []*a2a.Task{completedTask(a2a.NewTextPart("recovered"))},
	}
	e := newEngine(t, tr, testConfig())

	resp, err := e.SendText(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "t-5", resp.TaskID)
	assert.Equal(t, "recovered", resp.MergedText)
}

func TestEngine_FingerprintReuse(t *testing.T) {
	newTransport := func() *fakeTransport {
		return &fakeTransport{tasks: []*a2a.Task{completedTask(a2a.NewTextPart("cached"))}}
	}

	t.Run("disabled by default", func(t *testing.T) {
		tr := newTransport()
		cache := fingerprint.NewMemoryCache(16, time.Minute)
		e := newEngine(t, tr, testConfig(), WithCache(cache))

		for i := 0; i < 2; i++ {
			resp, err := e.SendText(context.Background(), "same question", nil)
			require.NoError(t, err)
			assert.False(t, resp.Reused)
		}
		assert.Equal(t, 2, tr.sends)
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("reuses completed task when enabled", func(t *testing.T) {
		tr := newTransport()
		rec := &fakeRecorder{}
		cfg := testConfig()
		cfg.ReuseCachedTasks = true
		e := newEngine(t, tr, cfg, WithCache(fingerprint.NewMemoryCache(16, time.Minute)), WithRecorder(rec))

		first, err := e.SendText(context.Background(), "same question", nil)
		require.NoError(t, err)
		second, err := e.SendText(context.Background(), "same question", nil)
		require.NoError(t, err)

		assert.False(t, first.Reused)
		assert.True(t, second.Reused)
		assert.Equal(t, first.TaskID, second.TaskID)
		assert.Equal(t, "cached", second.MergedText)
		assert.Equal(t, 1, tr.sends)
		assert.Equal(t, 1, rec.hits)
		assert.Equal(t, 1, rec.misses)
	})

	t.Run("drops entry when cached task is not completed", func(t *testing.T) {
		cache := fingerprint.NewMemoryCache(16, time.Minute)
		msg := a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("q"))
		fp, err := fingerprint.Compute(msg)
		require.NoError(t, err)
		require.NoError(t, cache.Put(context.Background(), fp, fingerprint.Entry{TaskID: "old"}))

		tr := &fakeTransport{tasks: []*a2a.Task{
			{Status: a2a.TaskStatus{State: a2a.TaskStateFailed}},
			completedTask(a2a.NewTextPart("fresh")),
		}}
		cfg := testConfig()
		cfg.ReuseCachedTasks = true
		e := newEngine(t, tr, cfg, WithCache(cache))

		resp, err := e.Send(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, resp.Reused)
		assert.Equal(t, "fresh", resp.MergedText)
		assert.Equal(t, 1, tr.sends)
	})
}
