package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stewardops/steward/internal/capability"
	"github.com/stewardops/steward/internal/instance"
	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/store"
	"github.com/stewardops/steward/internal/tier"
)

// mapDirectory resolves ownership from fixed maps.
type mapDirectory struct {
	users  map[int64]int64
	agents map[int64]int64
}

func (d mapDirectory) UserWorkspace(userID int64) (int64, error) {
	ws, ok := d.users[userID]
	if !ok {
		return 0, errors.New("unknown user")
	}
	return ws, nil
}

func (d mapDirectory) AgentWorkspace(agentID int64) (int64, error) {
	ws, ok := d.agents[agentID]
	if !ok {
		return 0, errors.New("unknown agent")
	}
	return ws, nil
}

// mapInstances serves instances from a map; absent agents are legacy.
type mapInstances map[int64]*instance.Instance

func (m mapInstances) Get(agentID int64) (*instance.Instance, error) {
	inst, ok := m[agentID]
	if !ok {
		return nil, instance.ErrNotFound
	}
	return inst, nil
}

// stubTools records calls and returns a canned result.
type stubTools struct {
	calls  []string
	result map[string]any
	err    error
	names  []string
}

func (s *stubTools) ExecuteTool(_ context.Context, toolName string, _ int64, _ map[string]any) (map[string]any, error) {
	s.calls = append(s.calls, toolName)
	return s.result, s.err
}

func (s *stubTools) ListTools(int64) []string { return s.names }

type runtimeFixture struct {
	runtime  *Runtime
	tools    *stubTools
	obsStore *obs.Store
	dir      mapDirectory
}

func newRuntimeFixture(t *testing.T, instances mapInstances) *runtimeFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	obsStore, err := obs.NewStore(db, nil)
	if err != nil {
		t.Fatalf("obs store: %v", err)
	}
	keyStore, err := obs.NewKeyStore(db)
	if err != nil {
		t.Fatalf("key store: %v", err)
	}
	tiers, err := tier.NewRegistry(db, obsStore, obsStore, keyStore, nil)
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}

	dir := mapDirectory{
		users:  map[int64]int64{10: 1, 20: 2},
		agents: map[int64]int64{100: 1, 101: 1, 200: 2},
	}
	tools := &stubTools{
		result: map[string]any{"ok": true},
		names:  []string{"web_search", "send_email", "read"},
	}
	if instances == nil {
		instances = mapInstances{}
	}
	rt := NewRuntime(1, dir, instances, tools, tiers, obsStore, nil)
	return &runtimeFixture{runtime: rt, tools: tools, obsStore: obsStore, dir: dir}
}

func governedInstance(agentID int64, tools, models []string) *instance.Instance {
	return &instance.Instance{
		AgentID:     agentID,
		WorkspaceID: 1,
		PolicySnapshot: capability.Snapshot{
			AllowedTools:  tools,
			AllowedModels: models,
		},
	}
}

func TestGatewayCapabilityDenial(t *testing.T) {
	f := newRuntimeFixture(t, mapInstances{
		100: governedInstance(100, []string{"web_search"}, nil),
	})
	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := session.ExecuteTool(context.Background(), "send_email", map[string]any{"to": "x@y"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	wantMsg := "Tool 'send_email' is not in agent capabilities. Allowed tools: ['web_search']"
	if result["error"] != wantMsg {
		t.Errorf("error = %q, want %q", result["error"], wantMsg)
	}
	if result["governance"] != true || result["capability_denied"] != true {
		t.Errorf("denial flags = %v", result)
	}
	// The denied tool never reaches the executor.
	if len(f.tools.calls) != 0 {
		t.Errorf("executor called %v, want no calls", f.tools.calls)
	}

	// The denial is visible as an error tool_result event.
	events, err := f.obsStore.ListEvents(obs.EventFilter{WorkspaceID: 1, EventType: obs.TypeToolResult})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Status != obs.StatusError {
		t.Fatalf("events = %+v, want one error tool_result", events)
	}
}

func TestGatewayAllowedCallPassesThrough(t *testing.T) {
	f := newRuntimeFixture(t, mapInstances{
		100: governedInstance(100, []string{"web_search"}, nil),
	})
	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := session.ExecuteTool(context.Background(), "web_search", map[string]any{"q": "go"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["ok"] != true {
		t.Errorf("result = %v, want executor passthrough", result)
	}
	if !reflect.DeepEqual(f.tools.calls, []string{"web_search"}) {
		t.Errorf("executor calls = %v", f.tools.calls)
	}

	// One tool_call and one success tool_result, attributed to the run.
	calls, _ := f.obsStore.ListEvents(obs.EventFilter{WorkspaceID: 1, EventType: obs.TypeToolCall})
	results, _ := f.obsStore.ListEvents(obs.EventFilter{WorkspaceID: 1, EventType: obs.TypeToolResult})
	if len(calls) != 1 || len(results) != 1 {
		t.Fatalf("events = %d calls %d results, want 1/1", len(calls), len(results))
	}
	if results[0].Status != obs.StatusSuccess {
		t.Errorf("result status = %s, want success", results[0].Status)
	}
	if calls[0].RunID != session.Context().RunID {
		t.Errorf("run attribution lost: %q vs %q", calls[0].RunID, session.Context().RunID)
	}
}

func TestGatewayExecutorErrorBecomesDict(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.tools.err = errors.New("upstream timeout")
	f.tools.result = nil

	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	result, err := session.ExecuteTool(context.Background(), "web_search", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["error"] != "upstream timeout" {
		t.Errorf("result = %v, want error dict", result)
	}
}

func TestLegacyAgentUnrestricted(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if session.Snapshot() != nil {
		t.Error("legacy session should carry no snapshot")
	}

	result, err := session.ExecuteTool(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["ok"] != true {
		t.Errorf("result = %v, want passthrough", result)
	}

	tools, err := session.ListTools()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := append([]string(nil), f.tools.names...)
	sort.Strings(want)
	if !reflect.DeepEqual(tools, want) {
		t.Errorf("tools = %v, want full sorted catalog %v", tools, want)
	}
}

func TestListToolsFiltered(t *testing.T) {
	f := newRuntimeFixture(t, mapInstances{
		100: governedInstance(100, []string{"read", "web_search"}, nil),
	})
	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	tools, err := session.ListTools()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(tools, []string{"read", "web_search"}) {
		t.Errorf("tools = %v, want capability-filtered set", tools)
	}
}

func TestCheckModelAllowedPrefix(t *testing.T) {
	f := newRuntimeFixture(t, mapInstances{
		100: governedInstance(100, nil, []string{"gpt-4", "claude"}),
	})
	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	cases := map[string]bool{
		"gpt-4":          true,
		"gpt-4o-mini":    true,
		"claude-haiku":   true,
		"gemini-2.0-pro": false,
		"gpt-3.5-turbo":  false,
	}
	for model, want := range cases {
		got, err := session.CheckModelAllowed(model)
		if err != nil {
			t.Fatalf("check %s: %v", model, err)
		}
		if got != want {
			t.Errorf("CheckModelAllowed(%q) = %v, want %v", model, got, want)
		}
	}

	// Wildcard snapshot allows everything.
	legacy := newRuntimeFixture(t, nil)
	ls, _ := legacy.runtime.StartSession(10, 100)
	if ok, _ := ls.CheckModelAllowed("anything"); !ok {
		t.Error("legacy session should allow all models")
	}
}

func TestStartSessionPermission(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	// User 20 lives in workspace 2; agent 100 in workspace 1.
	if _, err := f.runtime.StartSession(20, 100); !errors.Is(err, ErrPermission) {
		t.Fatalf("cross-workspace start err = %v, want ErrPermission", err)
	}
	// Agent 200 is outside this runtime's workspace.
	if _, err := f.runtime.StartSession(20, 200); !errors.Is(err, ErrPermission) {
		t.Fatalf("foreign runtime start err = %v, want ErrPermission", err)
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if f.runtime.ActiveSessions() != 1 {
		t.Fatalf("active = %d, want 1", f.runtime.ActiveSessions())
	}

	if err := session.Stop(obs.RunStatusSuccess, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := session.Stop(obs.RunStatusSuccess, ""); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if f.runtime.ActiveSessions() != 0 {
		t.Errorf("active = %d after stop, want 0", f.runtime.ActiveSessions())
	}

	if _, err := session.ExecuteTool(context.Background(), "web_search", nil); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("execute after stop err = %v, want ErrSessionStopped", err)
	}
	if _, err := session.ReceiveMessages(); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("receive after stop err = %v, want ErrSessionStopped", err)
	}
}

func TestMessagingFIFODrain(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	sender, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start sender: %v", err)
	}
	receiver, err := f.runtime.StartSession(10, 101)
	if err != nil {
		t.Fatalf("start receiver: %v", err)
	}

	for _, content := range []string{"first", "second", "third"} {
		if _, err := sender.SendMessage(101, content); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}

	msgs, err := receiver.ReceiveMessages()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
		if msgs[i].FromAgentID != 100 {
			t.Errorf("msgs[%d] sender = %d, want 100", i, msgs[i].FromAgentID)
		}
	}

	// Drained: second receive is empty.
	again, err := receiver.ReceiveMessages()
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second drain = %d messages, want 0", len(again))
	}
}

func TestMessagingRejectsForeignWorkspace(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	sender, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := sender.SendMessage(200, "psst"); !errors.Is(err, ErrPermission) {
		t.Fatalf("cross-workspace send err = %v, want ErrPermission", err)
	}
}

func TestExecutionContextImmutability(t *testing.T) {
	dir := mapDirectory{
		users:  map[int64]int64{10: 1},
		agents: map[int64]int64{100: 1, 101: 1, 200: 2},
	}
	ec, err := NewExecutionContext(dir, 10, 100)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}

	snap := &capability.Snapshot{AllowedTools: []string{"read"}}
	derived := ec.WithCapabilities(snap)
	if ec.Snapshot() != nil {
		t.Error("WithCapabilities mutated the original context")
	}
	if derived.Snapshot() != snap {
		t.Error("derived context lost the snapshot")
	}
	if derived.RunID != ec.RunID {
		t.Error("WithCapabilities must keep the run id")
	}

	peer, err := derived.ForAgent(dir, 101)
	if err != nil {
		t.Fatalf("for agent: %v", err)
	}
	if peer.RunID == derived.RunID {
		t.Error("ForAgent must mint a fresh run id")
	}
	if peer.Snapshot() != nil {
		t.Error("ForAgent must not carry the snapshot over")
	}

	if _, err := derived.ForAgent(dir, 200); !errors.Is(err, ErrPermission) {
		t.Fatalf("foreign ForAgent err = %v, want ErrPermission", err)
	}
}

func TestWithRunDerivesNewContext(t *testing.T) {
	dir := mapDirectory{
		users:  map[int64]int64{10: 1},
		agents: map[int64]int64{100: 1},
	}
	ec, err := NewExecutionContext(dir, 10, 100)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	original := ec.RunID

	bound := ec.WithRun("run-abc")
	if bound.RunID != "run-abc" {
		t.Errorf("bound run id = %q, want run-abc", bound.RunID)
	}
	if ec.RunID != original {
		t.Error("WithRun mutated the original context")
	}
	if bound.AgentID != ec.AgentID || bound.WorkspaceID != ec.WorkspaceID {
		t.Errorf("bound context = %+v, want identity preserved", bound)
	}
}

func TestGatewayCountsCalls(t *testing.T) {
	f := newRuntimeFixture(t, mapInstances{
		100: governedInstance(100, []string{"web_search"}, nil),
	})
	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	denials := testutil.ToFloat64(metrics.CapabilityDenialsTotal.WithLabelValues("send_email"))
	deniedCalls := testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues("capability_denied"))
	okCalls := testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues(obs.StatusSuccess))

	if _, err := session.ExecuteTool(context.Background(), "send_email", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := session.ExecuteTool(context.Background(), "web_search", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := testutil.ToFloat64(metrics.CapabilityDenialsTotal.WithLabelValues("send_email")); got != denials+1 {
		t.Errorf("capability denials = %v, want %v", got, denials+1)
	}
	if got := testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues("capability_denied")); got != deniedCalls+1 {
		t.Errorf("denied calls = %v, want %v", got, deniedCalls+1)
	}
	if got := testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues(obs.StatusSuccess)); got != okCalls+1 {
		t.Errorf("successful calls = %v, want %v", got, okCalls+1)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	before := testutil.ToFloat64(metrics.ActiveSessions)

	session, err := f.runtime.StartSession(10, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ActiveSessions); got != before+1 {
		t.Errorf("active sessions = %v, want %v", got, before+1)
	}

	if err := session.Stop(obs.RunStatusSuccess, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ActiveSessions); got != before {
		t.Errorf("active sessions after stop = %v, want %v", got, before)
	}
}
