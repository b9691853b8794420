package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/g2/internal/agent"
	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/container"
	"github.com/nextlevelbuilder/g2/internal/queue"
	"github.com/nextlevelbuilder/g2/internal/store"
)

type staticGroups struct {
	groups map[string]*store.RegisteredGroup
}

func (g *staticGroups) GroupByJID(jid string) *store.RegisteredGroup { return g.groups[jid] }
func (g *staticGroups) RegisteredJIDs() []string {
	jids := make([]string, 0, len(g.groups))
	for jid := range g.groups {
		jids = append(jids, jid)
	}
	return jids
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) SendMessage(_ context.Context, jid, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
}
func (s *recordingSender) SetTyping(context.Context, string, bool) {}

// fakeRunner records prompts and plays back canned frames.
type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	frames  []container.OutputFrame
	output  *container.Output
	ran     chan struct{}
}

func (r *fakeRunner) Run(_ context.Context, _ *store.RegisteredGroup, in container.RunInput, onProcess container.OnProcess, onOutput container.OnOutput) *container.Output {
	r.mu.Lock()
	r.prompts = append(r.prompts, in.Prompt)
	r.mu.Unlock()
	for _, f := range r.frames {
		if onOutput != nil {
			onOutput(f)
		}
	}
	if r.ran != nil {
		r.ran <- struct{}{}
	}
	if r.output != nil {
		return r.output
	}
	return &container.Output{Status: "success"}
}

func strptr(s string) *string { return &s }

type fixture struct {
	st     *store.Store
	p      *Pipeline
	q      *queue.GroupQueue
	runner *fakeRunner
	sender *recordingSender
}

func newFixture(t *testing.T, groups map[string]*store.RegisteredGroup) *fixture {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.PollInterval = 10 * time.Millisecond

	runner := &fakeRunner{ran: make(chan struct{}, 4)}
	exec := agent.New(st, runner, cfg)
	q := queue.New(cfg.IPCDir(), 2, nil)
	t.Cleanup(func() { q.Shutdown(time.Second) })
	sender := &recordingSender{}

	p, err := New(st, &staticGroups{groups: groups}, q, exec, sender, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	q.SetMessageProcessor(p.ProcessGroupMessages)
	return &fixture{st: st, p: p, q: q, runner: runner, sender: sender}
}

func storeMsg(t *testing.T, st *store.Store, jid, id, content, ts string) {
	t.Helper()
	if err := st.StoreMessage(store.Message{
		ID: id, ChatJID: jid, Sender: "user@s.whatsapp.net",
		SenderName: "User", Content: content, Timestamp: ts,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestBatchWithTriggerDispatchesWholeBatch(t *testing.T) {
	jid := "other@g.us"
	f := newFixture(t, map[string]*store.RegisteredGroup{
		jid: {JID: jid, Folder: "other", Trigger: `^@G2\b`, RequiresTrigger: true},
	})
	storeMsg(t, f.st, jid, "1", "hello", "2025-01-01T00:00:01.000Z")
	storeMsg(t, f.st, jid, "2", "@G2 help", "2025-01-01T00:00:02.000Z")

	f.runner.frames = []container.OutputFrame{{Status: "success", Result: strptr("on it")}}

	if err := f.p.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	select {
	case <-f.runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never ran")
	}

	f.runner.mu.Lock()
	prompt := f.runner.prompts[0]
	f.runner.mu.Unlock()
	if !strings.Contains(prompt, "hello") || !strings.Contains(prompt, "@G2 help") {
		t.Fatalf("prompt missing batch messages:\n%s", prompt)
	}

	waitFor(t, func() bool { return f.p.agentCursor(jid) == "2025-01-01T00:00:02.000Z" })

	cursors, err := f.st.GetAgentCursors()
	if err != nil {
		t.Fatal(err)
	}
	if cursors[jid] != "2025-01-01T00:00:02.000Z" {
		t.Fatalf("persisted cursor = %q", cursors[jid])
	}
}

func TestTriggerGatingSkipsDispatchButAdvancesDedup(t *testing.T) {
	jid := "other@g.us"
	f := newFixture(t, map[string]*store.RegisteredGroup{
		jid: {JID: jid, Folder: "other", Trigger: `^@G2\b`, RequiresTrigger: true},
	})
	storeMsg(t, f.st, jid, "3", "hi", "2025-01-01T00:00:03.000Z")

	if err := f.p.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	last, err := f.st.GetRouterState(store.RouterKeyLastTimestamp)
	if err != nil {
		t.Fatal(err)
	}
	if last != "2025-01-01T00:00:03.000Z" {
		t.Fatalf("dedup cursor = %q, want advanced", last)
	}
	if cur := f.p.agentCursor(jid); cur != "" {
		t.Fatalf("agent cursor advanced to %q without a dispatch", cur)
	}

	time.Sleep(100 * time.Millisecond)
	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	if len(f.runner.prompts) != 0 {
		t.Fatalf("agent ran %d times, want 0", len(f.runner.prompts))
	}
}

func TestMainGroupNeedsNoTrigger(t *testing.T) {
	jid := "main@g.us"
	f := newFixture(t, map[string]*store.RegisteredGroup{
		jid: {JID: jid, Folder: config.MainGroupFolder, RequiresTrigger: true, Trigger: `^@G2\b`},
	})
	storeMsg(t, f.st, jid, "1", "just do it", "2025-01-01T00:00:01.000Z")

	if err := f.p.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	select {
	case <-f.runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("main group message never dispatched")
	}
}

func TestFailedRunRollsBackCursor(t *testing.T) {
	jid := "other@g.us"
	f := newFixture(t, map[string]*store.RegisteredGroup{
		jid: {JID: jid, Folder: "other", RequiresTrigger: false},
	})
	storeMsg(t, f.st, jid, "1", "work", "2025-01-01T00:00:01.000Z")

	f.runner.output = &container.Output{Status: "error", Error: "spawn failed"}

	err := f.p.ProcessGroupMessages(context.Background(), jid)
	if err == nil {
		t.Fatal("expected error from failed run")
	}
	if cur := f.p.agentCursor(jid); cur != "" {
		t.Fatalf("cursor = %q, want rollback to empty", cur)
	}
}

func TestFailedRunAfterOutputKeepsCursor(t *testing.T) {
	jid := "other@g.us"
	f := newFixture(t, map[string]*store.RegisteredGroup{
		jid: {JID: jid, Folder: "other", RequiresTrigger: false},
	})
	storeMsg(t, f.st, jid, "1", "work", "2025-01-01T00:00:01.000Z")

	f.runner.frames = []container.OutputFrame{{Status: "success", Result: strptr("partial answer")}}
	f.runner.output = &container.Output{Status: "error", Error: "died later"}

	if err := f.p.ProcessGroupMessages(context.Background(), jid); err != nil {
		t.Fatalf("expected success (user already replied), got %v", err)
	}
	if cur := f.p.agentCursor(jid); cur != "2025-01-01T00:00:01.000Z" {
		t.Fatalf("cursor = %q, want retained", cur)
	}
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "partial answer" {
		t.Fatalf("sent = %v", f.sender.sent)
	}
}

func TestTimeoutAfterOutputSendsExactlyOneReply(t *testing.T) {
	jid := "other@g.us"
	f := newFixture(t, map[string]*store.RegisteredGroup{
		jid: {JID: jid, Folder: "other", RequiresTrigger: false},
	})
	storeMsg(t, f.st, jid, "1", "work", "2025-01-01T00:00:01.000Z")

	// A container that answers and then stalls past the hard timeout
	// resolves to a bare success with no final result.
	f.runner.frames = []container.OutputFrame{{Status: "success", Result: strptr("ok")}}
	f.runner.output = &container.Output{Status: "success"}

	if err := f.p.ProcessGroupMessages(context.Background(), jid); err != nil {
		t.Fatalf("process: %v", err)
	}
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "ok" {
		t.Fatalf("sent = %v, want exactly one %q", f.sender.sent, "ok")
	}
	if cur := f.p.agentCursor(jid); cur != "2025-01-01T00:00:01.000Z" {
		t.Fatalf("cursor = %q, want retained", cur)
	}
}

func TestTimeoutWithoutOutputSendsNothing(t *testing.T) {
	jid := "other@g.us"
	f := newFixture(t, map[string]*store.RegisteredGroup{
		jid: {JID: jid, Folder: "other", RequiresTrigger: false},
	})
	storeMsg(t, f.st, jid, "1", "work", "2025-01-01T00:00:01.000Z")

	f.runner.output = &container.Output{Status: "error", Error: "timeout after 60000ms"}

	err := f.p.ProcessGroupMessages(context.Background(), jid)
	if err == nil || !strings.Contains(err.Error(), "timeout after 60000ms") {
		t.Fatalf("err = %v, want the timeout error surfaced", err)
	}
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	if len(f.sender.sent) != 0 {
		t.Fatalf("sent = %v, want nothing", f.sender.sent)
	}
	if cur := f.p.agentCursor(jid); cur != "" {
		t.Fatalf("cursor = %q, want rollback so the batch retries", cur)
	}
}

func TestInternalBlocksStrippedFromOutbound(t *testing.T) {
	jid := "other@g.us"
	f := newFixture(t, map[string]*store.RegisteredGroup{
		jid: {JID: jid, Folder: "other", RequiresTrigger: false},
	})
	storeMsg(t, f.st, jid, "1", "work", "2025-01-01T00:00:01.000Z")

	f.runner.frames = []container.OutputFrame{
		{Status: "success", Result: strptr("<internal>thinking</internal>visible")},
		{Status: "success", Result: strptr("<internal>only thinking</internal>")},
	}

	if err := f.p.ProcessGroupMessages(context.Background(), jid); err != nil {
		t.Fatalf("process: %v", err)
	}
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "visible" {
		t.Fatalf("sent = %v, want only the visible part", f.sender.sent)
	}
}

func TestHasTriggerTable(t *testing.T) {
	group := &store.RegisteredGroup{Folder: "other", Trigger: `^@G2\b`, RequiresTrigger: true}
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"exact trigger", "@G2 help", true},
		{"case insensitive", "@g2 HELP", true},
		{"leading whitespace trimmed", "  @G2 now", true},
		{"no trigger", "hello", false},
		{"trigger mid-sentence", "ask @G2 later", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msgs := []store.Message{{Content: tc.content}}
			if got := hasTrigger(msgs, group); got != tc.want {
				t.Fatalf("hasTrigger(%q) = %v, want %v", tc.content, got, tc.want)
			}
		})
	}

	optional := &store.RegisteredGroup{Folder: "other", RequiresTrigger: false}
	if !hasTrigger([]store.Message{{Content: "anything"}}, optional) {
		t.Fatal("requiresTrigger=false must always pass")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
