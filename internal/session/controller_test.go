package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rampdev/rampagent/internal/common/config"
	apperrors "github.com/rampdev/rampagent/internal/common/errors"
	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/events/bus"
	"github.com/rampdev/rampagent/internal/github"
	"github.com/rampdev/rampagent/internal/llm"
	"github.com/rampdev/rampagent/internal/sandbox"
	"github.com/rampdev/rampagent/internal/store"
	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

type fakeSandbox struct {
	mu           sync.Mutex
	env          map[string]string
	destroyed    bool
	RunCommandFn func(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error)
}

func (f *fakeSandbox) Workspace() string { return "/tmp/fake" }

func (f *fakeSandbox) Setenv(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.env == nil {
		f.env = make(map[string]string)
	}
	f.env[key] = value
}

func (f *fakeSandbox) RunCommand(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error) {
	if f.RunCommandFn != nil {
		return f.RunCommandFn(ctx, command, timeout)
	}
	return &sandbox.CommandResult{ExitCode: 0}, nil
}

func (f *fakeSandbox) ReadFile(ctx context.Context, path string) (string, error) { return "", nil }
func (f *fakeSandbox) WriteFile(ctx context.Context, path, content string) error { return nil }
func (f *fakeSandbox) DeleteFile(ctx context.Context, path string) error         { return nil }
func (f *fakeSandbox) ListDir(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}

func (f *fakeSandbox) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *fakeSandbox) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

type fakeProvider struct {
	sb  *fakeSandbox
	err error
}

func (p *fakeProvider) Create(ctx context.Context, repoURL, githubToken string) (sandbox.Sandbox, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.sb, nil
}

type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	next      int
}

func (s *scriptedLLM) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.responses) {
		resp := s.responses[s.next]
		s.next++
		return resp, nil
	}
	return &llm.Response{Content: []llm.Block{llm.TextBlock("done")}, StopReason: "end_turn"}, nil
}

// blockingLLM parks every call until released.
type blockingLLM struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingLLM() *blockingLLM {
	return &blockingLLM{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingLLM) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.Response{Content: []llm.Block{llm.TextBlock(`{"summary": "released"}`)}}, nil
}

func (b *blockingLLM) unblock() {
	b.once.Do(func() { close(b.release) })
}

type fakeMerger struct {
	result *github.MergeResult
	err    error
	called int
}

func (m *fakeMerger) MergePR(ctx context.Context, repoFullName string, number int) (*github.MergeResult, error) {
	m.called++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type fakeArtifacts struct {
	mu    sync.Mutex
	saved []*v1.Artifact
}

func (f *fakeArtifacts) Save(ctx context.Context, runID string, artifactType v1.ArtifactType, name string, data []byte, metadata map[string]interface{}) (*v1.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	artifact := &v1.Artifact{
		RunID:     runID,
		Type:      artifactType,
		Name:      name,
		Metadata:  metadata,
		SizeBytes: int64(len(data)),
	}
	f.saved = append(f.saved, artifact)
	return artifact, nil
}

func (f *fakeArtifacts) byType(artifactType v1.ArtifactType) []*v1.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*v1.Artifact
	for _, a := range f.saved {
		if a.Type == artifactType {
			out = append(out, a)
		}
	}
	return out
}

type testRig struct {
	controller *Controller
	store      store.Store
	sandbox    *fakeSandbox
	artifacts  *fakeArtifacts
	merger     *fakeMerger
	session    *v1.Session
}

func newTestRig(t *testing.T, client llm.Client) *testRig {
	t.Helper()
	st := store.NewMemoryStore()
	sb := &fakeSandbox{}
	arts := &fakeArtifacts{}
	merger := &fakeMerger{result: &github.MergeResult{Merged: true, SHA: "abc123"}}

	cfg := &config.Config{}
	cfg.Runs.MaxRuntime = 5 * time.Second
	cfg.Runs.MaxConcurrent = 2
	cfg.GitHub.Token = "gh-token"
	cfg.Anthropic.APIKey = "api-key"

	c := NewController(Deps{
		Config:    cfg,
		Store:     st,
		Bus:       bus.NewMemoryBus(),
		Provider:  &fakeProvider{sb: sb},
		LLM:       client,
		Merger:    merger,
		Artifacts: arts,
		Logger:    logger.NewNop(),
	})

	session := &v1.Session{
		RepoURL: "https://github.com/acme/widgets",
		Prompt:  "fix the login bug",
	}
	if err := st.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}

	return &testRig{controller: c, store: st, sandbox: sb, artifacts: arts, merger: merger, session: session}
}

func eventTypesByRun(t *testing.T, st store.Store, runID string) []string {
	t.Helper()
	events, err := st.ListEventsByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func containsType(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

// containsStatus reports whether the run emitted a status_change event
// carrying the given status.
func containsStatus(t *testing.T, st store.Store, runID, status string) bool {
	t.Helper()
	events, err := st.ListEventsByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		if ev.Type == "status_change" && ev.Data["status"] == status {
			return true
		}
	}
	return false
}

func TestStartRunHappyPath(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu_1", "run_command", map[string]interface{}{"command": "ls"})}},
		{Content: []llm.Block{llm.ToolUseBlock("tu_2", "complete", map[string]interface{}{
			"summary":   "Fixed the login bug",
			"pr_url":    "https://github.com/acme/widgets/pull/7",
			"pr_number": float64(7),
		})}},
	}}
	rig := newTestRig(t, client)
	rig.sandbox.RunCommandFn = func(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error) {
		if command == "git diff HEAD" {
			return &sandbox.CommandResult{ExitCode: 0, Stdout: "--- a\n+++ b\n"}, nil
		}
		return &sandbox.CommandResult{ExitCode: 0, Stdout: "README.md"}, nil
	}

	run, err := rig.controller.StartRun(context.Background(), rig.session.ID)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	rig.controller.wg.Wait()

	got, err := rig.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != v1.RunStatusCompleted {
		t.Errorf("run status = %s", got.Status)
	}
	if got.PRURL == nil || *got.PRURL != "https://github.com/acme/widgets/pull/7" {
		t.Errorf("pr url not persisted: %v", got.PRURL)
	}
	if got.PRNumber == nil || *got.PRNumber != 7 {
		t.Errorf("pr number not persisted: %v", got.PRNumber)
	}
	if got.CommandsUsed != 1 {
		t.Errorf("commands_used = %d, want 1", got.CommandsUsed)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}

	session, _ := rig.store.GetSession(context.Background(), rig.session.ID)
	if session.Status != v1.SessionStatusCompleted {
		t.Errorf("session status = %s", session.Status)
	}

	// Secrets land in the sandbox environment.
	if rig.sandbox.env["GITHUB_TOKEN"] != "gh-token" || rig.sandbox.env["ANTHROPIC_API_KEY"] != "api-key" {
		t.Errorf("sandbox env = %v", rig.sandbox.env)
	}

	types := eventTypesByRun(t, rig.store, run.ID)
	for _, want := range []string{"status_change", "tool_call", "tool_result"} {
		if !containsType(types, want) {
			t.Errorf("missing %s event in %v", want, types)
		}
	}
	if !containsStatus(t, rig.store, run.ID, "run_finished") {
		t.Error("missing run_finished status event")
	}

	diffs := rig.artifacts.byType(v1.ArtifactTypeDiff)
	if len(diffs) != 1 || diffs[0].Name != "changes" {
		t.Errorf("diff artifact not saved: %+v", diffs)
	}
	if diffs[0].Metadata["summary"] != "Fixed the login bug" {
		t.Errorf("diff metadata = %v", diffs[0].Metadata)
	}

	messages, _ := rig.store.ListMessagesBySession(context.Background(), rig.session.ID)
	if len(messages) != 1 || messages[0].Role != "agent" || messages[0].Content != "Fixed the login bug" {
		t.Errorf("summary message not persisted: %+v", messages)
	}

	// The sandbox survives a successful run for follow-ups.
	if rig.sandbox.isDestroyed() {
		t.Error("sandbox destroyed after successful run")
	}
}

func TestStartRunCloneFailure(t *testing.T) {
	rig := newTestRig(t, &scriptedLLM{})
	rig.controller.provider = &fakeProvider{err: context.DeadlineExceeded}

	run, err := rig.controller.StartRun(context.Background(), rig.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	rig.controller.wg.Wait()

	got, _ := rig.store.GetRun(context.Background(), run.ID)
	if got.Status != v1.RunStatusFailed {
		t.Errorf("run status = %s", got.Status)
	}
	session, _ := rig.store.GetSession(context.Background(), rig.session.ID)
	if session.Status != v1.SessionStatusFailed {
		t.Errorf("session status = %s", session.Status)
	}
	if !containsType(eventTypesByRun(t, rig.store, run.ID), "error") {
		t.Error("missing error event")
	}
}

func TestStartRunConflictWhileBusy(t *testing.T) {
	client := newBlockingLLM()
	rig := newTestRig(t, client)

	if _, err := rig.controller.StartRun(context.Background(), rig.session.ID); err != nil {
		t.Fatal(err)
	}
	<-client.started

	if _, err := rig.controller.StartRun(context.Background(), rig.session.ID); err == nil {
		t.Error("expected conflict while run in progress")
	}

	client.unblock()
	rig.controller.wg.Wait()
}

func TestStartRunMaxConcurrent(t *testing.T) {
	client := newBlockingLLM()
	rig := newTestRig(t, client)
	rig.controller.cfg.Runs.MaxConcurrent = 1

	other := &v1.Session{RepoURL: "https://github.com/acme/other", Prompt: "task"}
	if err := rig.store.CreateSession(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	if _, err := rig.controller.StartRun(context.Background(), rig.session.ID); err != nil {
		t.Fatal(err)
	}
	<-client.started

	if _, err := rig.controller.StartRun(context.Background(), other.ID); err == nil {
		t.Error("expected max-concurrent conflict")
	}

	client.unblock()
	rig.controller.wg.Wait()
}

func TestStartRunUnknownSession(t *testing.T) {
	rig := newTestRig(t, &scriptedLLM{})
	if _, err := rig.controller.StartRun(context.Background(), "nope"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestContinueRunWithoutLiveOrchestrator(t *testing.T) {
	rig := newTestRig(t, &scriptedLLM{})
	if _, err := rig.controller.ContinueRun(context.Background(), rig.session.ID, "more"); err == nil {
		t.Error("expected conflict with no resumable run")
	}
}

func TestContinueRunResumes(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu_1", "complete", map[string]interface{}{"summary": "first leg"})}},
		{Content: []llm.Block{llm.ToolUseBlock("tu_2", "complete", map[string]interface{}{"summary": "second leg"})}},
	}}
	rig := newTestRig(t, client)

	first, err := rig.controller.StartRun(context.Background(), rig.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	rig.controller.wg.Wait()

	second, err := rig.controller.ContinueRun(context.Background(), rig.session.ID, "also update the docs")
	if err != nil {
		t.Fatalf("ContinueRun: %v", err)
	}
	if second.ID == first.ID {
		t.Error("resume should create a new run")
	}
	rig.controller.wg.Wait()

	got, _ := rig.store.GetRun(context.Background(), second.ID)
	if got.Status != v1.RunStatusCompleted {
		t.Errorf("resumed run status = %s", got.Status)
	}

	types := eventTypesByRun(t, rig.store, second.ID)
	if !containsType(types, "user_message") {
		t.Errorf("missing user_message event in %v", types)
	}

	messages, _ := rig.store.ListMessagesBySession(context.Background(), rig.session.ID)
	var contents []string
	for _, m := range messages {
		contents = append(contents, m.Role+":"+m.Content)
	}
	wantUser := "user:also update the docs"
	found := false
	for _, c := range contents {
		if c == wantUser {
			found = true
		}
	}
	if !found {
		t.Errorf("user message not persisted: %v", contents)
	}
}

func TestInterruptRun(t *testing.T) {
	client := newBlockingLLM()
	rig := newTestRig(t, client)

	run, err := rig.controller.StartRun(context.Background(), rig.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	<-client.started

	if err := rig.controller.InterruptRun(context.Background(), rig.session.ID); err != nil {
		t.Fatalf("InterruptRun: %v", err)
	}
	if !rig.sandbox.isDestroyed() {
		t.Error("sandbox not destroyed on interrupt")
	}

	client.unblock()
	rig.controller.wg.Wait()

	// A user-requested stop settles as completed, not failed.
	got, _ := rig.store.GetRun(context.Background(), run.ID)
	if got.Status != v1.RunStatusCompleted {
		t.Errorf("run status = %s", got.Status)
	}
	session, _ := rig.store.GetSession(context.Background(), rig.session.ID)
	if session.Status != v1.SessionStatusCompleted {
		t.Errorf("session status = %s", session.Status)
	}
	if !containsStatus(t, rig.store, run.ID, "interrupt_requested") {
		t.Error("missing interrupt_requested status event")
	}
}

func TestInterruptRunWithoutActive(t *testing.T) {
	rig := newTestRig(t, &scriptedLLM{})
	if err := rig.controller.InterruptRun(context.Background(), rig.session.ID); err == nil {
		t.Error("expected conflict with no active run")
	}
}

func TestMergePR(t *testing.T) {
	rig := newTestRig(t, &scriptedLLM{})
	ctx := context.Background()

	prNumber := 7
	prURL := "https://github.com/acme/widgets/pull/7"
	run := &v1.Run{SessionID: rig.session.ID, Status: v1.RunStatusCompleted, PRNumber: &prNumber, PRURL: &prURL}
	if err := rig.store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	merged, err := rig.controller.MergePR(ctx, rig.session.ID)
	if err != nil {
		t.Fatalf("MergePR: %v", err)
	}
	if merged.MergeSHA == nil || *merged.MergeSHA != "abc123" {
		t.Errorf("merge sha = %v", merged.MergeSHA)
	}
	if merged.MergedAt == nil {
		t.Error("merged_at not set")
	}
	if rig.merger.called != 1 {
		t.Errorf("merger called %d times", rig.merger.called)
	}
	if !containsStatus(t, rig.store, run.ID, "pr_merged") {
		t.Error("missing pr_merged status event")
	}

	// Second merge is rejected.
	if _, err := rig.controller.MergePR(ctx, rig.session.ID); err == nil {
		t.Error("expected conflict on already-merged PR")
	}
}

func TestMergePRWithoutPR(t *testing.T) {
	rig := newTestRig(t, &scriptedLLM{})
	if _, err := rig.controller.MergePR(context.Background(), rig.session.ID); err == nil {
		t.Error("expected conflict with no PR")
	}
}

func TestMergePRNotMergedByAPI(t *testing.T) {
	rig := newTestRig(t, &scriptedLLM{})
	rig.merger.result = &github.MergeResult{Merged: false, Message: "checks pending"}

	prNumber := 3
	run := &v1.Run{SessionID: rig.session.ID, Status: v1.RunStatusCompleted, PRNumber: &prNumber}
	if err := rig.store.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.controller.MergePR(context.Background(), rig.session.ID); err == nil {
		t.Error("expected error when API reports not merged")
	}
}

func TestEventsFanOutToBus(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu_1", "complete", map[string]interface{}{"summary": "ok"})}},
	}}
	rig := newTestRig(t, client)

	sub, cancel := rig.controller.bus.Subscribe(rig.session.ID)
	defer cancel()

	if _, err := rig.controller.StartRun(context.Background(), rig.session.ID); err != nil {
		t.Fatal(err)
	}
	rig.controller.wg.Wait()

	deadline := time.After(2 * time.Second)
	seen := map[string]bool{}
	for !seen["run_finished"] {
		select {
		case ev := <-sub.C():
			seen[ev.Type] = true
			if ev.Type == "status_change" {
				if status, ok := ev.Data["status"].(string); ok {
					seen[status] = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for bus events, saw %v", seen)
		}
	}
	if !seen["tool_call"] {
		t.Error("tool_call never reached the bus")
	}
}
