package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"silverbuild/llm"
	"silverbuild/sandbox"
	"silverbuild/store"
)

// fakeSession records file writes and serves scripted command results.
type fakeSession struct {
	mu       sync.Mutex
	id       string
	files    map[string]string
	writes   int
	commands map[string]sandbox.CommandResult
	cmdErrs  map[string]error
	ran      []string
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) WriteFile(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
	s.writes++
	return nil
}

func (s *fakeSession) ReadFile(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("file not found: %s", path)
	}
	return content, nil
}

func (s *fakeSession) RunCommand(ctx context.Context, command string, onOutput func(string)) (sandbox.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, command)
	if err, ok := s.cmdErrs[command]; ok {
		return sandbox.CommandResult{}, err
	}
	if result, ok := s.commands[command]; ok {
		if onOutput != nil {
			onOutput(result.Output)
		}
		return result, nil
	}
	return sandbox.CommandResult{Output: "ok"}, nil
}

func (s *fakeSession) PreviewURL(port int) string {
	return fmt.Sprintf("https://%d-%s.test.dev", port, s.id)
}

type fakeProvisioner struct {
	mu      sync.Mutex
	session *fakeSession
	creates int
}

func (p *fakeProvisioner) Create(ctx context.Context, template string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	return p.session.id, nil
}

func (p *fakeProvisioner) Resume(ctx context.Context, id string) (sandbox.Session, error) {
	if id != p.session.id {
		return nil, sandbox.ErrSessionUnavailable
	}
	return p.session, nil
}

// fakeLLM serves post-processor calls by system prompt and agent calls
// from a scripted queue.
type fakeLLM struct {
	mu       sync.Mutex
	script   []*llm.Response
	title    string
	response string
	calls    int
}

func (f *fakeLLM) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch req.SystemPrompt {
	case titlePrompt:
		return &llm.Response{Content: f.title}, nil
	case responsePrompt:
		return &llm.Response{Content: f.response}, nil
	}
	if f.calls >= len(f.script) {
		return nil, errors.New("no more scripted responses")
	}
	resp := f.script[f.calls]
	f.calls++
	return resp, nil
}

func fileCall(id, path, content string) llm.ToolCallResult {
	return llm.ToolCallResult{
		ID:   id,
		Name: "create_or_update_files",
		Args: map[string]any{
			"files": []any{
				map[string]any{"path": path, "content": content},
			},
		},
	}
}

func newTestRunner(t *testing.T, client llm.Client, p sandbox.Provisioner) (*Runner, *store.Store) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "silverbuild.db"), 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	return &Runner{
		Provisioner: p,
		Store:       st,
		DB:          db,
		LLM:         client,
		Model:       "test-model",
		Template:    "silver-nextjs",
		PreviewPort: 3000,
		MaxTurns:    5,
		Log:         zerolog.Nop(),
	}, st
}

func TestRunSuccess(t *testing.T) {
	session := &fakeSession{id: "sbx-1", files: map[string]string{}}
	client := &fakeLLM{
		script: []*llm.Response{
			{ToolCalls: []llm.ToolCallResult{fileCall("c1", "footer.html", "<footer/>")}},
			{Content: "<task_summary>Added footer component</task_summary>"},
		},
		title:    "Footer Component",
		response: "I added a footer to your page.",
	}
	w, st := newTestRunner(t, client, &fakeProvisioner{session: session})

	result, err := w.Run(context.Background(), TaskEvent{RunID: "run-1", ProjectID: "proj-1", Value: "add a footer"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Files["footer.html"] != "<footer/>" {
		t.Errorf("result files: %v", result.Files)
	}
	if result.Title != "Footer Component" {
		t.Errorf("title: %q", result.Title)
	}
	if result.PreviewURL != "https://3000-sbx-1.test.dev" {
		t.Errorf("preview url: %q", result.PreviewURL)
	}
	if session.files["footer.html"] != "<footer/>" {
		t.Error("file was not written to the sandbox")
	}

	turns, err := st.ListTurns("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 persisted turn, got %d", len(turns))
	}
	if turns[0].Kind != store.KindResult || turns[0].Content != "I added a footer to your page." {
		t.Errorf("unexpected turn: %+v", turns[0])
	}
	frag, err := st.FragmentFor(turns[0].ID)
	if err != nil || frag == nil {
		t.Fatalf("fragment missing: %v", err)
	}
	if frag.Files["footer.html"] != "<footer/>" || frag.Title == "" {
		t.Errorf("unexpected fragment: %+v", frag)
	}
}

func TestRunToolFailureRecovery(t *testing.T) {
	session := &fakeSession{
		id:    "sbx-1",
		files: map[string]string{},
		commands: map[string]sandbox.CommandResult{
			"badcmd": {Output: "sh: badcmd: not found", ExitCode: 127},
		},
	}
	client := &fakeLLM{
		script: []*llm.Response{
			{ToolCalls: []llm.ToolCallResult{{ID: "c1", Name: "run_command", Args: map[string]any{"command": "badcmd"}}}},
			{ToolCalls: []llm.ToolCallResult{fileCall("c2", "app/page.tsx", "fixed")}},
			{Content: "<task_summary>Recovered and finished</task_summary>"},
		},
		title:    "Fixed Page",
		response: "Done.",
	}
	w, st := newTestRunner(t, client, &fakeProvisioner{session: session})

	result, err := w.Run(context.Background(), TaskEvent{RunID: "run-1", ProjectID: "proj-1", Value: "run it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Summary == "" || len(result.Files) == 0 {
		t.Error("run with recovered tool failure must still succeed")
	}

	turns, _ := st.ListTurns("proj-1")
	if len(turns) != 1 || turns[0].Kind != store.KindResult {
		t.Errorf("expected one result turn, got %+v", turns)
	}
}

func TestRunCeilingExhaustion(t *testing.T) {
	session := &fakeSession{id: "sbx-1", files: map[string]string{}}
	var script []*llm.Response
	for i := 0; i < 10; i++ {
		script = append(script, &llm.Response{Content: "still going"})
	}
	client := &fakeLLM{script: script}
	w, st := newTestRunner(t, client, &fakeProvisioner{session: session})
	w.MaxTurns = 3

	result, err := w.Run(context.Background(), TaskEvent{RunID: "run-1", ProjectID: "proj-1", Value: "never finish"})
	if err != nil {
		t.Fatalf("ceiling exhaustion is a terminal state, not an error: %v", err)
	}
	if result.Summary != "" {
		t.Errorf("summary should be empty, got %q", result.Summary)
	}

	turns, _ := st.ListTurns("proj-1")
	if len(turns) != 1 {
		t.Fatalf("expected one error turn, got %d", len(turns))
	}
	if turns[0].Kind != store.KindError || turns[0].Content != errorMessage {
		t.Errorf("unexpected turn: %+v", turns[0])
	}
	if frag, _ := st.LatestFragment("proj-1"); frag != nil {
		t.Error("error run must not create an artifact")
	}
}

func TestRunHydratesFromLatestFragment(t *testing.T) {
	session := &fakeSession{id: "sbx-1", files: map[string]string{}}
	client := &fakeLLM{
		script: []*llm.Response{
			{Content: "<task_summary>No changes needed</task_summary>"},
		},
	}
	w, st := newTestRunner(t, client, &fakeProvisioner{session: session})

	prior := store.NewTurn("proj-1", store.RoleAssistant, "built earlier", store.KindResult)
	if err := st.AppendTurn(prior, &store.Fragment{
		Title: "Earlier",
		Files: map[string]string{"a.txt": "1", "b.txt": "2"},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := w.Run(context.Background(), TaskEvent{RunID: "run-2", ProjectID: "proj-1", Value: "tweak it"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.files["a.txt"] != "1" || session.files["b.txt"] != "2" {
		t.Errorf("sandbox not hydrated: %v", session.files)
	}
}

func TestRunRetrySkipsMemoizedSteps(t *testing.T) {
	session := &fakeSession{id: "sbx-1", files: map[string]string{}}
	provisioner := &fakeProvisioner{session: session}
	client := &fakeLLM{
		script: []*llm.Response{
			{ToolCalls: []llm.ToolCallResult{fileCall("c1", "footer.html", "<footer/>")}},
			{Content: "<task_summary>Added footer</task_summary>"},
		},
		title:    "Footer",
		response: "Done.",
	}
	w, st := newTestRunner(t, client, provisioner)

	ev := TaskEvent{RunID: "run-1", ProjectID: "proj-1", Value: "add a footer"}
	if _, err := w.Run(context.Background(), ev); err != nil {
		t.Fatalf("first run: %v", err)
	}
	writesAfterFirst := session.writes

	// Retry of the same run id: the agent loop replays against
	// memoized tool steps, so the model must be re-scripted but the
	// sandbox and store must not see duplicate side effects.
	client.calls = 0
	result, err := w.Run(context.Background(), ev)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	if provisioner.creates != 1 {
		t.Errorf("sandbox created %d times, want 1", provisioner.creates)
	}
	if session.writes != writesAfterFirst {
		t.Errorf("retry re-executed file writes: %d -> %d", writesAfterFirst, session.writes)
	}
	turns, _ := st.ListTurns("proj-1")
	if len(turns) != 1 {
		t.Errorf("retry duplicated turns: %d", len(turns))
	}
	if result.Files["footer.html"] != "<footer/>" {
		t.Errorf("retry result files: %v", result.Files)
	}
}

func TestRunCancelledCommandRetries(t *testing.T) {
	session := &fakeSession{
		id:      "sbx-1",
		files:   map[string]string{},
		cmdErrs: map[string]error{"npm install": context.Canceled},
	}
	provisioner := &fakeProvisioner{session: session}
	client := &fakeLLM{
		script: []*llm.Response{
			{ToolCalls: []llm.ToolCallResult{{ID: "c1", Name: "run_command", Args: map[string]any{"command": "npm install"}}}},
			{ToolCalls: []llm.ToolCallResult{fileCall("c2", "app/page.tsx", "page")}},
			{Content: "<task_summary>Installed and built</task_summary>"},
		},
		title:    "Page",
		response: "Done.",
	}
	w, st := newTestRunner(t, client, provisioner)

	ev := TaskEvent{RunID: "run-1", ProjectID: "proj-1", Value: "install and build"}
	if _, err := w.Run(context.Background(), ev); err == nil {
		t.Fatal("a run whose command stream was aborted must fail")
	}

	// The daemon lets the process finish, so the retry must re-execute
	// the command instead of replaying the aborted attempt as a
	// permanent command failure.
	session.mu.Lock()
	session.cmdErrs = nil
	session.mu.Unlock()
	client.mu.Lock()
	client.calls = 0
	client.mu.Unlock()

	result, err := w.Run(context.Background(), ev)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Summary == "" || len(result.Files) == 0 {
		t.Errorf("retry did not complete: %+v", result)
	}
	if got := len(session.ran); got != 2 {
		t.Errorf("command executed %d times, want 2 (once per attempt)", got)
	}
	turns, _ := st.ListTurns("proj-1")
	if len(turns) != 1 || turns[0].Kind != store.KindResult {
		t.Errorf("expected one result turn, got %+v", turns)
	}
}

func TestPostProcessorFallbacks(t *testing.T) {
	session := &fakeSession{id: "sbx-1", files: map[string]string{}}
	client := &fakeLLM{
		script: []*llm.Response{
			{ToolCalls: []llm.ToolCallResult{fileCall("c1", "x.txt", "x")}},
			{Content: "<task_summary>Did the thing</task_summary>"},
		},
		// Post-processors answer with whitespace only.
		title:    "  ",
		response: "",
	}
	w, st := newTestRunner(t, client, &fakeProvisioner{session: session})

	result, err := w.Run(context.Background(), TaskEvent{RunID: "run-1", ProjectID: "proj-1", Value: "do the thing"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Title != fallbackTitle {
		t.Errorf("title fallback: %q", result.Title)
	}
	turns, _ := st.ListTurns("proj-1")
	if len(turns) != 1 || !strings.Contains(turns[0].Content, "built for you") {
		t.Errorf("response fallback not applied: %+v", turns)
	}
}
