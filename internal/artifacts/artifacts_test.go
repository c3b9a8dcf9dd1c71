package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rampdev/rampagent/internal/common/config"
	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/store"
	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

func newTestManager(t *testing.T, maxSizeMB int64) (*Manager, store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st := store.NewMemoryStore()
	m, err := NewManager(config.ArtifactConfig{Dir: dir, MaxSizeMB: maxSizeMB}, st, logger.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, st, dir
}

func seedRun(t *testing.T, st store.Store) *v1.Run {
	t.Helper()
	ctx := context.Background()
	session := &v1.Session{RepoURL: "https://github.com/acme/widgets", Prompt: "task"}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	run := &v1.Run{SessionID: session.ID}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestSaveWritesFileAndRecord(t *testing.T) {
	m, st, dir := newTestManager(t, 10)
	run := seedRun(t, st)
	ctx := context.Background()

	artifact, err := m.Save(ctx, run.ID, v1.ArtifactTypeDiff, "changes", []byte("--- a\n+++ b\n"), map[string]interface{}{"summary": "fix"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	wantPath := filepath.Join(dir, run.ID, "changes.patch")
	if artifact.Path != wantPath {
		t.Errorf("path = %s, want %s", artifact.Path, wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("artifact file missing: %v", err)
	}
	if string(data) != "--- a\n+++ b\n" {
		t.Errorf("unexpected file contents: %q", data)
	}
	if artifact.SizeBytes != int64(len(data)) {
		t.Errorf("size = %d, want %d", artifact.SizeBytes, len(data))
	}

	listed, err := st.ListArtifactsByRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].Metadata["summary"] != "fix" {
		t.Errorf("artifact not recorded: %+v", listed)
	}
}

func TestSaveExtensionPerType(t *testing.T) {
	m, st, _ := newTestManager(t, 10)
	run := seedRun(t, st)
	ctx := context.Background()

	cases := map[v1.ArtifactType]string{
		v1.ArtifactTypeDiff:       ".patch",
		v1.ArtifactTypeLog:        ".log",
		v1.ArtifactTypeReport:     ".md",
		v1.ArtifactTypeScreenshot: ".png",
	}
	for artifactType, ext := range cases {
		artifact, err := m.Save(ctx, run.ID, artifactType, "out_"+string(artifactType), []byte("x"), nil)
		if err != nil {
			t.Fatalf("Save(%s): %v", artifactType, err)
		}
		if !strings.HasSuffix(artifact.Path, ext) {
			t.Errorf("type %s path %s, want suffix %s", artifactType, artifact.Path, ext)
		}
	}

	if _, err := m.Save(ctx, run.ID, "bogus", "x", []byte("x"), nil); err == nil {
		t.Error("expected error for unknown artifact type")
	}
}

func TestSaveRejectsOversized(t *testing.T) {
	m, st, dir := newTestManager(t, 1)
	run := seedRun(t, st)

	big := make([]byte, 1024*1024+1)
	if _, err := m.Save(context.Background(), run.ID, v1.ArtifactTypeLog, "huge", big, nil); err == nil {
		t.Fatal("expected size limit error")
	}
	if _, err := os.Stat(filepath.Join(dir, run.ID)); !os.IsNotExist(err) {
		t.Error("rejected artifact should not create the run dir")
	}
}

func TestOpenRoundTrip(t *testing.T) {
	m, st, _ := newTestManager(t, 10)
	run := seedRun(t, st)
	ctx := context.Background()

	saved, err := m.Save(ctx, run.ID, v1.ArtifactTypeReport, "verification", []byte("# ok"), nil)
	if err != nil {
		t.Fatal(err)
	}

	artifact, f, err := m.Open(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if artifact.Name != "verification" {
		t.Errorf("unexpected artifact: %+v", artifact)
	}
	data, _ := io.ReadAll(f)
	if string(data) != "# ok" {
		t.Errorf("unexpected contents: %q", data)
	}
}
