package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/app"
	"dnbwatch/internal/dnb/dnbtest"
)

type harness struct {
	srv  *dnbtest.Server
	dir  string
	path string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := dnbtest.New()
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	path := filepath.Join(dir, "dnbwatch.yaml")
	cfg := fmt.Sprintf(`
dnb:
  base_url: %s
  client_id: %s
  client_secret: %s
storage:
  driver: sqlite
  path: %s
monitor:
  registrations: [REF_ONE]
logging:
  level: error
delivery:
  sinks:
    file:
      enabled: true
      base_path: %s
`, srv.URL, dnbtest.ClientID, dnbtest.ClientSecret, filepath.Join(dir, "state.db"), filepath.Join(dir, "out"))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &harness{srv: srv, dir: dir, path: path}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(app.WithHTTPClient(h.srv.Client()), app.WithEnv(func(string) string { return "" }))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", h.path, "--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPullThenCursorShow(t *testing.T) {
	h := newHarness(t)
	h.srv.Enqueue("REF_ONE", dnbtest.Records("804735132", time.Now().Add(-time.Hour), 4)...)

	out, err := h.run(t, "pull", "--max-batch", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "REF_ONE: pulled 4 notification(s) in 2 page(s)")
	assert.Zero(t, h.srv.Pending("REF_ONE"))

	files, err := filepath.Glob(filepath.Join(h.dir, "out", "*"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)

	out, err = h.run(t, "cursor", "show", "--json")
	require.NoError(t, err)
	var doc struct {
		Cursors []struct {
			Registration string `json:"registration"`
			Acknowledged int64  `json:"acknowledged"`
		} `json:"cursors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Cursors, 1)
	assert.Equal(t, "REF_ONE", doc.Cursors[0].Registration)
	assert.Equal(t, int64(4), doc.Cursors[0].Acknowledged)
}

func TestPullReportsWaitingNotifications(t *testing.T) {
	h := newHarness(t)
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("pull:\n  max_pages: 1\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	h.srv.Enqueue("REF_ONE", dnbtest.Records("804735132", time.Now().Add(-time.Hour), 5)...)

	out, err := h.run(t, "pull", "--max-batch", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "REF_ONE: pulled 3 notification(s) in 1 page(s)")
	assert.Contains(t, out, "REF_ONE: more notifications are waiting, run pull again")
	assert.Equal(t, 2, h.srv.Pending("REF_ONE"))
}

func TestIngestDeliversPushedFiles(t *testing.T) {
	h := newHarness(t)
	in := filepath.Join(h.dir, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in, "REF_PUSH_DunsExport_1.txt"), []byte("804735132\n123456789\n"), 0o644))
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "input:\n  enabled: true\n  registration: REF_PUSH\n  path: %s\n", in)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := h.run(t, "ingest")
	require.NoError(t, err)
	assert.Contains(t, out, "ingested 1 file(s): 2 notification(s), skipped 0, sink failures 0")
	assert.Contains(t, out, "REF_PUSH_DunsExport_1.txt (duns_export): 2 notification(s)")
	assert.NoFileExists(t, filepath.Join(in, "REF_PUSH_DunsExport_1.txt"))
	archived, err := filepath.Glob(filepath.Join(in, "processed", "*", "REF_PUSH_DunsExport_1.txt"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	files, err := filepath.Glob(filepath.Join(h.dir, "out", "*"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)
	assert.Zero(t, h.srv.Pulls("REF_ONE"))
}

func TestIngestNeedsInputEnabled(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input.enabled")
}

func TestPullRejectsBadBatchBeforeAnyCall(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "pull", "--max-batch", "101")
	require.Error(t, err)
	assert.Zero(t, h.srv.Pulls("REF_ONE"))
	assert.Zero(t, h.srv.TokenCalls())
}

func TestReplayOutsideWindowFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "replay", "--since", "400h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay window")
	assert.Zero(t, h.srv.Replays("REF_ONE"))
}

func TestRegistrationLifecycle(t *testing.T) {
	h := newHarness(t)
	ids := filepath.Join(h.dir, "ids.txt")
	require.NoError(t, os.WriteFile(ids, []byte("# seed\n804735132\n123\n069032677\n"), 0o600))

	out, err := h.run(t, "-r", "NEW_REF", "registration", "create", "--template", "standard", "--duns-file", filepath.Join(h.dir, "none.txt"))
	require.Error(t, err)
	assert.Empty(t, out)

	out, err = h.run(t, "-r", "NEW_REF", "registration", "create", "--template", "standard", "--activate")
	require.NoError(t, err)
	assert.Contains(t, out, "NEW_REF activated")
	assert.False(t, h.srv.Suppressed("NEW_REF"))

	out, err = h.run(t, "-r", "NEW_REF", "portfolio", "batch-add", "--file", ids)
	require.NoError(t, err)
	assert.Contains(t, out, "2 submitted, 1 rejected")
	assert.Equal(t, []string{"069032677", "804735132"}, h.srv.Subjects("NEW_REF"))

	_, err = h.run(t, "-r", "NEW_REF", "portfolio", "remove", "069032677")
	require.NoError(t, err)
	assert.Equal(t, []string{"804735132"}, h.srv.Subjects("NEW_REF"))

	_, err = h.run(t, "-r", "NEW_REF", "registration", "suppress")
	require.NoError(t, err)
	assert.True(t, h.srv.Suppressed("NEW_REF"))
}

func TestTemplatePrintsYAML(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(t, "-r", "MY_REF", "registration", "template", "financial")
	require.NoError(t, err)
	assert.Contains(t, out, "reference: MY_REF")
	assert.Contains(t, out, "companyfinancials_L1_v1")

	_, err = h.run(t, "registration", "template", "nope")
	assert.Error(t, err)
}

func TestParseSince(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"48h", now.Add(-48 * time.Hour)},
		{"2024-05-09T08:00:00Z", time.Date(2024, 5, 9, 8, 0, 0, 0, time.UTC)},
		{"2024-05-01", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := parseSince(tc.in, now)
		require.NoError(t, err, tc.in)
		assert.True(t, tc.want.Equal(got), tc.in)
	}
	for _, bad := range []string{"", "yesterday", "-5h"} {
		_, err := parseSince(bad, now)
		assert.Error(t, err, bad)
	}
}
