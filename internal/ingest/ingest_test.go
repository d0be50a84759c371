package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/delivery"
	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []domain.Notification
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) all() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.got...)
}

type failureStore struct {
	mu       sync.Mutex
	failures []domain.SinkFailure
}

func (f *failureStore) AppendSinkFailure(_ context.Context, sf domain.SinkFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, sf)
	return nil
}

var (
	fileTime = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	today    = time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)
)

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(p, fileTime, fileTime))
}

func newIngester(t *testing.T, dir string, cfg Config, sinks ...delivery.Sink) (*Ingester, *failureStore) {
	t.Helper()
	router, err := delivery.New(logx.Nop(), delivery.Options{}, sinks...)
	require.NoError(t, err)
	cfg.Path = dir
	if cfg.Registration == "" {
		cfg.Registration = "REF_PUSH"
	}
	store := &failureStore{}
	ing, err := New(cfg, router, store, logx.Nop(), WithClock(func() time.Time { return today }))
	require.NoError(t, err)
	return ing, store
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := map[string]Kind{
		"REF_SEEDFILE_20250304.txt":      KindSeed,
		"REF_HEADER_20250304.json":       KindHeader,
		"REF_exception_20250304.txt":     KindException,
		"REF_DunsExport_20250304.txt":    KindExport,
		"REF_NOTIFICATIONS_20250304.zip": KindZip,
		"REF_SEEDFILE_20250304.TXT":      KindSeed,
	}
	for name, want := range cases {
		got, ok := Classify(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	for _, name := range []string{"notes.txt", "REF_SEEDFILE.csv", "HEADER.txt", "upload.part"} {
		_, ok := Classify(name)
		assert.False(t, ok, name)
	}
}

func TestScanDeliversEveryFileKindAndArchives(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write(t, dir, "REF_HEADER_1.json", `{"headerType":"SEEDFILE","recordCount":2}`)
	write(t, dir, "REF_SEEDFILE_1.txt",
		`{"organization":{"duns":"123456789","primaryName":"Acme Ltd","dunsControlStatus":{"operatingStatus":"Active"}}}`+"\n"+
			"\n"+
			`{"organization":{"duns":"12345"}}`+"\n"+
			`not json`+"\n")
	write(t, dir, "REF_exception_1.txt", "987654321\tNOT_FOUND\n111222333\n")
	write(t, dir, "REF_DunsExport_1.txt", "555666777\n\n")
	write(t, dir, "readme.txt", "left alone")

	sink := &recordingSink{name: "rec"}
	ing, store := newIngester(t, dir, Config{}, sink)

	res, err := ing.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Files, 4)
	assert.Equal(t, KindHeader, res.Files[0].Kind)
	assert.Empty(t, res.Failed())
	require.Len(t, res.Headers, 1)
	assert.Equal(t, "SEEDFILE", res.Headers[0].Type())
	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, store.failures)

	got := sink.all()
	require.Len(t, got, 4)
	byDUNS := map[string]domain.Notification{}
	for _, n := range got {
		byDUNS[n.DUNS] = n
		assert.Equal(t, "REF_PUSH", n.Registration)
		assert.True(t, fileTime.Equal(n.DeliveredAt), n.DUNS)
	}

	seed := byDUNS["123456789"]
	assert.Equal(t, domain.TypeSeed, seed.Type)
	require.Len(t, seed.Elements, 2)
	assert.Equal(t, "organization.primaryName", seed.Elements[0].Element)
	assert.Equal(t, "Acme Ltd", seed.Elements[0].CurrentText())
	assert.Equal(t, "organization.dunsControlStatus", seed.Elements[1].Element)

	exc := byDUNS["987654321"]
	assert.Equal(t, domain.TypeUpdate, exc.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(exc.Elements[0].Current, &payload))
	assert.Equal(t, map[string]string{"duns": "987654321", "exception_type": "NOT_FOUND", "source_file": "REF_exception_1.txt"}, payload)
	require.NoError(t, json.Unmarshal(byDUNS["111222333"].Elements[0].Current, &payload))
	assert.Equal(t, "UNKNOWN", payload["exception_type"])

	export := byDUNS["555666777"]
	assert.Equal(t, domain.TypeSeed, export.Type)
	assert.Equal(t, "organization.export", export.Elements[0].Element)

	archived := filepath.Join(dir, "processed", "2025-03-05")
	for _, name := range []string{"REF_HEADER_1.json", "REF_SEEDFILE_1.txt", "REF_exception_1.txt", "REF_DunsExport_1.txt"} {
		assert.FileExists(t, filepath.Join(archived, name))
		assert.NoFileExists(t, filepath.Join(dir, name))
	}
	assert.FileExists(t, filepath.Join(dir, "readme.txt"))

	again, err := ing.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.Files)
	assert.Len(t, sink.all(), 4)
}

func TestSameFileYieldsSameIDs(t *testing.T) {
	t.Parallel()
	first, second := t.TempDir(), t.TempDir()
	for _, dir := range []string{first, second} {
		write(t, dir, "REF_DunsExport_1.txt", "555666777\n")
	}
	a := &recordingSink{name: "rec"}
	b := &recordingSink{name: "rec"}
	ia, _ := newIngester(t, first, Config{KeepFiles: true}, a)
	ib, _ := newIngester(t, second, Config{KeepFiles: true}, b)

	_, err := ia.Scan(context.Background())
	require.NoError(t, err)
	_, err = ib.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, a.all(), 1)
	require.Len(t, b.all(), 1)
	assert.Equal(t, a.all()[0].ID, b.all()[0].ID)
	assert.FileExists(t, filepath.Join(first, "REF_DunsExport_1.txt"))
}

func TestScanReadsZipMembers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "REF_BUNDLE.zip"))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	members := map[string]string{
		"bundle/REF_HEADER.json":   `{"headerType":"SEEDFILE"}`,
		"bundle/REF_SEEDFILE.txt":  `{"organization":{"duns":"123456789","legalForm":{"description":"LLC"}}}`,
		"bundle/REF_exception.txt": "987654321\tMERGED\n",
		"bundle/other_list.txt":    "555666777\n",
		"bundle/image.png":         "ignored",
	}
	for name, body := range members {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: fileTime})
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	sink := &recordingSink{name: "rec"}
	ing, _ := newIngester(t, dir, Config{ArchivePath: filepath.Join(dir, "done")}, sink)
	res, err := ing.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, KindZip, res.Files[0].Kind)
	assert.Equal(t, 3, res.Files[0].Notifications)
	require.Len(t, res.Headers, 1)
	assert.Equal(t, "REF_BUNDLE.zip/REF_HEADER.json", res.Headers[0].Source)

	types := map[string]domain.NotificationType{}
	for _, n := range sink.all() {
		types[n.DUNS] = n.Type
		assert.True(t, fileTime.Equal(n.DeliveredAt))
	}
	assert.Equal(t, map[string]domain.NotificationType{
		"123456789": domain.TypeSeed,
		"987654321": domain.TypeUpdate,
		"555666777": domain.TypeSeed,
	}, types)
	assert.FileExists(t, filepath.Join(dir, "done", "2025-03-05", "REF_BUNDLE.zip"))
}

func TestSkipZipLeavesArchives(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write(t, dir, "REF_BUNDLE.zip", "not read")
	ing, _ := newIngester(t, dir, Config{SkipZip: true}, &recordingSink{name: "rec"})
	res, err := ing.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.FileExists(t, filepath.Join(dir, "REF_BUNDLE.zip"))
}

func TestBrokenFileStaysInPlace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write(t, dir, "REF_HEADER_1.json", `{"headerType":`)
	write(t, dir, "REF_BAD.zip", "this is not a zip")
	write(t, dir, "REF_DunsExport_1.txt", "555666777\n")

	sink := &recordingSink{name: "rec"}
	ing, _ := newIngester(t, dir, Config{}, sink)
	res, err := ing.Scan(context.Background())
	require.NoError(t, err)
	failed := res.Failed()
	require.Len(t, failed, 2)
	names := []string{failed[0].Name, failed[1].Name}
	assert.ElementsMatch(t, []string{"REF_HEADER_1.json", "REF_BAD.zip"}, names)
	assert.FileExists(t, filepath.Join(dir, "REF_HEADER_1.json"))
	assert.FileExists(t, filepath.Join(dir, "REF_BAD.zip"))
	assert.NoFileExists(t, filepath.Join(dir, "REF_DunsExport_1.txt"))
	assert.Len(t, sink.all(), 1)
}

func TestSinkFailuresAreRecordedAndFileArchived(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write(t, dir, "REF_DunsExport_1.txt", "555666777\n")
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("disk full")}
	ing, store := newIngester(t, dir, Config{}, ok, bad)

	res, err := ing.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SinkFailures)
	require.Len(t, store.failures, 1)
	assert.Equal(t, "bad", store.failures[0].Sink)
	assert.Equal(t, "REF_PUSH", store.failures[0].Registration)
	assert.Len(t, ok.all(), 1)
	assert.NoFileExists(t, filepath.Join(dir, "REF_DunsExport_1.txt"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	router, err := delivery.New(logx.Nop(), delivery.Options{})
	require.NoError(t, err)
	_, err = New(Config{Registration: "REF"}, router, nil, logx.Nop())
	assert.ErrorContains(t, err, "path")
	_, err = New(Config{Path: t.TempDir(), Registration: "bad ref!"}, router, nil, logx.Nop())
	assert.Error(t, err)
	ing, err := New(Config{Path: "/data/in", Registration: "REF"}, router, nil, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/in", "processed"), ing.Config().ArchivePath)
	assert.Equal(t, DefaultInterval, ing.Config().Interval)
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink := &recordingSink{name: "rec"}
	ing, _ := newIngester(t, dir, Config{Interval: 50 * time.Millisecond}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ing.Watch(ctx, nil) }()

	staging := t.TempDir()
	write(t, staging, "REF_DunsExport_1.txt", "555666777\n")
	require.NoError(t, os.Rename(filepath.Join(staging, "REF_DunsExport_1.txt"), filepath.Join(dir, "REF_DunsExport_1.txt")))
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Equal(t, "555666777", sink.all()[0].DUNS)
	assert.FileExists(t, filepath.Join(dir, "processed", "2025-03-05", "REF_DunsExport_1.txt"))
}
