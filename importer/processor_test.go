package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Temirlaaan/DICOM-viewer/audit"
	"github.com/Temirlaaan/DICOM-viewer/internal/config"
	"github.com/Temirlaaan/DICOM-viewer/mock"
	"github.com/Temirlaaan/DICOM-viewer/orthanc"
)

type testEnv struct {
	processor *Processor
	store     *mock.OrthancServer
	cfg       config.ImporterConfig
	out       *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := mock.NewOrthancServer()
	mux := http.NewServeMux()
	store.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	root := t.TempDir()
	cfg := config.ImporterConfig{
		InboxPath:     filepath.Join(root, "inbox"),
		ProcessedPath: filepath.Join(root, "processed"),
		FailedPath:    filepath.Join(root, "failed"),
		Cooldown:      time.Second,
	}
	require.NoError(t, os.MkdirAll(cfg.InboxPath, 0o755))

	out := &bytes.Buffer{}
	processor := NewProcessor(
		orthanc.NewClient(&orthanc.Config{BaseURL: srv.URL}),
		audit.NewLogger("importer", audit.LevelInfo, out),
		nil,
		cfg,
		config.MetadataConfig{},
	)
	return &testEnv{processor: processor, store: store, cfg: cfg, out: out}
}

func dicomFile(t *testing.T, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Minimal part-10 shape: 128-byte preamble then the DICM marker.
	data := append(make([]byte, 128), []byte("DICM")...)
	data = append(data, []byte("payload")...)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestProcessStudyFolderSuccess(t *testing.T) {
	env := newTestEnv(t)
	folder := filepath.Join(env.cfg.InboxPath, "denscan-central", "PATIENT_20260110")
	dicomFile(t, folder, "a.dcm")
	dicomFile(t, folder, "b") // extensionless, identified by magic

	err := env.processor.ProcessStudyFolder(context.Background(), folder, "denscan-central")
	require.NoError(t, err)

	// Folder moved to processed/{clinic}/{date}/.
	assert.NoDirExists(t, folder)
	date := time.Now().Format("2006-01-02")
	assert.DirExists(t, filepath.Join(env.cfg.ProcessedPath, "denscan-central", date, "PATIENT_20260110"))

	// Both instances got tenant metadata.
	var tenantWrites int
	for _, w := range env.store.MetadataWrites() {
		if w.Key == 1024 {
			tenantWrites++
			assert.Equal(t, "denscan-central", w.Value)
		}
	}
	assert.Equal(t, 2, tenantWrites)
}

func TestProcessStudyFolderIgnoresSidecars(t *testing.T) {
	env := newTestEnv(t)
	folder := filepath.Join(env.cfg.InboxPath, "denscan-central", "STUDY1")
	dicomFile(t, folder, "a.dcm")
	require.NoError(t, os.WriteFile(filepath.Join(folder, "notes.txt"), []byte("not dicom"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "report.json"), []byte("{}"), 0o644))

	require.NoError(t, env.processor.ProcessStudyFolder(context.Background(), folder, "denscan-central"))

	var tenantWrites int
	for _, w := range env.store.MetadataWrites() {
		if w.Key == 1024 {
			tenantWrites++
		}
	}
	assert.Equal(t, 1, tenantWrites)
}

func TestProcessStudyFolderEmpty(t *testing.T) {
	env := newTestEnv(t)
	folder := filepath.Join(env.cfg.InboxPath, "denscan-central", "EMPTY")
	require.NoError(t, os.MkdirAll(folder, 0o755))

	err := env.processor.ProcessStudyFolder(context.Background(), folder, "denscan-central")
	assert.ErrorIs(t, err, ErrNoDicomFiles)

	date := time.Now().Format("2006-01-02")
	dest := filepath.Join(env.cfg.FailedPath, "denscan-central", date, "EMPTY")
	assert.DirExists(t, dest)
	assert.FileExists(t, dest+".error.json")
}

func TestProcessStudyFolderTotalFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailStore = true
	folder := filepath.Join(env.cfg.InboxPath, "denscan-central", "STUDY2")
	dicomFile(t, folder, "a.dcm")

	err := env.processor.ProcessStudyFolder(context.Background(), folder, "denscan-central")
	require.Error(t, err)

	date := time.Now().Format("2006-01-02")
	dest := filepath.Join(env.cfg.FailedPath, "denscan-central", date, "STUDY2")
	require.FileExists(t, dest+".error.json")

	data, readErr := os.ReadFile(dest + ".error.json")
	require.NoError(t, readErr)
	var report errorReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "denscan-central", report.ClinicID)
	assert.Len(t, report.Errors, 1)
}

func TestWatcherCooldown(t *testing.T) {
	env := newTestEnv(t)
	w, err := NewWatcher(env.processor, audit.NewLogger("importer", audit.LevelInfo, env.out), nil, env.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { w.fsw.Close() })

	folder := filepath.Join(env.cfg.InboxPath, "denscan-central", "STUDY3")
	w.markPending(folder)

	// Still cooling down.
	assert.Empty(t, w.duePending())

	w.now = func() time.Time { return time.Now().Add(2 * env.cfg.Cooldown) }
	due := w.duePending()
	require.Len(t, due, 1)
	assert.Equal(t, folder, due[0])

	// A drained folder is not returned twice.
	assert.Empty(t, w.duePending())
}

func TestWatcherScanFindsExistingFolders(t *testing.T) {
	env := newTestEnv(t)
	folder := filepath.Join(env.cfg.InboxPath, "denscan-almaty", "STUDY4")
	dicomFile(t, folder, "a.dcm")

	w, err := NewWatcher(env.processor, audit.NewLogger("importer", audit.LevelInfo, env.out), nil, env.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { w.fsw.Close() })

	require.NoError(t, w.Scan())

	w.now = func() time.Time { return time.Now().Add(2 * env.cfg.Cooldown) }
	due := w.duePending()
	require.Len(t, due, 1)
	assert.Equal(t, folder, due[0])
}
