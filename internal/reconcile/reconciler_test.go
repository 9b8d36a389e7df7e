package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reelscope/reelscope/internal/catalog"
	"github.com/reelscope/reelscope/internal/db"
	"github.com/reelscope/reelscope/internal/dispatch"
	"github.com/reelscope/reelscope/internal/ledger"
	"github.com/reelscope/reelscope/internal/merge"
	"github.com/reelscope/reelscope/internal/pipeline"
	"github.com/reelscope/reelscope/internal/status"
	"github.com/reelscope/reelscope/internal/worker"
)

type testEnv struct {
	conn       *sql.DB
	ledger     *ledger.Ledger
	cache      *status.Cache
	videos     *catalog.SQLiteRepository
	engine     *merge.Engine
	outputRoot string
	dir        string
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	database, err := db.New(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	outputRoot := filepath.Join(dir, "analysis_output")
	return &testEnv{
		conn:       database.Conn(),
		ledger:     ledger.New(database.Conn(), nil),
		cache:      status.New(),
		videos:     catalog.NewRepository(database.Conn()),
		engine:     merge.NewEngine(database.Conn(), outputRoot, nil),
		outputRoot: outputRoot,
		dir:        dir,
	}
}

func (e *testEnv) reconciler(opts ...Option) *Reconciler {
	return New(e.ledger, e.cache, e.engine, e.videos, nil, opts...)
}

// awaitingJob registers a video and moves its job to awaiting_callback.
func (e *testEnv) awaitingJob(t *testing.T, videoID string) *ledger.Job {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(e.dir, videoID+".mp4")
	if err := os.WriteFile(path, []byte("fake video"), 0644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	svc := catalog.NewService(e.videos, e.ledger, nil)
	_, job, err := svc.RegisterUpload(ctx, catalog.UploadRequest{VideoID: videoID, FilePath: path})
	if err != nil {
		t.Fatalf("RegisterUpload() error = %v", err)
	}
	if _, err := e.ledger.Claim(ctx, job.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := e.ledger.MarkAwaitingCallback(ctx, job.ID); err != nil {
		t.Fatalf("MarkAwaitingCallback() error = %v", err)
	}
	return job
}

// writeStore creates the per-video database the analysis service produces.
func (e *testEnv) writeStore(t *testing.T, videoID string, labels ...string) {
	t.Helper()
	dir := filepath.Join(e.outputRoot, videoID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ext, err := sql.Open("sqlite", filepath.Join(dir, merge.StoreFilename))
	if err != nil {
		t.Fatalf("open external store: %v", err)
	}
	defer ext.Close()

	for _, s := range []string{
		`CREATE TABLE videos (video_id INTEGER PRIMARY KEY, video_name TEXT, fps REAL, total_frame INTEGER)`,
		`CREATE TABLE events (id INTEGER PRIMARY KEY, video_id INTEGER, label TEXT,
			start_frame INTEGER, duration_frames INTEGER, disappear_frame INTEGER)`,
		`INSERT INTO videos VALUES (1, 'clip.mp4', 30, 900)`,
	} {
		if _, err := ext.Exec(s); err != nil {
			t.Fatalf("prepare external store: %v", err)
		}
	}
	for i, label := range labels {
		if _, err := ext.Exec(`INSERT INTO events (video_id, label, start_frame, duration_frames)
			VALUES (1, ?, ?, 30)`, label, i*100); err != nil {
			t.Fatalf("insert external event: %v", err)
		}
	}
}

func (e *testEnv) result(t *testing.T, videoID string) map[string]any {
	t.Helper()
	v, err := e.videos.GetVideo(context.Background(), videoID)
	if err != nil || v == nil {
		t.Fatalf("GetVideo(%s) = %v, %v", videoID, v, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(v.AnalysisResult, &doc); err != nil {
		t.Fatalf("analysis result is not a JSON object: %v", err)
	}
	return doc
}

func completed(videoID string) Callback {
	return Callback{
		VideoID:   videoID,
		Status:    StatusCompleted,
		Result:    json.RawMessage(`{"summary":"one motion event","frames":900}`),
		Artifacts: json.RawMessage(`{"annotatedVideo":"clip_annotated.mp4"}`),
	}
}

func TestHandle_Malformed(t *testing.T) {
	env := setupEnv(t)
	env.awaitingJob(t, "v1")
	r := env.reconciler()

	for _, cb := range []Callback{
		{Status: StatusCompleted},
		{VideoID: "v1", Status: "done"},
		{VideoID: "v1"},
		{VideoID: "../secret", Status: StatusCompleted},
		{VideoID: "a/b", Status: StatusFailed},
		{VideoID: "..", Status: StatusCompleted},
	} {
		_, err := r.Handle(context.Background(), cb)
		if !errors.Is(err, ErrMalformedCallback) {
			t.Errorf("Handle(%+v) error = %v, want ErrMalformedCallback", cb, err)
		}
	}

	job, _ := env.ledger.GetLatestByVideo(context.Background(), "v1")
	if job.State != ledger.StateAwaitingCallback {
		t.Errorf("state = %s, want ledger untouched", job.State)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "secret")); !os.IsNotExist(err) {
		t.Errorf("path outside the output root was touched: %v", err)
	}
}

func TestScenario_DispatchThenCompletedCallback(t *testing.T) {
	env := setupEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analysis := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"queued","taskId":"t-1"}`))
	}))
	defer analysis.Close()

	client := dispatch.NewHTTPClient(analysis.URL, 5*time.Second, nil)
	pool := worker.NewPool(env.ledger, env.cache, client, env.videos, worker.Config{
		PollInterval:  20 * time.Millisecond,
		PublicBaseURL: "http://reelscope.test",
		OutputRoot:    env.outputRoot,
	}, nil)

	path := filepath.Join(env.dir, "v1.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video"), 0644))
	svc := catalog.NewService(env.videos, pool, nil)
	_, job, err := svc.RegisterUpload(ctx, catalog.UploadRequest{VideoID: "v1", FilePath: path})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := env.ledger.Get(ctx, job.ID)
		return err == nil && j.State == ledger.StateAwaitingCallback
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	env.writeStore(t, "v1", "motion")
	r := env.reconciler()
	ack, err := r.Handle(context.Background(), completed("v1"))
	require.NoError(t, err)
	require.True(t, ack.Success)
	require.Equal(t, "v1", ack.VideoID)

	bg := context.Background()
	video, err := env.videos.GetVideo(bg, "v1")
	require.NoError(t, err)
	require.Equal(t, catalog.VideoStatusReady, video.Status)

	stats, err := env.engine.GetStats(bg, "v1")
	require.NoError(t, err)
	require.NotNil(t, stats)
	require.Equal(t, 1, stats.EventsCount)

	events, err := env.engine.ListEvents(bg, "v1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "motion", events[0].Label)

	j, err := env.ledger.Get(bg, job.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StateCompleted, j.State)
	require.Equal(t, string(ledger.StateCompleted), env.cache.Get("v1").State)

	doc := env.result(t, "v1")
	require.Equal(t, true, doc["databaseCopied"])
	require.Equal(t, "one motion event", doc["summary"])
	require.NotNil(t, doc["artifacts"])
}

func TestHandle_DuplicateCallbackIsNoop(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.awaitingJob(t, "v1")
	env.writeStore(t, "v1", "motion", "person")
	r := env.reconciler()

	if _, err := r.Handle(ctx, completed("v1")); err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	before, _ := env.engine.GetStats(ctx, "v1")

	ack, err := r.Handle(ctx, completed("v1"))
	if err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if !ack.Success || ack.Message != "callback already processed" {
		t.Errorf("ack = %+v", ack)
	}

	after, _ := env.engine.GetStats(ctx, "v1")
	if after.EventsCount != 2 || before.EventsCount != 2 {
		t.Errorf("events before/after = %d/%d, want 2/2", before.EventsCount, after.EventsCount)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("stats row rewritten by duplicate callback")
	}

	// A late failure report must not undo the completion either.
	if _, err := r.Handle(ctx, Callback{VideoID: "v1", Status: StatusFailed, Error: json.RawMessage(`"late"`)}); err != nil {
		t.Fatalf("late failure Handle() error = %v", err)
	}
	v, _ := env.videos.GetVideo(ctx, "v1")
	if v.Status != catalog.VideoStatusReady {
		t.Errorf("video status = %s, want ready", v.Status)
	}
}

func TestHandle_ConcurrentCallbacksMergeOnce(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.awaitingJob(t, "v1")
	env.writeStore(t, "v1", "motion")
	r := env.reconciler()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Handle(ctx, completed("v1")); err != nil {
				t.Errorf("Handle() error = %v", err)
			}
		}()
	}
	wg.Wait()

	stats, err := env.engine.GetStats(ctx, "v1")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.EventsCount != 1 {
		t.Errorf("EventsCount = %d, want 1", stats.EventsCount)
	}
	if n := r.keys.len(); n != 0 {
		t.Errorf("key locks left behind: %d", n)
	}
}

func TestHandle_RetryMergesNewResults(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.awaitingJob(t, "v1")
	env.writeStore(t, "v1", "motion")
	r := env.reconciler()

	if _, err := r.Handle(ctx, completed("v1")); err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}

	svc := catalog.NewService(env.videos, env.ledger, nil)
	svc.SetMergedDataStore(env.engine)
	retry, err := svc.RetryAnalysis(ctx, "v1")
	require.NoError(t, err)
	exists, err := env.engine.CheckDataExists(ctx, "v1")
	require.NoError(t, err)
	require.False(t, exists, "retry kept the previous run's merged rows")

	_, err = env.ledger.Claim(ctx, retry.ID)
	require.NoError(t, err)
	require.NoError(t, env.ledger.MarkAwaitingCallback(ctx, retry.ID))

	require.NoError(t, os.Remove(env.engine.StorePath("v1")))
	env.writeStore(t, "v1", "person", "car")

	ack, err := r.Handle(ctx, completed("v1"))
	require.NoError(t, err)
	require.Equal(t, "callback processed", ack.Message)

	events, err := env.engine.ListEvents(ctx, "v1", 10, 0)
	require.NoError(t, err)
	labels := make([]string, 0, len(events))
	for _, ev := range events {
		labels = append(labels, ev.Label)
	}
	require.Equal(t, []string{"person", "car"}, labels)
	require.Equal(t, true, env.result(t, "v1")["databaseCopied"])

	got, err := env.ledger.Get(ctx, retry.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StateCompleted, got.State)
}

func TestHandle_FailedCallback(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	job := env.awaitingJob(t, "v1")
	r := env.reconciler()

	ack, err := r.Handle(ctx, Callback{
		VideoID: "v1",
		Status:  StatusFailed,
		Error:   json.RawMessage(`{"message":"decoder crashed","code":"E_DECODE"}`),
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !ack.Success {
		t.Errorf("ack.Success = false")
	}

	v, _ := env.videos.GetVideo(ctx, "v1")
	if v.Status != catalog.VideoStatusError || v.AnalysisError != "decoder crashed" {
		t.Errorf("video = %s / %q, want error / decoder crashed", v.Status, v.AnalysisError)
	}
	j, _ := env.ledger.Get(ctx, job.ID)
	if j.State != ledger.StateFailed || j.LastError != "decoder crashed" {
		t.Errorf("job = %s / %q", j.State, j.LastError)
	}
	if e := env.cache.Get("v1"); e.State != string(ledger.StateFailed) || e.Error != "decoder crashed" {
		t.Errorf("cache entry = %+v", e)
	}
}

func TestHandle_MergeFailureFallsBackToInfoFile(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.awaitingJob(t, "v1")

	dir := filepath.Join(env.outputRoot, "v1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	info := `{"summary":"from info file","detections":3}`
	if err := os.WriteFile(filepath.Join(dir, InfoFilename), []byte(info), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := env.reconciler().Handle(ctx, completed("v1")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	v, _ := env.videos.GetVideo(ctx, "v1")
	if v.Status != catalog.VideoStatusReady {
		t.Errorf("video status = %s, want ready", v.Status)
	}
	doc := env.result(t, "v1")
	if doc["databaseCopied"] != false {
		t.Errorf("databaseCopied = %v, want false", doc["databaseCopied"])
	}
	if msg, _ := doc["databaseError"].(string); msg == "" {
		t.Error("databaseError not recorded")
	}
	if doc["summary"] != "from info file" {
		t.Errorf("summary = %v, want info file to win", doc["summary"])
	}
	if doc["detections"] != float64(3) {
		t.Errorf("detections = %v", doc["detections"])
	}
	if doc["frames"] != float64(900) {
		t.Errorf("frames = %v, want callback result kept", doc["frames"])
	}
}

func TestHandle_NoLedgerJob(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	now := time.Now()
	if err := env.videos.CreateVideo(ctx, &catalog.Video{
		ID: "manual", Filename: "manual.mp4", FilePath: "/x/manual.mp4",
		Status: catalog.VideoStatusProcessing, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	env.writeStore(t, "manual", "motion")

	if _, err := env.reconciler().Handle(ctx, completed("manual")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	v, _ := env.videos.GetVideo(ctx, "manual")
	if v.Status != catalog.VideoStatusReady {
		t.Errorf("video status = %s, want ready", v.Status)
	}
}

type fakeTranscoder struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (f *fakeTranscoder) Probe(ctx context.Context) (*pipeline.Capabilities, error) {
	return &pipeline.Capabilities{Available: true, Version: "fake", ProbedAt: time.Now()}, nil
}

func (f *fakeTranscoder) Transcode(ctx context.Context, in, out string) (*pipeline.TranscodeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, [2]string{in, out})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.TranscodeResult{InputPath: in, OutputPath: out, Size: 1}, nil
}

type fakeArchiver struct {
	calls atomic.Int32
	dir   atomic.Value
	err   error
}

func (f *fakeArchiver) ArchiveDir(ctx context.Context, videoID, dir string) (int, error) {
	f.calls.Add(1)
	f.dir.Store(dir)
	return 2, f.err
}

func TestHandle_PostProcessing(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.awaitingJob(t, "v1")
	env.writeStore(t, "v1", "motion")
	dir := filepath.Join(env.outputRoot, "v1")
	if err := os.WriteFile(filepath.Join(dir, "v1_annotated.mp4"), []byte("annotated"), 0644); err != nil {
		t.Fatal(err)
	}

	tr := &fakeTranscoder{}
	ar := &fakeArchiver{}
	r := env.reconciler(WithTranscoder(tr), WithArchiver(ar))

	if _, err := r.Handle(ctx, completed("v1")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	r.Wait()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.calls) != 1 {
		t.Fatalf("transcode calls = %d, want 1", len(tr.calls))
	}
	if tr.calls[0][0] != filepath.Join(dir, "v1_annotated.mp4") ||
		tr.calls[0][1] != filepath.Join(dir, "v1_annotated_h264.mp4") {
		t.Errorf("transcode paths = %v", tr.calls[0])
	}
	if ar.calls.Load() != 1 || ar.dir.Load() != dir {
		t.Errorf("archive calls = %d dir = %v", ar.calls.Load(), ar.dir.Load())
	}
	if caps := r.TranscoderStatus(ctx); caps == nil || !caps.Available {
		t.Errorf("TranscoderStatus() = %+v", caps)
	}
}

func TestHandle_PostProcessingFailureKeepsOutcome(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.awaitingJob(t, "v1")
	env.writeStore(t, "v1", "motion")
	if err := os.WriteFile(filepath.Join(env.outputRoot, "v1", "v1_annotated.mp4"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	r := env.reconciler(
		WithTranscoder(&fakeTranscoder{err: errors.New("libx264 missing")}),
		WithArchiver(&fakeArchiver{err: errors.New("bucket gone")}),
	)
	if _, err := r.Handle(ctx, completed("v1")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	r.Wait()

	v, _ := env.videos.GetVideo(ctx, "v1")
	if v.Status != catalog.VideoStatusReady {
		t.Errorf("video status = %s, want ready", v.Status)
	}
}

func TestCallback_ErrorMessage(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{``, "analysis failed"},
		{`null`, "analysis failed"},
		{`""`, "analysis failed"},
		{`"model timeout"`, "model timeout"},
		{`{"message":"oom"}`, "oom"},
		{`{"code":42}`, `{"code":42}`},
	}
	for _, tt := range tests {
		cb := Callback{Error: json.RawMessage(tt.raw)}
		if got := cb.ErrorMessage(); got != tt.want {
			t.Errorf("ErrorMessage(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestKeyedMutex_Serializes(t *testing.T) {
	k := newKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if k.len() != 0 {
		t.Errorf("locks left = %d, want 0", k.len())
	}
}
