package manager

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/dlengine/internal/adapter/filesystem"
	"github.com/vertextoedge/dlengine/internal/adapter/httpclient"
	"github.com/vertextoedge/dlengine/internal/adapter/sqlite"
	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/domain/event"
	"github.com/vertextoedge/dlengine/internal/service/pool"
	"github.com/vertextoedge/dlengine/internal/service/recorder"
	"github.com/vertextoedge/dlengine/internal/service/registry"
	"github.com/vertextoedge/dlengine/internal/service/transfer"
)

const payloadSize = 1_000_000

var payload = func() []byte {
	data := make([]byte, payloadSize)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}()

// origin serves payload and can hold the first response halfway
type origin struct {
	*httptest.Server

	mu        sync.Mutex
	ranges    []string
	holdFirst bool
	held      chan struct{}
	gate      chan struct{}
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{held: make(chan struct{}, 8)}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.ranges = append(o.ranges, r.Header.Get("Range"))
	first := len(o.ranges) == 1
	gate := o.gate
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if o.holdFirst && first {
		w.Header().Set("Content-Length", strconv.Itoa(payloadSize))
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:payloadSize/2])
		w.(http.Flusher).Flush()
		o.held <- struct{}{}
		<-r.Context().Done()
		return
	}
	http.ServeContent(w, r, "payload.bin", time.Time{}, bytes.NewReader(payload))
}

func (o *origin) requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ranges...)
}

type stack struct {
	manager  *Manager
	registry *registry.Registry
	recorder *recorder.Recorder
	metrics  *event.MetricsHandler
	dir      string
}

func newStack(t *testing.T, submitter Submitter) *stack {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	store, err := sqlite.Open(filepath.Join(dir, "db", "downloads.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	fs, err := filesystem.NewManager(filepath.Join(dir, "files"), filesystem.Options{})
	if err != nil {
		t.Fatal(err)
	}

	rec := recorder.New(nil, store, logger)
	reg := registry.New(logger)
	worker := transfer.NewWorker(nil, httpclient.New(nil, logger), fs, rec, reg, logger)
	p := pool.New(&pool.Config{CoreSize: 2, MaxSize: 4}, logger)
	if submitter == nil {
		submitter = p
	}

	metrics := event.NewMetricsHandler()
	dispatcher := event.NewInMemoryDispatcher(false, logger)
	dispatcher.Subscribe(metrics)

	m := New(&Config{StaleWaitTimeout: 2 * time.Second}, Deps{
		Registry: reg,
		Recorder: rec,
		Pool:     submitter,
		Worker:   worker,
		FS:       fs,
		Events:   dispatcher,
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown()
		p.Shutdown(ctx)
		rec.Close(ctx)
		store.Close()
	})

	return &stack{manager: m, registry: reg, recorder: rec, metrics: metrics, dir: filepath.Join(dir, "files")}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStatus[T domain.Status](t *testing.T, flow *domain.StatusFlow) T {
	t.Helper()
	var got T
	waitFor(t, "status", func() bool {
		s, ok := flow.Value().(T)
		got = s
		return ok
	})
	return got
}

func (s *stack) record(t *testing.T, tag string) *domain.DownloadRecord {
	t.Helper()
	rec, err := s.manager.GetDownloadData(context.Background(), tag)
	if err != nil {
		t.Fatalf("GetDownloadData() error = %v", err)
	}
	return rec
}

func TestManager_DownloadComplete(t *testing.T) {
	o := newOrigin(t)
	s := newStack(t, nil)
	flow := domain.NewStatusFlow()

	s.manager.Download(context.Background(), "A", o.URL+"/file.bin", "file.bin", WithStatusFlow(flow))
	success := waitStatus[domain.Success](t, flow)

	if success.TotalSize != payloadSize || success.LocalPath != filepath.Join(s.dir, "file.bin") {
		t.Errorf("Success = %+v", success)
	}

	rec := s.record(t, "A")
	if rec.CurrentSize != payloadSize || rec.TotalSize != payloadSize || rec.Status != domain.StatusSuccess || rec.Progress != 100 {
		t.Errorf("record = %+v, want complete Success at 100", rec)
	}

	data, err := os.ReadFile(success.LocalPath)
	if err != nil || !bytes.Equal(data, payload) {
		t.Errorf("downloaded file differs from the source: %v", err)
	}
	waitFor(t, "handle release", func() bool { return s.registry.Len() == 0 })
}

func TestManager_BlankSaveName(t *testing.T) {
	o := newOrigin(t)
	s := newStack(t, nil)
	flow := domain.NewStatusFlow()

	s.manager.Download(context.Background(), "A", o.URL+"/file.bin", "  ", WithStatusFlow(flow))

	e, ok := flow.Value().(domain.Error)
	if !ok {
		t.Fatalf("status = %#v, want Error", flow.Value())
	}
	if e.Message == "" {
		t.Error("Error message is empty")
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry has %d handles, want 0", s.registry.Len())
	}
	if rec := s.record(t, "A"); rec != nil {
		t.Errorf("record = %+v, want none", rec)
	}
	if len(o.requests()) != 0 {
		t.Error("network request issued for a rejected download")
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name      string
		req       downloadRequest
		wantErr   bool
		wantBlank bool
	}{
		{"valid", downloadRequest{Tag: "a", URL: "http://example.com/a", SaveName: "a"}, false, false},
		{"blank name", downloadRequest{Tag: "a", URL: "http://example.com/a", SaveName: " "}, true, true},
		{"missing tag", downloadRequest{URL: "http://example.com/a", SaveName: "a"}, true, false},
		{"bad url", downloadRequest{Tag: "a", URL: "not a url", SaveName: "a"}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, domain.ErrBlankSaveName); got != tt.wantBlank {
				t.Errorf("errors.Is(ErrBlankSaveName) = %v, want %v", got, tt.wantBlank)
			}
		})
	}
}

func TestManager_CompleteFileSkipsNetwork(t *testing.T) {
	o := newOrigin(t)
	s := newStack(t, nil)
	url := o.URL + "/file.bin"

	first := domain.NewStatusFlow()
	s.manager.Download(context.Background(), "A", url, "file.bin", WithStatusFlow(first))
	waitStatus[domain.Success](t, first)
	waitFor(t, "handle release", func() bool { return s.registry.Len() == 0 })

	tests := []struct {
		name       string
		reDownload bool
	}{
		{"cached", false},
		{"redownload", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(o.requests())
			flow := domain.NewStatusFlow()
			s.manager.Download(context.Background(), "A", url, "file.bin",
				WithStatusFlow(flow), WithReDownload(tt.reDownload))
			waitStatus[domain.Success](t, flow)

			if !tt.reDownload && len(o.requests()) != before {
				t.Errorf("cached download issued %d requests", len(o.requests())-before)
			}
			if tt.reDownload {
				reqs := o.requests()
				if len(reqs) != before+1 || reqs[len(reqs)-1] != "bytes=0-" {
					t.Errorf("redownload requests = %v, want one more from byte 0", reqs)
				}
			}
		})
	}

	if got := s.metrics.GetMetrics()["downloads_cached"]; got != 1 {
		t.Errorf("downloads_cached = %d, want 1", got)
	}
}

func TestManager_EmptyFileSkipsNetwork(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	s := newStack(t, nil)
	url := srv.URL + "/empty.txt"

	first := domain.NewStatusFlow()
	s.manager.Download(context.Background(), "E", url, "empty.txt", WithStatusFlow(first))
	if got := waitStatus[domain.Success](t, first); got.TotalSize != 0 {
		t.Fatalf("TotalSize = %d, want 0", got.TotalSize)
	}
	waitFor(t, "handle release", func() bool { return s.registry.Len() == 0 })

	flow := domain.NewStatusFlow()
	s.manager.Download(context.Background(), "E", url, "empty.txt", WithStatusFlow(flow))
	waitStatus[domain.Success](t, flow)

	mu.Lock()
	defer mu.Unlock()
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
	if got := s.metrics.GetMetrics()["downloads_cached"]; got != 1 {
		t.Errorf("downloads_cached = %d, want 1", got)
	}
}

func TestManager_DuplicateDownloadIsNoop(t *testing.T) {
	o := newOrigin(t)
	o.gate = make(chan struct{})
	s := newStack(t, nil)
	flow := domain.NewStatusFlow()
	url := o.URL + "/file.bin"

	s.manager.Download(context.Background(), "A", url, "file.bin", WithStatusFlow(flow))
	s.manager.Download(context.Background(), "A", url, "file.bin", WithStatusFlow(flow))
	waitFor(t, "first request", func() bool { return len(o.requests()) == 1 })
	s.manager.Download(context.Background(), "A", url, "file.bin", WithStatusFlow(flow))

	close(o.gate)
	waitStatus[domain.Success](t, flow)

	if got := len(o.requests()); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if got := s.metrics.GetMetrics()["downloads_prepared"]; got != 1 {
		t.Errorf("downloads_prepared = %d, want 1", got)
	}
}

// startHeld starts a download whose first response stops after half the
// payload and returns its execution once most of that half is written
func startHeld(t *testing.T, s *stack, o *origin, flow *domain.StatusFlow) *registry.Execution {
	t.Helper()
	o.holdFirst = true
	s.manager.Download(context.Background(), "A", o.URL+"/file.bin", "file.bin", WithStatusFlow(flow))
	<-o.held
	waitFor(t, "half of the payload written", func() bool {
		p, ok := flow.Value().(domain.Progress)
		return ok && p.CurrentSize >= payloadSize/2-100
	})
	h, ok := s.registry.Get("A")
	if !ok || h.Execution() == nil {
		t.Fatal("no bound execution for A")
	}
	return h.Execution()
}

func TestManager_PauseAndContinue(t *testing.T) {
	o := newOrigin(t)
	s := newStack(t, nil)
	flow := domain.NewStatusFlow()
	exec := startHeld(t, s, o, flow)

	s.manager.StopDownload("A", WithStatusFlow(flow))
	if _, ok := flow.Value().(domain.Pause); !ok {
		t.Fatalf("status after stop = %#v, want Pause", flow.Value())
	}
	if active, ok := s.registry.IsActive("A"); active || !ok {
		t.Errorf("IsActive() = %v, %v, want false, true", active, ok)
	}
	<-exec.Done()

	rec := s.record(t, "A")
	if rec.Status != domain.StatusPause {
		t.Errorf("Status = %v, want pause", rec.Status)
	}
	if rec.CurrentSize < payloadSize/2-100 || rec.CurrentSize > payloadSize/2 {
		t.Errorf("checkpoint = %d, want the bytes written before the pause", rec.CurrentSize)
	}
	checkpoint := rec.CurrentSize

	s.manager.ContinueDownload(context.Background(), "A", WithStatusFlow(flow))
	success := waitStatus[domain.Success](t, flow)

	reqs := o.requests()
	if len(reqs) != 2 || reqs[1] != "bytes="+strconv.FormatInt(checkpoint, 10)+"-" {
		t.Errorf("requests = %v, want a resume from byte %d", reqs, checkpoint)
	}
	data, _ := os.ReadFile(success.LocalPath)
	if !bytes.Equal(data, payload) {
		t.Error("resumed file differs from an uninterrupted download")
	}
}

func TestManager_CancelAndRestart(t *testing.T) {
	o := newOrigin(t)
	s := newStack(t, nil)
	flow := domain.NewStatusFlow()
	exec := startHeld(t, s, o, flow)

	s.manager.CancelDownload("A", WithStatusFlow(flow))
	if _, ok := flow.Value().(domain.Cancel); !ok {
		t.Fatalf("status after cancel = %#v, want Cancel", flow.Value())
	}
	if _, ok := s.registry.Get("A"); ok {
		t.Error("handle still registered after cancel")
	}
	<-exec.Done()

	rec := s.record(t, "A")
	if rec.Status != domain.StatusCancel || rec.CurrentSize == 0 {
		t.Errorf("record = %+v, want Cancel with a checkpoint", rec)
	}
	info, err := os.Stat(filepath.Join(s.dir, "file.bin"))
	if err != nil || info.Size() != payloadSize {
		t.Fatalf("partial file not kept: %v", err)
	}

	s.manager.Download(context.Background(), "A", o.URL+"/file.bin", "file.bin", WithStatusFlow(flow))
	success := waitStatus[domain.Success](t, flow)

	reqs := o.requests()
	if want := "bytes=" + strconv.FormatInt(rec.CurrentSize, 10) + "-"; reqs[len(reqs)-1] != want {
		t.Errorf("restart request range = %q, want %q", reqs[len(reqs)-1], want)
	}
	data, _ := os.ReadFile(success.LocalPath)
	if !bytes.Equal(data, payload) {
		t.Error("file differs after cancel and restart")
	}
}

func TestManager_StopAllDownload(t *testing.T) {
	o := newOrigin(t)
	o.gate = make(chan struct{})
	defer close(o.gate)
	s := newStack(t, nil)

	for _, tag := range []string{"A", "B"} {
		s.manager.Download(context.Background(), tag, o.URL+"/"+tag, tag)
	}
	s.manager.StopAllDownload()

	if len(s.registry.AllActive()) != 0 {
		t.Error("active downloads left after StopAllDownload()")
	}
	for _, tag := range []string{"A", "B"} {
		waitFor(t, "pause of "+tag, func() bool {
			return s.record(t, tag).Status == domain.StatusPause
		})
	}
}

type rejectingSubmitter struct{}

func (rejectingSubmitter) Submit(pool.Task) error { return pool.ErrRejected }

func TestManager_SubmitRejected(t *testing.T) {
	o := newOrigin(t)
	s := newStack(t, rejectingSubmitter{})
	flow := domain.NewStatusFlow()

	s.manager.Download(context.Background(), "A", o.URL+"/file.bin", "file.bin", WithStatusFlow(flow))

	if _, ok := flow.Value().(domain.Error); !ok {
		t.Fatalf("status = %#v, want Error", flow.Value())
	}
	if s.registry.Len() != 0 {
		t.Error("handle left behind after rejection")
	}
	rec := s.record(t, "A")
	if rec == nil || rec.Status != domain.StatusError || rec.ErrorMessage == "" {
		t.Errorf("record = %+v, want Error with a message", rec)
	}
	if got := s.metrics.GetMetrics()["downloads_rejected"]; got != 1 {
		t.Errorf("downloads_rejected = %d, want 1", got)
	}
}

func TestManager_CollectDownload(t *testing.T) {
	o := newOrigin(t)
	s := newStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(chan []*domain.DownloadRecord, 1)
	ready := make(chan struct{})
	go func() {
		var got []*domain.DownloadRecord
		first := true
		for rec := range s.manager.CollectDownload(ctx, "A") {
			if first {
				close(ready)
				first = false
			}
			got = append(got, rec)
			if rec != nil && rec.Status == domain.StatusSuccess {
				break
			}
		}
		seen <- got
	}()
	<-ready

	s.manager.Download(context.Background(), "A", o.URL+"/file.bin", "file.bin")

	got := <-seen
	if len(got) < 2 || got[0] != nil {
		t.Fatalf("snapshots = %d, want an initial nil followed by updates", len(got))
	}
	last := got[len(got)-1]
	if last.Status != domain.StatusSuccess || last.CurrentSize != payloadSize {
		t.Errorf("last snapshot = %+v", last)
	}
	for i := 2; i < len(got); i++ {
		if domain.RecordsEqual(got[i-1], got[i]) {
			t.Errorf("consecutive snapshots %d and %d are identical", i-1, i)
		}
	}
}

func TestManager_GetAllDownloadData(t *testing.T) {
	o := newOrigin(t)
	s := newStack(t, nil)
	flows := map[string]*domain.StatusFlow{"A": domain.NewStatusFlow(), "B": domain.NewStatusFlow()}

	for tag, flow := range flows {
		s.manager.Download(context.Background(), tag, o.URL+"/"+tag, tag+".bin", WithStatusFlow(flow))
	}
	for _, flow := range flows {
		waitStatus[domain.Success](t, flow)
	}

	all, err := s.manager.GetAllDownloadData(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("GetAllDownloadData() = %d records, want 2", len(all))
	}
}

// stuckRunner ignores cancellation of its first transfer until release is
// closed, then fails and releases its handle the way a worker does
type stuckRunner struct {
	reg     *registry.Registry
	release chan struct{}

	mu         sync.Mutex
	calls      int
	running    int
	maxRunning int
}

func (r *stuckRunner) Run(ctx context.Context, job transfer.Job) domain.Status {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.running++
	r.maxRunning = max(r.maxRunning, r.running)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if first {
		<-r.release
		r.reg.CancelIf(job.Tag, job.Handle)
		return domain.Error{Tag: job.Tag, Message: "connection reset"}
	}
	<-ctx.Done()
	return domain.Pause{Tag: job.Tag}
}

func (r *stuckRunner) stats() (calls, running, maxRunning int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.running, r.maxRunning
}

func TestManager_StaleTransferBlocksReadmission(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()

	store, err := sqlite.Open(filepath.Join(dir, "downloads.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	fs, err := filesystem.NewManager(filepath.Join(dir, "files"), filesystem.Options{})
	if err != nil {
		t.Fatal(err)
	}
	rec := recorder.New(nil, store, logger)
	reg := registry.New(logger)
	p := pool.New(&pool.Config{CoreSize: 2, MaxSize: 4}, logger)
	runner := &stuckRunner{reg: reg, release: make(chan struct{})}

	m := New(&Config{StaleWaitTimeout: 50 * time.Millisecond}, Deps{
		Registry: reg,
		Recorder: rec,
		Pool:     p,
		Worker:   runner,
		FS:       fs,
	}, logger)

	released := false
	t.Cleanup(func() {
		if !released {
			close(runner.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.StopAllDownload()
		m.Shutdown()
		p.Shutdown(ctx)
		rec.Close(ctx)
		store.Close()
	})

	url := "http://example.com/file.bin"
	m.Download(context.Background(), "A", url, "file.bin")
	waitFor(t, "first transfer", func() bool {
		_, running, _ := runner.stats()
		return running == 1
	})
	m.StopDownload("A")

	flow := domain.NewStatusFlow()
	m.Download(context.Background(), "A", url, "file.bin", WithStatusFlow(flow))
	e, ok := flow.Value().(domain.Error)
	if !ok {
		t.Fatalf("status while old transfer runs = %#v, want Error", flow.Value())
	}
	if !strings.Contains(e.Message, domain.ErrTransferRunning.Error()) {
		t.Errorf("Message = %q", e.Message)
	}
	if calls, _, _ := runner.stats(); calls != 1 {
		t.Fatalf("transfers started = %d, want 1", calls)
	}

	close(runner.release)
	released = true
	waitFor(t, "old transfer exit", func() bool {
		_, running, _ := runner.stats()
		return running == 0
	})

	flow = domain.NewStatusFlow()
	m.Download(context.Background(), "A", url, "file.bin", WithStatusFlow(flow))
	waitFor(t, "second transfer", func() bool {
		_, running, _ := runner.stats()
		return running == 1
	})
	if active, ok := reg.IsActive("A"); !active || !ok {
		t.Errorf("IsActive(A) = %v, %v, want true, true", active, ok)
	}
	if _, _, maxRunning := runner.stats(); maxRunning != 1 {
		t.Errorf("concurrent transfers of A = %d, want 1", maxRunning)
	}
}
