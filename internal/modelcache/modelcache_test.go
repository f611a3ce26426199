package modelcache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/hushtype/hush-core/internal/events"
	"github.com/hushtype/hush-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeWorker struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]any
	errs    map[string]error
}

func (f *fakeWorker) Call(ctx context.Context, method string, params, result any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	reply, hasReply := f.replies[method]
	err := f.errs[method]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hasReply && result != nil {
		data, merr := json.Marshal(reply)
		if merr != nil {
			return merr
		}
		return json.Unmarshal(data, result)
	}
	return nil
}

func (f *fakeWorker) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newCoordinator(worker *fakeWorker) *Coordinator {
	bus := events.NewBus(100, testLogger())
	return New(worker, bus, testLogger())
}

func TestRefreshMirrorsWorkerState(t *testing.T) {
	worker := &fakeWorker{replies: map[string]any{
		protocol.MethodModelStatus: protocol.ModelStatus{
			State: protocol.ModelReady, CachePath: "/tmp/models/base",
		},
	}}
	c := newCoordinator(worker)

	if c.Ready() {
		t.Fatal("coordinator must not assume ready before a sync")
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !c.Ready() {
		t.Fatal("expected ready after refresh")
	}
	if got := c.Status().CachePath; got != "/tmp/models/base" {
		t.Fatalf("unexpected cache path %q", got)
	}
}

func TestEnsureReadySkipsInitWhenReady(t *testing.T) {
	worker := &fakeWorker{replies: map[string]any{
		protocol.MethodModelStatus: protocol.ModelStatus{State: protocol.ModelReady},
	}}
	c := newCoordinator(worker)
	c.Refresh(context.Background())

	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	for _, m := range worker.called() {
		if m == protocol.MethodEngineInit {
			t.Fatal("engine.init must not run when already ready")
		}
	}
}

func TestEnsureReadyInitializesEngine(t *testing.T) {
	worker := &fakeWorker{replies: map[string]any{
		protocol.MethodModelStatus: protocol.ModelStatus{State: protocol.ModelReady},
	}}
	c := newCoordinator(worker)

	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	calls := worker.called()
	if len(calls) != 2 || calls[0] != protocol.MethodEngineInit || calls[1] != protocol.MethodModelStatus {
		t.Fatalf("unexpected call order %v", calls)
	}
	if !c.Ready() {
		t.Fatal("expected ready after init")
	}
}

func TestPurgeWhileInUseIsRefused(t *testing.T) {
	worker := &fakeWorker{errs: map[string]error{
		protocol.MethodModelPurge: &protocol.WorkerError{
			Code: 3, Message: "engine holds the model", Kind: protocol.KindNotReady,
		},
	}}
	c := newCoordinator(worker)

	if err := c.Purge(context.Background()); err != ErrModelInUse {
		t.Fatalf("expected ErrModelInUse, got %v", err)
	}
}

func TestPurgeSyncsAfterSuccess(t *testing.T) {
	worker := &fakeWorker{replies: map[string]any{
		protocol.MethodModelStatus: protocol.ModelStatus{State: protocol.ModelMissing},
	}}
	c := newCoordinator(worker)

	if err := c.Purge(context.Background()); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if got := c.Status().State; got != protocol.ModelMissing {
		t.Fatalf("expected missing after purge, got %q", got)
	}
}

func TestInstallTracksProgress(t *testing.T) {
	worker := &fakeWorker{replies: map[string]any{
		protocol.MethodModelStatus: protocol.ModelStatus{State: protocol.ModelReady},
	}}
	c := newCoordinator(worker)

	c.HandleModelProgress(protocol.ModelProgressNote{Stage: "downloading", Received: 10, Total: 100})
	if st := c.Status(); st.State != protocol.ModelDownloading || st.Received != 10 {
		t.Fatalf("unexpected mid-install state %+v", st)
	}
	c.HandleModelProgress(protocol.ModelProgressNote{Stage: "verifying", Received: 100, Total: 100})
	if st := c.Status(); st.State != protocol.ModelVerifying {
		t.Fatalf("unexpected verify state %+v", st)
	}

	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if !c.Ready() {
		t.Fatal("expected ready after install")
	}
}

func TestInstallFailureRecordsError(t *testing.T) {
	worker := &fakeWorker{errs: map[string]error{
		protocol.MethodModelInstall: &protocol.WorkerError{
			Code: 9, Message: "download interrupted", Kind: protocol.KindNetworkFailure,
		},
	}}
	c := newCoordinator(worker)

	if err := c.Install(context.Background()); err == nil {
		t.Fatal("expected install failure")
	}
	if st := c.Status(); st.State != protocol.ModelError {
		t.Fatalf("expected error state, got %q", st.State)
	}
}
