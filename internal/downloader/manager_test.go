package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"seedwarden/internal/descriptor"
	"seedwarden/internal/domain"
	"seedwarden/internal/engine"
)

type fakeHandle struct{ fp string }

func (h fakeHandle) Fingerprint() string { return h.fp }

// fakeSession is a synthetic engine: tests queue events and the manager's
// cycle drains them, so every lifecycle path runs deterministically.
type fakeSession struct {
	mu          sync.Mutex
	beginCalls  int
	beginErr    error
	resumeStale bool
	paused      map[string]bool
	stopped     map[string]bool // fingerprint -> deleteFiles
	events      []engine.Event
	closed      bool

	// When set, Begin announces the fingerprint on beginEntered and then
	// blocks until beginGate closes, so tests can race control calls
	// against an in-flight begin.
	beginEntered chan string
	beginGate    chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		paused:  make(map[string]bool),
		stopped: make(map[string]bool),
	}
}

func (f *fakeSession) push(evs ...engine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs...)
}

func (f *fakeSession) Begin(d *descriptor.Descriptor, savePath string) (engine.Handle, error) {
	f.mu.Lock()
	f.beginCalls++
	err := f.beginErr
	entered, gate := f.beginEntered, f.beginGate
	f.mu.Unlock()

	if entered != nil {
		entered <- d.Fingerprint
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return fakeHandle{fp: d.Fingerprint}, nil
}

func (f *fakeSession) Pause(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[h.Fingerprint()] = true
	return nil
}

func (f *fakeSession) Resume(h engine.Handle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[h.Fingerprint()] = false
	return f.resumeStale, nil
}

func (f *fakeSession) Recheck(h engine.Handle) error { return nil }

func (f *fakeSession) Stop(h engine.Handle, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[h.Fingerprint()] = deleteFiles
	return nil
}

func (f *fakeSession) Poll() []engine.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events
	f.events = nil
	return evs
}

func (f *fakeSession) Status(h engine.Handle) (engine.Status, error) {
	return engine.Status{}, nil
}

func (f *fakeSession) SetRateLimits(uploadBps, downloadBps int64) {}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) isPaused(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[fp]
}

func (f *fakeSession) stoppedWith(fp string) (deleteFiles, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleteFiles, ok = f.stopped[fp]
	return deleteFiles, ok
}

func (f *fakeSession) begins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beginCalls
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ engine.Session = (*fakeSession)(nil)

const testTotalBytes = 20480

func testDescriptorBytes(t *testing.T, name string) []byte {
	t.Helper()
	b, err := bencode.EncodeBytes(map[string]interface{}{
		"announce": "https://tracker.example/announce",
		"info": map[string]interface{}{
			"name":         name,
			"piece length": 16384,
			"pieces":       bytes.Repeat([]byte{0xcd}, 40),
			"length":       testTotalBytes,
		},
	})
	require.NoError(t, err)
	return b
}

func newTestManager(t *testing.T) (*manager, *fakeSession) {
	t.Helper()
	fs := newFakeSession()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := NewManager(Config{PollInterval: 10 * time.Millisecond, Logger: log}, fs).(*manager)
	return m, fs
}

func addTransfer(t *testing.T, m *manager, name string, goal domain.Goal) string {
	t.Helper()
	fp, err := m.Add(context.Background(), testDescriptorBytes(t, name), "/tmp/dl", goal)
	require.NoError(t, err)
	return fp
}

func stateOf(t *testing.T, m *manager, fp string) domain.State {
	t.Helper()
	snap, err := m.Snapshot(fp)
	require.NoError(t, err)
	return snap.State
}

func driveDownloading(t *testing.T, m *manager, fs *fakeSession, fp string) {
	t.Helper()
	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventRateSample, Status: engine.Status{
		DownloadedBytes: 4096, BytesMissing: testTotalBytes - 4096, DownloadRate: 1024, Peers: 3,
	}})
	m.cycle()
	require.Equal(t, domain.StateDownloading, stateOf(t, m, fp))
}

func driveSeeding(t *testing.T, m *manager, fs *fakeSession, fp string, uploaded int64) {
	t.Helper()
	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventCompleted, Status: engine.Status{
		DownloadedBytes: testTotalBytes, UploadedBytes: uploaded, BytesMissing: 0,
	}})
	m.cycle()
}

func TestAddIdempotent(t *testing.T) {
	m, fs := newTestManager(t)
	b := testDescriptorBytes(t, "book.m4b")

	fp1, err := m.Add(context.Background(), b, "/tmp/dl", domain.Goal{})
	require.NoError(t, err)
	fp2, err := m.Add(context.Background(), b, "/tmp/elsewhere", domain.Goal{TargetRatio: 2})
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Equal(t, 1, fs.begins())
	assert.Len(t, m.List(), 1)
}

func TestAddConcurrent(t *testing.T) {
	m, fs := newTestManager(t)
	b := testDescriptorBytes(t, "book.m4b")

	const n = 8
	fps := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp, err := m.Add(context.Background(), b, "/tmp/dl", domain.Goal{})
			assert.NoError(t, err)
			fps[i] = fp
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, fps[0], fps[i])
	}
	assert.Equal(t, 1, fs.begins())
}

func TestAddParseError(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Add(context.Background(), []byte("garbage"), "/tmp/dl", domain.Goal{})
	assert.ErrorIs(t, err, domain.ErrParse)
}

func TestAddBeginError(t *testing.T) {
	m, fs := newTestManager(t)
	fs.beginErr = errors.New("engine refused")

	b := testDescriptorBytes(t, "book.m4b")
	_, err := m.Add(context.Background(), b, "/tmp/dl", domain.Goal{})
	require.Error(t, err)

	// The failed add leaves no record behind, so a retry goes back to the
	// engine instead of returning a dead fingerprint.
	assert.Empty(t, m.List())
	fs.beginErr = nil
	fp, err := m.Add(context.Background(), b, "/tmp/dl", domain.Goal{})
	require.NoError(t, err)
	assert.Equal(t, 2, fs.begins())
	assert.Equal(t, domain.StateQueued, stateOf(t, m, fp))
}

func TestLifecycleVerifyThenSeed(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	assert.Equal(t, domain.StateQueued, stateOf(t, m, fp))

	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventVerifyStarted, Status: engine.Status{Verifying: true}})
	m.cycle()
	assert.Equal(t, domain.StateChecking, stateOf(t, m, fp))

	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventVerifyDone, Status: engine.Status{
		DownloadedBytes: 4096, BytesMissing: testTotalBytes - 4096,
	}})
	m.cycle()
	assert.Equal(t, domain.StateDownloading, stateOf(t, m, fp))

	driveSeeding(t, m, fs, fp, 0)
	snap, err := m.Snapshot(fp)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSeeding, snap.State)
	assert.Equal(t, 1.0, snap.Completed)
	require.NotNil(t, snap.SeedStart)
}

func TestVerifyDoneCompleteGoesStraightToSeeding(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})

	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventVerifyStarted, Status: engine.Status{Verifying: true}})
	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventVerifyDone, Status: engine.Status{
		DownloadedBytes: testTotalBytes, BytesMissing: 0,
	}})
	m.cycle()
	assert.Equal(t, domain.StateSeeding, stateOf(t, m, fp))
}

func TestProgressMonotonicWhileDownloading(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveDownloading(t, m, fs, fp)

	// A lower sample must not move the reported fraction backwards.
	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventRateSample, Status: engine.Status{
		DownloadedBytes: 1024, BytesMissing: testTotalBytes - 1024,
	}})
	m.cycle()
	snap, err := m.Snapshot(fp)
	require.NoError(t, err)
	assert.Equal(t, float64(4096)/float64(testTotalBytes), snap.Completed)
}

func TestPauseResume(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveDownloading(t, m, fs, fp)

	require.NoError(t, m.Pause(fp))
	assert.Equal(t, domain.StatePaused, stateOf(t, m, fp))
	assert.True(t, fs.isPaused(fp))

	// Idempotent.
	require.NoError(t, m.Pause(fp))

	snap, err := m.Snapshot(fp)
	require.NoError(t, err)
	assert.Zero(t, snap.Stats.DownloadRate)
	before := snap.Stats.DownloadedBytes

	// Stats are frozen while paused even if a stray sample arrives.
	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventRateSample, Status: engine.Status{
		DownloadedBytes: testTotalBytes, BytesMissing: 0,
	}})
	m.cycle()
	snap, err = m.Snapshot(fp)
	require.NoError(t, err)
	assert.Equal(t, before, snap.Stats.DownloadedBytes)
	assert.Equal(t, domain.StatePaused, snap.State)

	require.NoError(t, m.Resume(fp))
	assert.Equal(t, domain.StateDownloading, stateOf(t, m, fp))
	assert.False(t, fs.isPaused(fp))

	// Idempotent.
	require.NoError(t, m.Resume(fp))
}

func TestPauseInvalidFromSeeding(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveSeeding(t, m, fs, fp, 0)

	err := m.Pause(fp)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestResumeStaleGoesThroughChecking(t *testing.T) {
	m, fs := newTestManager(t)
	fs.resumeStale = true
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveDownloading(t, m, fs, fp)

	require.NoError(t, m.Pause(fp))
	require.NoError(t, m.Resume(fp))
	assert.Equal(t, domain.StateChecking, stateOf(t, m, fp))
}

func TestRecheck(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveSeeding(t, m, fs, fp, 0)

	require.NoError(t, m.Recheck(fp))
	assert.Equal(t, domain.StateChecking, stateOf(t, m, fp))

	// Idempotent while checking.
	require.NoError(t, m.Recheck(fp))

	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventVerifyDone, Status: engine.Status{
		DownloadedBytes: 4096, BytesMissing: testTotalBytes - 4096,
	}})
	m.cycle()
	assert.Equal(t, domain.StateDownloading, stateOf(t, m, fp))
}

func TestEngineErrorMovesToError(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveDownloading(t, m, fs, fp)

	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventDiskError, Err: fmt.Errorf("write piece: no space left")})
	m.cycle()
	snap, err := m.Snapshot(fp)
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, snap.State)
	assert.Contains(t, snap.Error, "no space left")

	// Errored transfers ignore further engine traffic.
	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventCompleted, Status: engine.Status{BytesMissing: 0}})
	m.cycle()
	assert.Equal(t, domain.StateError, stateOf(t, m, fp))
}

func TestRemove(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})

	require.NoError(t, m.Remove(fp, true))
	deleted, ok := fs.stoppedWith(fp)
	require.True(t, ok)
	assert.True(t, deleted)

	_, err := m.Snapshot(fp)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, m.Remove(fp, false), domain.ErrNotFound)
	assert.ErrorIs(t, m.Remove("deadbeef", false), domain.ErrNotFound)
}

func TestRemoveDuringAdd(t *testing.T) {
	m, fs := newTestManager(t)
	fs.beginEntered = make(chan string, 1)
	fs.beginGate = make(chan struct{})

	addDone := make(chan string, 1)
	go func() {
		fp, err := m.Add(context.Background(), testDescriptorBytes(t, "book.m4b"), "/tmp/dl", domain.Goal{})
		assert.NoError(t, err)
		addDone <- fp
	}()

	fp := <-fs.beginEntered
	// The record exists but carries no handle yet; remove must still win.
	require.NoError(t, m.Remove(fp, true))
	close(fs.beginGate)

	select {
	case got := <-addDone:
		assert.Equal(t, fp, got)
	case <-time.After(time.Second):
		t.Fatal("add did not return")
	}

	// The handle attached after the remove must not keep running, and the
	// remove's delete flag travels with it.
	deleted, ok := fs.stoppedWith(fp)
	require.True(t, ok)
	assert.True(t, deleted)
	assert.Empty(t, m.List())
	_, err := m.Snapshot(fp)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestShutdownWaitsForAdd(t *testing.T) {
	defer leaktest.Check(t)()

	m, fs := newTestManager(t)
	require.NoError(t, m.Start(context.Background()))
	fs.beginEntered = make(chan string, 1)
	fs.beginGate = make(chan struct{})

	addDone := make(chan struct{})
	go func() {
		defer close(addDone)
		_, err := m.Add(context.Background(), testDescriptorBytes(t, "book.m4b"), "/tmp/dl", domain.Goal{})
		assert.NoError(t, err)
	}()
	fp := <-fs.beginEntered

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		m.Shutdown()
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while an add was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(fs.beginGate)
	<-addDone
	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not finish")
	}

	// The late transfer was stopped before the session closed.
	deleted, ok := fs.stoppedWith(fp)
	require.True(t, ok)
	assert.False(t, deleted)
	assert.True(t, fs.isClosed())
}

func TestWaitForCompletion(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveDownloading(t, m, fs, fp)

	// Zero timeout is an immediate check, never a wait.
	done, err := m.WaitForCompletion(fp, 0)
	require.NoError(t, err)
	assert.False(t, done)

	res := make(chan bool, 1)
	go func() {
		done, err := m.WaitForCompletion(fp, 5*time.Second)
		assert.NoError(t, err)
		res <- done
	}()

	driveSeeding(t, m, fs, fp, 0)
	select {
	case done := <-res:
		assert.True(t, done)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake on completion")
	}

	// Already complete returns immediately.
	done, err = m.WaitForCompletion(fp, 0)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWaitForCompletionTimeout(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveDownloading(t, m, fs, fp)

	start := time.Now()
	done, err := m.WaitForCompletion(fp, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, done)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// The transfer keeps running after a timed-out wait.
	assert.Equal(t, domain.StateDownloading, stateOf(t, m, fp))

	_, err = m.WaitForCompletion("deadbeef", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWaitForCompletionWakesOnRemove(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveDownloading(t, m, fs, fp)

	res := make(chan bool, 1)
	go func() {
		done, err := m.WaitForCompletion(fp, 5*time.Second)
		assert.NoError(t, err)
		res <- done
	}()

	// Give the waiter a moment to block on the state channel.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Remove(fp, false))

	select {
	case done := <-res:
		assert.False(t, done, "a removed transfer never completes")
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake on removal")
	}
}

func TestSnapshotETA(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})

	// No rate yet: indeterminate.
	snap, err := m.Snapshot(fp)
	require.NoError(t, err)
	assert.Nil(t, snap.ETA)

	fs.push(engine.Event{Fingerprint: fp, Kind: engine.EventRateSample, Status: engine.Status{
		DownloadedBytes: testTotalBytes - 10240, BytesMissing: 10240, DownloadRate: 1024,
	}})
	m.cycle()
	snap, err = m.Snapshot(fp)
	require.NoError(t, err)
	require.NotNil(t, snap.ETA)
	assert.Equal(t, 10*time.Second, *snap.ETA)

	driveSeeding(t, m, fs, fp, 0)
	snap, err = m.Snapshot(fp)
	require.NoError(t, err)
	assert.Nil(t, snap.ETA)
}

func TestListOrderedByCreation(t *testing.T) {
	m, _ := newTestManager(t)
	fp1 := addTransfer(t, m, "first.m4b", domain.Goal{})
	fp2 := addTransfer(t, m, "second.m4b", domain.Goal{})

	list := m.List()
	require.Len(t, list, 2)
	got := []string{list[0].Fingerprint, list[1].Fingerprint}
	assert.Contains(t, got, fp1)
	assert.Contains(t, got, fp2)
	assert.False(t, list[1].CreatedAt.Before(list[0].CreatedAt))
}

func TestShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	m, fs := newTestManager(t)
	require.NoError(t, m.Start(context.Background()))
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})

	m.Shutdown()
	m.Shutdown() // idempotent

	assert.True(t, fs.isClosed())
	deleted, ok := fs.stoppedWith(fp)
	require.True(t, ok)
	assert.False(t, deleted, "shutdown must never delete downloaded files")

	_, err := m.Add(context.Background(), testDescriptorBytes(t, "late.m4b"), "/tmp/dl", domain.Goal{})
	assert.ErrorIs(t, err, domain.ErrShutdown)
}
