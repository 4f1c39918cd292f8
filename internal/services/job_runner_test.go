package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huangang/jobfence/internal/lock"
	"github.com/huangang/jobfence/internal/models"
)

type memoryLedger struct {
	mu      sync.Mutex
	nextID  uint
	entries map[uint]*models.JobLog
	updates map[uint]int
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{entries: make(map[uint]*models.JobLog), updates: make(map[uint]int)}
}

func (l *memoryLedger) Create(_ context.Context, entry *models.JobLog) (uint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e := *entry
	e.ID = l.nextID
	e.Status = models.JobLogStarted
	l.entries[e.ID] = &e
	return e.ID, nil
}

func (l *memoryLedger) UpdateStatus(_ context.Context, id uint, status models.JobLogStatus, remark string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return ErrJobLogNotFound
	}
	l.updates[id]++
	e.Status = status
	e.Remark = remark
	return nil
}

func (l *memoryLedger) get(id uint) models.JobLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.entries[id]
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// conflictStore reports every insert as a conflict but never has a record,
// as if the holder released between insert and inspection.
type conflictStore struct {
	*lock.MemoryStore
}

func (s conflictStore) TryInsert(context.Context, lock.Record) error {
	return lock.ErrAlreadyExists
}

type errorStore struct {
	*lock.MemoryStore
	insertErr error
}

func (s errorStore) TryInsert(context.Context, lock.Record) error {
	return s.insertErr
}

// hangingStore blocks inserts until the caller's deadline.
type hangingStore struct {
	*lock.MemoryStore
}

func (s hangingStore) TryInsert(ctx context.Context, _ lock.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

type countingWork struct {
	calls int32
}

func (w *countingWork) Do(ctx context.Context, slot lock.Key) (WorkResult, error) {
	atomic.AddInt32(&w.calls, 1)
	return WorkResult{Iterations: 1}, nil
}

var now0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRunner(store lock.Store, ledger RunLedger, work BoundedWork, opts ...lock.Option) (*JobRunner, *lock.Coordinator) {
	coord := lock.NewCoordinator(store, opts...)
	return NewJobRunner("instance-a", coord, ledger, work), coord
}

func assertSlotFree(t *testing.T, store lock.Store) {
	t.Helper()
	rec, err := store.Get(context.Background(), lock.Key{QueueName: "q", JobName: "j"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec != nil {
		t.Errorf("lock should be released, found record created at %v", rec.CreatedAt)
	}
}

func TestRun_FreeSlotCompletes(t *testing.T) {
	store := lock.NewMemoryStore()
	ledger := newMemoryLedger()
	runner, _ := newTestRunner(store, ledger, NewHeartbeat("instance-a", 3, time.Millisecond))

	res, err := runner.Run(context.Background(), "q", "j")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.JobLogCompleted || res.Remark != RemarkSuccess {
		t.Errorf("Run() = %+v, expected Completed/Success", res)
	}

	entry := ledger.get(res.LogID)
	if entry.Status != models.JobLogCompleted {
		t.Errorf("ledger status = %q, expected %q", entry.Status, models.JobLogCompleted)
	}
	if entry.AppID != "instance-a" || entry.QueueName != "q" || entry.JobName != "j" {
		t.Errorf("ledger entry = %+v, unexpected identity fields", entry)
	}
	assertSlotFree(t, store)
}

func TestRun_ActiveHolderExitsWithoutWork(t *testing.T) {
	store := lock.NewMemoryStore()
	_ = store.TryInsert(context.Background(), lock.Record{QueueName: "q", JobName: "j", CreatedAt: now0.Add(-time.Minute)})
	work := &countingWork{}
	ledger := newMemoryLedger()
	runner, _ := newTestRunner(store, ledger, work, lock.WithClock(fixedClock{now0}))

	res, err := runner.Run(context.Background(), "q", "j")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.JobLogExited {
		t.Errorf("Status = %q, expected %q", res.Status, models.JobLogExited)
	}
	if !strings.Contains(res.Remark, "Already processing") || !strings.Contains(res.Remark, "instance-a") {
		t.Errorf("Remark = %q, expected an already-processing remark naming the instance", res.Remark)
	}
	if work.calls != 0 {
		t.Errorf("work ran %d times, expected 0", work.calls)
	}

	rec, _ := store.Get(context.Background(), lock.Key{QueueName: "q", JobName: "j"})
	if rec == nil {
		t.Error("the other holder's lock must not be touched")
	}
}

func TestRun_StaleHolderIsReclaimedAndDeferred(t *testing.T) {
	store := lock.NewMemoryStore()
	_ = store.TryInsert(context.Background(), lock.Record{QueueName: "q", JobName: "j", CreatedAt: now0.Add(-6 * time.Minute)})
	work := &countingWork{}
	ledger := newMemoryLedger()
	runner, _ := newTestRunner(store, ledger, work, lock.WithClock(fixedClock{now0}))

	res, err := runner.Run(context.Background(), "q", "j")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.JobLogExited || !strings.Contains(res.Remark, "stale lock reclaimed") {
		t.Errorf("Run() = %+v, expected Exited with a stale-reclaim remark", res)
	}
	if work.calls != 0 {
		t.Errorf("work ran %d times, expected the run to be deferred", work.calls)
	}
	assertSlotFree(t, store)

	next, err := runner.Run(context.Background(), "q", "j")
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if next.Status != models.JobLogCompleted {
		t.Errorf("next trigger status = %q, expected %q", next.Status, models.JobLogCompleted)
	}
}

func TestRun_StalenessBoundary(t *testing.T) {
	tests := []struct {
		age       time.Duration
		reclaimed bool
	}{
		{5 * time.Minute, true},
		{4*time.Minute + 59*time.Second, false},
	}

	for _, tt := range tests {
		store := lock.NewMemoryStore()
		_ = store.TryInsert(context.Background(), lock.Record{QueueName: "q", JobName: "j", CreatedAt: now0.Add(-tt.age)})
		runner, _ := newTestRunner(store, newMemoryLedger(), &countingWork{}, lock.WithClock(fixedClock{now0}))

		res, err := runner.Run(context.Background(), "q", "j")
		if err != nil {
			t.Fatalf("age %v: Run() error = %v", tt.age, err)
		}
		got := strings.Contains(res.Remark, "stale lock reclaimed")
		if got != tt.reclaimed {
			t.Errorf("age %v: reclaimed = %v, expected %v (remark %q)", tt.age, got, tt.reclaimed, res.Remark)
		}
	}
}

func TestRun_ReleasedBeforeInspection(t *testing.T) {
	store := conflictStore{lock.NewMemoryStore()}
	work := &countingWork{}
	runner, _ := newTestRunner(store, newMemoryLedger(), work)

	res, err := runner.Run(context.Background(), "q", "j")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.JobLogExited || !strings.Contains(res.Remark, "lock released") {
		t.Errorf("Run() = %+v, expected Exited with a lock-released remark", res)
	}
	if work.calls != 0 {
		t.Errorf("work ran %d times, expected 0", work.calls)
	}
}

func TestRun_CancelledMidWork(t *testing.T) {
	store := lock.NewMemoryStore()
	ledger := newMemoryLedger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb := NewHeartbeat("instance-a", 120, 5*time.Millisecond)
	var lastTick int32
	hb.OnTick = func(_ lock.Key, tick int) {
		atomic.StoreInt32(&lastTick, int32(tick))
		if tick == 10 {
			cancel()
		}
	}
	runner, _ := newTestRunner(store, ledger, hb)

	res, err := runner.Run(ctx, "q", "j")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.JobLogExited {
		t.Errorf("Status = %q, expected %q", res.Status, models.JobLogExited)
	}
	if !strings.Contains(res.Remark, "graceful shutdown after 10 iterations") {
		t.Errorf("Remark = %q, expected cancellation after 10 iterations", res.Remark)
	}
	if atomic.LoadInt32(&lastTick) != 10 {
		t.Errorf("last tick = %d, expected the loop to stop at 10", lastTick)
	}
	if entry := ledger.get(res.LogID); entry.Status != models.JobLogExited {
		t.Errorf("ledger status = %q, expected %q", entry.Status, models.JobLogExited)
	}
	assertSlotFree(t, store)
}

func TestRun_AlreadyCancelledContextStillFinalizes(t *testing.T) {
	store := lock.NewMemoryStore()
	ledger := newMemoryLedger()
	runner, _ := newTestRunner(store, ledger, NewHeartbeat("instance-a", 5, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := runner.Run(ctx, "q", "j")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.JobLogExited || !strings.Contains(res.Remark, "after 0 iterations") {
		t.Errorf("Run() = %+v, expected Exited after 0 iterations", res)
	}
	assertSlotFree(t, store)
}

func TestRun_PayloadErrorReleasesAndPropagates(t *testing.T) {
	boom := errors.New("boom")
	store := lock.NewMemoryStore()
	ledger := newMemoryLedger()
	runner, _ := newTestRunner(store, ledger, WorkFunc(func(context.Context, lock.Key) (WorkResult, error) {
		return WorkResult{}, boom
	}))

	res, err := runner.Run(context.Background(), "q", "j")
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, expected to wrap %v", err, boom)
	}
	if res.Status != models.JobLogExited || !strings.Contains(res.Remark, "boom") {
		t.Errorf("Run() = %+v, expected Exited with the failure in the remark", res)
	}
	if entry := ledger.get(res.LogID); entry.Status != models.JobLogExited {
		t.Errorf("ledger status = %q, expected %q", entry.Status, models.JobLogExited)
	}
	assertSlotFree(t, store)
}

func TestRun_PayloadPanicReleases(t *testing.T) {
	store := lock.NewMemoryStore()
	runner, _ := newTestRunner(store, newMemoryLedger(), WorkFunc(func(context.Context, lock.Key) (WorkResult, error) {
		panic("kaboom")
	}))

	res, err := runner.Run(context.Background(), "q", "j")
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Run() error = %v, expected the recovered panic", err)
	}
	if res.Status != models.JobLogExited {
		t.Errorf("Status = %q, expected %q", res.Status, models.JobLogExited)
	}
	assertSlotFree(t, store)
}

func TestRun_ContendedStoreIsTreatedAsConflict(t *testing.T) {
	store := errorStore{MemoryStore: lock.NewMemoryStore(), insertErr: lock.ErrContended}
	work := &countingWork{}
	runner, _ := newTestRunner(store, newMemoryLedger(), work)

	res, err := runner.Run(context.Background(), "q", "j")
	if err != nil {
		t.Fatalf("Run() error = %v, contention should not be an error", err)
	}
	if res.Status != models.JobLogExited || !strings.Contains(res.Remark, "Store concurrency conflict") {
		t.Errorf("Run() = %+v, expected Exited with a concurrency remark", res)
	}
	if work.calls != 0 {
		t.Errorf("work ran %d times, expected 0", work.calls)
	}
}

func TestRun_StoreFailureIsReturnedAndRecorded(t *testing.T) {
	store := errorStore{MemoryStore: lock.NewMemoryStore(), insertErr: errors.New("connection refused")}
	ledger := newMemoryLedger()
	runner, _ := newTestRunner(store, ledger, &countingWork{})

	res, err := runner.Run(context.Background(), "q", "j")
	if err == nil {
		t.Fatal("Run() should return the store failure")
	}
	if entry := ledger.get(res.LogID); entry.Status != models.JobLogExited {
		t.Errorf("ledger status = %q, expected %q", entry.Status, models.JobLogExited)
	}
}

func TestRun_StoreTimeoutBoundsHangingStore(t *testing.T) {
	ledger := newMemoryLedger()
	work := &countingWork{}
	runner, _ := newTestRunner(hangingStore{MemoryStore: lock.NewMemoryStore()}, ledger, work)
	runner.SetStoreTimeout(0)
	if runner.storeTimeout != defaultStoreTimeout {
		t.Fatalf("storeTimeout = %v, a non-positive value must keep the default", runner.storeTimeout)
	}
	runner.SetStoreTimeout(20 * time.Millisecond)

	start := time.Now()
	res, err := runner.Run(context.Background(), "q", "j")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, expected deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run() took %v, store timeout was not applied", elapsed)
	}
	if entry := ledger.get(res.LogID); entry.Status != models.JobLogExited {
		t.Errorf("ledger status = %q, expected %q", entry.Status, models.JobLogExited)
	}
	if work.calls != 0 {
		t.Errorf("work ran %d times, expected 0", work.calls)
	}
}

func TestRun_EveryRunFinalizesExactlyOnce(t *testing.T) {
	store := lock.NewMemoryStore()
	ledger := newMemoryLedger()
	runner, _ := newTestRunner(store, ledger, &countingWork{})

	for i := 0; i < 5; i++ {
		if _, err := runner.Run(context.Background(), "q", "j"); err != nil {
			t.Fatalf("Run() #%d error = %v", i, err)
		}
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.entries) != 5 {
		t.Errorf("ledger has %d entries, expected 5", len(ledger.entries))
	}
	for id, entry := range ledger.entries {
		if !entry.Status.IsTerminal() {
			t.Errorf("entry %d status = %q, expected terminal", id, entry.Status)
		}
		if ledger.updates[id] != 1 {
			t.Errorf("entry %d updated %d times, expected 1", id, ledger.updates[id])
		}
	}
}

func TestRun_MutualExclusionAcrossInstances(t *testing.T) {
	store := lock.NewMemoryStore()
	ledger := newMemoryLedger()

	var active, maxActive int32
	work := WorkFunc(func(ctx context.Context, slot lock.Key) (WorkResult, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return WorkResult{Iterations: 1}, nil
	})

	coord := lock.NewCoordinator(store)
	runners := []*JobRunner{
		NewJobRunner("instance-a", coord, ledger, work),
		NewJobRunner("instance-b", coord, ledger, work),
	}

	var completed int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(r *JobRunner) {
			defer wg.Done()
			res, err := r.Run(context.Background(), "q", "j")
			if err != nil {
				t.Errorf("Run() error = %v", err)
				return
			}
			if res.Status == models.JobLogCompleted {
				atomic.AddInt32(&completed, 1)
			}
		}(runners[i%2])
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent executions = %d, expected 1", maxActive)
	}
	if completed < 1 {
		t.Error("at least one run should have completed")
	}
	assertSlotFree(t, store)
}

func TestRunState_String(t *testing.T) {
	states := []runState{stateStarting, stateAcquiring, stateRunning, stateClassifying, stateFinalizing, stateDone}
	seen := map[string]bool{}
	for _, s := range states {
		name := s.String()
		if name == "unknown" || seen[name] {
			t.Errorf("state %d has name %q", s, name)
		}
		seen[name] = true
	}
}
