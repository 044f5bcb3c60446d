package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet-dispatcher/internal/bus/bustest"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/internal/queue"
	"fleet-dispatcher/internal/tracing"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

type staticSource struct {
	records []types.TaskRecord
	err     error
}

func (s staticSource) Load(context.Context) ([]types.TaskRecord, error) {
	return s.records, s.err
}

func newScheduler(src TaskSource) (*Scheduler, *queue.TaskQueue, *bustest.Capture) {
	cfg := config.SchedulerConfig{DispatchPace: time.Millisecond, PollTimeout: 10 * time.Millisecond}
	q := queue.NewTaskQueue()
	pub := &bustest.Capture{}
	tracer := tracing.NewTracingManager("scheduler-test", "", zap.NewNop())
	return New(cfg, q, pub, src, tracer, monitoring.NewMetrics(zap.NewNop()), zap.NewNop()), q, pub
}

func TestScheduler_LoadInitialFillsDefaults(t *testing.T) {
	src := staticSource{records: []types.TaskRecord{
		{Data: map[string]interface{}{"payload": "a"}},
		{TaskID: "t2", Data: map[string]interface{}{}, Priority: types.IntPtr(1), Location: types.StringPtr("node-a")},
	}}
	s, q, _ := newScheduler(src)

	if n := s.LoadInitial(context.Background()); n != 2 {
		t.Fatalf("LoadInitial() = %d, want 2", n)
	}

	first, _ := q.Dequeue(context.Background(), time.Second)
	if first.ID != "t2" {
		t.Errorf("first task = %s, want t2 (priority 1)", first.ID)
	}

	second, _ := q.Dequeue(context.Background(), time.Second)
	if second.Priority != types.DefaultPriority {
		t.Errorf("Priority = %d, want %d", second.Priority, types.DefaultPriority)
	}
	if second.Location != types.DefaultLocation {
		t.Errorf("Location = %s, want %s", second.Location, types.DefaultLocation)
	}
	if len(second.ID) != len("task_")+8 {
		t.Errorf("generated id %q has unexpected shape", second.ID)
	}
}

func TestScheduler_RejectsDuplicateTaskIDs(t *testing.T) {
	s, q, _ := newScheduler(nil)
	rec := types.TaskRecord{TaskID: "t1", Data: map[string]interface{}{"payload": "a"}}

	if _, err := s.Submit(context.Background(), rec); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	// Still rejected once the first copy has left the queue.
	if _, err := q.Dequeue(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	task, err := s.Submit(context.Background(), rec)
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("second Submit() error = %v, want ErrDuplicateTask", err)
	}
	if task != nil {
		t.Errorf("second Submit() returned %+v, want nil", task)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestScheduler_LoadInitialSkipsDuplicates(t *testing.T) {
	src := staticSource{records: []types.TaskRecord{
		{TaskID: "t1", Data: map[string]interface{}{"payload": "a"}},
		{TaskID: "t1", Data: map[string]interface{}{"payload": "b"}},
		{TaskID: "t2", Data: map[string]interface{}{"payload": "c"}},
	}}
	s, q, _ := newScheduler(src)

	if n := s.LoadInitial(context.Background()); n != 2 {
		t.Errorf("LoadInitial() = %d, want 2", n)
	}
	if q.Len() != 2 {
		t.Errorf("queue length = %d, want 2", q.Len())
	}
}

func TestScheduler_LoaderFailureIsNonFatal(t *testing.T) {
	s, q, pub := newScheduler(staticSource{err: errors.New("no such file")})

	if n := s.LoadInitial(context.Background()); n != 0 {
		t.Errorf("LoadInitial() = %d, want 0", n)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
	if len(pub.Topic(protocol.TopicSystemLog)) != 1 {
		t.Error("loader failure was not mirrored on system_log")
	}
}

func TestScheduler_RunPublishesInPriorityOrderAndStopsOnShutdown(t *testing.T) {
	s, q, pub := newScheduler(nil)
	for _, p := range []int{10, 1, 5} {
		if _, err := s.Submit(context.Background(), types.TaskRecord{Data: map[string]interface{}{}, Priority: types.IntPtr(p)}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.Topic(protocol.TopicTaskRequest)) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	q.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after queue shutdown")
	}

	var got []int
	for _, msg := range pub.Topic(protocol.TopicTaskRequest) {
		got = append(got, *msg.Payload.(protocol.TaskRequest).Task.Priority)
	}
	want := []int{1, 5, 10}
	if len(got) != len(want) {
		t.Fatalf("published priorities %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("published priorities %v, want %v", got, want)
			break
		}
	}
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	s, _, _ := newScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
