package usage

import (
	"context"
	"testing"
	"time"
)

type chanPlugin struct {
	got chan Record
}

func (p *chanPlugin) HandleUsage(_ context.Context, record Record) {
	p.got <- record
}

func receiveRecord(t *testing.T, ch chan Record) Record {
	t.Helper()
	select {
	case record := <-ch:
		return record
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dispatched record")
		return Record{}
	}
}

func TestManager_DispatchesToAllPlugins(t *testing.T) {
	manager := NewManager(8)
	defer manager.Stop()

	first := &chanPlugin{got: make(chan Record, 1)}
	second := &chanPlugin{got: make(chan Record, 1)}
	manager.Register(first)
	manager.Register(second)

	manager.Publish(context.Background(), Record{
		Backend: "ollama",
		Model:   "llama3.2:latest",
		TaskID:  "task_dispatch",
		Source:  SourceLocalAPI,
		Detail:  Detail{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})

	for _, plugin := range []*chanPlugin{first, second} {
		record := receiveRecord(t, plugin.got)
		if record.TaskID != "task_dispatch" || record.Detail.TotalTokens != 15 {
			t.Fatalf("unexpected record: %+v", record)
		}
	}
}

type blockingPlugin struct {
	started chan struct{}
	gate    chan struct{}
	got     chan Record
}

func (p *blockingPlugin) HandleUsage(_ context.Context, record Record) {
	p.got <- record
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-p.gate
}

func TestManager_DropsWhenQueueFull(t *testing.T) {
	manager := NewManager(1)
	defer manager.Stop()

	plugin := &blockingPlugin{
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
		got:     make(chan Record, 8),
	}
	manager.Register(plugin)

	// The first record occupies the dispatcher, the second fills the queue,
	// the third has nowhere to go.
	manager.Publish(context.Background(), Record{TaskID: "r1"})
	select {
	case <-plugin.started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never picked up the first record")
	}
	manager.Publish(context.Background(), Record{TaskID: "r2"})
	manager.Publish(context.Background(), Record{TaskID: "r3"})
	close(plugin.gate)

	if got := receiveRecord(t, plugin.got); got.TaskID != "r1" {
		t.Fatalf("expected r1 first, got %q", got.TaskID)
	}
	if got := receiveRecord(t, plugin.got); got.TaskID != "r2" {
		t.Fatalf("expected r2 second, got %q", got.TaskID)
	}
	select {
	case got := <-plugin.got:
		t.Fatalf("expected r3 dropped, got %q", got.TaskID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_StopDeliversQueuedRecords(t *testing.T) {
	manager := NewManager(8)
	plugin := &chanPlugin{got: make(chan Record, 8)}
	manager.Register(plugin)

	manager.Publish(context.Background(), Record{TaskID: "a"})
	manager.Publish(context.Background(), Record{TaskID: "b"})
	manager.Publish(context.Background(), Record{TaskID: "c"})
	manager.Stop()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[receiveRecord(t, plugin.got).TaskID] = true
	}
	if !seen["a"] || !seen["b"] || !seen["c"] {
		t.Fatalf("expected all queued records delivered, got %v", seen)
	}
}

type panickyPlugin struct{}

func (panickyPlugin) HandleUsage(context.Context, Record) { panic("bad plugin") }

func TestManager_SurvivesPluginPanic(t *testing.T) {
	manager := NewManager(8)
	defer manager.Stop()

	plugin := &chanPlugin{got: make(chan Record, 1)}
	manager.Register(panickyPlugin{})
	manager.Register(plugin)

	manager.Publish(context.Background(), Record{TaskID: "after-panic"})

	if got := receiveRecord(t, plugin.got); got.TaskID != "after-panic" {
		t.Fatalf("expected delivery past the panicking plugin, got %q", got.TaskID)
	}
}

func TestManager_NilReceiverIsInert(t *testing.T) {
	var manager *Manager
	manager.Start(context.Background())
	manager.Register(&chanPlugin{got: make(chan Record, 1)})
	manager.Publish(context.Background(), Record{TaskID: "ignored"})
	manager.Stop()
}
