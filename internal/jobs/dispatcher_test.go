package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/schaermu/sitesyncd/internal/testutil"
)

type recordingRunner struct {
	mu      sync.Mutex
	runs    []Message
	active  map[string]int
	overlap bool
	block   chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{active: make(map[string]int)}
}

func (r *recordingRunner) Run(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.runs = append(r.runs, msg)
	r.active[msg.SiteID]++
	if r.active[msg.SiteID] > 1 {
		r.overlap = true
	}
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}

	r.mu.Lock()
	r.active[msg.SiteID]--
	r.mu.Unlock()
	return nil
}

func (r *recordingRunner) Runs() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.runs...)
}

func TestDispatcherDebounces(t *testing.T) {
	runner := newRecordingRunner()
	d := NewDispatcher(context.Background(), runner, 30*time.Millisecond, testutil.Logger())

	for _, branch := range []string{"a", "b", "c"} {
		d.Enqueue(Message{SiteID: "site-1", Branch: branch})
	}
	d.Enqueue(Message{SiteID: "site-2", Branch: "main"})
	d.Wait()

	runs := runner.Runs()
	assert.Len(t, runs, 2)
	for _, m := range runs {
		if m.SiteID == "site-1" {
			assert.Equal(t, "c", m.Branch, "last message wins")
		}
	}
}

func TestDispatcherSingleFlightCoalesces(t *testing.T) {
	runner := newRecordingRunner()
	runner.block = make(chan struct{})
	d := NewDispatcher(context.Background(), runner, time.Millisecond, testutil.Logger())

	d.Enqueue(Message{SiteID: "site-1", Branch: "first"})
	assert.Eventually(t, func() bool { return len(runner.Runs()) == 1 }, time.Second, time.Millisecond)

	// Three more messages while the first job runs; each fires on its own
	// after the debounce delay and finds the job busy.
	for _, branch := range []string{"second", "third", "fourth"} {
		d.Enqueue(Message{SiteID: "site-1", Branch: branch})
		time.Sleep(10 * time.Millisecond)
	}

	close(runner.block)
	d.Wait()

	runs := runner.Runs()
	assert.Len(t, runs, 2, "pending re-runs collapse into one")
	assert.Equal(t, "fourth", runs[1].Branch)
	assert.False(t, runner.overlap)
}

func TestDispatcherStop(t *testing.T) {
	runner := newRecordingRunner()
	d := NewDispatcher(context.Background(), runner, time.Hour, testutil.Logger())

	d.Enqueue(Message{SiteID: "site-1"})
	d.Stop()
	d.Wait()

	assert.Empty(t, runner.Runs())
}
