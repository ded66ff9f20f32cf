package statectl

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

type transition struct {
	Prev, Next Situation
}

type recorder struct {
	mu  sync.Mutex
	log []transition
}

func (r *recorder) StateChanged(prev, next Situation) {
	r.mu.Lock()
	r.log = append(r.log, transition{prev, next})
	r.mu.Unlock()
}

func TestCurrentIsHighestContext(t *testing.T) {
	assert := assert.New(t)
	c := New()
	assert.Equal(NoRequest, c.Current())

	req := Context{Owner: "journal", Situation: RecoveryRequested}
	prog := Context{Owner: "replay", Situation: RecoveryInProgress}
	c.Invoke(req)
	assert.Equal(RecoveryRequested, c.Current())
	c.Invoke(prog)
	assert.Equal(RecoveryInProgress, c.Current())
	assert.True(c.Exists(RecoveryRequested))
	assert.False(c.Exists(RecoveryDone))

	assert.True(c.Remove(prog))
	assert.Equal(RecoveryRequested, c.Current())
	assert.False(c.Remove(prog))
	assert.True(c.Remove(req))
	assert.Equal(NoRequest, c.Current())
}

func TestDispatch(t *testing.T) {
	c := New()
	r := &recorder{}
	id := c.Subscribe(r)
	ctx := Context{Owner: "replay", Situation: RecoveryInProgress}
	c.Invoke(ctx)
	c.Invoke(ctx) // no change
	c.Invoke(Context{Owner: "replay", Situation: RecoveryDone})
	assert.True(t, c.Unsubscribe(id))
	assert.False(t, c.Unsubscribe(id))
	c.Remove(ctx)

	want := []transition{
		{NoRequest, NoRequest},
		{NoRequest, RecoveryInProgress},
		{RecoveryInProgress, RecoveryDone},
	}
	if diff := cmp.Diff(want, r.log); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}

func TestWaiter(t *testing.T) {
	c := New()
	w := NewWaiter()
	c.Subscribe(w)
	done := make(chan struct{})
	go func() {
		w.WaitFor(RecoveryDone)
		close(done)
	}()
	c.Invoke(Context{Owner: "replay", Situation: RecoveryInProgress})
	select {
	case <-done:
		t.Fatal("waiter returned before recovery was done")
	case <-time.After(20 * time.Millisecond):
	}
	c.Invoke(Context{Owner: "replay", Situation: RecoveryDone})
	<-done
	assert.Equal(t, RecoveryDone, w.Current())
}

func TestLateSubscriberSeesCurrent(t *testing.T) {
	c := New()
	c.Invoke(Context{Owner: "replay", Situation: RecoveryDone})
	w := NewWaiter()
	c.Subscribe(w)
	w.WaitFor(RecoveryDone)
	assert.Equal(t, RecoveryDone, w.Current())
}

func TestRemoveAllPublishesOnce(t *testing.T) {
	c := New()
	req := Context{Owner: "journal", Situation: RecoveryRequested}
	prog := Context{Owner: "replay", Situation: RecoveryInProgress}
	done := Context{Owner: "replay", Situation: RecoveryDone}
	c.Invoke(req)
	c.Invoke(prog)
	c.Invoke(done)
	r := &recorder{}
	c.Subscribe(r)

	assert.Equal(t, 3, c.RemoveAll(req, prog, done, done))
	assert.Equal(t, NoRequest, c.Current())
	assert.False(t, c.Exists(RecoveryDone))
	want := []transition{
		{RecoveryDone, RecoveryDone},
		{RecoveryDone, NoRequest},
	}
	if diff := cmp.Diff(want, r.log); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, c.RemoveAll(req))
}
