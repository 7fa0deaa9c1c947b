package timerq

import (
	"errors"
	"reflect"
	"testing"

	"ember/kernel/mempool"
)

type fakeDevice struct {
	armed   bool
	period  uint32
	elapsed uint32
	starts  []uint32
}

func (d *fakeDevice) Start(ticks uint32) {
	d.armed = true
	d.period = ticks
	d.elapsed = 0
	d.starts = append(d.starts, ticks)
}

func (d *fakeDevice) Cancel()          { d.armed = false }
func (d *fakeDevice) Elapsed() uint32  { return d.elapsed }
func (d *fakeDevice) advance(n uint32) { d.elapsed += n }

func noop(any) {}

func absolute(q *Queue) []uint32 {
	var sum uint32
	var out []uint32
	for _, d := range q.Deltas() {
		sum += d
		out = append(out, sum)
	}
	return out
}

func TestScheduleBuildsDeltaList(t *testing.T) {
	dev := &fakeDevice{}
	q := New(dev, nil)

	for _, d := range []uint32{1, 1, 3, 4, 4, 9} {
		if _, err := q.Schedule(d, OwnerGeneral, noop, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := q.Deltas(), []uint32{1, 0, 2, 1, 0, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Deltas() = %v, want %v", got, want)
	}
	if !dev.armed || dev.period != 1 {
		t.Fatalf("device armed=%v period=%d, want armed for 1", dev.armed, dev.period)
	}
}

func TestInsertionCasesPreserveAbsoluteTimes(t *testing.T) {
	dev := &fakeDevice{}
	q := New(dev, nil)

	if _, err := q.Schedule(10, OwnerGeneral, noop, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Schedule(30, OwnerGeneral, noop, nil); err != nil { // tail
		t.Fatal(err)
	}
	if _, err := q.Schedule(5, OwnerGeneral, noop, nil); err != nil { // head
		t.Fatal(err)
	}
	if _, err := q.Schedule(20, OwnerScheduler, noop, nil); err != nil { // middle
		t.Fatal(err)
	}
	if got, want := absolute(q), []uint32{5, 10, 20, 30}; !reflect.DeepEqual(got, want) {
		t.Fatalf("absolute times = %v, want %v", got, want)
	}
	if dev.period != 5 {
		t.Fatalf("device period = %d, want 5", dev.period)
	}
}

func TestScheduleAccountsForElapsedTime(t *testing.T) {
	dev := &fakeDevice{}
	q := New(dev, nil)

	first, _ := q.Schedule(10, OwnerGeneral, noop, nil)
	dev.advance(4)
	second, _ := q.Schedule(10, OwnerGeneral, noop, nil)

	if r, _ := q.Remaining(first); r != 6 {
		t.Fatalf("Remaining(first) = %d, want 6", r)
	}
	if r, _ := q.Remaining(second); r != 10 {
		t.Fatalf("Remaining(second) = %d, want 10", r)
	}
	if got, want := q.Deltas(), []uint32{6, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Deltas() = %v, want %v", got, want)
	}
	if dev.period != 6 || dev.elapsed != 0 {
		t.Fatalf("device period=%d elapsed=%d, want 6/0", dev.period, dev.elapsed)
	}
}

func TestCancelFoldsDeltaIntoSuccessor(t *testing.T) {
	dev := &fakeDevice{}
	q := New(dev, nil)

	a, _ := q.Schedule(5, OwnerGeneral, noop, nil)
	b, _ := q.Schedule(12, OwnerGeneral, noop, nil)
	c, _ := q.Schedule(20, OwnerGeneral, noop, nil)

	if err := q.Cancel(b); err != nil {
		t.Fatal(err)
	}
	if got, want := absolute(q), []uint32{5, 20}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after middle cancel absolute = %v, want %v", got, want)
	}

	dev.advance(2)
	if err := q.Cancel(a); err != nil {
		t.Fatal(err)
	}
	if got, want := q.Deltas(), []uint32{18}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after head cancel Deltas() = %v, want %v", got, want)
	}
	if dev.period != 18 {
		t.Fatalf("device period = %d, want 18", dev.period)
	}

	if err := q.Cancel(c); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 || dev.armed {
		t.Fatalf("Len()=%d armed=%v after cancelling everything", q.Len(), dev.armed)
	}
	if err := q.Cancel(c); !errors.Is(err, ErrStale) {
		t.Fatalf("Cancel(stale) = %v, want %v", err, ErrStale)
	}
}

func TestExpireRunsCallbacksInOrder(t *testing.T) {
	dev := &fakeDevice{}
	alloc := mempool.New(mempool.DefaultClasses, nil)
	q := New(dev, alloc)

	var got []int
	rec := func(arg any) { got = append(got, arg.(int)) }

	h1, _ := q.Schedule(3, OwnerGeneral, rec, 1)
	_, _ = q.Schedule(3, OwnerGeneral, rec, 2)
	_, _ = q.Schedule(7, OwnerGeneral, rec, 3)

	q.Expire()
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("fired = %v, want [1 2]", got)
	}
	if q.Pending(h1) {
		t.Fatal("expired handle still pending")
	}
	if dev.period != 4 {
		t.Fatalf("rearmed for %d, want 4", dev.period)
	}

	q.Expire()
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("fired = %v, want [1 2 3]", got)
	}
	for _, s := range alloc.Stats() {
		if s.Free != s.Count {
			t.Fatalf("timer nodes leaked in pool %+v", s)
		}
	}
}

func TestCallbackMayReschedule(t *testing.T) {
	dev := &fakeDevice{}
	q := New(dev, nil)

	count := 0
	var tick Callback
	tick = func(any) {
		count++
		if count < 3 {
			if _, err := q.Schedule(2, OwnerScheduler, tick, nil); err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := q.Schedule(2, OwnerScheduler, tick, nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		q.Expire()
	}
	if count != 3 {
		t.Fatalf("callback ran %d times, want 3", count)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestScheduleRejectsNilCallback(t *testing.T) {
	q := New(&fakeDevice{}, nil)
	if _, err := q.Schedule(1, OwnerGeneral, nil, nil); !errors.Is(err, ErrNoCallback) {
		t.Fatalf("Schedule(nil cb) = %v, want %v", err, ErrNoCallback)
	}
}
