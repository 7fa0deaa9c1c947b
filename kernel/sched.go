package kernel

import "sort"

// scheduler is the active scheduling policy.
type scheduler interface {
	kind() Policy
	newReady() readyQueue
}

type fcfs struct{}

type fixedPriority struct{}

// rateMonotonic and deadlineMonotonic dispatch like fixedPriority but keep
// the unrolled feasibility figures of every real-time task created so far.
type rateMonotonic struct {
	unrolled
}

type deadlineMonotonic struct {
	unrolled
}

func (fcfs) kind() Policy               { return PolicyFCFS }
func (fixedPriority) kind() Policy      { return PolicyPriority }
func (*rateMonotonic) kind() Policy     { return PolicyRM }
func (*deadlineMonotonic) kind() Policy { return PolicyDM }

func (fcfs) newReady() readyQueue               { return newFIFOQueue() }
func (fixedPriority) newReady() readyQueue      { return newPriorityQueue() }
func (*rateMonotonic) newReady() readyQueue     { return newPriorityQueue() }
func (*deadlineMonotonic) newReady() readyQueue { return newPriorityQueue() }

func newScheduler(p Policy) scheduler {
	switch p {
	case PolicyFCFS:
		return fcfs{}
	case PolicyRM:
		return &rateMonotonic{}
	case PolicyDM:
		return &deadlineMonotonic{}
	default:
		return fixedPriority{}
	}
}

// unrolled is the hyperperiod of every registered real-time task and the
// execution time all their releases need within it.
type unrolled struct {
	lcm  int64
	exec int64
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// add folds one task of the given period (or deadline) and budget in.
func (u *unrolled) add(length, exec int) {
	l, e := int64(length), int64(exec)
	if l <= 0 {
		return
	}
	if u.lcm == 0 {
		u.lcm = l
		u.exec = e
		return
	}
	next := u.lcm / gcd(u.lcm, l) * l
	u.exec = u.exec*(next/u.lcm) + e*(next/l)
	u.lcm = next
}

func (u *unrolled) infeasible() bool { return u.lcm < u.exec }

// Unrolled reports the real-time hyperperiod and the execution budget
// needed within it. Both are zero for non real-time policies.
func (k *Kernel) Unrolled() (lcm, exec int64) {
	defer k.mask()()
	switch s := k.policy.(type) {
	case *rateMonotonic:
		return s.lcm, s.exec
	case *deadlineMonotonic:
		return s.lcm, s.exec
	}
	return 0, 0
}

// Policy reports the active scheduling policy.
func (k *Kernel) Policy() Policy {
	defer k.mask()()
	return k.policy.kind()
}

// schedule picks the next task to run into k.current.
func (k *Kernel) schedule() {
	switch s := k.policy.(type) {
	case *rateMonotonic:
		if s.infeasible() {
			k.deadlineMiss(s.lcm, s.exec)
			return
		}
	case *deadlineMonotonic:
		if s.infeasible() {
			k.deadlineMiss(s.lcm, s.exec)
			return
		}
	}

	next := k.ready.first(k)
	if next == nilSlot {
		next = k.initSlot
	}
	if next == nilSlot {
		k.fatalf("scheduler", "no runnable task")
		return
	}
	k.current = next
}

func (k *Kernel) deadlineMiss(lcm, exec int64) {
	k.fatalf("scheduler", "deadline miss: %d ticks of work in a %d tick hyperperiod", exec, lcm)
}

// admitRealtime records a new real-time task in the feasibility figures and
// re-ranks every real-time task: the shorter the period (RM) or deadline
// (DM), the higher the priority. Level 0 stays with the init task. Only the
// new task's creation priority is set; older tasks keep theirs.
func (k *Kernel) admitRealtime(i int32) {
	t := &k.tasks.slots[i]
	pt, ok := t.timing.(Periodic)
	if !ok {
		return
	}

	var key func(Periodic) int
	switch s := k.policy.(type) {
	case *rateMonotonic:
		s.add(pt.Period, pt.Exec)
		key = func(p Periodic) int { return p.Period }
	case *deadlineMonotonic:
		s.add(pt.Deadline, pt.Exec)
		key = func(p Periodic) int { return p.Deadline }
	default:
		return
	}

	var rt []int32
	for j := k.tasks.allocHead; j != nilSlot; j = k.tasks.slots[j].chain.next {
		u := &k.tasks.slots[j]
		if u.id == InitTaskID {
			continue
		}
		if _, ok := u.timing.(Periodic); ok {
			rt = append(rt, j)
		}
	}
	sort.SliceStable(rt, func(a, b int) bool {
		ta, tb := &k.tasks.slots[rt[a]], &k.tasks.slots[rt[b]]
		ka, kb := key(ta.timing.(Periodic)), key(tb.timing.(Periodic))
		if ka != kb {
			return ka < kb
		}
		return ta.seq < tb.seq
	})

	for rank, j := range rt {
		pri := rank + 1
		if pri >= PriorityLevels {
			pri = PriorityLevels - 1
		}
		k.setPriority(j, pri)
		if j == i {
			k.tasks.slots[j].initPriority = pri
		}
	}
}

// ranked reports whether t's priority is its real-time rank, which outlives
// a restart.
func (k *Kernel) ranked(t *tcb) bool {
	if _, ok := t.timing.(Periodic); !ok {
		return false
	}
	switch k.policy.(type) {
	case *rateMonotonic, *deadlineMonotonic:
		return true
	}
	return false
}

// setPriority changes slot i's priority, moving it to the tail of its new
// level if it is READY.
func (k *Kernel) setPriority(i int32, pri int) {
	t := &k.tasks.slots[i]
	if t.priority == pri {
		return
	}
	if t.state&StateReady != 0 && t.id != InitTaskID {
		k.ready.unlink(k, i)
		t.priority = pri
		k.ready.link(k, i)
		return
	}
	t.priority = pri
}

// selectPolicy swaps the scheduling policy. Only legal before any task
// other than init exists, and only once.
func (k *Kernel) selectPolicy(p Policy) Code {
	if p < PolicyFCFS || p > PolicyDM {
		return ErrPar
	}
	if k.policySelected || k.liveTasks() > 0 {
		return ErrNoSpt
	}
	k.policy = newScheduler(p)
	k.ready = k.policy.newReady()
	k.policySelected = true

	if i := k.tasks.ids[InitTaskID]; i != nilSlot {
		t := &k.tasks.slots[i]
		if p == PolicyFCFS {
			t.priority, t.initPriority = NoPriority, NoPriority
		} else if t.priority < 0 {
			t.priority, t.initPriority = 0, 0
		}
	}
	k.logf("scheduler set to %s", p)
	return OK
}
