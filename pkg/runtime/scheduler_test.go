package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	o := DefaultOptions()
	o.MaxSteps = 2000
	o.StallTimeout = time.Second
	o.LeakTimeout = time.Second
	return o
}

func runOnce(st Strategy, fn TestFunc) Result {
	return NewScheduler(st, testOptions()).Run(context.Background(), fn)
}

// explore runs up to n iterations of fn, stopping at the first bug or when
// st is done.
func explore(st Strategy, n int, fn TestFunc) []Result {
	var out []Result
	for i := 0; i < n; i++ {
		r := runOnce(st, fn)
		out = append(out, r)
		if r.Verdict.IsBug() || r.Verdict.IsFatal() {
			break
		}
		if !st.PrepareNextIteration(r.Trace, r.Verdict) {
			break
		}
	}
	return out
}

// racyWrite returns a program in which two operations write the same
// variable; final reports the value left behind.
func racyWrite(final func(int)) TestFunc {
	return func(ctx context.Context) error {
		x := 0
		a := Go(ctx, func(ctx context.Context) error {
			Yield(ctx)
			x = 3
			return nil
		})
		b := Go(ctx, func(ctx context.Context) error {
			Yield(ctx)
			x = 5
			return nil
		})
		if err := WaitAll(ctx, a, b); err != nil {
			return err
		}
		final(x)
		return nil
	}
}

func TestSequentialProgramPasses(t *testing.T) {
	r := runOnce(NewRandom(1), func(ctx context.Context) error {
		Yield(ctx)
		return nil
	})
	require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
	assert.Equal(t, 1, r.Operations)
	assert.Equal(t, r.Steps, r.Trace.Len())
	assert.NoError(t, r.Trace.Validate())
}

func TestSchedulerCannotBeReused(t *testing.T) {
	s := NewScheduler(NewRandom(1), testOptions())
	first := s.Run(context.Background(), func(context.Context) error { return nil })
	require.Equal(t, VerdictPass, first.Verdict)

	second := s.Run(context.Background(), func(context.Context) error { return nil })
	assert.Equal(t, VerdictInternal, second.Verdict)
	assert.True(t, errors.Is(second.Err, ErrInternal))
}

func TestRacyWriteObservesBothOrders(t *testing.T) {
	for _, st := range []Strategy{NewDFS(), NewRandom(7), NewPCT(7, 2)} {
		t.Run(st.Kind().String(), func(t *testing.T) {
			seen := map[int]bool{}
			results := explore(st, 200, racyWrite(func(x int) { seen[x] = true }))
			for _, r := range results {
				require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
			}
			assert.True(t, seen[3], "never observed 3 as the final value")
			assert.True(t, seen[5], "never observed 5 as the final value")
		})
	}
}

func TestDFSExploresBothOrdersOfTwoOperations(t *testing.T) {
	dfs := NewDFS()
	var orders [][2]OperationID
	runs := 0
	for runs < 1000 {
		var order []OperationID
		r := runOnce(dfs, func(ctx context.Context) error {
			for i := 0; i < 2; i++ {
				Go(ctx, func(ctx context.Context) error {
					op, _ := OperationFrom(ctx)
					order = append(order, op.ID())
					return nil
				})
			}
			return nil
		})
		runs++
		require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
		require.Len(t, order, 2)
		orders = append(orders, [2]OperationID{order[0], order[1]})
		if !dfs.PrepareNextIteration(r.Trace, r.Verdict) {
			break
		}
	}
	// spawning is not a choice, so the only varied decision is which
	// child runs first
	assert.LessOrEqual(t, runs, 2)
	assert.ElementsMatch(t, [][2]OperationID{{1, 2}, {2, 1}}, orders)
}

func TestSpawningDoesNotRunTheChild(t *testing.T) {
	for seed := uint64(0); seed < 20; seed++ {
		ran := false
		r := runOnce(NewRandom(seed), func(ctx context.Context) error {
			task := Go(ctx, func(ctx context.Context) error {
				ran = true
				return nil
			})
			Assert(ctx, !ran, "child ran before Go returned")
			return task.Wait(ctx)
		})
		require.Equal(t, VerdictPass, r.Verdict, "seed %d: %+v", seed, r.Err)
		assert.True(t, ran)
	}
}

func TestRawGoroutineWithOperationContextIsUncontrolled(t *testing.T) {
	r := runOnce(NewRandom(1), func(ctx context.Context) error {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			Yield(ctx)
		}()
		wg.Wait()
		return nil
	})
	require.Equal(t, VerdictUncontrolledConcurrency, r.Verdict, "%+v", r.Err)
	assert.True(t, errors.Is(r.Err, ErrUncontrolled))
	assert.Contains(t, errors.FlattenHints(r.Err), "Go")
}

func TestRawGoroutineBesideControlledOperationIsUncontrolled(t *testing.T) {
	for seed := uint64(0); seed < 10; seed++ {
		r := runOnce(NewRandom(seed), func(ctx context.Context) error {
			task := Go(ctx, func(ctx context.Context) error {
				Yield(ctx)
				return nil
			})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				Yield(ctx)
			}()
			wg.Wait()
			return task.Wait(ctx)
		})
		require.Equal(t, VerdictUncontrolledConcurrency, r.Verdict, "seed %d: %+v", seed, r.Err)
		assert.True(t, errors.Is(r.Err, ErrUncontrolled))
	}
}

func TestMailboxReceiversWaitingOnEachOtherDeadlock(t *testing.T) {
	fn := func(ctx context.Context) error {
		a, b := NewMailbox[int](), NewMailbox[int]()
		t1 := Go(ctx, func(ctx context.Context) error {
			a.Receive(ctx, nil)
			b.Send(ctx, 1)
			return nil
		}, WithName("first"))
		t2 := Go(ctx, func(ctx context.Context) error {
			b.Receive(ctx, nil)
			a.Send(ctx, 1)
			return nil
		}, WithName("second"))
		return WaitAll(ctx, t1, t2)
	}

	for _, st := range []Strategy{NewDFS(), NewRandom(3), NewFairPCT(3, 3)} {
		r := runOnce(st, fn)
		require.Equal(t, VerdictDeadlock, r.Verdict, "%s: %+v", st.Kind(), r.Err)
		assert.True(t, errors.Is(r.Err, ErrDeadlock))
		assert.Len(t, r.Blocked, 3)
		assert.Len(t, errors.GetAllDetails(r.Err), 3)
	}
}

func TestMailboxDeliversMatchingMessage(t *testing.T) {
	var got []int
	r := runOnce(NewRandom(11), func(ctx context.Context) error {
		box := NewMailbox[int]()
		recv := Go(ctx, func(ctx context.Context) error {
			got = append(got, box.Receive(ctx, func(v int) bool { return v%2 == 0 }))
			got = append(got, box.Receive(ctx, nil))
			return nil
		})
		box.Send(ctx, 1)
		box.Send(ctx, 2)
		if err := recv.Wait(ctx); err != nil {
			return err
		}
		Assert(ctx, box.Len() == 0, "mailbox still holds %d messages", box.Len())
		return nil
	})
	require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
	assert.Equal(t, []int{2, 1}, got)
}

func TestLockInversionIsFound(t *testing.T) {
	fn := func(ctx context.Context) error {
		a, b := NewMutex(), NewMutex()
		t1 := Go(ctx, func(ctx context.Context) error {
			a.Lock(ctx)
			b.Lock(ctx)
			b.Unlock(ctx)
			a.Unlock(ctx)
			return nil
		})
		t2 := Go(ctx, func(ctx context.Context) error {
			b.Lock(ctx)
			a.Lock(ctx)
			a.Unlock(ctx)
			b.Unlock(ctx)
			return nil
		})
		return WaitAll(ctx, t1, t2)
	}

	results := explore(NewDFS(), 20000, fn)
	last := results[len(results)-1]
	assert.Equal(t, VerdictDeadlock, last.Verdict)
	for _, r := range results[:len(results)-1] {
		assert.Equal(t, VerdictPass, r.Verdict)
	}
}

func TestMutexIsReentrant(t *testing.T) {
	r := runOnce(NewRandom(2), func(ctx context.Context) error {
		m := NewMutex()
		m.Lock(ctx)
		m.Lock(ctx)
		m.Unlock(ctx)
		Assert(ctx, m.Locked(), "released after one of two unlocks")
		m.Unlock(ctx)
		Assert(ctx, !m.Locked(), "still held after matching unlocks")
		return nil
	})
	require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
}

func TestMutexUnlockByNonOwnerFails(t *testing.T) {
	r := runOnce(NewRandom(2), func(ctx context.Context) error {
		m := NewMutex()
		m.Lock(ctx)
		other := Go(ctx, func(ctx context.Context) error {
			m.Unlock(ctx)
			return nil
		})
		return other.Wait(ctx)
	})
	assert.Equal(t, VerdictAssertionFailure, r.Verdict)
}

func waiterIDs(s *Scheduler, m *Mutex) []OperationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]OperationID, 0, len(m.waiters))
	for _, w := range m.waiters {
		ids = append(ids, w.id)
	}
	return ids
}

func TestMutexHandsOverInFIFOOrder(t *testing.T) {
	for seed := uint64(0); seed < 10; seed++ {
		var queued, acquired []OperationID
		r := runOnce(NewRandom(seed), func(ctx context.Context) error {
			op, _ := OperationFrom(ctx)
			m := NewMutex()
			m.Lock(ctx)
			var tasks []*Task
			for i := 0; i < 3; i++ {
				tasks = append(tasks, Go(ctx, func(ctx context.Context) error {
					m.Lock(ctx)
					me, _ := OperationFrom(ctx)
					acquired = append(acquired, me.ID())
					m.Unlock(ctx)
					return nil
				}))
			}
			for len(waiterIDs(op.sched, m)) < 3 {
				Yield(ctx)
			}
			queued = waiterIDs(op.sched, m)
			m.Unlock(ctx)
			return WaitAll(ctx, tasks...)
		})
		require.Equal(t, VerdictPass, r.Verdict, "seed %d: %+v", seed, r.Err)
		assert.Equal(t, queued, acquired, "seed %d", seed)
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	fn := func(ctx context.Context) error {
		sem := NewSemaphore(2, 2)
		active := 0
		var tasks []*Task
		for i := 0; i < 4; i++ {
			tasks = append(tasks, Go(ctx, func(ctx context.Context) error {
				sem.Acquire(ctx)
				active++
				Assert(ctx, active <= 2, "%d workers inside a pool of 2", active)
				Yield(ctx)
				active--
				sem.Release(ctx)
				return nil
			}))
		}
		if err := WaitAll(ctx, tasks...); err != nil {
			return err
		}
		Assert(ctx, sem.Count() == 2, "pool ended with %d permits", sem.Count())
		return nil
	}
	for _, r := range explore(NewRandom(5), 50, fn) {
		require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
	}
}

func TestSemaphoreReleaseBeyondMaxFails(t *testing.T) {
	r := runOnce(NewRandom(1), func(ctx context.Context) error {
		sem := NewSemaphore(1, 1)
		sem.Release(ctx)
		return nil
	})
	assert.Equal(t, VerdictAssertionFailure, r.Verdict)
}

func TestSemaphoreTryAcquire(t *testing.T) {
	r := runOnce(NewRandom(1), func(ctx context.Context) error {
		sem := NewSemaphore(1, 0)
		Assert(ctx, sem.TryAcquire(ctx), "first try failed")
		Assert(ctx, !sem.TryAcquire(ctx), "second try succeeded")
		sem.Release(ctx)
		return nil
	})
	require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
}

func spin(ctx context.Context) error {
	for {
		Yield(ctx)
	}
}

func spinHot(ctx context.Context) error {
	m := NewMonitor(ctx, "progress")
	m.Hot()
	for {
		Yield(ctx)
	}
}

func TestLivenessThresholdExceeded(t *testing.T) {
	opts := testOptions()
	opts.LivenessThreshold = 50
	r := NewScheduler(NewRandom(1), opts).Run(context.Background(), spinHot)
	require.Equal(t, VerdictLivenessViolation, r.Verdict, "%+v", r.Err)
	assert.Equal(t, 51, r.Steps)
}

func TestHotMonitorAtStepBoundIsLivenessViolation(t *testing.T) {
	opts := testOptions()
	opts.MaxSteps = 100
	r := NewScheduler(NewRandom(1), opts).Run(context.Background(), spinHot)
	assert.Equal(t, VerdictLivenessViolation, r.Verdict)
}

func TestStepBoundReached(t *testing.T) {
	opts := testOptions()
	opts.MaxSteps = 20
	r := NewScheduler(NewRandom(1), opts).Run(context.Background(), func(ctx context.Context) error {
		m := NewMonitor(ctx, "cooling")
		for {
			m.Hot()
			m.Cold()
			Yield(ctx)
		}
	})
	require.Equal(t, VerdictStepBoundReached, r.Verdict, "%+v", r.Err)
	assert.NoError(t, r.Err)
	assert.Equal(t, 20, r.Steps)
	assert.Equal(t, 20, r.Trace.Len())
}

func TestPanicIsAssertionFailure(t *testing.T) {
	r := runOnce(NewRandom(1), func(ctx context.Context) error {
		task := Go(ctx, func(ctx context.Context) error {
			panic("boom")
		})
		return task.Wait(ctx)
	})
	require.Equal(t, VerdictAssertionFailure, r.Verdict)
	assert.Contains(t, r.Err.Error(), "boom")
}

func TestRootErrorIsAssertionFailure(t *testing.T) {
	r := runOnce(NewRandom(1), func(ctx context.Context) error {
		return errors.New("invariant broken")
	})
	require.Equal(t, VerdictAssertionFailure, r.Verdict)
	assert.Contains(t, r.Err.Error(), "invariant broken")
}

func TestPrimitiveWithoutOperationIsUncontrolled(t *testing.T) {
	r := runOnce(NewRandom(1), func(ctx context.Context) error {
		Yield(context.Background())
		return nil
	})
	require.Equal(t, VerdictUncontrolledConcurrency, r.Verdict)
	assert.True(t, errors.Is(r.Err, ErrUncontrolled))
}

func TestBlockingOutsideControlIsUncontrolled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	opts := testOptions()
	opts.StallTimeout = 50 * time.Millisecond
	opts.LeakTimeout = 50 * time.Millisecond
	r := NewScheduler(NewRandom(1), opts).Run(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})
	require.Equal(t, VerdictUncontrolledConcurrency, r.Verdict)
	assert.True(t, errors.Is(r.Err, ErrUncontrolled))
}

func TestCancelledContextAbandonsIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := testOptions()
	opts.MaxSteps = 0
	r := NewScheduler(NewRandom(1), opts).Run(ctx, spin)
	assert.Equal(t, VerdictCanceled, r.Verdict)
}

func TestRandomValuesAreRecorded(t *testing.T) {
	var b bool
	var n int
	r := runOnce(NewRandom(9), func(ctx context.Context) error {
		b = RandomBool(ctx)
		n = RandomInt(ctx, 10)
		return nil
	})
	require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
	require.GreaterOrEqual(t, r.Trace.Len(), 2)
	assert.Equal(t, b, r.Trace.At(0).Bool())
	assert.Equal(t, n, r.Trace.At(1).Int())
	assert.Less(t, n, 10)
}

func TestRandomIntRejectsEmptyRange(t *testing.T) {
	r := runOnce(NewRandom(9), func(ctx context.Context) error {
		RandomInt(ctx, 0)
		return nil
	})
	assert.Equal(t, VerdictAssertionFailure, r.Verdict)
}

func TestOperationGroups(t *testing.T) {
	r := runOnce(NewRandom(4), func(ctx context.Context) error {
		inherit := Go(ctx, func(ctx context.Context) error {
			op, _ := OperationFrom(ctx)
			Assert(ctx, op.Group() == 0, "inherited group %d", op.Group())
			return nil
		})
		root := Go(ctx, func(ctx context.Context) error {
			op, _ := OperationFrom(ctx)
			Assert(ctx, op.Group() == op.ID(), "new group %d for operation %d", op.Group(), op.ID())
			Assert(ctx, op.Name() == "worker", "name %q", op.Name())
			return nil
		}, WithNewGroup(), WithName("worker"))
		return WaitAll(ctx, inherit, root)
	})
	require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
}
