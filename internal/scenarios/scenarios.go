// Package scenarios bundles small concurrent programs, some with known
// bugs, that the command line can search without any user code.
package scenarios

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/amirkhaki/interleave/pkg/runtime"
)

// Scenario is a named program under test.
type Scenario struct {
	Name        string
	Description string
	// Expect is the verdict a thorough search ends with.
	Expect runtime.Verdict
	Test   runtime.TestFunc
}

var registry = map[string]Scenario{}

func register(s Scenario) {
	if _, dup := registry[s.Name]; dup {
		panic("scenario registered twice: " + s.Name)
	}
	registry[s.Name] = s
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, error) {
	s, ok := registry[name]
	if !ok {
		return Scenario{}, errors.WithHintf(errors.Newf("unknown scenario %q", name),
			"available scenarios: %s", strings.Join(Names(), ", "))
	}
	return s, nil
}

// All returns every scenario sorted by name.
func All() []Scenario {
	out := make([]Scenario, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted scenario names.
func Names() []string {
	all := All()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.Name
	}
	return names
}

func init() {
	register(Scenario{
		Name:        "racy-write",
		Description: "two unsynchronized writers store 3 and 5; asserts the last write is 5",
		Expect:      runtime.VerdictAssertionFailure,
		Test:        RacyWrite,
	})
	register(Scenario{
		Name:        "lock-inversion",
		Description: "two operations take two mutexes in opposite order",
		Expect:      runtime.VerdictDeadlock,
		Test:        LockInversion,
	})
	register(Scenario{
		Name:        "mailbox-deadlock",
		Description: "two actors each wait for the other's message before sending",
		Expect:      runtime.VerdictDeadlock,
		Test:        MailboxDeadlock,
	})
	register(Scenario{
		Name:        "ping-pong",
		Description: "two actors exchange a bounded number of messages",
		Expect:      runtime.VerdictPass,
		Test:        PingPong,
	})
	register(Scenario{
		Name:        "bounded-pool",
		Description: "workers share a semaphore-bounded pool and check its capacity",
		Expect:      runtime.VerdictPass,
		Test:        BoundedPool,
	})
	register(Scenario{
		Name:        "starvation",
		Description: "a waiter spins on a flag nobody sets while its monitor is hot",
		Expect:      runtime.VerdictLivenessViolation,
		Test:        Starvation,
	})
	register(Scenario{
		Name:        "unlucky-number",
		Description: "fails when a controlled random integer resolves to 7",
		Expect:      runtime.VerdictAssertionFailure,
		Test:        UnluckyNumber,
	})
}

// RacyWrite lets two operations write a shared variable without
// synchronization and expects the second writer to win.
func RacyWrite(ctx context.Context) error {
	x := 0
	first := runtime.Go(ctx, func(ctx context.Context) error {
		runtime.Yield(ctx)
		x = 3
		return nil
	}, runtime.WithName("write-3"))
	second := runtime.Go(ctx, func(ctx context.Context) error {
		runtime.Yield(ctx)
		x = 5
		return nil
	}, runtime.WithName("write-5"))
	if err := runtime.WaitAll(ctx, first, second); err != nil {
		return err
	}
	runtime.Assert(ctx, x == 5, "last write left x = %d", x)
	return nil
}

// LockInversion acquires two mutexes in opposite orders.
func LockInversion(ctx context.Context) error {
	a, b := runtime.NewMutex(), runtime.NewMutex()
	transfer := func(first, second *runtime.Mutex) func(context.Context) error {
		return func(ctx context.Context) error {
			first.Lock(ctx)
			defer first.Unlock(ctx)
			second.Lock(ctx)
			defer second.Unlock(ctx)
			return nil
		}
	}
	t1 := runtime.Go(ctx, transfer(a, b), runtime.WithName("a-then-b"))
	t2 := runtime.Go(ctx, transfer(b, a), runtime.WithName("b-then-a"))
	return runtime.WaitAll(ctx, t1, t2)
}

// MailboxDeadlock has two actors that each receive before they send.
func MailboxDeadlock(ctx context.Context) error {
	left, right := runtime.NewMailbox[string](), runtime.NewMailbox[string]()
	t1 := runtime.Go(ctx, func(ctx context.Context) error {
		left.Receive(ctx, nil)
		right.Send(ctx, "hello")
		return nil
	}, runtime.WithName("left"), runtime.WithNewGroup())
	t2 := runtime.Go(ctx, func(ctx context.Context) error {
		right.Receive(ctx, nil)
		left.Send(ctx, "hello")
		return nil
	}, runtime.WithName("right"), runtime.WithNewGroup())
	return runtime.WaitAll(ctx, t1, t2)
}

const rounds = 3

type ball struct {
	round int
	stop  bool
}

// PingPong bounces a ball between two actors for a fixed number of rounds.
func PingPong(ctx context.Context) error {
	pingBox, pongBox := runtime.NewMailbox[ball](), runtime.NewMailbox[ball]()
	player := func(in, out *runtime.Mailbox[ball]) func(context.Context) error {
		return func(ctx context.Context) error {
			for {
				b := in.Receive(ctx, nil)
				if b.stop {
					return nil
				}
				if b.round == rounds {
					out.Send(ctx, ball{stop: true})
					return nil
				}
				out.Send(ctx, ball{round: b.round + 1})
			}
		}
	}
	ping := runtime.Go(ctx, player(pingBox, pongBox), runtime.WithName("ping"), runtime.WithNewGroup())
	pong := runtime.Go(ctx, player(pongBox, pingBox), runtime.WithName("pong"), runtime.WithNewGroup())
	pingBox.Send(ctx, ball{round: 1})
	if err := runtime.WaitAll(ctx, ping, pong); err != nil {
		return err
	}
	runtime.Assert(ctx, pingBox.Len()+pongBox.Len() == 0, "%d balls left in flight", pingBox.Len()+pongBox.Len())
	return nil
}

const (
	poolSize = 2
	workers  = 4
)

// BoundedPool runs more workers than a semaphore admits and checks that
// the pool is never oversubscribed.
func BoundedPool(ctx context.Context) error {
	pool := runtime.NewSemaphore(poolSize, poolSize)
	mu := runtime.NewMutex()
	active, done := 0, 0

	tasks := make([]*runtime.Task, 0, workers)
	for i := 0; i < workers; i++ {
		tasks = append(tasks, runtime.Go(ctx, func(ctx context.Context) error {
			pool.Acquire(ctx)
			active++
			runtime.Assert(ctx, active <= poolSize, "%d workers inside a pool of %d", active, poolSize)
			runtime.Yield(ctx)
			active--
			pool.Release(ctx)

			mu.Lock(ctx)
			done++
			mu.Unlock(ctx)
			return nil
		}))
	}
	if err := runtime.WaitAll(ctx, tasks...); err != nil {
		return err
	}
	runtime.Assert(ctx, done == workers, "%d of %d workers finished", done, workers)
	runtime.Assert(ctx, pool.Count() == poolSize, "pool ended with %d permits", pool.Count())
	return nil
}

// Starvation spins waiting for a flag that is never set.
func Starvation(ctx context.Context) error {
	ready := false
	progress := runtime.NewMonitor(ctx, "waiter-progress")
	waiter := runtime.Go(ctx, func(ctx context.Context) error {
		progress.Hot()
		for !ready {
			runtime.Yield(ctx)
		}
		progress.Cold()
		return nil
	}, runtime.WithName("waiter"))
	return waiter.Wait(ctx)
}

// UnluckyNumber fails for one value of a controlled random integer.
func UnluckyNumber(ctx context.Context) error {
	var n int
	t := runtime.Go(ctx, func(ctx context.Context) error {
		if runtime.RandomBool(ctx) {
			n = runtime.RandomInt(ctx, 10)
		}
		return nil
	})
	if err := t.Wait(ctx); err != nil {
		return err
	}
	runtime.Assert(ctx, n != 7, "drew the unlucky number")
	return nil
}
