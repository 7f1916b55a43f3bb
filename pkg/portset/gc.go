package portset

import (
	"sync"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// sweeper periodically clears the expired entries of a timeout set.
type sweeper struct {
	set    *Set
	clock  clock.WithTicker
	period time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSweeper(s *Set, c clock.WithTicker, period time.Duration) *sweeper {
	return &sweeper{
		set:    s,
		clock:  c,
		period: period,
		stopCh: make(chan struct{}),
	}
}

func (g *sweeper) start() {
	// The ticker exists before start returns so a fake clock stepped right
	// after New already fires it.
	t := g.clock.NewTicker(g.period)
	g.wg.Add(1)
	go g.run(t)
}

func (g *sweeper) run(t clock.Ticker) {
	defer g.wg.Done()
	defer t.Stop()
	defer utilruntime.HandleCrash()

	for {
		select {
		case <-g.stopCh:
			klog.V(4).Infof("stopping sweeper of set %q", g.set.Name())
			return
		case <-t.C():
			g.set.sweep()
		}
	}
}

// stop signals the sweeper and blocks until it has returned.
func (g *sweeper) stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// sweep runs in parallel with other readers but excludes add, del and flush.
func (s *Set) sweep() int {
	s.mu.RLock()
	n := s.members.gc(s.clock.now())
	s.mu.RUnlock()

	observeSweep(s, n)
	if n > 0 {
		klog.V(5).Infof("reclaimed %d expired entries of set %q", n, s.Name())
	}
	return n
}
