package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/timipay/kkbridge/app/repository"
)

const (
	// DefaultSweepInterval is how often the sweeper looks for overdue orders.
	DefaultSweepInterval = time.Minute
	// DefaultSweepBatch caps how many orders one sweep closes.
	DefaultSweepBatch = 100
)

// Sweeper periodically expires pending orders whose payment window elapsed.
type Sweeper struct {
	engine   *Engine
	orders   repository.OrderRepository
	interval time.Duration
	batch    int
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a sweeper over the given engine. Non-positive interval
// or batch fall back to the defaults.
func NewSweeper(engine *Engine, orders repository.OrderRepository, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Sweeper{
		engine:   engine,
		orders:   orders,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.stopCh = make(chan struct{})
	s.running = true
	log.Infof("[Sweeper] Starting expiry sweeper (interval=%s, batch=%d)", s.interval, s.batch)

	s.wg.Add(1)
	go s.loop()
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	close(s.stopCh)
	s.running = false
	s.wg.Wait()
	log.Info("[Sweeper] Stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Errorf("[Sweeper] Sweep error: %v", err)
			}
		}
	}
}

// SweepOnce expires one batch of overdue pending orders. Exposed for manual
// triggering and tests.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	overdue, err := s.orders.ListExpiredPending(time.Now(), s.batch)
	if err != nil {
		return err
	}
	if len(overdue) == 0 {
		return nil
	}

	expired := 0
	for _, order := range overdue {
		if err := s.engine.ExpireOrder(ctx, order.OrderID); err != nil {
			log.Errorf("[Sweeper] Failed to expire %s: %v", order.OrderID, err)
			continue
		}
		expired++
	}

	log.Infof("[Sweeper] Swept %d overdue orders (%d expired)", len(overdue), expired)
	return nil
}
