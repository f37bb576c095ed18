package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Cleaner is anything holding external state (sockets, broker handles) that
// must be released explicitly. Cleanup must be idempotent.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// FailureCounter is notified about every failed cleanup.
type FailureCounter interface {
	CleanupFailed()
}

// Manager tracks registered resources and releases them exactly once.
// Comparable resources are deduplicated by identity. Resources that cannot be
// compared (func adapters, structs holding slices or maps) are kept but can
// neither be deduplicated nor unregistered.
type Manager struct {
	mu        sync.Mutex
	log       *zap.Logger
	resources map[Cleaner]struct{}
	order     []Cleaner
	failures  FailureCounter

	shuttingDown atomic.Bool
	done         chan struct{}
}

type Option func(*Manager)

func WithFailureCounter(fc FailureCounter) Option {
	return func(m *Manager) {
		m.failures = fc
	}
}

func NewManager(log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		log:       log,
		resources: make(map[Cleaner]struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Register(r Cleaner) {
	if r == nil {
		return
	}

	if m.shuttingDown.Load() {
		m.log.Warn("cannot register resource during shutdown", zap.String("resource", fmt.Sprintf("%T", r)))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// shutdown might have started while we were waiting for the lock
	if m.shuttingDown.Load() {
		m.log.Warn("cannot register resource during shutdown", zap.String("resource", fmt.Sprintf("%T", r)))
		return
	}

	if hashable(r) {
		if _, ok := m.resources[r]; ok {
			return
		}
		m.resources[r] = struct{}{}
	}

	m.order = append(m.order, r)
	m.log.Debug("resource registered", zap.Int("resources", len(m.order)))
}

func (m *Manager) Unregister(r Cleaner) {
	if r == nil {
		return
	}

	if !hashable(r) {
		m.log.Warn("cannot unregister an uncomparable resource", zap.String("resource", fmt.Sprintf("%T", r)))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resources[r]; !ok {
		return
	}

	delete(m.resources, r)
	for i := range m.order {
		if hashable(m.order[i]) && m.order[i] == r {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	m.log.Debug("resource unregistered", zap.Int("resources", len(m.order)))
}

// hashable reports whether r can be used as a map key. The dynamic check
// also catches interface fields holding uncomparable values.
func hashable(r Cleaner) bool {
	return reflect.ValueOf(r).Comparable()
}

// Len returns the number of currently registered resources.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Done is closed once Shutdown has cleaned every resource.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown cleans every registered resource concurrently. Individual failures
// are logged and never returned. Only the first call does any work; later
// calls return immediately.
func (m *Manager) Shutdown(ctx context.Context) {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	start := time.Now()

	m.mu.Lock()
	snapshot := make([]Cleaner, len(m.order))
	copy(snapshot, m.order)
	m.mu.Unlock()

	m.log.Info("starting resource cleanup", zap.Int("resources", len(snapshot)))

	wg := &sync.WaitGroup{}
	wg.Add(len(snapshot))
	for _, r := range snapshot {
		go func() {
			defer wg.Done()
			err := m.cleanup(ctx, r)
			if err != nil {
				if m.failures != nil {
					m.failures.CleanupFailed()
				}
				m.log.Error("error during resource cleanup", zap.String("resource", fmt.Sprintf("%T", r)), zap.Error(err))
			}
		}()
	}
	wg.Wait()

	m.mu.Lock()
	clear(m.resources)
	m.order = nil
	m.mu.Unlock()

	close(m.done)
	m.log.Info("resource cleanup completed", zap.Time("start", start), zap.Duration("elapsed", time.Since(start)))
}

func (m *Manager) cleanup(ctx context.Context, r Cleaner) (err error) {
	const op = errors.Op("lifecycle_cleanup")

	defer func() {
		if rec := recover(); rec != nil {
			err = errors.E(op, errors.Errorf("cleanup panicked: %v", rec))
		}
	}()

	if cerr := r.Cleanup(ctx); cerr != nil {
		return errors.E(op, cerr)
	}

	return nil
}

// Watch subscribes the manager to SIGINT and SIGTERM. The first signal runs
// Shutdown and then calls exit; a nil exit defaults to os.Exit(0). The
// returned function detaches the handler.
func (m *Manager) Watch(ctx context.Context, exit func(code int)) (stop func()) {
	if exit == nil {
		exit = os.Exit
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	stopCh := make(chan struct{})
	once := sync.Once{}

	go func() {
		select {
		case s := <-sig:
			m.log.Info("received shutdown signal", zap.String("signal", s.String()))
			m.Shutdown(context.WithoutCancel(ctx))
			exit(0)
		case <-stopCh:
		case <-ctx.Done():
		}
	}()

	return func() {
		once.Do(func() {
			signal.Stop(sig)
			close(stopCh)
		})
	}
}
