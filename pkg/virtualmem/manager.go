package virtualmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/cfg"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/classify"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/logger"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/metrics"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/registry"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/userfaultfd"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/virtualmem/pkg/virtualmem")

// faultTarget is a backend whose faults are resolved by the manager.
type faultTarget interface {
	resolvePage(ctx context.Context, addr uintptr, op classify.Op) error
}

type faultRequest struct {
	addr uintptr
	op   classify.Op

	// task, when set, runs on the resolver instead of a fault resolution.
	// It only runs while region is registered.
	task   func(ctx context.Context) error
	region *Region

	reply chan faultAck
}

type faultAck struct {
	found bool
	err   error
}

// Manager owns the registry of live regions and the goroutine resolving their
// faults. Regions must not outlive their manager.
type Manager struct {
	config  cfg.Config
	logger  *zap.Logger
	metrics metrics.Metrics

	registry   *registry.Registry[*Region]
	classifier *classify.Cache

	userfaultfdAvailable func() bool

	// lifecycle keeps regions from being torn down while a fault on them is resolved.
	lifecycle sync.RWMutex

	requests chan faultRequest
	done     chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

type ManagerOption func(*managerOptions)

type managerOptions struct {
	meterProvider metric.MeterProvider
}

func WithMeterProvider(meterProvider metric.MeterProvider) ManagerOption {
	return func(o *managerOptions) {
		o.meterProvider = meterProvider
	}
}

// NewManager starts the fault resolving goroutine. It returns once the
// goroutine is ready to serve requests.
func NewManager(ctx context.Context, config cfg.Config, l *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	o := managerOptions{meterProvider: noop.NewMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	if l == nil {
		l = zap.NewNop()
	}

	m, err := metrics.NewMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	classifier, err := classify.NewCache(max(1, config.ClassifierCacheSize), classify.ArchMode)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier cache: %w", err)
	}

	mgr := &Manager{
		config:     config,
		logger:     l,
		metrics:    m,
		registry:   registry.New[*Region](),
		classifier: classifier,
		requests:   make(chan faultRequest),
		done:       make(chan struct{}),
	}

	mgr.userfaultfdAvailable = sync.OnceValue(func() bool {
		if !config.UserfaultfdEnabled {
			return false
		}

		supported, err := userfaultfd.Supported()
		if err != nil {
			l.Warn("failed to check userfaultfd support", zap.Error(err))

			return false
		}

		return supported
	})

	ready := make(chan struct{})

	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()

		mgr.resolve(context.WithoutCancel(ctx), ready)
	}()

	<-ready

	return mgr, nil
}

// resolve serves fault requests until the manager is closed.
func (m *Manager) resolve(ctx context.Context, ready chan<- struct{}) {
	close(ready)

	for {
		select {
		case <-m.done:
			return
		case req := <-m.requests:
			if req.task != nil {
				req.reply <- m.runTask(ctx, req)

				continue
			}

			req.reply <- m.handleFault(ctx, req)
		}
	}
}

func (m *Manager) handleFault(ctx context.Context, req faultRequest) faultAck {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()

	region, ok := m.registry.Lookup(req.addr)
	if !ok {
		m.logger.Warn("fault outside of any region", logger.WithAddr(req.addr))

		return faultAck{}
	}

	target, ok := region.backend.(faultTarget)
	if !ok {
		return faultAck{}
	}

	ctx, span := tracer.Start(ctx, "page-fault")
	defer span.End()

	span.SetAttributes(
		attribute.String("region.id", region.id.String()),
		attribute.String("fault.op", req.op.String()),
	)

	stopwatch := m.metrics.Begin(m.metrics.FaultResolveMetric)
	defer stopwatch.End(ctx, metrics.KV("virtualmem.kind", region.Kind().String()))

	if err := target.resolvePage(ctx, req.addr, req.op); err != nil {
		span.RecordError(err)

		return faultAck{found: true, err: err}
	}

	return faultAck{found: true}
}

func (m *Manager) runTask(ctx context.Context, req faultRequest) faultAck {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()

	if region, ok := m.registry.Lookup(req.addr); !ok || region != req.region {
		return faultAck{err: ErrClosed}
	}

	return faultAck{found: true, err: req.task(ctx)}
}

// submit hands a fault to the resolving goroutine and waits for the answer.
func (m *Manager) submit(ctx context.Context, addr uintptr, op classify.Op) (faultAck, error) {
	return m.send(ctx, faultRequest{addr: addr, op: op, reply: make(chan faultAck, 1)})
}

// onResolver runs task on the resolving goroutine, so it never races page
// resolution of r. It fails with ErrClosed once r is unregistered.
func (m *Manager) onResolver(ctx context.Context, r *Region, task func(ctx context.Context) error) error {
	start, _ := r.backend.span()

	ack, err := m.send(ctx, faultRequest{addr: start, region: r, task: task, reply: make(chan faultAck, 1)})
	if err != nil {
		return err
	}

	return ack.err
}

func (m *Manager) send(ctx context.Context, req faultRequest) (faultAck, error) {
	select {
	case m.requests <- req:
	case <-m.done:
		return faultAck{}, ErrManagerClosed
	case <-ctx.Done():
		return faultAck{}, ctx.Err()
	}

	// The resolver always answers a request it accepted.
	return <-req.reply, nil
}

func (m *Manager) register(ctx context.Context, r *Region) error {
	select {
	case <-m.done:
		return ErrManagerClosed
	default:
	}

	start, size := r.backend.span()
	if err := m.registry.Register(start, size, r); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	m.metrics.RegionsMetric.Add(ctx, 1)

	r.logger.Debug("region created",
		zap.Int64("region.cache_pages", r.cachePages),
		zap.Stringer("region.access_mode", r.mode),
	)

	return nil
}

func (m *Manager) unregister(ctx context.Context, r *Region) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.registry.Unregister(r); err != nil {
		return err
	}

	m.metrics.RegionsMetric.Add(ctx, -1)

	return nil
}

// Regions returns the number of live root regions.
func (m *Manager) Regions() int {
	return m.registry.Len()
}

// Close stops the resolving goroutine and destroys every region still alive.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		var errs []error
		for _, r := range m.registry.Items() {
			r.logger.Warn("region still alive when closing the manager")

			errs = append(errs, r.destroy(context.Background()))
		}

		m.closeErr = errors.Join(errs...)
	})

	return m.closeErr
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process wide manager, creating it from the environment
// on first use.
func Default() (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager != nil {
		return defaultManager, nil
	}

	config, err := cfg.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	ctx := context.Background()

	l, err := logger.NewLogger(ctx, logger.LoggerConfig{
		ServiceName: "virtualmem",
		IsInternal:  config.OtelLogs,
		IsDebug:     config.Debug,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return nil, err
	}

	m, err := NewManager(ctx, config, l, WithMeterProvider(otel.GetMeterProvider()))
	if err != nil {
		return nil, err
	}

	defaultManager = m

	return m, nil
}

// Terminate closes the process wide manager. A later Default starts a new one.
func Terminate() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager == nil {
		return nil
	}

	err := defaultManager.Close()
	defaultManager = nil

	return err
}
