package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/internal/wasm"
)

// DefaultFrameRate is the DMG refresh rate in Hz.
const DefaultFrameRate = 59.73

// maxDiagnostics bounds the error lines kept for an InitializationError.
const maxDiagnostics = 32

// Config describes one Module Instance to load.
type Config struct {
	// Module is the name of a compiled module in the runtime cache.
	Module string

	// Export names and start functions; zero values use the defaults.
	ABI            wasm.ABI
	StartFunctions []string

	// Info and Error receive the module's diagnostic output line by line.
	// Nil sinks log through zap.
	Info  wasm.LineSink
	Error wasm.LineSink

	// RenderTarget is bound to the module before Load returns. May be nil
	// if every handle gets its own target.
	RenderTarget RenderTarget

	// FrameRate paces a running handle's frame loop. Defaults to
	// DefaultFrameRate.
	FrameRate float64
}

// Loader produces Module Instances.
type Loader struct {
	factory Factory
	logger  *zap.Logger
	seq     atomic.Uint64
}

// NewLoader creates a loader that instantiates modules through factory.
func NewLoader(factory Factory, logger *zap.Logger) *Loader {
	return &Loader{
		factory: factory,
		logger:  logger.With(zap.String("component", "bridge")),
	}
}

// Load instantiates a module and blocks until it has initialized. Each call
// yields an independent instance with its own address space. A failure is
// reported as *InitializationError and is not retried.
func (l *Loader) Load(ctx context.Context, cfg Config) (*Module, error) {
	id := fmt.Sprintf("%s#%d", cfg.Module, l.seq.Add(1))
	logger := l.logger.With(zap.String("instance_id", id))

	rate := cfg.FrameRate
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	period := time.Duration(float64(time.Second) / rate)

	m := newModule(id, cfg.Module, period, logger)
	m.binder.module = cfg.RenderTarget

	emulatorLog := l.logger.With(zap.String("component", "emulator"), zap.String("instance_id", id))
	info := cfg.Info
	if info == nil {
		info = func(line string) { emulatorLog.Info(line) }
	}
	diags := &diagnostics{sink: cfg.Error}
	if diags.sink == nil {
		diags.sink = func(line string) { emulatorLog.Error(line) }
	}

	logger.Info("Loading module", zap.String("module", cfg.Module))
	start := time.Now()

	boundary, err := l.factory(ctx, &wasm.InstanceConfig{
		ModuleName:     cfg.Module,
		InstanceID:     id,
		ABI:            cfg.ABI,
		StartFunctions: cfg.StartFunctions,
		Stdout:         info,
		Stderr:         diags.write,
		Hooks:          m,
	})
	if err != nil {
		initErr := &InitializationError{Module: cfg.Module, Diagnostics: diags.stop(), Err: err}
		logger.Error("Module failed to initialize",
			zap.Strings("diagnostics", initErr.Diagnostics),
			zap.Error(err),
		)
		return nil, initErr
	}
	diags.stop()
	m.boundary = boundary

	logger.Info("Module ready", zap.Duration("duration", time.Since(start)))
	return m, nil
}

// LoadAsync starts Load in the background. The load cannot be cancelled
// once started; ctx only supplies values.
func (l *Loader) LoadAsync(ctx context.Context, cfg Config) *Pending {
	p := &Pending{done: make(chan struct{})}
	ctx = context.WithoutCancel(ctx)
	go func() {
		m, err := l.Load(ctx, cfg)
		p.resolve(m, err)
	}()
	return p
}

// Pending is a module load in flight.
type Pending struct {
	done chan struct{}

	mu        sync.Mutex
	module    *Module
	err       error
	resolved  bool
	discarded bool
}

func (p *Pending) resolve(m *Module, err error) {
	p.mu.Lock()
	p.module, p.err, p.resolved = m, err, true
	discarded := p.discarded
	p.mu.Unlock()
	close(p.done)

	if discarded && m != nil {
		_ = m.Close(context.Background())
	}
}

// Done is closed once the load has resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the load resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*Module, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discarded {
		return nil, ErrDiscarded
	}
	return p.module, p.err
}

// Discard gives up on the result. A module that has already resolved is
// closed now; one still loading is closed as soon as it resolves.
func (p *Pending) Discard() {
	p.mu.Lock()
	if p.discarded {
		p.mu.Unlock()
		return
	}
	p.discarded = true
	m, resolved := p.module, p.resolved
	p.mu.Unlock()

	if resolved && m != nil {
		_ = m.Close(context.Background())
	}
}

// diagnostics forwards error lines to sink and keeps the ones written
// during initialization.
type diagnostics struct {
	sink wasm.LineSink

	mu      sync.Mutex
	lines   []string
	stopped bool
}

func (d *diagnostics) write(line string) {
	d.mu.Lock()
	if !d.stopped {
		if len(d.lines) == maxDiagnostics {
			d.lines = append(d.lines[:0], d.lines[1:]...)
		}
		d.lines = append(d.lines, line)
	}
	d.mu.Unlock()
	d.sink(line)
}

func (d *diagnostics) stop() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return d.lines
}
