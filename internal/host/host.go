package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/internal/bridge"
	"github.com/woxQAQ/grouboy-host/internal/config"
	"github.com/woxQAQ/grouboy-host/internal/core"
	"github.com/woxQAQ/grouboy-host/internal/render"
	"github.com/woxQAQ/grouboy-host/internal/rom"
	"github.com/woxQAQ/grouboy-host/internal/wasm"
)

// Host owns the runtime, the cores and the render targets of one emulator
// process.
type Host struct {
	cfg    *config.Config
	logger *zap.Logger

	cores  *core.Manager
	frames *render.FrameBuffer
	stream *render.Stream
	target bridge.RenderTarget

	server   *http.Server
	listener net.Listener
}

// New initializes the Wasm runtime and loads every core found in the
// configured paths. With streaming enabled it also listens on
// cfg.Stream.Addr.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Host, error) {
	wasmConfig := &wasm.RuntimeConfig{
		MemoryPages:  cfg.Wasm.MemoryPages,
		DebugEnabled: cfg.Wasm.Debug,
		CacheDir:     cfg.Wasm.CacheDir,
		MaxInstances: cfg.Wasm.MaxInstances,
		CallTimeout:  cfg.Wasm.CallTimeoutDuration(),
	}

	wasmRuntime, err := wasm.NewRuntime(ctx, logger, wasmConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	cores := core.NewManager(cfg, wasmRuntime, logger)
	if err := cores.LoadAll(ctx); err != nil {
		_ = cores.Shutdown(ctx)
		return nil, fmt.Errorf("failed to load cores: %w", err)
	}

	h := &Host{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "host")),
		cores:  cores,
		frames: render.NewFrameBuffer(),
	}
	h.target = h.frames

	if cfg.Stream.Enabled {
		if err := h.listen(logger); err != nil {
			_ = cores.Shutdown(ctx)
			return nil, err
		}
	}

	h.logger.Info("Host initialized",
		zap.Uint32("wasm_memory_pages", cfg.Wasm.MemoryPages),
		zap.String("wasm_cache_dir", cfg.Wasm.CacheDir),
		zap.Int("cores", cores.Registry().Count()),
		zap.Bool("stream", cfg.Stream.Enabled),
	)
	return h, nil
}

// listen serves the frame stream at /stream and the latest frame at
// /snapshot.png.
func (h *Host) listen(logger *zap.Logger) error {
	ln, err := net.Listen("tcp", h.cfg.Stream.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.Stream.Addr, err)
	}

	h.stream = render.NewStream(logger)
	h.target = render.Multi{h.frames, h.stream}

	mux := http.NewServeMux()
	mux.Handle("/stream", h.stream)
	mux.HandleFunc("/snapshot.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		if err := h.frames.WritePNG(w, h.cfg.Emulator.SnapshotScale); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	})

	h.listener = ln
	h.server = &http.Server{Handler: mux}
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Stream server error", zap.Error(err))
		}
	}()

	h.logger.Info("Streaming frames", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the address the stream server listens on, or "".
func (h *Host) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Frames returns the buffer holding the latest frame.
func (h *Host) Frames() *render.FrameBuffer {
	return h.frames
}

// Run plays the image at ref until ctx is done or the core's loop ends.
// ref is a file path, an archive or an http(s) URL. Cancelling ctx is a
// normal shutdown and returns nil.
func (h *Host) Run(ctx context.Context, ref string) error {
	src := rom.Open(ref, rom.Options{
		MaxSize:    h.cfg.ROM.MaxSize,
		Extensions: h.cfg.ROM.Extensions,
		Timeout:    h.cfg.ROM.FetchTimeoutDuration(),
	})

	image, err := src.Bytes(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ROM %s: %w", ref, err)
	}
	h.logImage(src.Name(), image)

	coreName, err := h.pickCore(src.Name())
	if err != nil {
		return err
	}

	session, err := h.cores.NewSession(coreName, h.target)
	if err != nil {
		return err
	}
	session.Open(ctx)
	defer func() {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			h.logger.Error("Failed to close session", zap.Error(err))
		}
	}()

	if err := session.Play(ctx, src.Name(), image); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	module, handle, err := session.Ready(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("Core running",
		zap.String("core", coreName),
		zap.String("instance_id", module.ID()),
		zap.Uint32("handle", uint32(handle)),
	)

	if err := module.Wait(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("core %s stopped: %w", coreName, err)
	}
	return nil
}

// pickCore prefers the configured core and falls back to the image extension.
func (h *Host) pickCore(image string) (string, error) {
	if name := h.cfg.Emulator.Core; name != "" {
		if _, err := h.cores.GetCore(name); err != nil {
			return "", err
		}
		return name, nil
	}
	c, err := h.cores.FindCoreForImage(image)
	if err != nil {
		return "", err
	}
	return c.Name(), nil
}

func (h *Host) logImage(name string, image []byte) {
	fields := []zap.Field{
		zap.String("image", name),
		zap.Int("size_bytes", len(image)),
		zap.String("fingerprint", rom.Fingerprint(image)),
	}

	header, err := rom.ParseHeader(image)
	if err != nil {
		h.logger.Warn("ROM has no cartridge header", append(fields, zap.Error(err))...)
		return
	}
	if !header.ChecksumValid {
		h.logger.Warn("ROM header checksum mismatch",
			zap.String("image", name),
			zap.Uint8("header_checksum", header.HeaderChecksum),
		)
	}
	h.logger.Info("ROM loaded", append(fields,
		zap.String("title", header.Title),
		zap.String("cartridge", header.TypeName()),
		zap.Stringer("cgb", header.CGB),
		zap.Int("rom_size", header.ROMSize),
		zap.Int("ram_size", header.RAMSize),
	)...)
}

// Close stops the stream server and shuts down the cores and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.logger.Info("Shutting down host")

	var errs []error
	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		_ = h.stream.Close()
	}

	if err := h.cores.Shutdown(ctx); err != nil {
		h.logger.Error("Failed to shutdown cores", zap.Error(err))
		errs = append(errs, err)
	}

	h.logger.Info("Host shutdown complete")
	return errors.Join(errs...)
}
