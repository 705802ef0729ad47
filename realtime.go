// Package realtime composes the session layer: registry, channel router,
// resumption store, broker bridge and the websocket gateway, mounted on a
// fiber application.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/brandcanvas/realtime/auth"
	"github.com/brandcanvas/realtime/broker"
	"github.com/brandcanvas/realtime/channel"
	"github.com/brandcanvas/realtime/gateway"
	"github.com/brandcanvas/realtime/protocol"
	"github.com/brandcanvas/realtime/resume"
	"github.com/brandcanvas/realtime/session"
	"github.com/brandcanvas/realtime/telemetry"
)

// Options configures a Server. Validator is the only required field.
type Options struct {
	// Validator authenticates the bearer token presented at upgrade.
	Validator auth.TokenValidator
	// Authorizer decides channel access. Defaults to allow-all.
	Authorizer auth.Authorizer
	// Bridge connects instances through a shared broker. Defaults to a
	// process-local bridge, which makes the server single-instance.
	Bridge broker.Bridge
	// Store buffers traffic for session resumption. Defaults to an
	// in-memory store scoped to this instance.
	Store resume.Store
	// Gateway tunes per-connection behavior.
	Gateway gateway.Config
	// ResumeWindow is how long a detached session stays resumable.
	ResumeWindow time.Duration
	// ReapInterval is how often expired detached sessions are collected.
	ReapInterval time.Duration

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Server is one instance of the realtime session layer.
type Server struct {
	log      *zap.Logger
	metrics  *telemetry.Metrics
	registry *session.Registry
	router   *channel.Router
	bridge   broker.Bridge
	store    resume.Store
	handler  *gateway.Handler

	window       time.Duration
	reapInterval time.Duration
	ownedStore   bool
	ownedBridge  bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a server from its collaborators.
func New(opts Options) (*Server, error) {
	if opts.Validator == nil {
		return nil, errors.New("realtime: a token validator is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.New()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = auth.AllowAll()
	}
	if opts.ResumeWindow <= 0 {
		opts.ResumeWindow = resume.DefaultWindow
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}

	s := &Server{
		log:          opts.Logger,
		metrics:      opts.Metrics,
		registry:     session.NewRegistry(),
		bridge:       opts.Bridge,
		store:        opts.Store,
		window:       opts.ResumeWindow,
		reapInterval: opts.ReapInterval,
	}
	if s.bridge == nil {
		s.bridge = broker.NewMemory().Bridge("local")
		s.ownedBridge = true
	}
	if s.store == nil {
		s.store = resume.NewMemory(resume.MemoryOptions{Window: opts.ResumeWindow})
		s.ownedStore = true
	}

	s.router = channel.NewRouter(channel.Options{
		Authorizer: opts.Authorizer,
		Logger:     opts.Logger,
		Notifier:   s.bridge,
		OnSlowConsumer: func(*session.Session) {
			opts.Metrics.SlowConsumers.Inc()
		},
	})
	s.registry.Bind(s.router)

	gcfg := opts.Gateway
	if gcfg.ResumeWindow <= 0 {
		gcfg.ResumeWindow = opts.ResumeWindow
	}
	s.handler = gateway.New(gateway.Options{
		Config:    gcfg,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Validator: opts.Validator,
		Registry:  s.registry,
		Router:    s.router,
		Bridge:    s.bridge,
		Store:     s.store,
	})
	return s, nil
}

// Mount registers the websocket endpoint on a fiber application.
func (s *Server) Mount(app *fiber.App, path string) {
	app.Use(path, s.handler.UpgradeMiddleware)
	app.Get(path, s.handler.WebsocketHandler())
}

// Start brings up the broker bridge and the detached-session reaper. It
// returns once both are running.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.bridge.Start(ctx, s.ingest); err != nil {
		cancel()
		return err
	}
	s.wg.Add(1)
	go s.reapLoop(ctx)
	return nil
}

// ingest delivers a frame that originated on another instance to the local
// subscribers. The resumption buffers of local recipients pick it up
// through the ordinary enqueue path.
func (s *Server) ingest(name string, env *protocol.Envelope) {
	s.router.PublishLocal(name, env, env.SessionID)
}

func (s *Server) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapExpired(ctx)
		}
	}
}

// reapExpired drops sessions whose resumption window has lapsed. Their
// channel subscriptions are released and their buffers discarded.
func (s *Server) reapExpired(ctx context.Context) {
	cutoff := time.Now().Add(-s.window)
	var expired []string
	s.registry.Range(func(sess *session.Session) bool {
		if detached, since := sess.Detached(); detached && since.Before(cutoff) {
			expired = append(expired, sess.ID())
		}
		return true
	})
	for _, id := range expired {
		if !s.registry.Unregister(id) {
			continue
		}
		if err := s.store.Drop(ctx, id); err != nil {
			s.log.Warn("drop resumption buffer failed",
				zap.String("session_id", id), zap.Error(err))
		}
		s.log.Info("detached session expired", zap.String("session_id", id))
	}
}

// Shutdown stops background work and disconnects every session. Detached
// state is discarded; clients reconnect as fresh sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.registry.Range(func(sess *session.Session) bool {
		sess.Kick()
		return true
	})

	var err error
	if s.ownedBridge {
		err = s.bridge.Close()
	}
	if s.ownedStore {
		if cerr := s.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Registry exposes the connection registry for introspection.
func (s *Server) Registry() *session.Registry { return s.registry }

// Router exposes the channel router.
func (s *Server) Router() *channel.Router { return s.router }

// Metrics exposes the server's instruments for the metrics listener.
func (s *Server) Metrics() *telemetry.Metrics { return s.metrics }
