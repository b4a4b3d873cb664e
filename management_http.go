package replimap

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/constants"
	"github.com/hyp3rd/replimap/internal/sentinel"
)

// ManagementHTTPOption configures the management HTTP server.
type ManagementHTTPOption func(*managementSettings)

type managementSettings struct {
	readTimeout    time.Duration
	writeTimeout   time.Duration
	authFunc       func(fiber.Ctx) error
	metricsHandler http.Handler
}

// WithMgmtAuth sets an auth function (return error to block).
func WithMgmtAuth(fn func(fiber.Ctx) error) ManagementHTTPOption {
	return func(s *managementSettings) { s.authFunc = fn }
}

// WithMgmtReadTimeout sets read timeout.
func WithMgmtReadTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *managementSettings) { s.readTimeout = d }
}

// WithMgmtWriteTimeout sets write timeout.
func WithMgmtWriteTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *managementSettings) { s.writeTimeout = d }
}

// WithMgmtMetricsHandler mounts h at /metrics, typically promhttp.Handler().
func WithMgmtMetricsHandler(h http.Handler) ManagementHTTPOption {
	return func(s *managementSettings) { s.metricsHandler = h }
}

// ManagementHTTPServer exposes a map over HTTP: health, stats, membership and
// per-key inspection and mutation.
type ManagementHTTPServer[K comparable, V any] struct {
	addr     string
	app      *fiber.App
	m        *Map[K, V]
	svc      Service[K, V]
	keyFn    func(string) (K, error)
	valueFn  func([]byte) (V, error)
	settings managementSettings
	ln       net.Listener
	started  bool
}

// StringKey parses a path segment as a string key.
func StringKey(raw string) (string, error) { return raw, nil }

// StringValue takes a request body as a string value.
func StringValue(body []byte) (string, error) { return string(body), nil }

// NewManagementHTTPServer builds an HTTP server holder (lazy start). keyFn turns the
// :key path segment into a map key; valueFn turns a PUT body into a value.
func NewManagementHTTPServer[K comparable, V any](
	addr string,
	m *Map[K, V],
	keyFn func(string) (K, error),
	valueFn func([]byte) (V, error),
	opts ...ManagementHTTPOption,
) *ManagementHTTPServer[K, V] {
	settings := managementSettings{
		readTimeout:  constants.DefaultHTTPReadTimeout,
		writeTimeout: constants.DefaultHTTPWriteTimeout,
	}
	for _, opt := range opts { // apply options
		opt(&settings)
	}

	srv := &ManagementHTTPServer[K, V]{
		addr:     addr,
		m:        m,
		svc:      m,
		keyFn:    keyFn,
		valueFn:  valueFn,
		settings: settings,
		app: fiber.New(fiber.Config{
			ReadTimeout:  settings.readTimeout,
			WriteTimeout: settings.writeTimeout,
			JSONEncoder:  json.Marshal,
			JSONDecoder:  json.Unmarshal,
		}),
	}

	srv.mountRoutes()

	return srv
}

// UseService routes entry reads and writes through svc, typically m wrapped in middleware.
// Call it before Start.
func (s *ManagementHTTPServer[K, V]) UseService(svc Service[K, V]) {
	if svc != nil {
		s.svc = svc
	}
}

// App exposes the fiber app, mainly for in-memory tests.
func (s *ManagementHTTPServer[K, V]) App() *fiber.App { return s.app }

// Start launches listener (idempotent).
func (s *ManagementHTTPServer[K, V]) Start(ctx context.Context) error {
	if s.started { // idempotent
		return nil
	}

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "mgmt listen")
	}

	s.ln = ln

	go func() {
		_ = s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true}) //nolint:errcheck // returns on shutdown
	}()

	s.started = true

	return nil
}

// Address returns the bound address (useful when passing ":0" for ephemeral port). Empty if not started yet.
func (s *ManagementHTTPServer[K, V]) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *ManagementHTTPServer[K, V]) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	case err := <-ch:
		return err
	}
}

func (s *ManagementHTTPServer[K, V]) mountRoutes() {
	useAuth := s.wrapAuth

	s.app.Get("/health", useAuth(func(c fiber.Ctx) error { return c.SendString("ok") }))
	s.app.Get("/stats", useAuth(func(c fiber.Ctx) error { return c.JSON(s.svc.Stats()) }))
	s.app.Get("/members", useAuth(func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"local":    s.m.LocalMember(),
			"members":  s.m.Members(),
			"strategy": s.m.Strategy().String(),
		})
	}))

	s.app.Get("/entries/:key", useAuth(s.getEntry))
	s.app.Put("/entries/:key", useAuth(s.putEntry))
	s.app.Delete("/entries/:key", useAuth(s.deleteEntry))

	if s.settings.metricsHandler != nil {
		s.app.Get("/metrics", useAuth(adaptor.HTTPHandler(s.settings.metricsHandler)))
	}
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *ManagementHTTPServer[K, V]) wrapAuth(handler fiber.Handler) fiber.Handler { //nolint:ireturn
	if s.settings.authFunc == nil {
		return handler
	}

	return func(c fiber.Ctx) error {
		authErr := s.settings.authFunc(c)
		if authErr != nil {
			return authErr
		}

		return handler(c)
	}
}

func (s *ManagementHTTPServer[K, V]) parseKey(c fiber.Ctx) (K, bool, error) {
	key, err := s.keyFn(c.Params("key"))
	if err != nil {
		return key, false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return key, true, nil
}

func (s *ManagementHTTPServer[K, V]) getEntry(c fiber.Ctx) error {
	key, ok, err := s.parseKey(c)
	if !ok {
		return err
	}

	info, found := s.m.Describe(key)
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": sentinel.ErrKeyNotFound.Error()})
	}

	body := fiber.Map{"key": c.Params("key"), "entry": info}
	if value, ok := s.svc.Get(c.Context(), key); ok {
		body["value"] = value
	}

	return c.JSON(body)
}

func (s *ManagementHTTPServer[K, V]) putEntry(c fiber.Ctx) error {
	key, ok, err := s.parseKey(c)
	if !ok {
		return err
	}

	value, err := s.valueFn(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	backups, err := s.svc.Put(c.Context(), key, value)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"key": c.Params("key"), "backups": backups})
}

func (s *ManagementHTTPServer[K, V]) deleteEntry(c fiber.Ctx) error {
	key, ok, err := s.parseKey(c)
	if !ok {
		return err
	}

	if _, exists := s.m.Describe(key); !exists {
		return c.SendStatus(fiber.StatusNotFound)
	}

	s.svc.Remove(c.Context(), key)

	return c.SendStatus(fiber.StatusNoContent)
}
