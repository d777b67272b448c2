package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/ridealong/internal/dispatch"
	"github.com/dukerupert/ridealong/internal/handler"
	"github.com/dukerupert/ridealong/internal/middleware"
	"github.com/dukerupert/ridealong/internal/notification"
	"github.com/dukerupert/ridealong/internal/push"
	"github.com/dukerupert/ridealong/internal/readmodel"
	ws "github.com/dukerupert/ridealong/internal/websocket"
)

// Deps are the engine components the HTTP surface exposes.
type Deps struct {
	Records       *notification.Store
	Dispatcher    *dispatch.Dispatcher
	Gateway       *push.Gateway
	Hub           *ws.Hub
	Subscriptions handler.SubscriptionStore
	// Rides verifies ride ownership for ride-scoped dispatch. When nil those
	// endpoints refuse every call.
	Rides handler.RideLookup
	// Schedulers hands out reminder leases to websocket sessions. May be nil.
	Schedulers readmodel.Schedulers

	VAPIDPublicKey string
	Verifier       middleware.TokenVerifier
	DevHeader      bool
	OriginPatterns []string
	Health         map[string]handler.Pinger

	// DispatchPerMinute and DispatchBurst bound dispatch calls per identity.
	DispatchPerMinute float64
	DispatchBurst     int
}

type Server struct {
	deps          Deps
	notificationH *handler.NotificationHandler
	dispatchH     *handler.DispatchHandler
	pushH         *handler.PushHandler
	healthH       *handler.HealthHandler
	rateLimiter   *middleware.RateLimiter
	logger        *slog.Logger
}

func New(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.DispatchPerMinute <= 0 {
		d.DispatchPerMinute = 60
	}
	if d.DispatchBurst <= 0 {
		d.DispatchBurst = 10
	}

	return &Server{
		deps:          d,
		notificationH: handler.NewNotificationHandler(d.Records, logger.With("component", "notification_handler")),
		dispatchH:     handler.NewDispatchHandler(d.Dispatcher, d.Rides, logger.With("component", "dispatch_handler")),
		pushH:         handler.NewPushHandler(d.Subscriptions, d.Gateway, d.VAPIDPublicKey, logger.With("component", "push_handler")),
		healthH:       handler.NewHealthHandler(d.Health),
		rateLimiter:   middleware.NewRateLimiter(d.DispatchPerMinute, d.DispatchBurst),
		logger:        logger,
	}
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", s.healthH.Health)

	// Protected routes, wrapped with RequireUser middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireUser(s.deps.Verifier, s.deps.DevHeader)
	outerMux.Handle("/", authMiddleware(protectedMux))

	// Apply request logging middleware
	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.UserOrIP)(h)
}

func (s *Server) newSession() ws.Session {
	return readmodel.New(s.deps.Records, s.deps.Gateway, s.deps.Schedulers, s.logger)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Notification records of the caller
	mux.HandleFunc("GET /api/notifications", s.notificationH.List)
	mux.HandleFunc("GET /api/notifications/unread-count", s.notificationH.UnreadCount)
	mux.HandleFunc("POST /api/notifications/read-all", s.notificationH.MarkAllRead)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.notificationH.MarkRead)
	mux.HandleFunc("DELETE /api/notifications/{id}", s.notificationH.Remove)
	mux.HandleFunc("DELETE /api/notifications", s.notificationH.ClearAll)

	// Dispatch to other identities
	mux.Handle("POST /api/dispatch", s.rateLimited(s.dispatchH.Send))
	mux.Handle("POST /api/dispatch/new-passenger", s.rateLimited(s.dispatchH.NewPassenger))
	mux.Handle("POST /api/dispatch/booking-confirmed", s.rateLimited(s.dispatchH.BookingConfirmed))
	mux.Handle("POST /api/dispatch/ride-updated", s.rateLimited(s.dispatchH.RideUpdated))
	mux.Handle("POST /api/dispatch/ride-cancelled", s.rateLimited(s.dispatchH.RideCancelled))
	mux.Handle("POST /api/dispatch/ride-posted", s.rateLimited(s.dispatchH.RidePosted))

	// Push notification API routes
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
	mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
	mux.HandleFunc("GET /api/push/permission", s.pushH.GetPermission)
	mux.HandleFunc("POST /api/push/permission", s.pushH.RequestPermission)
	mux.Handle("POST /api/push/test", s.rateLimited(s.pushH.TestNotification))

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.deps.Hub, s.newSession, s.deps.OriginPatterns, s.logger.With("component", "websocket")))
}

// CleanupLoop forgets idle rate-limit buckets until stop is closed.
func (s *Server) CleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.rateLimiter.Cleanup(10 * time.Minute)
		}
	}
}
