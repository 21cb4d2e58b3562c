// Package http exposes the allocation service over gin.
package http

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Services are the handlers' dependencies. Stats may be nil.
type Services struct {
	Booking BookingService
	Admin   AdminService
	Sweeper Sweeper
	Stats   SlotStats
	Health  map[string]Pinger
}

type RouterConfig struct {
	Logger             zerolog.Logger
	ServiceName        string
	RateRPS            float64
	RateBurst          int
	CORSAllowedOrigins []string
}

// NewRouter builds the engine. Middleware order: tracing, request id,
// access log, recovery, metrics, CORS, compression. Booking routes are rate
// limited per client.
func NewRouter(svc Services, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(RequestID())
	r.Use(AccessLog(cfg.Logger))
	r.Use(Recovery())
	r.Use(Metrics())
	r.Use(CORS(cfg.CORSAllowedOrigins))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.NoRoute(NotFound)
	r.NoMethod(MethodNotAllowed)

	r.GET("/health", Health(svc.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := r.Group("/")
	if cfg.RateRPS > 0 {
		limited.Use(NewRateLimiter(cfg.RateRPS, cfg.RateBurst).Handler())
	}
	limited.POST("/slots/:slot_id/acquire", HandleAcquire(svc.Booking))
	limited.POST("/slots/:slot_id/reservations", HandleReserve(svc.Booking))
	limited.POST("/slots/:slot_id/bookings", HandleAcquireAndBook(svc.Booking))
	limited.DELETE("/cases/:case_id/reservations/:class", HandleReleaseReservations(svc.Booking))
	limited.POST("/cases/:case_id/move", HandleMove(svc.Booking))
	limited.POST("/termine/:termin_id/booking", HandleBook(svc.Booking))
	limited.DELETE("/termine/:termin_id/booking", HandleRelease(svc.Booking))

	admin := r.Group("/admin")
	admin.POST("/slots", HandleCreateSlot(svc.Admin))
	admin.GET("/slots", HandleListSlots(svc.Admin))
	admin.GET("/slots/:slot_id/termine", HandleListTermine(svc.Admin))
	admin.GET("/slots/:slot_id/availability", HandleAvailability(svc.Admin))
	admin.GET("/slots/:slot_id/stats", HandleSlotStats(svc.Stats))
	admin.POST("/termine/:termin_id/result", HandleRecordResult(svc.Admin))
	admin.POST("/sweeps", HandleSweep(svc.Sweeper))

	return r
}
