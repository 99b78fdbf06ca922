package deps

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/broker"
	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/pool"
)

// Pinger is a dependency whose health can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	MinienvVersion string
	TimeNow        func() time.Time // for testing, defaults to time.Now

	AllowOrigin     string   // Access-Control-Allow-Origin on every response
	AllowedCIDRS    []string // IPs allowed to reach operator endpoints
	TrustProxy      bool     // true if running behind a trusted reverse proxy
	ClaimRateBurst  int      // per-IP claim burst
	ClaimRatePerMin int      // per-IP claim refill

	Broker           *broker.Broker
	Pool             *pool.Pool
	Docker           Pinger // container engine, for readiness
	Mirror           Pinger // redis mirror, nil when disabled
	Whitelist        []domain.WhitelistRepo
	ReconcileTrigger chan struct{} // buffered, one pending sweep at most
}

// Now returns the current time through TimeNow when set.
func (d Deps) Now() time.Time {
	if d.TimeNow != nil {
		return d.TimeNow()
	}
	return time.Now()
}
