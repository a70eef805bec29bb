package admission

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	apperrors "github.com/dhkim-dev/tickpulse/internal/errors"
)

// Tier is a client's budget class.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierBasic     Tier = "basic"
	TierPro       Tier = "pro"
)

const tierWindow = time.Hour

// TierLimits holds the hourly request budget per tier.
type TierLimits struct {
	Anonymous int
	Basic     int
	Pro       int
}

func (t TierLimits) limitFor(tier Tier) int {
	switch tier {
	case TierBasic:
		return t.Basic
	case TierPro:
		return t.Pro
	default:
		return t.Anonymous
	}
}

// EndpointLimit is an extra budget for an expensive path.
type EndpointLimit struct {
	Limit  int
	Window time.Duration
}

// ClientResolver identifies the caller: its tier and a stable identity to
// key counters by.
type ClientResolver func(c echo.Context) (Tier, string)

// DefaultResolver treats callers without an API key as anonymous, keyed
// by IP. Keyed callers default to the basic tier and may carry an
// explicit tier claim; validating the claim against an account store is a
// concern of the surrounding application.
func DefaultResolver(c echo.Context) (Tier, string) {
	apiKey := c.Request().Header.Get("X-API-Key")
	if apiKey == "" {
		return TierAnonymous, c.RealIP()
	}
	if c.Request().Header.Get("X-Client-Tier") == string(TierPro) {
		return TierPro, apiKey
	}
	return TierBasic, apiKey
}

// MiddlewareConfig wires the limiter into the request pipeline.
type MiddlewareConfig struct {
	Limiter        *Limiter
	Tiers          TierLimits
	EndpointLimits map[string]EndpointLimit
	BypassPaths    map[string]struct{}
	Resolve        ClientResolver
}

// DefaultBypassPaths returns the operational paths that skip all limiting
// unconditionally.
func DefaultBypassPaths() map[string]struct{} {
	return map[string]struct{}{
		"/health/live":  {},
		"/health/ready": {},
		"/metrics":      {},
	}
}

// Middleware returns an Echo middleware enforcing the tiered request
// path: the tier budget is checked first, then the endpoint budget for
// expensive paths. The first failed check rejects the request with a
// structured over-limit response.
func Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	if cfg.Resolve == nil {
		cfg.Resolve = DefaultResolver
	}
	if cfg.BypassPaths == nil {
		cfg.BypassPaths = DefaultBypassPaths()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if _, bypass := cfg.BypassPaths[path]; bypass {
				return next(c)
			}

			tier, clientID := cfg.Resolve(c)
			ctx := c.Request().Context()

			tierLimit := cfg.Tiers.limitFor(tier)
			tierKey := fmt.Sprintf("ratelimit:tier:%s:%s", tier, clientID)
			allowed, current, resetIn := cfg.Limiter.CheckAndIncrement(ctx, tierKey, tierLimit, tierWindow)
			if !allowed {
				reset := resetSeconds(resetIn)
				return apperrors.RateLimitedError(tierLimit, 0, reset, reset).
					WithContext("tier", string(tier))
			}

			limit, remaining, reset := tierLimit, tierLimit-current, resetSeconds(resetIn)

			if el, ok := cfg.EndpointLimits[path]; ok {
				endpointKey := fmt.Sprintf("ratelimit:endpoint:%s:%s", path, clientID)
				allowed, epCurrent, epResetIn := cfg.Limiter.CheckAndIncrement(ctx, endpointKey, el.Limit, el.Window)
				epReset := resetSeconds(epResetIn)
				if !allowed {
					return apperrors.RateLimitedError(el.Limit, 0, epReset, epReset).
						WithContext("path", path)
				}
				// Surface the tighter budget for client-side planning.
				if el.Limit-epCurrent < remaining {
					limit, remaining, reset = el.Limit, el.Limit-epCurrent, epReset
				}
			}

			writeBudgetHeaders(c, limit, remaining, reset)
			return next(c)
		}
	}
}

// resetSeconds rounds a window remainder up to whole seconds so a client
// never retries before the window actually turns over.
func resetSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeBudgetHeaders(c echo.Context, limit, remaining int, reset int64) {
	if remaining < 0 {
		remaining = 0
	}
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}
