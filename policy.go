package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/artfolio/guard/store"
)

// Class names a category of API routes sharing one rate-limit policy.
type Class string

const (
	// ClassGeneral covers authenticated CRUD endpoints (galleries, collections, artworks).
	ClassGeneral Class = "general"

	// ClassUpload covers artwork image uploads.
	ClassUpload Class = "upload"

	// ClassAuth covers login, registration, and password reset.
	ClassAuth Class = "auth"

	// ClassPublic covers unauthenticated read endpoints.
	ClassPublic Class = "public"

	// ClassMessageSend covers user-to-user message sending.
	ClassMessageSend Class = "message-send"
)

// Limit is the static policy for one endpoint class: at most Max requests
// per Window. Limits are defined at startup and never mutated.
type Limit struct {
	Max    int           `validate:"required,gt=0"`
	Window time.Duration `validate:"required,gt=0"`
}

// DefaultLimits returns the standard per-class policy table for the gallery
// API. Callers may override individual classes before constructing an Engine.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassGeneral:     {Max: 100, Window: time.Minute},
		ClassUpload:      {Max: 20, Window: time.Hour},
		ClassAuth:        {Max: 10, Window: 15 * time.Minute},
		ClassPublic:      {Max: 300, Window: time.Minute},
		ClassMessageSend: {Max: 30, Window: time.Minute},
	}
}

// FailMode controls what the Engine does when the counter store is
// unavailable or times out.
type FailMode int

const (
	// FailOpen admits requests when the store is unavailable (default).
	// Rate limiting is a defense-in-depth control; losing it briefly is
	// preferable to turning a store outage into an API outage.
	FailOpen FailMode = iota

	// FailClosed rejects requests when the store is unavailable.
	// Use for endpoints where exceeding the quota is worse than downtime.
	FailClosed
)

// Identity is the caller identity a rate-limit check counts against.
// Derivation is deterministic: the same logical caller always maps to the
// same key within a window.
type Identity struct {
	// UserID is the authenticated user identifier, empty when anonymous.
	UserID string

	// IP is the best-available client network address, empty when unknown.
	IP string

	// AccountCreatedAt is the account creation time for authenticated
	// callers. Zero when anonymous. Consumed by the abuse Monitor.
	AccountCreatedAt time.Time
}

// Key derives the counting key: "user:<id>" for authenticated callers,
// "ip:<address>" otherwise. Anonymous callers with no extractable address
// share the single "ip:unknown" bucket; that degradation is deliberate and
// preferable to skipping the limit entirely.
func (id Identity) Key() string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	if id.IP != "" {
		return "ip:" + id.IP
	}
	return "ip:unknown"
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	// Allowed reports whether the request should proceed.
	Allowed bool

	// Limit is the request ceiling for the window.
	Limit int

	// Remaining is the number of requests left in the window, never negative.
	Remaining int

	// ResetAt is when the current window expires.
	ResetAt time.Time

	// RetryAfter is the time until the window resets. Meaningful on reject.
	RetryAfter time.Duration

	// Key is the counter key the check was charged against.
	Key string

	// Degraded reports that the store was unavailable and the FailMode
	// produced this decision instead of a real count.
	Degraded bool
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, with a
// floor of 1 so a Retry-After header is never zero.
func (d Decision) RetryAfterSeconds() int {
	return retryAfterSeconds(d.RetryAfter)
}

func retryAfterSeconds(ttl time.Duration) int {
	s := int(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// EngineConfig configures an Engine. The zero value gets DefaultLimits, a
// 2 second store timeout, and FailOpen.
type EngineConfig struct {
	// Limits is the endpoint class policy table.
	Limits map[Class]Limit `validate:"required,min=1,dive"`

	// FailMode selects fail-open or fail-closed on store errors.
	FailMode FailMode `validate:"min=0,max=1"`

	// StoreTimeout bounds each store operation. A store call that does not
	// complete in time is treated as a store failure.
	StoreTimeout time.Duration `validate:"gt=0"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Engine evaluates requests against the per-class policy table using a
// counter store. It is the only component that reads or mutates counters.
// Safe for concurrent use.
type Engine struct {
	store    store.Store
	limits   map[Class]Limit
	failMode FailMode
	timeout  time.Duration
}

// NewEngine creates a policy engine backed by the given store.
// Returns an error for a nil store or a misconfigured policy table
// (missing, zero, or negative limits). Misconfiguration is a programming
// error; fail loudly at process startup rather than per-request.
func NewEngine(st store.Store, cfg EngineConfig) (*Engine, error) {
	if st == nil {
		return nil, errors.New("guard: store is required")
	}
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits()
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 2 * time.Second
	}

	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("guard: invalid rate limit configuration: %w", err)
	}

	limits := make(map[Class]Limit, len(cfg.Limits))
	for class, lim := range cfg.Limits {
		limits[class] = lim
	}

	return &Engine{
		store:    st,
		limits:   limits,
		failMode: cfg.FailMode,
		timeout:  cfg.StoreTimeout,
	}, nil
}

// LimitFor returns the configured policy for a class.
func (e *Engine) LimitFor(class Class) (Limit, bool) {
	lim, ok := e.limits[class]
	return lim, ok
}

// Check charges one request against the caller's counter for the given
// endpoint class and decides admit or reject. The act of checking counts as
// a request: the increment happens exactly once whether or not the request
// is ultimately admitted.
//
// Counters for distinct classes are independent even for the same caller;
// the key is prefixed with the class name.
//
// Check never fails the request pipeline. On store error or timeout it logs
// a diagnostic and applies the configured FailMode, marking the decision
// Degraded.
func (e *Engine) Check(ctx context.Context, class Class, id Identity) Decision {
	key := string(class) + ":" + id.Key()

	lim, ok := e.limits[class]
	if !ok {
		logError(ctx, fmt.Errorf("guard: no rate limit policy for class %q", class))
		return e.degradedDecision(key, lim)
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	count, ttl, err := e.store.Increment(cctx, key, lim.Window)
	if err != nil {
		logError(ctx, fmt.Errorf("guard: rate limit check for %s: %w", key, err))
		logField(ctx, "rate_limit_degraded", true)
		return e.degradedDecision(key, lim)
	}

	remaining := int64(lim.Max) - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		// The boundary request (count == Max) is admitted; only the
		// (Max+1)th request within the window is rejected.
		Allowed:    count <= int64(lim.Max),
		Limit:      lim.Max,
		Remaining:  int(remaining),
		ResetAt:    time.Now().Add(ttl),
		RetryAfter: ttl,
		Key:        key,
	}
}

func (e *Engine) degradedDecision(key string, lim Limit) Decision {
	return Decision{
		Allowed:    e.failMode == FailOpen,
		Limit:      lim.Max,
		Remaining:  lim.Max,
		ResetAt:    time.Now().Add(lim.Window),
		RetryAfter: lim.Window,
		Key:        key,
		Degraded:   true,
	}
}
