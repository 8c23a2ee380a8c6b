package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/artfolio/guard/store"
)

// Reason classifies why an abuse flag was raised.
type Reason string

const (
	// ReasonDuplicateRapidUpload means the same (user, fingerprint) pair was
	// seen again within the duplicate window.
	ReasonDuplicateRapidUpload Reason = "DUPLICATE_RAPID_UPLOAD"

	// ReasonNewAccountUploadLimit means an account still in its grace period
	// exceeded the daily upload ceiling.
	ReasonNewAccountUploadLimit Reason = "NEW_ACCOUNT_UPLOAD_LIMIT"
)

// Flag is an advisory abuse signal handed to the moderation/audit
// collaborator. The Monitor computes and emits flags but never persists
// them; persistence and surfacing to the moderation queue belong to the
// Reporter implementation.
type Flag struct {
	ID         string         `json:"id"`
	Key        string         `json:"key"`
	Reason     Reason         `json:"reason"`
	ObservedAt time.Time      `json:"observed_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Reporter receives abuse flags. Implementations typically write to the
// activity log or enqueue for moderation review. Report is called on the
// request path, so implementations should be fast or hand off to a queue;
// a Report failure or panic never blocks the guarded action.
type Reporter interface {
	Report(ctx context.Context, flag Flag)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, flag Flag)

// Report implements Reporter.
func (f ReporterFunc) Report(ctx context.Context, flag Flag) {
	f(ctx, flag)
}

// MonitorConfig configures the abuse Monitor.
type MonitorConfig struct {
	// NewAccountGracePeriod is how long after creation an account is
	// considered new and subject to the tighter daily upload ceiling.
	NewAccountGracePeriod time.Duration `validate:"required,gt=0"`

	// NewAccountDailyUploadLimit is the upload ceiling for new accounts
	// over a 24 hour window.
	NewAccountDailyUploadLimit int `validate:"required,gt=0"`

	// DuplicateWindow is the trailing window in which a repeated
	// (user, fingerprint) pair counts as a rapid duplicate.
	DuplicateWindow time.Duration `validate:"required,gt=0"`

	// HardRejectDuplicates rejects duplicate uploads instead of only
	// flagging them (default: advisory only).
	HardRejectDuplicates bool

	// StoreTimeout bounds each store operation.
	StoreTimeout time.Duration `validate:"gt=0"`
}

// DefaultMonitorConfig returns the standard abuse heuristics for the
// gallery: a 7 day grace period with 10 uploads/day, and a 10 minute
// duplicate window.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		NewAccountGracePeriod:      7 * 24 * time.Hour,
		NewAccountDailyUploadLimit: 10,
		DuplicateWindow:            10 * time.Minute,
		StoreTimeout:               2 * time.Second,
	}
}

// UploadDecision is the outcome of an abuse check on an upload action.
type UploadDecision struct {
	// Allowed reports whether the upload should proceed. Only the
	// new-account ceiling (and duplicates under HardRejectDuplicates)
	// reject; everything else is advisory.
	Allowed bool

	// Remaining is the number of uploads left under the new-account daily
	// ceiling. Zero-valued for established accounts.
	Remaining int

	// RetryAfter is the time until the daily window resets. Meaningful on
	// reject.
	RetryAfter time.Duration

	// Flags are the abuse signals raised by this check. Already reported
	// to the Reporter; returned for callers that want them inline.
	Flags []Flag
}

// Monitor evaluates upload actions against new-account and duplicate-content
// heuristics, sharing the same counter store mechanism as the rate-limit
// Engine but under its own keys and windows. Heuristic failures never block
// the underlying action: the Monitor fails open and logs a diagnostic.
// Safe for concurrent use.
type Monitor struct {
	store    store.Store
	reporter Reporter
	cfg      MonitorConfig
	now      func() time.Time
}

// NewMonitor creates an abuse monitor. The reporter may be nil, in which
// case flags are computed (and returned on decisions) but not delivered
// anywhere. Returns an error for a nil store or invalid configuration.
func NewMonitor(st store.Store, reporter Reporter, cfg MonitorConfig) (*Monitor, error) {
	if st == nil {
		return nil, errors.New("guard: store is required")
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 2 * time.Second
	}

	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("guard: invalid abuse monitor configuration: %w", err)
	}

	return &Monitor{
		store:    st,
		reporter: reporter,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// IsNewAccount reports whether an account created at the given time is
// still within the grace period. Derived from the creation timestamp on
// every check; no stored state can drift from the true age. A zero creation
// time (unknown) is treated as established.
func (m *Monitor) IsNewAccount(createdAt time.Time) bool {
	if createdAt.IsZero() {
		return false
	}
	return m.now().Sub(createdAt) < m.cfg.NewAccountGracePeriod
}

// CheckUpload runs the abuse heuristics for one upload-class action by the
// given user. The fingerprint may be empty, which skips duplicate detection.
//
// New accounts are charged against a "user:<id>:daily-uploads" counter with
// a 24 hour window and rejected above the daily ceiling. A repeated
// (user, fingerprint) pair within the duplicate window raises a
// DUPLICATE_RAPID_UPLOAD flag; it rejects only when HardRejectDuplicates is
// set. Anonymous actions (empty user ID) pass through untouched — the
// generic upload rate limit still applies to them upstream.
func (m *Monitor) CheckUpload(ctx context.Context, id Identity, fingerprint string) UploadDecision {
	d := UploadDecision{Allowed: true}
	if id.UserID == "" {
		return d
	}

	userKey := "user:" + id.UserID

	if m.IsNewAccount(id.AccountCreatedAt) {
		count, ttl, err := m.increment(ctx, userKey+":daily-uploads", 24*time.Hour)
		switch {
		case err != nil:
			logError(ctx, fmt.Errorf("guard: new-account ceiling check for %s: %w", userKey, err))
		case count > int64(m.cfg.NewAccountDailyUploadLimit):
			d.Allowed = false
			d.RetryAfter = ttl
			d.Flags = append(d.Flags, m.emit(ctx, userKey, ReasonNewAccountUploadLimit, map[string]any{
				"count": count,
				"limit": m.cfg.NewAccountDailyUploadLimit,
			}))
		default:
			d.Remaining = m.cfg.NewAccountDailyUploadLimit - int(count)
		}
	}

	if fingerprint != "" {
		count, _, err := m.increment(ctx, userKey+":fp:"+fingerprint, m.cfg.DuplicateWindow)
		switch {
		case err != nil:
			logError(ctx, fmt.Errorf("guard: duplicate check for %s: %w", userKey, err))
		case count > 1:
			d.Flags = append(d.Flags, m.emit(ctx, userKey, ReasonDuplicateRapidUpload, map[string]any{
				"fingerprint": fingerprint,
				"seen":        count,
			}))
			if m.cfg.HardRejectDuplicates {
				d.Allowed = false
			}
		}
	}

	return d
}

func (m *Monitor) increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return m.store.Increment(cctx, key, window)
}

// emit builds a flag and hands it to the reporter. A panicking reporter is
// contained here so abuse detection stays best-effort.
func (m *Monitor) emit(ctx context.Context, key string, reason Reason, metadata map[string]any) Flag {
	flag := Flag{
		ID:         uuid.NewString(),
		Key:        key,
		Reason:     reason,
		ObservedAt: m.now(),
		Metadata:   metadata,
	}

	if m.reporter != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logError(ctx, fmt.Errorf("guard: abuse reporter panic: %v", rec))
				}
			}()
			m.reporter.Report(ctx, flag)
		}()
	}

	logField(ctx, "abuse_flag", string(reason))
	return flag
}
