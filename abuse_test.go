package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/artfolio/guard/store"
)

// captureReporter records flags for assertions.
type captureReporter struct {
	mu    sync.Mutex
	flags []Flag
}

func (r *captureReporter) Report(_ context.Context, flag Flag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags = append(r.flags, flag)
}

func (r *captureReporter) reasons() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reason, len(r.flags))
	for i, f := range r.flags {
		out[i] = f.Reason
	}
	return out
}

func newTestMonitor(t *testing.T, st store.Store, reporter Reporter, cfg MonitorConfig) *Monitor {
	t.Helper()
	m, err := NewMonitor(st, reporter, cfg)
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	return m
}

func TestNewMonitor_Validation(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	tests := []struct {
		name    string
		store   store.Store
		cfg     MonitorConfig
		wantErr bool
	}{
		{
			name:  "defaults are valid",
			store: st,
			cfg:   DefaultMonitorConfig(),
		},
		{
			name:    "nil store",
			store:   nil,
			cfg:     DefaultMonitorConfig(),
			wantErr: true,
		},
		{
			name:    "zero grace period",
			store:   st,
			cfg:     MonitorConfig{NewAccountDailyUploadLimit: 10, DuplicateWindow: time.Minute},
			wantErr: true,
		},
		{
			name:    "zero daily limit",
			store:   st,
			cfg:     MonitorConfig{NewAccountGracePeriod: time.Hour, DuplicateWindow: time.Minute},
			wantErr: true,
		},
		{
			name:    "zero duplicate window",
			store:   st,
			cfg:     MonitorConfig{NewAccountGracePeriod: time.Hour, NewAccountDailyUploadLimit: 10},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMonitor(tt.store, nil, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMonitor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMonitor_IsNewAccount(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	m := newTestMonitor(t, st, nil, DefaultMonitorConfig())

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	tests := []struct {
		name      string
		createdAt time.Time
		want      bool
	}{
		{name: "created yesterday", createdAt: now.Add(-24 * time.Hour), want: true},
		{name: "created just inside grace period", createdAt: now.Add(-7*24*time.Hour + time.Second), want: true},
		{name: "created exactly at grace boundary", createdAt: now.Add(-7 * 24 * time.Hour), want: false},
		{name: "created a month ago", createdAt: now.Add(-30 * 24 * time.Hour), want: false},
		{name: "unknown creation time treated as established", createdAt: time.Time{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.IsNewAccount(tt.createdAt); got != tt.want {
				t.Errorf("IsNewAccount() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitor_NewAccountDailyCeiling(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	reporter := &captureReporter{}
	m := newTestMonitor(t, st, reporter, DefaultMonitorConfig())

	ctx := context.Background()
	id := Identity{UserID: "42", AccountCreatedAt: time.Now().Add(-24 * time.Hour)}

	// Ten uploads within the day are allowed.
	for i := 1; i <= 10; i++ {
		d := m.CheckUpload(ctx, id, "")
		if !d.Allowed {
			t.Fatalf("upload %d: expected allow", i)
		}
		if want := 10 - i; d.Remaining != want {
			t.Errorf("upload %d: Remaining = %d, want %d", i, d.Remaining, want)
		}
	}

	// The eleventh is rejected and flagged.
	d := m.CheckUpload(ctx, id, "")
	if d.Allowed {
		t.Fatal("upload 11: expected reject")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 24*time.Hour {
		t.Errorf("RetryAfter = %v, want in (0, 24h]", d.RetryAfter)
	}
	if len(d.Flags) != 1 || d.Flags[0].Reason != ReasonNewAccountUploadLimit {
		t.Fatalf("Flags = %+v, want one NEW_ACCOUNT_UPLOAD_LIMIT flag", d.Flags)
	}
	if d.Flags[0].Key != "user:42" {
		t.Errorf("flag key = %q, want user:42", d.Flags[0].Key)
	}
	if d.Flags[0].ID == "" {
		t.Error("expected flag ID")
	}
	if got := reporter.reasons(); len(got) != 1 || got[0] != ReasonNewAccountUploadLimit {
		t.Errorf("reported reasons = %v, want [NEW_ACCOUNT_UPLOAD_LIMIT]", got)
	}
}

func TestMonitor_EstablishedAccountNotCeilinged(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	reporter := &captureReporter{}
	m := newTestMonitor(t, st, reporter, DefaultMonitorConfig())

	ctx := context.Background()
	id := Identity{UserID: "42", AccountCreatedAt: time.Now().Add(-30 * 24 * time.Hour)}

	for i := 1; i <= 15; i++ {
		if d := m.CheckUpload(ctx, id, ""); !d.Allowed {
			t.Fatalf("upload %d: established account must not hit the new-account ceiling", i)
		}
	}

	// No daily-uploads counter should have been charged.
	count, err := st.Get(ctx, "user:42:daily-uploads")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if count != 0 {
		t.Errorf("daily-uploads count = %d, want 0", count)
	}
	if got := reporter.reasons(); len(got) != 0 {
		t.Errorf("reported reasons = %v, want none", got)
	}
}

func TestMonitor_DuplicateDetection(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	reporter := &captureReporter{}
	m := newTestMonitor(t, st, reporter, DefaultMonitorConfig())

	ctx := context.Background()
	id := Identity{UserID: "42", AccountCreatedAt: time.Now().Add(-30 * 24 * time.Hour)}

	// First sighting of the fingerprint passes clean.
	d := m.CheckUpload(ctx, id, "sha256:abc123")
	if !d.Allowed || len(d.Flags) != 0 {
		t.Fatalf("first upload: Allowed = %v, Flags = %v, want clean allow", d.Allowed, d.Flags)
	}

	// Repeat within the window is flagged but still allowed (advisory).
	d = m.CheckUpload(ctx, id, "sha256:abc123")
	if !d.Allowed {
		t.Error("duplicate upload: expected allow (advisory by default)")
	}
	if len(d.Flags) != 1 || d.Flags[0].Reason != ReasonDuplicateRapidUpload {
		t.Fatalf("Flags = %+v, want one DUPLICATE_RAPID_UPLOAD flag", d.Flags)
	}
	if got := d.Flags[0].Metadata["fingerprint"]; got != "sha256:abc123" {
		t.Errorf("flag fingerprint metadata = %v, want sha256:abc123", got)
	}

	// A different fingerprint from the same user passes clean.
	d = m.CheckUpload(ctx, id, "sha256:def456")
	if !d.Allowed || len(d.Flags) != 0 {
		t.Errorf("different fingerprint: Allowed = %v, Flags = %v, want clean allow", d.Allowed, d.Flags)
	}

	// The same fingerprint from a different user also passes clean.
	other := Identity{UserID: "7", AccountCreatedAt: time.Now().Add(-30 * 24 * time.Hour)}
	d = m.CheckUpload(ctx, other, "sha256:abc123")
	if !d.Allowed || len(d.Flags) != 0 {
		t.Errorf("other user: Allowed = %v, Flags = %v, want clean allow", d.Allowed, d.Flags)
	}
}

func TestMonitor_HardRejectDuplicates(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	cfg := DefaultMonitorConfig()
	cfg.HardRejectDuplicates = true
	m := newTestMonitor(t, st, nil, cfg)

	ctx := context.Background()
	id := Identity{UserID: "42", AccountCreatedAt: time.Now().Add(-30 * 24 * time.Hour)}

	m.CheckUpload(ctx, id, "sha256:abc123")
	d := m.CheckUpload(ctx, id, "sha256:abc123")
	if d.Allowed {
		t.Error("expected reject with HardRejectDuplicates")
	}
	if len(d.Flags) != 1 || d.Flags[0].Reason != ReasonDuplicateRapidUpload {
		t.Errorf("Flags = %+v, want one DUPLICATE_RAPID_UPLOAD flag", d.Flags)
	}
}

func TestMonitor_FailsOpen(t *testing.T) {
	reporter := &captureReporter{}
	m := newTestMonitor(t, failingStore{}, reporter, DefaultMonitorConfig())

	ctx := context.Background()
	id := Identity{UserID: "42", AccountCreatedAt: time.Now().Add(-time.Hour)}

	d := m.CheckUpload(ctx, id, "sha256:abc123")
	if !d.Allowed {
		t.Error("expected allow when the store is unavailable")
	}
	if len(d.Flags) != 0 {
		t.Errorf("Flags = %v, want none", d.Flags)
	}
}

func TestMonitor_AnonymousPassThrough(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	m := newTestMonitor(t, st, nil, DefaultMonitorConfig())

	d := m.CheckUpload(context.Background(), Identity{}, "sha256:abc123")
	if !d.Allowed || len(d.Flags) != 0 {
		t.Errorf("Allowed = %v, Flags = %v, want clean allow for anonymous", d.Allowed, d.Flags)
	}
	if st.Len() != 0 {
		t.Errorf("store entries = %d, want 0 for anonymous action", st.Len())
	}
}

func TestMonitor_ReporterPanicContained(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	panicking := ReporterFunc(func(context.Context, Flag) {
		panic("reporter exploded")
	})
	m := newTestMonitor(t, st, panicking, DefaultMonitorConfig())

	ctx := context.Background()
	id := Identity{UserID: "42", AccountCreatedAt: time.Now().Add(-30 * 24 * time.Hour)}

	m.CheckUpload(ctx, id, "sha256:abc123")

	// Must not panic, and the duplicate flag is still returned inline.
	d := m.CheckUpload(ctx, id, "sha256:abc123")
	if !d.Allowed {
		t.Error("expected allow despite reporter panic")
	}
	if len(d.Flags) != 1 {
		t.Errorf("Flags = %v, want the flag returned inline", d.Flags)
	}
}

func TestMonitor_NewAccountTransition(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	m := newTestMonitor(t, st, nil, DefaultMonitorConfig())

	createdAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	id := Identity{UserID: "42", AccountCreatedAt: createdAt}

	// Day two: the ceiling applies.
	m.now = func() time.Time { return createdAt.Add(48 * time.Hour) }
	for i := 0; i < 11; i++ {
		m.CheckUpload(ctx, id, "")
	}
	if d := m.CheckUpload(ctx, id, ""); d.Allowed {
		t.Fatal("expected reject while account is new")
	}

	// After the grace period the ceiling no longer applies, with no stored
	// state transition; the age is derived on each check.
	m.now = func() time.Time { return createdAt.Add(8 * 24 * time.Hour) }
	if d := m.CheckUpload(ctx, id, ""); !d.Allowed {
		t.Error("expected allow after grace period elapsed")
	}
}
