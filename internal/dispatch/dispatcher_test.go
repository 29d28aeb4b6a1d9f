package dispatch_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"reportflow/internal/channel"
	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/notify"
	"reportflow/internal/render"
	"reportflow/internal/store"
)

type fakeRenderer struct {
	calls atomic.Int32
	fn    func(attempt int32) (*render.Artifact, error)
}

func (r *fakeRenderer) Render(ctx context.Context, reportID string, format domain.ReportFormat, password string) (*render.Artifact, error) {
	n := r.calls.Add(1)
	if r.fn != nil {
		return r.fn(n)
	}
	return &render.Artifact{Ref: "rpt_x", Filename: "x.csv", ContentType: "text/csv", Data: []byte("a,b\n")}, nil
}

type fakeAdapter struct {
	calls atomic.Int32
	err   error
	block bool
}

func (a *fakeAdapter) Deliver(ctx context.Context, artifact channel.Artifact, cfg domain.DeliveryConfiguration) (channel.Receipt, error) {
	a.calls.Add(1)
	if a.block {
		<-ctx.Done()
		return channel.Receipt{}, channel.Transientf(ctx.Err(), "blocked")
	}
	if a.err != nil {
		return channel.Receipt{}, a.err
	}
	return channel.Receipt{Ref: "ok", DeliveredAt: time.Now()}, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	return store.NewSQLite(db)
}

func setup(t *testing.T, st store.Store, methods ...domain.DeliveryMethod) (domain.ScheduleDefinition, domain.ScheduledReportRun) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	sched := domain.ScheduleDefinition{
		ReportID:  "rpt_sales",
		Frequency: domain.FreqDaily,
		StartDate: now.Add(-24 * time.Hour),
		Timezone:  "UTC",
		Enabled:   true,
		NextRun:   &now,
		Delivery: domain.DeliveryConfiguration{
			Methods: methods,
			Format:  domain.FormatCSV,
			Email:   domain.EmailSettings{Recipients: []string{"ops@example.com"}},
			Webhook: domain.WebhookSettings{URL: "https://example.com/hook"},
		},
		Retry: domain.RetryPolicy{Priority: domain.PriorityNormal},
	}
	id, err := st.CreateSchedule(ctx, sched)
	require.NoError(t, err)
	sched.ID = id

	runID, err := st.CreateRun(ctx, domain.ScheduledReportRun{ScheduleID: id, TriggeredAt: now})
	require.NoError(t, err)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	return sched, run
}

func TestExecuteAllChannelsSucceed(t *testing.T) {
	st := newTestStore(t)
	emailAd := &fakeAdapter{}
	hookAd := &fakeAdapter{}
	d := dispatch.New(st, &fakeRenderer{}, map[domain.DeliveryMethod]channel.Adapter{
		domain.MethodEmail:   emailAd,
		domain.MethodWebhook: hookAd,
	}, notify.Discard{}, 4)

	sched, run := setup(t, st, domain.MethodEmail, domain.MethodWebhook)
	got := d.Execute(context.Background(), run, sched)

	assert.Equal(t, domain.RunSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, got.Channels[domain.MethodEmail].OK)
	assert.True(t, got.Channels[domain.MethodWebhook].OK)
	assert.Equal(t, "rpt_x", got.ArtifactRef)
	require.NotNil(t, got.CompletedAt)

	// Terminal state is persisted.
	persisted, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, persisted.Status)
}

func TestExecuteRenderFailureExhaustsRetries(t *testing.T) {
	st := newTestStore(t)
	renderer := &fakeRenderer{fn: func(int32) (*render.Artifact, error) {
		return nil, errors.New("render exploded")
	}}
	d := dispatch.New(st, renderer, map[domain.DeliveryMethod]channel.Adapter{
		domain.MethodEmail: &fakeAdapter{},
	}, notify.Discard{}, 4)

	sched, run := setup(t, st, domain.MethodEmail)
	sched.Retry = domain.RetryPolicy{RetryOnFailure: true, MaxRetries: 2}

	got := d.Execute(context.Background(), run, sched)

	// maxRetries=2 means exactly 3 attempts on the one run.
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, 3, got.Attempt)
	assert.Equal(t, int32(3), renderer.calls.Load())
	assert.Equal(t, domain.ReasonRenderFailed, got.Reason)
}

func TestExecuteNoRetryWhenDisabled(t *testing.T) {
	st := newTestStore(t)
	d := dispatch.New(st, &fakeRenderer{}, map[domain.DeliveryMethod]channel.Adapter{
		domain.MethodEmail: &fakeAdapter{err: channel.Transientf(nil, "smtp down")},
	}, notify.Discard{}, 4)

	sched, run := setup(t, st, domain.MethodEmail)
	sched.Retry = domain.RetryPolicy{RetryOnFailure: false, MaxRetries: 5}

	got := d.Execute(context.Background(), run, sched)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "smtp down", got.Channels[domain.MethodEmail].Reason)
}

func TestExecutePermanentErrorShortCircuits(t *testing.T) {
	st := newTestStore(t)
	ad := &fakeAdapter{err: channel.Permanentf(nil, "malformed recipient")}
	d := dispatch.New(st, &fakeRenderer{}, map[domain.DeliveryMethod]channel.Adapter{
		domain.MethodEmail: ad,
	}, notify.Discard{}, 4)

	sched, run := setup(t, st, domain.MethodEmail)
	sched.Retry = domain.RetryPolicy{RetryOnFailure: true, MaxRetries: 5}

	got := d.Execute(context.Background(), run, sched)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, 1, got.Attempt, "permanent failures must not burn retries")
	assert.Equal(t, int32(1), ad.calls.Load())
}

func TestExecuteRetryRedeliversAllChannels(t *testing.T) {
	st := newTestStore(t)
	okAd := &fakeAdapter{}
	flaky := &fakeAdapter{err: channel.Transientf(nil, "remote 503")}
	d := dispatch.New(st, &fakeRenderer{}, map[domain.DeliveryMethod]channel.Adapter{
		domain.MethodEmail:   okAd,
		domain.MethodWebhook: flaky,
	}, notify.Discard{}, 4)

	sched, run := setup(t, st, domain.MethodEmail, domain.MethodWebhook)
	sched.Retry = domain.RetryPolicy{RetryOnFailure: true, MaxRetries: 1}

	got := d.Execute(context.Background(), run, sched)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, 2, got.Attempt)
	// The channel that succeeded on attempt 1 is delivered again on
	// attempt 2: duplicate delivery under retry is the documented trade.
	assert.Equal(t, int32(2), okAd.calls.Load())
	assert.Equal(t, int32(2), flaky.calls.Load())
	assert.True(t, got.Channels[domain.MethodEmail].OK)
	assert.False(t, got.Channels[domain.MethodWebhook].OK)
}

func TestExecuteTimeout(t *testing.T) {
	st := newTestStore(t)
	d := dispatch.New(st, &fakeRenderer{}, map[domain.DeliveryMethod]channel.Adapter{
		domain.MethodEmail: &fakeAdapter{block: true},
	}, notify.Discard{}, 4)

	sched, run := setup(t, st, domain.MethodEmail)
	sched.Retry = domain.RetryPolicy{TimeoutSeconds: 1}

	start := time.Now()
	got := d.Execute(context.Background(), run, sched)

	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, domain.ReasonTimeout, got.Channels[domain.MethodEmail].Reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteMissingAdapter(t *testing.T) {
	st := newTestStore(t)
	d := dispatch.New(st, &fakeRenderer{}, map[domain.DeliveryMethod]channel.Adapter{}, notify.Discard{}, 4)

	sched, run := setup(t, st, domain.MethodFTP)
	sched.Retry = domain.RetryPolicy{RetryOnFailure: true, MaxRetries: 3}

	got := d.Execute(context.Background(), run, sched)
	assert.Equal(t, domain.RunFailed, got.Status)
	// No adapter is a configuration problem, not a transient fault.
	assert.Equal(t, 1, got.Attempt)
}
