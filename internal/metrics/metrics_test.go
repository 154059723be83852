package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leakpurge/leakpurge/internal/report"
)

func unit(kind report.Kind, status report.Status, records int64) report.UnitReport {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	return report.UnitReport{
		Kind:       kind,
		Language:   "ITA_Italia",
		Status:     status,
		Records:    records,
		Recovered:  2,
		Discarded:  1,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}
}

func TestRecorder_Report(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	r := New()

	require.NoError(t, r.Report(ctx, unit(report.KindPurge, report.StatusSucceeded, 10)))
	require.NoError(t, r.Report(ctx, unit(report.KindPurge, report.StatusSucceeded, 5)))
	require.NoError(t, r.Report(ctx, unit(report.KindPurge, report.StatusFailed, 99)))
	require.NoError(t, r.Report(ctx, unit(report.KindProcess, report.StatusSucceeded, 7)))

	assert.InDelta(t, 15, testutil.ToFloat64(r.records.WithLabelValues("purge", "ITA_Italia")), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(r.records.WithLabelValues("process", "ITA_Italia")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(r.recovered.WithLabelValues("ITA_Italia")), 0,
		"process units carry no recovery counts")
	assert.InDelta(t, 2, testutil.ToFloat64(r.discarded.WithLabelValues("ITA_Italia")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.units.WithLabelValues("purge", "succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.units.WithLabelValues("purge", "failed")), 0)

	count, err := testutil.GatherAndCount(r.Registry(), "leakpurge_unit_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecorder_PushGateway(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var (
		pushes atomic.Int32
		path   atomic.Value
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		pushes.Add(1)
		path.Store(req.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r := New(WithPushGateway(server.URL, "nightly"))
	require.NoError(t, r.Report(t.Context(), unit(report.KindPurge, report.StatusSucceeded, 1)))
	require.NoError(t, r.Close())

	assert.EqualValues(t, 1, pushes.Load())
	assert.True(t, strings.HasSuffix(path.Load().(string), "/job/nightly"))
}

func TestRecorder_PushFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := New(WithPushGateway(server.URL, ""))
	require.ErrorIs(t, r.Push(t.Context()), ErrPushFailed)
}

func TestRecorder_NoGateway(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := New(WithPushGateway("", "ignored"))
	assert.Nil(t, r.pusher)
	require.NoError(t, r.Close())
}
