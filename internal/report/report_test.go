package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() UnitReport {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	return UnitReport{
		RunID:       uuid.MustParse("7f2c1e7a-3b43-4f0c-9c41-4c7b0a7e2d11"),
		Kind:        KindPurge,
		Language:    "ITA_Italia",
		Asset:       "3.bz2",
		Destination: "leaks",
		Status:      StatusSucceeded,
		Records:     1200,
		Recovered:   4,
		Discarded:   1,
		StartedAt:   started,
		FinishedAt:  started.Add(90 * time.Second),
	}
}

type fakeWriter struct {
	mu       sync.Mutex
	errs     []error
	messages []kafka.Message
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]

		if err != nil {
			return err
		}
	}

	f.messages = append(f.messages, msgs...)

	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true

	return nil
}

func TestLogReporter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var buf bytes.Buffer

	rep := NewLogReporter(slog.New(slog.NewJSONHandler(&buf, nil)))

	failed := sampleReport()
	failed.Status = StatusFailed
	failed.Error = "too many consecutive unparsable lines"

	require.NoError(t, rep.Report(t.Context(), failed))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "ITA_Italia", line["language"])
	assert.Equal(t, "3.bz2", line["asset"])
	assert.Equal(t, "failed", line["status"])
	assert.Equal(t, failed.Error, line["error"])
	assert.EqualValues(t, 1200, line["records"])
}

func TestUnitReport_JSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := sampleReport()

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var back UnitReport
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, r, back)
	assert.Equal(t, 90*time.Second, r.Duration())
	assert.Equal(t, "purge/ITA_Italia", r.Key())
	assert.NotContains(t, string(data), `"error"`)
}

func TestKafkaReporter_PublishesKeyedJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	w := &fakeWriter{}
	rep := newKafkaReporter(w)

	require.NoError(t, rep.Report(t.Context(), sampleReport()))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "purge/ITA_Italia", string(msg.Key))

	var decoded UnitReport
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, sampleReport(), decoded)

	require.NoError(t, rep.Close())
	assert.True(t, w.closed)
}

func TestKafkaReporter_Retries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("temporary errors are retried", func(t *testing.T) {
		w := &fakeWriter{errs: []error{kafka.LeaderNotAvailable, kafka.WriteErrors{kafka.LeaderNotAvailable}}}
		rep := newKafkaReporter(w, WithRetry(time.Millisecond, 2*time.Millisecond, 5))

		require.NoError(t, rep.Report(t.Context(), sampleReport()))
		assert.Len(t, w.messages, 1)
	})

	t.Run("permanent errors fail at once", func(t *testing.T) {
		w := &fakeWriter{errs: []error{kafka.MessageSizeTooLarge}}
		rep := newKafkaReporter(w, WithRetry(time.Millisecond, time.Millisecond, 5))

		err := rep.Report(t.Context(), sampleReport())
		require.ErrorIs(t, err, ErrPublishFailed)
		assert.Empty(t, w.errs)
		assert.Empty(t, w.messages)
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		w := &fakeWriter{errs: []error{kafka.LeaderNotAvailable, kafka.LeaderNotAvailable, kafka.LeaderNotAvailable}}
		rep := newKafkaReporter(w, WithRetry(time.Millisecond, time.Millisecond, 2))

		err := rep.Report(t.Context(), sampleReport())
		require.ErrorIs(t, err, ErrPublishFailed)
		assert.Len(t, w.errs, 1)
	})
}

type recordingReporter struct {
	reports []UnitReport
	err     error
	closed  bool
}

func (r *recordingReporter) Report(_ context.Context, u UnitReport) error {
	r.reports = append(r.reports, u)

	return r.err
}

func (r *recordingReporter) Close() error {
	r.closed = true

	return r.err
}

func TestMulti(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	boom := errors.New("boom")
	a := &recordingReporter{}
	b := &recordingReporter{err: boom}

	rep := Multi(a, nil, b)

	err := rep.Report(t.Context(), sampleReport())
	require.ErrorIs(t, err, boom)
	assert.Len(t, a.reports, 1, "a failing reporter does not starve the others")
	assert.Len(t, b.reports, 1)

	require.ErrorIs(t, rep.Close(), boom)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
