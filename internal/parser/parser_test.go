package parser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leakpurge/leakpurge/internal/schema"
)

const wellFormed = "+391234567:42:Mario Rossi:M:05/22/1990:1/15/2019 10:30:00 PM"

// testCompiled ends on a mandatory datetime so that no strict prefix of a valid line
// can match on its own.
func testCompiled(t *testing.T) *schema.Compiled {
	t.Helper()

	compiled, err := schema.Compile(&schema.Schema{
		Language:  "TST",
		Separator: ":",
		Identity:  "fid",
		Fields: []schema.FieldSpec{
			{Name: "phone", Class: schema.ClassPhone, Keep: true, Type: schema.TypeString},
			{Name: "fid", Class: schema.ClassNumeric, Keep: true, Type: schema.TypeNumber},
			{Name: "name", Class: schema.ClassWhole, Optional: true, Keep: true, Type: schema.TypeString},
			{Name: "sex", Class: schema.ClassChar, Optional: true, Keep: false, Type: schema.TypeString},
			{Name: "birthDate", Class: schema.ClassDate, Optional: true, Keep: true, Type: schema.TypeDate},
			{Name: "seen", Class: schema.ClassDatetime, Keep: true, Type: schema.TypeDatetime},
		},
	})
	require.NoError(t, err)

	return compiled
}

func TestParse_CleanLine(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := New(testCompiled(t), Options{Bias: 100_000_000})

	st, res, err := p.Parse(t.Context(), State{}, 5, wellFormed)
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	assert.True(t, st.Clean())
	assert.Equal(t, int64(100_000_005), res.Record.Line)
	assert.Equal(t, "42", res.Record.Identity)
	assert.Equal(t, "+391234567", res.Record.Fields["phone"])
	assert.Equal(t, int64(42), res.Record.Fields["fid"])
	assert.Equal(t, "Mario Rossi", res.Record.Fields["name"])
	assert.Equal(t, time.Date(1990, 5, 22, 0, 0, 0, 0, time.UTC), res.Record.Fields["birthDate"])
	assert.Equal(t, time.Date(2019, 1, 15, 22, 30, 0, 0, time.UTC), res.Record.Fields["seen"])
	assert.NotContains(t, res.Record.Fields, "sex", "keep=false fields are dropped")
}

func TestParse_OptionalFieldOmittedIsNull(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := New(testCompiled(t), Options{})

	_, res, err := p.Parse(t.Context(), State{}, 0, "+391234567:42::M::1/15/2019 10:30:00 AM")
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	assert.Contains(t, res.Record.Fields, "name")
	assert.Nil(t, res.Record.Fields["name"])
	assert.Nil(t, res.Record.Fields["birthDate"])
}

func TestParse_RecoversLineSplitAtAnyOffset(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := New(testCompiled(t), Options{Strict: true})
	ctx := t.Context()

	for offset := 1; offset < len(wellFormed); offset++ {
		head, tail := wellFormed[:offset], wellFormed[offset:]

		st, res, err := p.Parse(ctx, State{}, 7, head)
		require.NoError(t, err, "offset %d", offset)
		require.Nil(t, res.Record, "offset %d: head %q must not parse alone", offset, head)
		require.True(t, st.Recovering)
		require.Equal(t, 1, st.Failures)

		st, res, err = p.Parse(ctx, st, 8, tail)
		require.NoError(t, err, "offset %d", offset)
		require.NotNil(t, res.Record, "offset %d", offset)

		assert.True(t, res.Recovered)
		assert.Equal(t, int64(7), res.RecoveredIndex)
		assert.Equal(t, int64(8), res.Record.Line, "the record keeps the requested index")
		assert.Equal(t, "Mario Rossi", res.Record.Fields["name"])
		assert.True(t, st.Clean())
		assert.Zero(t, st.Failures)
	}
}

func TestParse_PendingGrowsWithConcatenation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := New(testCompiled(t), Options{})
	ctx := t.Context()

	st, _, err := p.Parse(ctx, State{}, 0, "+391234567:4")
	require.NoError(t, err)

	st, res, err := p.Parse(ctx, st, 1, "2:Mario Ro")
	require.NoError(t, err)
	assert.Nil(t, res.Record)
	assert.Equal(t, "+391234567:42:Mario Ro", st.Pending)
	assert.Equal(t, 2, st.Failures)

	st, res, err = p.Parse(ctx, st, 2, "ssi:M:05/22/1990:1/15/2019 10:30:00 PM")
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, "Mario Rossi", res.Record.Fields["name"])
	assert.True(t, st.Clean())
}

func TestParse_FailureBudgetStrict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := New(testCompiled(t), Options{Strict: true})
	ctx := t.Context()
	st := State{}

	for i := 0; i < MaxFailures; i++ {
		var (
			res Result
			err error
		)

		st, res, err = p.Parse(ctx, st, int64(i), "garbage")
		require.NoError(t, err, "line %d", i)
		require.Nil(t, res.Record)
	}

	_, res, err := p.Parse(ctx, st, MaxFailures, "garbage")
	require.ErrorIs(t, err, ErrRecoveryBudgetExceeded)
	assert.Nil(t, res.Record)
}

func TestParse_FailureBudgetLenient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := New(testCompiled(t), Options{})
	ctx := t.Context()
	st := State{}

	var (
		res Result
		err error
	)

	for i := 0; i <= MaxFailures; i++ {
		st, res, err = p.Parse(ctx, st, int64(i), "garbage")
		require.NoError(t, err)
		require.Nil(t, res.Record)
	}

	assert.True(t, res.Discarded)
	assert.True(t, st.Clean())
	assert.Zero(t, st.Failures)

	st, res, err = p.Parse(ctx, st, MaxFailures+1, wellFormed)
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.False(t, res.Recovered)
	assert.True(t, st.Clean())
}

func TestParse_StandaloneLineAfterGarbage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("lenient keeps the line and drops the fragment", func(t *testing.T) {
		p := New(testCompiled(t), Options{})

		st, _, err := p.Parse(ctx, State{}, 0, "garbage")
		require.NoError(t, err)

		st, res, err := p.Parse(ctx, st, 1, wellFormed)
		require.NoError(t, err)
		require.NotNil(t, res.Record)
		assert.True(t, res.Discarded)
		assert.False(t, res.Recovered)
		assert.Equal(t, int64(1), res.Record.Line)
		assert.True(t, st.Clean())
	})

	t.Run("strict fails", func(t *testing.T) {
		p := New(testCompiled(t), Options{Strict: true})

		st, _, err := p.Parse(ctx, State{}, 0, "garbage")
		require.NoError(t, err)

		_, res, err := p.Parse(ctx, st, 1, wellFormed)
		require.ErrorIs(t, err, ErrUnparsableLine)
		assert.Nil(t, res.Record)
	})
}

func TestParse_CoercionFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	line := "+391234567:42:Mario:M:02/30/1990:1/15/2019 10:30:00 PM"

	_, res, err := New(testCompiled(t), Options{}).Parse(t.Context(), State{}, 0, line)
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Nil(t, res.Record.Fields["birthDate"])

	_, _, err = New(testCompiled(t), Options{Strict: true}).Parse(t.Context(), State{}, 0, line)
	assert.ErrorIs(t, err, ErrCoercion)
}

func TestParse_MatchBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := New(testCompiled(t), Options{MatchTimeout: time.Second})

	_, res, err := p.Parse(t.Context(), State{}, 0, wellFormed)
	require.NoError(t, err)
	assert.NotNil(t, res.Record, "a fast match completes within the budget")

	p = New(testCompiled(t), Options{MatchTimeout: time.Nanosecond})

	st, res, err := p.Parse(t.Context(), State{}, 0, strings.Repeat("9", 1<<16))
	require.NoError(t, err)
	assert.Nil(t, res.Record)
	assert.True(t, st.Recovering, "a timed out match counts as a non-match")
}

func TestParse_CancelledContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	for _, timeout := range []time.Duration{0, time.Second} {
		p := New(testCompiled(t), Options{Strict: true, MatchTimeout: timeout})

		t.Run("clean", func(t *testing.T) {
			st, res, err := p.Parse(ctx, State{}, 0, wellFormed)
			require.ErrorIs(t, err, context.Canceled)
			assert.Nil(t, res.Record)
			assert.True(t, st.Clean(), "state is left untouched")
		})

		t.Run("recovering", func(t *testing.T) {
			pending := State{Pending: "+39", Recovering: true, Failures: MaxFailures}

			st, _, err := p.Parse(ctx, pending, 1, wellFormed)
			require.ErrorIs(t, err, context.Canceled)
			require.NotErrorIs(t, err, ErrRecoveryBudgetExceeded)
			assert.Equal(t, pending, st)
		})

		t.Run("repeated lines never exhaust the budget", func(t *testing.T) {
			st := State{}

			for i := range int64(MaxFailures + 2) {
				var err error

				st, _, err = p.Parse(ctx, st, i, wellFormed)
				require.ErrorIs(t, err, context.Canceled)
				require.NotErrorIs(t, err, ErrRecoveryBudgetExceeded)
			}

			assert.Zero(t, st.Failures)
		})
	}
}

func TestParse_IdentityCoercionFailureKeepsMatchedText(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	line := "+391234567:99999999999999999999:Mario:M:05/22/1990:1/15/2019 10:30:00 PM"

	_, res, err := New(testCompiled(t), Options{}).Parse(t.Context(), State{}, 0, line)
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	assert.Nil(t, res.Record.Fields["fid"], "the field itself is stored as null")
	assert.Equal(t, "99999999999999999999", res.Record.Identity, "the record keeps a group of its own")

	_, _, err = New(testCompiled(t), Options{Strict: true}).Parse(t.Context(), State{}, 0, line)
	assert.ErrorIs(t, err, ErrCoercion)
}

func TestSession_CountsAndFinish(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := New(testCompiled(t), Options{Bias: 200}).NewSession()
	ctx := t.Context()

	lines := []string{
		wellFormed,
		wellFormed[:20],
		wellFormed[20:],
		"+391234567:43:Anna:F::1/1/2020 1:00:00 AM",
		"trailing fragment",
	}

	var lineNumbers []int64

	for i, line := range lines {
		rec, err := s.Next(ctx, int64(i), line)
		require.NoError(t, err)

		if rec != nil {
			lineNumbers = append(lineNumbers, rec.Line)
		}
	}

	assert.True(t, s.State().Recovering)

	stats := s.Finish()
	assert.Equal(t, []int64{200, 202, 203}, lineNumbers)
	assert.Equal(t, Stats{Lines: 5, Records: 3, Recovered: 1, Discarded: 1}, stats)
	assert.True(t, s.State().Clean())
}

func TestParse_BiasedLinesAcrossAssetsDoNotCollide(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	compiled := testCompiled(t)
	seen := make(map[int64]bool)

	for asset := int64(0); asset < 3; asset++ {
		s := New(compiled, Options{Bias: asset * 100_000_000}).NewSession()

		for i := int64(0); i < 10; i++ {
			rec, err := s.Next(t.Context(), i, wellFormed)
			require.NoError(t, err)
			require.False(t, seen[rec.Line], "line %d reused", rec.Line)

			seen[rec.Line] = true
		}
	}

	assert.Len(t, seen, 30)
}

func TestParse_LongGarbageStaysBounded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := New(testCompiled(t), Options{})
	st := State{}
	chunk := strings.Repeat("x", 1024)

	for i := 0; i < 5*(MaxFailures+1); i++ {
		var err error

		st, _, err = p.Parse(t.Context(), st, int64(i), chunk)
		require.NoError(t, err)
		require.LessOrEqual(t, len(st.Pending), (MaxFailures+1)*len(chunk))
	}
}
