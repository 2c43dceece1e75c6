package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestClassify_Scenario(t *testing.T) {
	t.Parallel()

	T := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	policy := Policy{SoonWindow: 30 * time.Minute, GraceWindow: 7200 * time.Second}
	duration := intPtr(1800)

	tests := []struct {
		name   string
		offset time.Duration
		want   State
	}{
		{"well before soon window", -2 * time.Hour, StatePending},
		{"soon window opens", -1800 * time.Second, StateSoon},
		{"one second before start", -time.Second, StateSoon},
		{"at start", 0, StateLive},
		{"a minute in", 60 * time.Second, StateLive},
		{"last second of grace", (1800 + 7199) * time.Second, StateLive},
		{"exact end of grace", (1800 + 7200) * time.Second, StateEnded},
		{"after grace", (1800 + 7201) * time.Second, StateEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(T.Add(tt.offset), T, duration, policy))
		})
	}
}

func TestClassify_NilDurationNeverEnds(t *testing.T) {
	t.Parallel()

	T := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	policy := DefaultPolicy()

	for _, offset := range []time.Duration{-time.Hour, 0, time.Hour, 30 * 24 * time.Hour} {
		assert.Equal(t, StatePending, Classify(T.Add(offset), T, nil, policy), "offset %s", offset)
	}
}

func TestClassify_Monotonic(t *testing.T) {
	t.Parallel()

	T := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	policy := DefaultPolicy()

	for _, d := range []int{0, 1, 59, 1800, 5400} {
		prev := StatePending
		for now := T.Add(-3 * time.Hour); now.Before(T.Add(6 * time.Hour)); now = now.Add(37 * time.Second) {
			got := Classify(now, T, intPtr(d), policy)
			require.GreaterOrEqual(t, got.Rank(), prev.Rank(), "state regressed at %s for duration %d", now, d)
			prev = got
		}
		assert.Equal(t, StateEnded, prev, "duration %d should end within the sweep", d)
	}
}

func TestPolicy_Normalize(t *testing.T) {
	t.Parallel()

	p, err := Policy{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	p, err = Policy{SoonWindow: time.Minute, GraceWindow: time.Hour}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, p.SoonWindow)
	assert.Equal(t, time.Hour, p.GraceWindow)

	_, err = Policy{GraceWindow: -time.Second}.Normalize()
	assert.Error(t, err)
}

func TestEndOfWindow(t *testing.T) {
	t.Parallel()

	T := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	end := EndOfWindow(T, 1800, DefaultPolicy())
	assert.Equal(t, T.Add(30*time.Minute+2*time.Hour), end)
}

func TestState_Helpers(t *testing.T) {
	t.Parallel()

	assert.True(t, StateLive.Visible())
	assert.False(t, StateSoon.Visible())
	assert.Equal(t, -1, State("bogus").Rank())
	assert.True(t, HasStarted(time.Unix(10, 0), time.Unix(10, 0)))
	assert.False(t, HasStarted(time.Unix(9, 0), time.Unix(10, 0)))
}
