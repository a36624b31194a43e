package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDefinition(name string) Definition {
	return Definition{
		Name: name,
		Tasks: []TaskSpec{
			{ID: "fetch", Kind: TaskHTTP, URL: "http://example.com"},
			{ID: "report", Kind: TaskShell, Command: "echo done", DependsOn: []string{"fetch"}},
		},
		MaxConcurrency: 2,
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDefinition(ctx, sampleDefinition("pipeline")))

	def, found, err := s.GetDefinition(ctx, "pipeline")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, def.Tasks, 2)
	assert.Equal(t, []string{"fetch"}, def.Tasks[1].DependsOn)

	_, found, err = s.GetDefinition(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDefinitionRequiresName(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.PutDefinition(context.Background(), Definition{}))
}

func TestDefinitionVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := sampleDefinition("pipeline")
	require.NoError(t, s.PutDefinition(ctx, first))

	second := first
	second.MaxConcurrency = 8
	require.NoError(t, s.PutDefinition(ctx, second))

	def, _, err := s.GetDefinition(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, 8, def.MaxConcurrency)

	versions, err := s.DefinitionVersions(ctx, "pipeline", 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 2, versions[0].MaxConcurrency)
}

func TestDefinitionDeleteArchives(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDefinition(ctx, sampleDefinition("gone")))
	require.NoError(t, s.DeleteDefinition(ctx, "gone"))

	_, found, err := s.GetDefinition(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, found)

	// The deleted definition was copied into the versions bucket.
	assert.Equal(t, 1, s.Stats()["versions_count"])
}

func TestCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	meter := noopmetric.MeterProvider{}.Meter("test")
	ctx := context.Background()

	s, err := Open(dir, meter)
	require.NoError(t, err)
	require.NoError(t, s.PutDefinition(ctx, sampleDefinition("persisted")))
	require.NoError(t, s.Close())

	s2, err := Open(dir, meter)
	require.NoError(t, err)
	defer s2.Close()

	def, found, err := s2.GetDefinition(ctx, "persisted")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persisted", def.Name)
}

func TestExecutionRoundTripAndListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := &ExecutionRecord{
			ID:         string(rune('a' + i)),
			Definition: "pipeline",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			EndedAt:    base.Add(time.Duration(i)*time.Hour + time.Minute),
			OK:         i != 1,
			Tasks: map[string]TaskOutcome{
				"fetch": {Status: "succeeded", Attempts: 1, DurationMs: 42},
			},
		}
		require.NoError(t, s.PutExecution(ctx, rec))
	}

	rec, found, err := s.GetExecution(ctx, "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.OK)
	assert.Equal(t, 1, rec.Tasks["fetch"].Attempts)

	// Window covering only the middle execution.
	recs, err := s.ListExecutions(ctx, "pipeline",
		base.Add(30*time.Minute), base.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].ID)

	// Unknown definitions list empty, not error.
	recs, err = s.ListExecutions(ctx, "nope", base, base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestScheduleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSchedule(ctx, "nightly", []byte(`{"cron":"0 0 2 * * *"}`)))
	require.NoError(t, s.PutSchedule(ctx, "hourly", []byte(`{"cron":"0 7 * * * *"}`)))

	seen := map[string]string{}
	err := s.ForEachSchedule(ctx, func(name string, data []byte) error {
		seen[name] = string(data)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Contains(t, seen["nightly"], "0 0 2")

	require.NoError(t, s.DeleteSchedule(ctx, "nightly"))
	seen = map[string]string{}
	require.NoError(t, s.ForEachSchedule(ctx, func(name string, data []byte) error {
		seen[name] = string(data)
		return nil
	}))
	assert.Len(t, seen, 1)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutDefinition(ctx, sampleDefinition("one")))

	stats := s.Stats()
	assert.Equal(t, 1, stats["definitions_count"])
	assert.Equal(t, 1, stats["cache_definitions"])
}
