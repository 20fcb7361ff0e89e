package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/catalog-etl/internal/catalog"
	"github.com/johndauphine/catalog-etl/internal/checkpoint"
	"github.com/johndauphine/catalog-etl/internal/config"
	"github.com/johndauphine/catalog-etl/internal/source"
)

type stubSource struct{ pingErr error }

func (s *stubSource) StreamChanged(context.Context, string, time.Time, func([]source.ChangedRow) error) error {
	return nil
}
func (s *stubSource) ResolveIDs(context.Context, string, []string) ([]string, error) { return nil, nil }
func (s *stubSource) FetchByIDs(context.Context, string, []string, catalog.RecordKind, func([]catalog.Document) error) error {
	return nil
}
func (s *stubSource) Ping(context.Context) error { return s.pingErr }
func (s *stubSource) Close()                     {}

type stubSink struct {
	pingErr  error
	existing map[string]bool
}

func (s *stubSink) EnsureIndex(_ context.Context, name string, _ []byte) (bool, error) {
	if s.existing[name] {
		return false, nil
	}
	s.existing[name] = true
	return true, nil
}
func (s *stubSink) Load(context.Context, string, []catalog.Document) error { return nil }
func (s *stubSink) Ping(context.Context) error                            { return s.pingErr }

func testConfig() *config.Config {
	return &config.Config{
		State: config.StateConfig{Backend: "redis", KeyPrefix: "ETL"},
		ETL: config.ETLConfig{
			SleepInterval:    time.Second,
			LockTTL:          10 * time.Second,
			RetryMaxElapsed:  time.Second,
			RetryMaxInterval: 100 * time.Millisecond,
			ShutdownGrace:    time.Second,
		},
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *miniredis.Miniredis, *stubSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	open := func() checkpoint.Store {
		s, err := checkpoint.NewRedisStore("redis://"+mr.Addr(), "ETL")
		require.NoError(t, err)
		return s
	}
	cat, err := catalog.Default()
	require.NoError(t, err)
	sink := &stubSink{existing: map[string]bool{}}
	o := newOrchestrator(testConfig(), cat, &stubSource{}, sink, open(), open())
	t.Cleanup(o.Close)
	return o, mr, sink
}

func TestLoadCatalogSelectsTables(t *testing.T) {
	cfg := testConfig()
	cfg.ETL.Tables = []string{"genre", "filmwork"}
	cat, err := LoadCatalog(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"filmwork", "genre"}, cat.TableNames())

	cfg.ETL.Tables = []string{"studio"}
	_, err = LoadCatalog(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "studio")
}

func TestStatus(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	wm := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, o.state.SetWatermark(ctx, "person", wm))
	require.NoError(t, o.state.SetWatermark(ctx, "legacy", wm))
	ok, err := o.lock.TryAcquireLock(ctx, "host-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := o.Status(ctx)
	require.NoError(t, err)

	require.Len(t, res.Tables, 4)
	assert.Equal(t, "filmwork", res.Tables[0].Table)
	assert.Nil(t, res.Tables[0].Watermark)
	assert.Equal(t, "person", res.Tables[1].Table)
	require.NotNil(t, res.Tables[1].Watermark)
	assert.True(t, res.Tables[1].Watermark.Equal(wm))
	assert.Equal(t, TableStatus{Table: "legacy", Watermark: res.Tables[3].Watermark}, res.Tables[3])
	require.NotNil(t, res.Lock)
	assert.Equal(t, "host-a", res.Lock.Owner)

	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, res))
	assert.Contains(t, buf.String(), "filmwork")
	assert.Contains(t, buf.String(), "never")
	assert.Contains(t, buf.String(), "2024-05-01T08:30:00Z")
	assert.Contains(t, buf.String(), "(not in catalog)")
	assert.Contains(t, buf.String(), "Lock: held by host-a")

	buf.Reset()
	require.NoError(t, WriteJSON(&buf, res))
	var decoded StatusResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Tables, 4)
}

func TestReset(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	wm := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, table := range []string{"filmwork", "person", "legacy"} {
		require.NoError(t, o.state.SetWatermark(ctx, table, wm))
	}

	reset, err := o.Reset(ctx, []string{"person"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"person"}, reset)
	marks, err := o.state.Watermarks(ctx)
	require.NoError(t, err)
	assert.Len(t, marks, 2)

	_, err = o.Reset(ctx, []string{"studio"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")

	_, err = o.Reset(ctx, nil, false)
	require.Error(t, err)

	reset, err = o.Reset(ctx, nil, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"filmwork", "person", "genre", "legacy"}, reset)
	marks, err = o.state.Watermarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestBootstrap(t *testing.T) {
	o, _, sink := newTestOrchestrator(t)
	sink.existing["genres"] = true

	created, err := o.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"movies", "persons"}, created)

	created, err = o.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestHealthCheck(t *testing.T) {
	o, mr, sink := newTestOrchestrator(t)

	res := o.HealthCheck(context.Background())
	assert.True(t, res.Healthy)
	require.Len(t, res.Components, 3)
	assert.Equal(t, "postgres", res.Components[0].Name)
	assert.Equal(t, "state:redis", res.Components[2].Name)

	sink.pingErr = errors.New("connection refused")
	mr.Close()

	res = o.HealthCheck(context.Background())
	assert.False(t, res.Healthy)
	assert.True(t, res.Components[0].Connected)
	assert.False(t, res.Components[1].Connected)
	assert.Equal(t, "connection refused", res.Components[1].Error)
	assert.False(t, res.Components[2].Connected)

	var buf bytes.Buffer
	require.NoError(t, WriteHealth(&buf, res))
	assert.Contains(t, buf.String(), "FAIL: connection refused")
	assert.Contains(t, buf.String(), "Overall: unhealthy")
}

func TestWriteAdapters(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	views := Adapters(cat)
	require.Len(t, views, 3)
	assert.Equal(t, "filmwork", views[0].Table)

	var buf bytes.Buffer
	require.NoError(t, WriteAdapters(&buf, cat))
	out := buf.String()
	assert.Contains(t, out, "person\n")
	assert.Contains(t, out, "-> movies (film, linked: ")
	assert.Contains(t, out, "-> genres (genre, identity)")
}

func TestCoordinatorUsesOrchestratorStores(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	c := o.Coordinator(nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	holder, err := o.state.LockHolder(context.Background())
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, c.Owner(), holder.Owner)
}
