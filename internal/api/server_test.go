package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/config"
	"github.com/placewise/blockpipe/internal/migrator"
	"github.com/placewise/blockpipe/internal/monitor"
	"github.com/placewise/blockpipe/internal/pipeline"
	pubmem "github.com/placewise/blockpipe/internal/publisher/memory"
	queuemem "github.com/placewise/blockpipe/internal/queue/memory"
	"github.com/placewise/blockpipe/internal/scheduler"
	"github.com/placewise/blockpipe/internal/store/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDGen struct {
	n int
}

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type testEnv struct {
	server *Server
	blocks *memory.BlockStore
	queue  *queuemem.Queue
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	blocks := memory.NewBlockStore(&seqIDGen{}, clock)
	jobs := memory.NewJobStore(clock)
	q := queuemem.NewQueue()
	t.Cleanup(q.Close)

	sched := scheduler.New(jobs, q, pubmem.New(), nil, zap.NewNop(), clock, &seqIDGen{}, scheduler.Config{MaxRetries: 1})
	sched.Register(block.JobTypeFullCrawl, scheduler.RunnerFunc(
		func(context.Context, block.CrawlJob, pipeline.ProgressFunc) (block.JobResult, error) {
			return block.JobResult{}, nil
		}))

	mon := monitor.New(blocks, monitor.Thresholds{}, zap.NewNop())
	mig := migrator.New(blocks, memory.NewObjectSink(), &seqIDGen{}, clock, zap.NewNop())

	if cfg.Server.TimeoutSeconds == 0 {
		cfg.Server.TimeoutSeconds = 30
	}
	server := NewServer(blocks, sched, mon, mig, nil, zap.NewNop(), cfg)
	return &testEnv{server: server, blocks: blocks, queue: q}
}

func (e *testEnv) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func seedPlace(t *testing.T, env *testEnv, name string) block.PlaceBlock {
	t.Helper()
	blk, err := env.blocks.CreatePlace(context.Background(), block.PlaceBlock{
		Payload: block.PlacePayload{
			Source:  "visitkorea",
			Name:    name,
			Address: "17 Seongsu-dong",
		},
	})
	require.NoError(t, err)
	return blk
}

func TestServer_ScheduleJob_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	body := []byte(`{"type":"full_crawl","priority":7,"config":{"sources":["visitkorea"]}}`)

	rec := env.do(http.MethodPost, "/v1/jobs", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"id-1"`)
	require.Equal(t, 1, env.queue.Len())
}

func TestServer_ScheduleJob_InvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/jobs", []byte("{invalid"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ScheduleJob_ValidationError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	body := []byte(`{"type":"full_crawl","priority":99,"config":{"sources":["visitkorea"]}}`)

	rec := env.do(http.MethodPost, "/v1/jobs", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "priority")
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	body := []byte(`{"type":"full_crawl","priority":5,"config":{"sources":["visitkorea"]}}`)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/jobs", body).Code)

	rec := env.do(http.MethodGet, "/v1/jobs/id-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"pending"`)

	rec = env.do(http.MethodGet, "/v1/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelJob_TwiceConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	body := []byte(`{"type":"full_crawl","priority":5,"config":{"sources":["visitkorea"]}}`)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/jobs", body).Code)

	rec := env.do(http.MethodPost, "/v1/jobs/id-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/v1/jobs/id-1/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_PauseAndResumeRequireLegalStates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	body := []byte(`{"type":"full_crawl","priority":5,"config":{"sources":["visitkorea"]}}`)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/jobs", body).Code)

	// A pending job has never run, so it cannot be paused or resumed.
	require.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/v1/jobs/id-1/pause", nil).Code)
	require.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/v1/jobs/id-1/resume", nil).Code)
}

func TestServer_QueueStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	body := []byte(`{"type":"full_crawl","priority":5,"config":{"sources":["visitkorea"]}}`)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/jobs", body).Code)

	rec := env.do(http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats block.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Pending)
}

func TestServer_GetBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	blk := seedPlace(t, env, "Onion Cafe")

	rec := env.do(http.MethodGet, "/v1/blocks/"+blk.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Onion Cafe")

	rec = env.do(http.MethodGet, "/v1/blocks/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SearchBlocks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	seedPlace(t, env, "Onion Cafe")
	seedPlace(t, env, "Daelim Changgo")

	rec := env.do(http.MethodPost, "/v1/blocks/search", []byte(`{"name_query":"onion"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var result block.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.Total)
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	seedPlace(t, env, "Onion Cafe")

	rec := env.do(http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats block.BlockStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.TotalPlaces)
}

func TestServer_MonitorSnapshot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	seedPlace(t, env, "Onion Cafe")

	rec := env.do(http.MethodGet, "/v1/monitor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "avg_quality_score")
}

func TestServer_MigrationDryRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	seedPlace(t, env, "Onion Cafe")

	rec := env.do(http.MethodPost, "/v1/migrations", []byte(`{"batch_size":10,"dry_run":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"migrated":1`)
}

func TestServer_RollbackRequiresCheckpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodPost, "/v1/migrations/rollback", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/migrations/rollback", []byte(`{"checkpoint_id":"nope"}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyEnforced(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}
