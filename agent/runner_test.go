package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthenova/conthunt-sub001/checkpoint"
	"github.com/Synthenova/conthunt-sub001/justify"
	"github.com/Synthenova/conthunt-sub001/layout"
	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/llm/llmtest"
	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/objstore"
	"github.com/Synthenova/conthunt-sub001/platform/platformtest"
	"github.com/Synthenova/conthunt-sub001/quota"
	"github.com/Synthenova/conthunt-sub001/refs"
	"github.com/Synthenova/conthunt-sub001/tools"
)

var uuidLike = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

type fixture struct {
	backend *objstore.MemoryBackend
	deps    *tools.Deps
	fake    *platformtest.Fake
	ledger  *quota.Ledger
	cp      *checkpoint.Memory
}

func newFixture(t *testing.T, freeCredits int) *fixture {
	t.Helper()
	table := quota.DefaultTable()
	table[quota.RoleFree] = quota.Policy{DailyCredits: freeCredits}
	led, err := quota.Open(context.Background(), quota.DriverSQLite, ":memory:", table)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	scorer := llmtest.New()
	scorer.Schema = true
	scorer.Handler = func(llmtest.Call) (llm.LLMResponse, error) {
		return llm.LLMResponse{Content: `{"score":0.8,"reason":"Strong opening hook."}`}, nil
	}

	backend := objstore.NewMemoryBackend()
	fake := platformtest.New()
	deps := tools.NewDeps(objstore.New(backend), fake, fake, led, justify.New(scorer), nil)
	return &fixture{backend: backend, deps: deps, fake: fake, ledger: led, cp: checkpoint.NewMemory()}
}

func (f *fixture) runner(t *testing.T, configure func(*Builder)) *Runner {
	t.Helper()
	b := NewBuilder(f.deps).Checkpointer(f.cp)
	if configure != nil {
		configure(b)
	}
	r, err := b.Build()
	require.NoError(t, err)
	return r
}

type collector struct {
	mu sync.Mutex
	b  strings.Builder
}

func (c *collector) sink(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.b.WriteString(s)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.String()
}

func request(role quota.Role, message string) Request {
	return Request{SessionID: "s1", UserID: "u1", Role: role, Message: message}
}

func TestRunFindsAndRanksVideos(t *testing.T) {
	f := newFixture(t, 10)
	r := f.runner(t, nil)
	var out collector

	res, err := r.Run(context.Background(), request(quota.RolePro, "find viral cooking hacks"), out.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"viral cooking hacks"}, f.fake.Searches())
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, 1, res.SearchNumber)
	assert.Equal(t, 4, res.Steps)
	assert.Regexp(t, `viral cooking hacks:V\d+`, res.Reply)
	assert.NotRegexp(t, uuidLike, res.Reply)
	assert.Equal(t, res.Reply, out.String())

	prog, err := f.deps.Journal.Read(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, prog.SearchOrder)
	raw, err := f.deps.Inventory.LoadRaw(context.Background(), "s1", 1)
	require.NoError(t, err)
	assert.Len(t, raw, platformtest.DefaultItems)

	usage, err := f.ledger.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, tools.DefaultTopK, usage.Total)
}

func seedRows(t *testing.T, f *fixture, slug string, items []model.SummaryItem) {
	t.Helper()
	rows := make([]model.BatchRow, len(items))
	for i, it := range items {
		rows[i] = model.BatchRow{MediaAssetID: it.MediaAssetID, Ref: refs.Format("q", it.VideoID), Score: 0.5, Reason: "seeded"}
	}
	_, err := f.deps.Writer.Record(context.Background(), "s1", slug, slug, 1, rows)
	require.NoError(t, err)
}

func TestRunJustifySkipsRecordedVideos(t *testing.T) {
	f := newFixture(t, 10)
	r := f.runner(t, nil)
	ctx := context.Background()

	_, err := r.Run(ctx, request(quota.RolePro, "find q"), nil)
	require.NoError(t, err)

	top, err := f.deps.Inventory.TopByViews(ctx, "s1", 1, 10)
	require.NoError(t, err)
	seedRows(t, f, "hooks", top[:3])
	seedRows(t, f, "hooks", top[3:5])
	// Progress lags behind the batch files.
	prog, err := f.deps.Journal.Read(ctx, "s1")
	require.NoError(t, err)
	prog.BumpCriteria("hooks", 1, 3)
	require.NoError(t, f.deps.Journal.Write(ctx, "s1", prog))

	req := request(quota.RolePro, "justify top-10 of search 1")
	req.Criterion = "hooks"
	res, err := r.Run(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Recorded)
	assert.Contains(t, res.Reply, "hooks-003.json")

	batch, err := f.deps.Writer.ReadBatch(ctx, "s1", "hooks-003.json")
	require.NoError(t, err)
	rows := batch.Rows[1]
	require.Len(t, rows, 5)
	seen := map[string]bool{}
	for _, it := range top[:5] {
		seen[it.MediaAssetID] = true
	}
	for _, row := range rows {
		assert.False(t, seen[row.MediaAssetID], "%s was already recorded", row.Ref)
	}

	prog, err = f.deps.Journal.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 8, prog.Recorded("hooks", 1))
}

func TestRunJustifyAfterUncountedBatch(t *testing.T) {
	f := newFixture(t, 10)
	r := f.runner(t, nil)
	ctx := context.Background()

	_, err := r.Run(ctx, request(quota.RolePro, "find q"), nil)
	require.NoError(t, err)
	top, err := f.deps.Inventory.TopByViews(ctx, "s1", 1, 10)
	require.NoError(t, err)
	// A batch written just before a crash, never counted in progress.
	seedRows(t, f, "hooks", top[:4])

	req := request(quota.RolePro, "justify top-10 of search 1 for hooks")
	res, err := r.Run(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Recorded)

	batch, err := f.deps.Writer.ReadBatch(ctx, "s1", "hooks-002.json")
	require.NoError(t, err)
	assert.Len(t, batch.Rows[1], 6)

	prog, err := f.deps.Journal.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 6, prog.Recorded("hooks", 1))
}

func TestRunReportsExhaustedQuota(t *testing.T) {
	f := newFixture(t, 2)
	r := f.runner(t, nil)

	req := request(quota.RoleFree, "find q")
	req.TopK = 5
	res, err := r.Run(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Contains(t, res.Reply, "daily limit reached")
	assert.Contains(t, res.Notices, KindQuota)
	assert.Equal(t, 3, strings.Count(res.Reply, ") - not analyzed"))

	usage, err := f.ledger.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, usage.Total)
}

func TestRunResumesAfterCancel(t *testing.T) {
	f := newFixture(t, 10)
	f.fake.Delay = 200 * time.Millisecond
	r := f.runner(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	res, err := r.Run(ctx, request(quota.RolePro, "find q"), nil)
	require.NoError(t, err)
	require.True(t, res.Cancelled)
	assert.Equal(t, PhaseAnalyze, res.Phase)
	assert.Empty(t, res.Reply)

	res, err = r.Run(context.Background(), request(quota.RolePro, "find q"), nil)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, []string{"q"}, f.fake.Searches(), "the search is not repeated")
	assert.Regexp(t, `q:V\d+`, res.Reply)

	// A finished run is not resumed.
	res, err = r.Run(context.Background(), request(quota.RolePro, "find q"), nil)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Len(t, f.fake.Searches(), 2)
}

func TestRunRejectsBusySession(t *testing.T) {
	f := newFixture(t, 10)
	r := f.runner(t, nil)
	_, err := f.cp.AcquireLock(context.Background(), "s1", time.Minute)
	require.NoError(t, err)

	var out collector
	res, err := r.Run(context.Background(), request(quota.RolePro, "find q"), out.sink)
	assert.ErrorIs(t, err, checkpoint.ErrLocked)
	assert.Equal(t, KindBusy, res.Kind)
	assert.Equal(t, UserMessage(KindBusy), out.String())
	assert.Empty(t, f.fake.Searches())
}

func TestRunRenewsSessionLock(t *testing.T) {
	f := newFixture(t, 10)
	f.fake.Delay = 150 * time.Millisecond
	r := f.runner(t, func(b *Builder) {
		cfg := DefaultConfig()
		cfg.LockTTL = 90 * time.Millisecond
		b.Config(cfg)
	})

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := r.Run(context.Background(), request(quota.RolePro, "find q"), nil)
		first <- outcome{res, err}
	}()

	// Well past the TTL the first run still owns the session.
	time.Sleep(200 * time.Millisecond)
	_, err := r.Run(context.Background(), request(quota.RolePro, "find other"), nil)
	assert.ErrorIs(t, err, checkpoint.ErrLocked)

	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, PhaseDone, got.res.Phase)
	assert.Equal(t, []string{"q"}, f.fake.Searches())
}

// losingLocks reports every renewal as lost, as if another run took over.
type losingLocks struct {
	*checkpoint.Memory
}

func (losingLocks) ExtendLock(context.Context, checkpoint.Lock, time.Duration) (checkpoint.Lock, error) {
	return checkpoint.Lock{}, checkpoint.ErrLockLost
}

func TestRunHaltsWhenSessionLockIsLost(t *testing.T) {
	f := newFixture(t, 10)
	r := f.runner(t, func(b *Builder) { b.Checkpointer(losingLocks{f.cp}) })
	var out collector

	res, err := r.Run(context.Background(), request(quota.RolePro, "find q"), out.sink)
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, KindBusy, res.Kind)
	assert.Contains(t, out.String(), UserMessage(KindBusy))

	prog, err := f.deps.Journal.Read(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, prog.SearchOrder, "no search number is allocated without the lock")
}

func TestRunHaltsOnCorruptProgress(t *testing.T) {
	f := newFixture(t, 10)
	r := f.runner(t, nil)
	require.NoError(t, f.backend.Put(context.Background(), "s1", layout.ProgressPath, []byte("{not json")))

	var out collector
	res, err := r.Run(context.Background(), request(quota.RolePro, "find q"), out.sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, err, objstore.ErrStoreCorrupt)
	assert.Equal(t, KindStoreFatal, res.Kind)
	assert.Equal(t, "session data unreadable", out.String())
	assert.NotContains(t, out.String(), "not json")
	assert.Empty(t, f.fake.Searches())
}

func TestRunWithLLMPlanner(t *testing.T) {
	f := newFixture(t, 10)
	planner := llmtest.New(
		llmtest.Step{Response: llm.LLMResponse{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: tools.NameSearch, Arguments: json.RawMessage(`{"query":"cats"}`)},
		}}},
		llmtest.Step{Response: llm.LLMResponse{ToolCalls: []llm.ToolCall{
			{ID: "c2", Name: tools.NameRankByViews, Arguments: json.RawMessage(`{"search_number":1,"top_k":3}`)},
		}}},
		llmtest.Reply("The most viewed cat video is [cats:V1]."),
	)
	r := f.runner(t, func(b *Builder) { b.PlannerLLM(planner) })

	res, err := r.Run(context.Background(), request(quota.RolePro, "find cats"), nil)
	require.NoError(t, err)
	assert.Equal(t, "The most viewed cat video is [cats:V1].", res.Reply)
	assert.Equal(t, 3, res.Steps)

	calls := planner.Calls()
	require.Len(t, calls, 3)
	assert.Len(t, calls[0].Tools, 5)

	var sawResult bool
	for _, m := range calls[1].Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			sawResult = true
			assert.Contains(t, m.Content, `"search_number":1`)
		}
	}
	assert.True(t, sawResult, "search result is sent back to the model")

	for _, c := range calls {
		for _, m := range c.Messages {
			assert.NotRegexp(t, uuidLike, m.Content, "media ids never reach the planner")
		}
	}
}

func TestRunLLMPlannerBadToolArgs(t *testing.T) {
	f := newFixture(t, 10)
	planner := llmtest.New(
		llmtest.Step{Response: llm.LLMResponse{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: tools.NameEnsureAnalysis, Arguments: json.RawMessage(`{"refs":["` + platformtest.MediaID("x", 1) + `"]}`)},
		}}},
		llmtest.Reply("I could not analyze that."),
	)
	r := f.runner(t, func(b *Builder) { b.PlannerLLM(planner) })

	res, err := r.Run(context.Background(), request(quota.RolePro, "analyze it"), nil)
	require.NoError(t, err)
	assert.Equal(t, "I could not analyze that.", res.Reply)

	calls := planner.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "error: "))
}

func TestRunReplyWriterKeepsNotices(t *testing.T) {
	f := newFixture(t, 2)
	writer := llmtest.New(llmtest.Reply("Here are your videos, led by [q:V1]."))
	r := f.runner(t, func(b *Builder) { b.ReplyWriter(writer) })

	var out collector
	req := request(quota.RoleFree, "find q")
	req.TopK = 5
	res, err := r.Run(context.Background(), req, out.sink)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Reply, "Here are your videos, led by [q:V1]."))
	assert.Contains(t, res.Reply, "Note: daily limit reached")
	assert.Equal(t, res.Reply, out.String())
	require.Len(t, writer.Calls(), 1)
	assert.Equal(t, "stream_chat", writer.Calls()[0].Method)
}

func TestRunRequiresSessionAndUser(t *testing.T) {
	f := newFixture(t, 10)
	r := f.runner(t, nil)
	_, err := r.Run(context.Background(), Request{Message: "find q"}, nil)
	assert.Error(t, err)

	_, err = r.Run(context.Background(), Request{SessionID: "s1:x", UserID: "u1", Role: quota.RolePro, Message: "find q"}, nil)
	assert.ErrorIs(t, err, objstore.ErrInvalidPath)
	assert.Empty(t, f.fake.Searches())
}
