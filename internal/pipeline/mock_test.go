package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/salonworks/storyline/internal/config"
	"github.com/salonworks/storyline/internal/dedup"
	"github.com/salonworks/storyline/internal/events"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/sanitize"
	"github.com/salonworks/storyline/internal/store"
	"github.com/salonworks/storyline/internal/textgen"
)

// --- Generator Mock ---

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, p textgen.Prompt) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func forStage(stage model.Stage) any {
	return mock.MatchedBy(func(p textgen.Prompt) bool { return p.Stage == string(stage) })
}

const (
	sanitizedJSON = `{"redacted": "Cut and color for a regular customer. [PHONE] removed.", "risk": 0.1}`
	draftJSON     = `{"title": "A Quiet Morning", "body": "The first customer of the day asked for something new.", "summary": "A regular tries a new color."}`
	passJSON      = `{"pass": true, "reasons": []}`
	rejectJSON    = `{"pass": false, "reasons": ["mentions the customer's workplace"]}`
)

// happyPath stubs every generation stage with a usable response.
func happyPath(gen *mockGenerator) {
	gen.On("Generate", mock.Anything, forStage(model.StageSanitize)).Return(sanitizedJSON, nil)
	gen.On("Generate", mock.Anything, forStage(model.StageDraft)).Return(draftJSON, nil)
	gen.On("Generate", mock.Anything, forStage(model.StageAudit)).Return(passJSON, nil)
}

// --- Events Mock ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, ev events.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *mockPublisher) Close() error {
	return m.Called().Error(0)
}

// --- Log store that always fails ---

type failingLogStore struct{}

func (failingLogStore) AppendStageLog(context.Context, *model.StageLogEntry) error {
	return resilience.NewTransientError(context.DeadlineExceeded, 0)
}

func (failingLogStore) QueryStageLogs(context.Context, store.LogFilter) ([]model.StageLogEntry, error) {
	return nil, nil
}

// --- Harness ---

type testEnv struct {
	store *store.SQLiteStore
	gen   *mockGenerator
	opts  Options
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	masker, err := sanitize.NewMasker(sanitize.DefaultRules())
	require.NoError(t, err)

	return &testEnv{
		store: st,
		gen:   &mockGenerator{},
		opts: Options{
			AutoPublish: true,
			MaxRisk:     0.7,
			Masker:      masker,
			Backoff:     fastBackoff(),
		},
	}
}

func fastBackoff() resilience.RetryConfig {
	return resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func (e *testEnv) orchestrator() *Orchestrator {
	return NewOrchestrator(DepsFromStore(e.store, dedup.NewStoreGuard(e.store, nil), e.gen, nil), e.opts)
}

func (e *testEnv) addReport(t *testing.T, id, day, notes string) model.SourceReport {
	t.Helper()
	d, err := model.ParseDate(day)
	require.NoError(t, err)
	r := model.SourceReport{
		ID:              id,
		ReportDate:      d,
		StaffName:       "Aoi",
		CustomerContext: "Regular customer, second visit this month.",
		TreatmentNotes:  notes,
	}
	require.NoError(t, e.store.InsertReport(context.Background(), &r))
	return r
}

func stagesOf(entries []model.StageLogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Stage) + ":" + string(e.Status)
	}
	return out
}

func testPipelineConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.AutoPublish = true
	cfg.Pipeline.RecentLimit = 20
	cfg.Pipeline.MaxRisk = 0.7
	cfg.Pipeline.InitialBackoffMs = 250
	cfg.Pipeline.MaxBackoffMs = 4000
	cfg.Pipeline.DLQMaxRetries = 3
	cfg.Pipeline.DLQDelaySecs = 600
	return cfg
}

func mustMasker(t *testing.T) *sanitize.Masker {
	t.Helper()
	m, err := sanitize.NewMasker(sanitize.DefaultRules())
	require.NoError(t, err)
	return m
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
