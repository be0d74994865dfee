package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/internal/compose"
	"formrelay/internal/external"
	"formrelay/internal/ledger"
	"formrelay/internal/normalize"
	"formrelay/internal/types"
)

// fakeForms serves canned schemas and response lists per form.
type fakeForms struct {
	schemas map[string]types.SchemaIndex
	records map[string][]types.RawRecord
	listErr map[string]error
}

func (f *fakeForms) GetFormSchema(_ context.Context, formID string) (types.SchemaIndex, error) {
	return f.schemas[formID], nil
}

func (f *fakeForms) ListResponses(_ context.Context, formID string) ([]types.RawRecord, error) {
	if err := f.listErr[formID]; err != nil {
		return nil, err
	}
	return f.records[formID], nil
}

type createdThread struct {
	channelID string
	title     string
	body      string
	tagIDs    []string
}

// fakeForum records every write and can be told to fail specific calls.
type fakeForum struct {
	channels map[string]*external.Channel

	created   []createdThread
	followups map[string][]string
	actions   map[string][][]types.ActionLink
	mentions  map[string][]string

	tagErr        error
	createFailFor map[string]error // keyed by thread-title substring
	followupErr   error
	resolveErr    error
	nextThreadSeq int
}

func newFakeForum(channelIDs ...string) *fakeForum {
	f := &fakeForum{
		channels:      make(map[string]*external.Channel),
		followups:     make(map[string][]string),
		actions:       make(map[string][][]types.ActionLink),
		mentions:      make(map[string][]string),
		createFailFor: make(map[string]error),
	}
	for _, id := range channelIDs {
		f.channels[id] = &external.Channel{ID: id, Name: "ch-" + id, SupportsTags: true}
	}
	return f
}

func (f *fakeForum) ResolveChannel(_ context.Context, channelID string) (*external.Channel, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.channels[channelID], nil
}

func (f *fakeForum) EnsureTag(_ context.Context, _, name string) (string, error) {
	if f.tagErr != nil {
		return "", f.tagErr
	}
	return "tag-" + name, nil
}

func (f *fakeForum) CreateThread(_ context.Context, channelID, title, body string, tagIDs []string) (string, error) {
	for substr, err := range f.createFailFor {
		if strings.Contains(title, substr) {
			return "", err
		}
	}
	f.nextThreadSeq++
	threadID := fmt.Sprintf("th-%d", f.nextThreadSeq)
	f.created = append(f.created, createdThread{channelID: channelID, title: title, body: body, tagIDs: tagIDs})
	return threadID, nil
}

func (f *fakeForum) SendFollowup(_ context.Context, threadID, text string) error {
	if f.followupErr != nil {
		return f.followupErr
	}
	f.followups[threadID] = append(f.followups[threadID], text)
	return nil
}

func (f *fakeForum) SendActions(_ context.Context, threadID string, groups [][]types.ActionLink) error {
	f.actions[threadID] = append(f.actions[threadID], groups...)
	return nil
}

func (f *fakeForum) MentionRole(_ context.Context, threadID, roleID string) error {
	f.mentions[threadID] = append(f.mentions[threadID], roleID)
	return nil
}

// failingStore always fails to commit.
type failingStore struct{}

func (failingStore) Load(context.Context) (*ledger.Ledger, error) { return ledger.New(), nil }

func (failingStore) Commit(context.Context, *ledger.Ledger) error {
	return types.NewAppError(types.ErrCodeLedgerPersist, "disk full", nil)
}

func testSchema() types.SchemaIndex {
	return types.NewSchemaIndex([]types.SchemaItem{
		{QuestionID: "q1", Title: "Project Name"},
		{QuestionID: "q2", Title: "Summary"},
	})
}

func rawRecord(id, project string, submitted time.Time) types.RawRecord {
	return types.RawRecord{
		RecordID:    id,
		SubmittedAt: submitted,
		Answers: map[string]types.Answer{
			"q1": {Kind: types.AnswerText, Values: []string{project}},
			"q2": {Kind: types.AnswerText, Values: []string{"summary for " + project}},
		},
	}
}

func testComposer() *compose.Composer {
	return compose.New(compose.Config{
		ProjectHints:     []string{"project name"},
		MessageCharLimit: 2000,
		ExplorerBaseURL:  "https://explorer.example.com/account/",
	})
}

type reconcilerFixture struct {
	forms  *fakeForms
	forum  *fakeForum
	store  ledger.Store
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, sources []types.Source, fx reconcilerFixture, opts ...func(*ReconcilerConfig)) (*Reconciler, reconcilerFixture) {
	t.Helper()

	if fx.store == nil {
		fx.store = ledger.NewFileStore(filepath.Join(t.TempDir(), "delivered.json"), nil)
	}
	if fx.ledger == nil {
		var err error
		fx.ledger, err = fx.store.Load(context.Background())
		require.NoError(t, err)
	}

	cfg := ReconcilerConfig{
		Forms:      fx.forms,
		Forum:      fx.forum,
		Store:      fx.store,
		Ledger:     fx.ledger,
		Normalizer: normalize.New(func(id string) string { return "https://files.example.com/" + id }, nil),
		Composer:   testComposer(),
		Sources:    sources,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewReconciler(cfg), fx
}

func singleSource() []types.Source {
	return []types.Source{{
		FormID: "form-1",
		Destination: types.DestinationMapping{
			ChannelID:    "chan-1",
			DisplayName:  "Grants",
			Tag:          "incoming",
			ReferenceURL: "https://board.example.com/form-1",
		},
	}}
}

func TestReconciler_DeliversOldestFirst(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {
			rawRecord("r3", "Gamma", base.Add(2*time.Hour)),
			rawRecord("r1", "Alpha", base),
			rawRecord("r2", "Beta", base.Add(time.Hour)),
		}},
	}
	forum := newFakeForum("chan-1")
	r, fx := newFixture(t, singleSource(), reconcilerFixture{forms: forms, forum: forum})

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SourcesProcessed)
	assert.Equal(t, 3, stats.NewRecords)
	assert.Equal(t, 3, stats.Delivered)

	require.Len(t, forum.created, 3)
	assert.Contains(t, forum.created[0].title, "Alpha")
	assert.Contains(t, forum.created[1].title, "Beta")
	assert.Contains(t, forum.created[2].title, "Gamma")

	// Delivered state survives into the ledger.
	assert.True(t, fx.ledger.IsDelivered("form-1", "r1"))
	assert.True(t, fx.ledger.IsDelivered("form-1", "r3"))
	assert.False(t, fx.ledger.Dirty(), "commit should clear dirty state")
}

func TestReconciler_SecondPassDeliversNothing(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {rawRecord("r1", "Alpha", base)}},
	}
	forum := newFakeForum("chan-1")
	r, _ := newFixture(t, singleSource(), reconcilerFixture{forms: forms, forum: forum})

	_, err := r.RunPass(context.Background())
	require.NoError(t, err)

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.NewRecords)
	assert.Equal(t, 0, stats.Delivered)
	assert.Len(t, forum.created, 1)
}

func TestReconciler_FailedRecordRetriesNextPass(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {
			rawRecord("r1", "Alpha", base),
			rawRecord("r2", "Beta", base.Add(time.Hour)),
			rawRecord("r3", "Gamma", base.Add(2*time.Hour)),
		}},
	}
	forum := newFakeForum("chan-1")
	forum.createFailFor["Beta"] = types.NewAppError(types.ErrCodeUpstreamUnavailable, "sink 502", nil)

	r, fx := newFixture(t, singleSource(), reconcilerFixture{forms: forms, forum: forum})

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, 1, stats.Failed)
	assert.True(t, fx.ledger.IsDelivered("form-1", "r1"))
	assert.False(t, fx.ledger.IsDelivered("form-1", "r2"), "failed record must not be marked")
	assert.True(t, fx.ledger.IsDelivered("form-1", "r3"), "later record delivers despite earlier failure")

	// The sink recovers; the next pass picks up only the missed record.
	delete(forum.createFailFor, "Beta")
	stats, err = r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Delivered)
	require.Len(t, forum.created, 3)
	assert.Contains(t, forum.created[2].title, "Beta")
}

func TestReconciler_SourceFailureDoesNotBlockOthers(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	sources := []types.Source{
		{FormID: "form-1", Destination: types.DestinationMapping{ChannelID: "chan-1"}},
		{FormID: "form-2", Destination: types.DestinationMapping{ChannelID: "chan-2"}},
	}
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema(), "form-2": testSchema()},
		records: map[string][]types.RawRecord{"form-2": {rawRecord("r1", "Alpha", base)}},
		listErr: map[string]error{
			"form-1": types.NewAppError(types.ErrCodeUpstreamRateLimited, "429", nil),
		},
	}
	forum := newFakeForum("chan-1", "chan-2")
	r, _ := newFixture(t, sources, reconcilerFixture{forms: forms, forum: forum})

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SourcesFailed)
	assert.Equal(t, 1, stats.SourcesProcessed)
	require.Len(t, forum.created, 1)
	assert.Equal(t, "chan-2", forum.created[0].channelID)
}

func TestReconciler_MissingChannelAbortsSource(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {rawRecord("r1", "Alpha", base)}},
	}
	forum := newFakeForum() // chan-1 does not exist
	r, fx := newFixture(t, singleSource(), reconcilerFixture{forms: forms, forum: forum})

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SourcesFailed)
	assert.Empty(t, forum.created)
	assert.False(t, fx.ledger.IsDelivered("form-1", "r1"))
}

func TestReconciler_RequireReferenceURL(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	sources := []types.Source{{
		FormID:      "form-1",
		Destination: types.DestinationMapping{ChannelID: "chan-1"}, // no reference URL
	}}
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {rawRecord("r1", "Alpha", base)}},
	}
	forum := newFakeForum("chan-1")
	r, _ := newFixture(t, sources, reconcilerFixture{forms: forms, forum: forum},
		func(cfg *ReconcilerConfig) { cfg.RequireReferenceURL = true })

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SourcesFailed)
	assert.Empty(t, forum.created)
}

func TestReconciler_TagFailureDeliversUntagged(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {rawRecord("r1", "Alpha", base)}},
	}
	forum := newFakeForum("chan-1")
	forum.tagErr = types.NewAppError(types.ErrCodeUpstreamRejected, "tags forbidden", nil)

	r, _ := newFixture(t, singleSource(), reconcilerFixture{forms: forms, forum: forum})

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Delivered)
	require.Len(t, forum.created, 1)
	assert.Empty(t, forum.created[0].tagIDs)
}

func TestReconciler_AppliesTag(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {rawRecord("r1", "Alpha", base)}},
	}
	forum := newFakeForum("chan-1")
	r, _ := newFixture(t, singleSource(), reconcilerFixture{forms: forms, forum: forum})

	_, err := r.RunPass(context.Background())
	require.NoError(t, err)

	require.Len(t, forum.created, 1)
	assert.Equal(t, []string{"tag-incoming"}, forum.created[0].tagIDs)
}

func TestReconciler_CommitFailureKeepsMarksInMemory(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {rawRecord("r1", "Alpha", base)}},
	}
	forum := newFakeForum("chan-1")
	r, fx := newFixture(t, singleSource(), reconcilerFixture{
		forms: forms,
		forum: forum,
		store: failingStore{},
	})

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	// Delivery succeeded; the mark stays pending for the next commit.
	assert.Equal(t, 1, stats.Delivered)
	assert.True(t, fx.ledger.IsDelivered("form-1", "r1"))
	assert.True(t, fx.ledger.Dirty())
}

func TestReconciler_FollowupFailureStillMarksDelivered(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	long := rawRecord("r1", "Alpha", base)
	long.Answers["q2"] = types.Answer{Kind: types.AnswerText, Values: []string{strings.Repeat("x", 5000)}}

	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {long}},
	}
	forum := newFakeForum("chan-1")
	forum.followupErr = types.NewAppError(types.ErrCodeUpstreamUnavailable, "sink 503", nil)

	r, fx := newFixture(t, singleSource(), reconcilerFixture{forms: forms, forum: forum})

	stats, err := r.RunPass(context.Background())
	require.NoError(t, err)

	// The thread exists, so redelivering would duplicate it. Marked anyway.
	assert.Equal(t, 1, stats.Delivered)
	assert.True(t, fx.ledger.IsDelivered("form-1", "r1"))
}

func TestReconciler_MentionsReviewRole(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	forms := &fakeForms{
		schemas: map[string]types.SchemaIndex{"form-1": testSchema()},
		records: map[string][]types.RawRecord{"form-1": {rawRecord("r1", "Alpha", base)}},
	}
	forum := newFakeForum("chan-1")
	r, _ := newFixture(t, singleSource(), reconcilerFixture{forms: forms, forum: forum},
		func(cfg *ReconcilerConfig) { cfg.ReviewRoleID = "role-9" })

	_, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"role-9"}, forum.mentions["th-1"])
}
