package review

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/runtime/internal/llm"
	"github.com/agentflow/runtime/internal/models"
	"github.com/agentflow/runtime/internal/store/memstore"
)

// fakeSCM is a minimal in-memory SourceControl double covering only what
// the engine exercises.
type fakeSCM struct {
	project     Project
	mr          MergeRequest
	diffs       []Diff
	discussions []Discussion
	posted      []postedComment
}

type postedComment struct {
	body string
	pos  *DiscussionPosition
}

func (f *fakeSCM) GetProjects(context.Context) ([]Project, error) { return nil, nil }
func (f *fakeSCM) GetProject(context.Context, string) (*Project, error) {
	p := f.project
	return &p, nil
}
func (f *fakeSCM) CloneProject(context.Context, string, string) (string, error) { return "", nil }
func (f *fakeSCM) CreateMergeRequest(context.Context, string, string, string, string, string) (*MergeRequest, error) {
	return nil, nil
}
func (f *fakeSCM) GetJobLogs(context.Context, string, int) (string, error) { return "", nil }

func (f *fakeSCM) GetMergeRequest(context.Context, string, int) (*MergeRequest, error) {
	mr := f.mr
	return &mr, nil
}
func (f *fakeSCM) GetMergeRequestDiffs(context.Context, string, int) ([]Diff, error) {
	return f.diffs, nil
}
func (f *fakeSCM) GetMergeRequestDiscussions(context.Context, string, int) ([]Discussion, error) {
	return f.discussions, nil
}
func (f *fakeSCM) CreateDiscussion(_ context.Context, _ string, _ int, body string, pos *DiscussionPosition) error {
	f.posted = append(f.posted, postedComment{body: body, pos: pos})
	return nil
}
func (f *fakeSCM) PostComment(ctx context.Context, projectID string, mrIID int, body string) error {
	return f.CreateDiscussion(ctx, projectID, mrIID, body, nil)
}

var _ SourceControl = (*fakeSCM)(nil)

// scriptedReviewLLM returns its replies in order, one per call, repeating
// the last reply once the list is exhausted.
type scriptedReviewLLM struct {
	replies []string
	calls   int
}

func (s *scriptedReviewLLM) Generate(_ context.Context, _ []models.LlmMessage, _ llm.GenerateOptions) (models.LlmMessage, llm.Usage, error) {
	idx := s.calls
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.calls++
	return models.LlmMessage{Role: models.RoleAssistant, Text: s.replies[idx]}, llm.Usage{}, nil
}
func (s *scriptedReviewLLM) IsConfigured() bool     { return true }
func (s *scriptedReviewLLM) GetMaxInputTokens() int { return 100000 }
func (s *scriptedReviewLLM) GetID() string          { return "scripted" }

var _ llm.Provider = (*scriptedReviewLLM)(nil)

func testRule() models.CodeReviewConfig {
	return models.CodeReviewConfig{
		ID:             "no-println",
		Title:          "No stray Println",
		Enabled:        true,
		Description:    "Flag debug Println calls",
		FileExtensions: models.FileExtensionFilter{Include: []string{".go"}},
		Requires:       models.TextRequirement{Text: []string{"Println"}},
		ProjectPaths:   []string{"group/*"},
		RuleVersion:    1,
	}
}

func newTestEngine(t *testing.T, scm *fakeSCM, reply string) (*Engine, *ConfigStore) {
	t.Helper()
	configs := NewConfigStore(memstore.New())
	require.NoError(t, configs.Save(context.Background(), ptr(testRule())))
	cache := NewFingerprintCache(memstore.New())
	provider := &scriptedReviewLLM{replies: []string{reply}}
	return NewEngine(scm, configs, cache, provider), configs
}

func ptr(c models.CodeReviewConfig) *models.CodeReviewConfig { return &c }

const sampleMainDiff = `@@ -1,2 +1,3 @@
 package main
+
+func debug() { fmt.Println("x") }
`

func TestEngine_Review_NoViolations_CachesFingerprint(t *testing.T) {
	scm := &fakeSCM{
		project: Project{ID: "1", PathWithNamespace: "group/repo"},
		mr:      MergeRequest{ID: 1, IID: 5, ProjectID: "1"},
		diffs:   []Diff{{OldPath: "main.go", NewPath: "main.go", Diff: sampleMainDiff}},
	}
	engine, _ := newTestEngine(t, scm, `{"thinking": "looks fine", "violations": []}`)

	summary, err := engine.Review(context.Background(), "1", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnitsConsidered)
	assert.Equal(t, 1, summary.UnitsReviewed)
	assert.Equal(t, 0, summary.CommentsPosted)
	assert.Empty(t, scm.posted)

	cached, err := engine.cache.Get(context.Background(), "1", 5)
	require.NoError(t, err)
	assert.Len(t, cached.Fingerprints, 1)
}

func TestEngine_Review_Violation_PostsAnchoredComment(t *testing.T) {
	scm := &fakeSCM{
		project: Project{ID: "1", PathWithNamespace: "group/repo"},
		mr: MergeRequest{
			ID: 1, IID: 5, ProjectID: "1",
			DiffRefs: DiffRefs{BaseSha: "base", HeadSha: "head", StartSha: "start"},
		},
		diffs: []Diff{{OldPath: "main.go", NewPath: "main.go", Diff: sampleMainDiff}},
	}
	reply := `{"thinking": "found one", "violations": [{"lineNumber": 3, "comment": "remove debug Println"}]}`
	engine, _ := newTestEngine(t, scm, reply)

	summary, err := engine.Review(context.Background(), "1", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CommentsPosted)
	require.Len(t, scm.posted, 1)
	assert.Contains(t, scm.posted[0].body, "bot-review-id: rule=no-println, file=main.go")
	assert.Contains(t, scm.posted[0].body, "remove debug Println")
	require.NotNil(t, scm.posted[0].pos)
	assert.Equal(t, "base", scm.posted[0].pos.BaseSha)
	assert.Equal(t, 3, scm.posted[0].pos.NewLine)

	// Clean units (none here) would be cached; a violating unit is never
	// added to the fingerprint cache.
	cached, err := engine.cache.Get(context.Background(), "1", 5)
	require.NoError(t, err)
	assert.Empty(t, cached.Fingerprints)
}

func TestEngine_Review_DedupesAgainstExistingIdentifier(t *testing.T) {
	existing := fmt.Sprintf("bot-review-id: rule=no-println, file=main.go, contextHash=%s",
		contextHash("no-println", "main.go", 3, []string{"package main", "", `func debug() { fmt.Println("x") }`}))

	scm := &fakeSCM{
		project:     Project{ID: "1", PathWithNamespace: "group/repo"},
		mr:          MergeRequest{ID: 1, IID: 5, ProjectID: "1"},
		diffs:       []Diff{{OldPath: "main.go", NewPath: "main.go", Diff: sampleMainDiff}},
		discussions: []Discussion{{ID: "d1", Notes: []string{"<!-- " + existing + " -->\n\nalready flagged"}}},
	}
	reply := `{"thinking": "found one", "violations": [{"lineNumber": 3, "comment": "remove debug Println"}]}`
	engine, _ := newTestEngine(t, scm, reply)

	summary, err := engine.Review(context.Background(), "1", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.CommentsPosted)
	assert.Empty(t, scm.posted)
}

func TestEngine_Review_CachedFingerprintSkipsUnit(t *testing.T) {
	scm := &fakeSCM{
		project: Project{ID: "1", PathWithNamespace: "group/repo"},
		mr:      MergeRequest{ID: 1, IID: 5, ProjectID: "1"},
		diffs:   []Diff{{OldPath: "main.go", NewPath: "main.go", Diff: sampleMainDiff}},
	}
	engine, _ := newTestEngine(t, scm, `{"thinking": "looks fine", "violations": []}`)

	_, withoutLines, _, err := renderDiff("main.go", sampleMainDiff)
	require.NoError(t, err)
	fp := fingerprint("1", 5, "main.go", "no-println", 1, withoutLines)
	require.NoError(t, engine.cache.Update(context.Background(), "1", 5, models.FingerprintSet{fp: {}}))

	summary, err := engine.Review(context.Background(), "1", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnitsConsidered)
	assert.Equal(t, 1, summary.UnitsSkippedCache)
	assert.Equal(t, 0, summary.UnitsReviewed)
}

func TestEngine_Review_NonMatchingRuleProducesNoUnits(t *testing.T) {
	scm := &fakeSCM{
		project: Project{ID: "1", PathWithNamespace: "other/repo"},
		mr:      MergeRequest{ID: 1, IID: 5, ProjectID: "1"},
		diffs:   []Diff{{OldPath: "main.go", NewPath: "main.go", Diff: sampleMainDiff}},
	}
	engine, _ := newTestEngine(t, scm, `{"thinking": "n/a", "violations": []}`)

	summary, err := engine.Review(context.Background(), "1", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.UnitsConsidered)
}
