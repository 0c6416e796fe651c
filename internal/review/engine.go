package review

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/agentflow/runtime/internal/llm"
	"github.com/agentflow/runtime/internal/models"
)

// violationIdentifierPattern scans existing discussion note bodies for an
// embedded "bot-review-id: rule=…, file=…, contextHash=…" marker (§4.6
// step 2), used to dedupe violation comments across review runs.
var violationIdentifierPattern = regexp.MustCompile(`bot-review-id: rule=([^,]+), file=([^,]+), contextHash=([0-9a-f]+)`)

// Violation is one LLM-reported rule violation, as requested in the
// structured review prompt.
type Violation struct {
	LineNumber int    `json:"lineNumber"`
	Comment    string `json:"comment"`
}

// reviewResponse is the structured JSON shape requested from the LLM
// (§4.6 step 7): "{thinking: string, violations: [{lineNumber, comment}]}".
type reviewResponse struct {
	Thinking   string      `json:"thinking"`
	Violations []Violation `json:"violations"`
}

// Summary reports what one Review call did, for logging/testing.
type Summary struct {
	UnitsConsidered   int
	UnitsSkippedCache int
	UnitsReviewed     int
	CommentsPosted    int
}

// Engine is the Code Review Engine (C9): for one (projectId, mrIid), runs
// the diff×rule pipeline described in §4.6.
type Engine struct {
	scm     SourceControl
	configs *ConfigStore
	cache   *FingerprintCache
	llm     llm.Provider
}

// NewEngine wires an Engine.
func NewEngine(scm SourceControl, configs *ConfigStore, cache *FingerprintCache, provider llm.Provider) *Engine {
	return &Engine{scm: scm, configs: configs, cache: cache, llm: provider}
}

// reviewUnit is one (diff, rule) pair that passed applicability (§4.6 step 3).
type reviewUnit struct {
	diff Diff
	rule models.CodeReviewConfig
}

// preparedUnit is a reviewUnit after code preparation and fingerprinting
// (§4.6 steps 4-5), ready for the cache check.
type preparedUnit struct {
	unit          reviewUnit
	codeWithLines string
	kept          []renderedLine
	fingerprint   string
}

// Review runs the full pipeline for (projectID, mrIID) and returns a
// summary of what happened.
func (e *Engine) Review(ctx context.Context, projectID string, mrIID int) (*Summary, error) {
	mr, err := e.scm.GetMergeRequest(ctx, projectID, mrIID)
	if err != nil {
		return nil, fmt.Errorf("review: fetch merge request: %w", err)
	}
	diffs, err := e.scm.GetMergeRequestDiffs(ctx, projectID, mrIID)
	if err != nil {
		return nil, fmt.Errorf("review: fetch diffs: %w", err)
	}
	discussions, err := e.scm.GetMergeRequestDiscussions(ctx, projectID, mrIID)
	if err != nil {
		return nil, fmt.Errorf("review: fetch discussions: %w", err)
	}
	cacheDoc, err := e.cache.Get(ctx, projectID, mrIID)
	if err != nil {
		return nil, fmt.Errorf("review: load fingerprint cache: %w", err)
	}
	project, err := e.scm.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("review: fetch project: %w", err)
	}

	existingIdentifiers := scanIdentifiers(discussions)
	workingSet := cacheDoc.ToSet().Clone()
	dirty := false

	rules, err := e.configs.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("review: list rules: %w", err)
	}

	var units []reviewUnit
	for _, d := range diffs {
		for _, r := range rules {
			if applicable(r, project.PathWithNamespace, d) {
				units = append(units, reviewUnit{diff: d, rule: r})
			}
		}
	}

	summary := &Summary{UnitsConsidered: len(units)}

	// Code preparation + fingerprinting (steps 4-6) is cheap and
	// deterministic; run it serially and collect only the units that
	// survive the cache check.
	var prepared []preparedUnit
	for _, u := range units {
		withLines, withoutLines, kept, err := renderDiff(u.diff.NewPath, u.diff.Diff)
		if err != nil {
			slog.Warn("review: unparseable diff hunk, skipping unit", "file", u.diff.NewPath, "rule", u.rule.ID, "error", err)
			continue
		}
		fp := fingerprint(projectID, mrIID, u.diff.NewPath, u.rule.ID, u.rule.RuleVersion, withoutLines)
		if workingSet.Has(fp) {
			summary.UnitsSkippedCache++
			continue
		}
		prepared = append(prepared, preparedUnit{unit: u, codeWithLines: withLines, kept: kept, fingerprint: fp})
	}

	// LLM review calls run in parallel (§4.6 "unit LLM calls are run in
	// parallel"); result handling below is serial ("to keep cache/comment
	// mutation race-free").
	results := make([]*reviewResponse, len(prepared))
	var g errgroup.Group
	for i, pu := range prepared {
		i, pu := i, pu
		g.Go(func() error {
			resp, err := e.reviewUnit(ctx, pu)
			if err != nil {
				slog.Warn("review: llm review failed, skipping unit", "file", pu.unit.diff.NewPath, "rule", pu.unit.rule.ID, "error", err)
				return nil
			}
			results[i] = resp
			return nil
		})
	}
	g.Wait()

	for i, pu := range prepared {
		resp := results[i]
		if resp == nil {
			continue
		}
		summary.UnitsReviewed++

		if len(resp.Violations) == 0 {
			workingSet[pu.fingerprint] = struct{}{}
			dirty = true
			continue
		}

		for _, v := range resp.Violations {
			ctxHash := contextHash(pu.unit.rule.ID, pu.unit.diff.NewPath, v.LineNumber, contextLines(pu.kept, v.LineNumber, 3))
			identifier := fmt.Sprintf("bot-review-id: rule=%s, file=%s, contextHash=%s", pu.unit.rule.ID, pu.unit.diff.NewPath, ctxHash)
			if _, seen := existingIdentifiers[identifier]; seen {
				continue
			}

			body := fmt.Sprintf("<!-- %s -->\n\n%s", identifier, v.Comment)
			var pos *DiscussionPosition
			if mr.DiffRefs.HasRefs() {
				pos = &DiscussionPosition{
					BaseSha:  mr.DiffRefs.BaseSha,
					HeadSha:  mr.DiffRefs.HeadSha,
					StartSha: mr.DiffRefs.StartSha,
					OldPath:  pu.unit.diff.OldPath,
					NewPath:  pu.unit.diff.NewPath,
					NewLine:  v.LineNumber,
				}
			}
			if err := e.scm.CreateDiscussion(ctx, projectID, mrIID, body, pos); err != nil {
				slog.Warn("review: failed to post discussion", "file", pu.unit.diff.NewPath, "rule", pu.unit.rule.ID, "error", err)
				continue
			}
			existingIdentifiers[identifier] = struct{}{}
			summary.CommentsPosted++
		}
	}

	if dirty {
		if err := e.cache.Update(ctx, projectID, mrIID, workingSet); err != nil {
			return summary, fmt.Errorf("review: persist fingerprint cache: %w", err)
		}
	}
	return summary, nil
}

func (e *Engine) reviewUnit(ctx context.Context, pu preparedUnit) (*reviewResponse, error) {
	prompt := buildPrompt(pu.unit.rule, pu.codeWithLines)
	msgs := []models.LlmMessage{{Role: models.RoleUser, Text: prompt}}
	opts := llm.GenerateOptions{ID: fmt.Sprintf("review:%s:%s", pu.unit.rule.ID, pu.unit.diff.NewPath)}

	reply, _, err := e.llm.Generate(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}

	var parsed reviewResponse
	if err := json.Unmarshal([]byte(extractJSON(reply.Content())), &parsed); err != nil {
		return nil, fmt.Errorf("review: invalid llm response shape: %w", err)
	}
	return &parsed, nil
}

// buildPrompt embeds the rule as XML and the line-numbered code, per §4.6
// step 7.
func buildPrompt(rule models.CodeReviewConfig, codeWithLines string) string {
	var b strings.Builder
	b.WriteString("<rule>\n")
	b.WriteString("  <title>" + rule.Title + "</title>\n")
	b.WriteString("  <description>" + rule.Description + "</description>\n")
	for _, ex := range rule.Examples {
		b.WriteString("  <example>\n    <code>" + ex.Code + "</code>\n    <reviewComment>" + ex.ReviewComment + "</reviewComment>\n  </example>\n")
	}
	b.WriteString("</rule>\n\n")
	b.WriteString("Review the following code against the rule above. Respond with JSON only, shaped exactly as:\n")
	b.WriteString(`{"thinking": "...", "violations": [{"lineNumber": 0, "comment": "..."}]}` + "\n\n")
	b.WriteString(codeWithLines)
	return b.String()
}

// extractJSON trims leading/trailing prose a model sometimes wraps the
// JSON payload in (e.g. a markdown fence), taking the outermost {...}.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

// applicable implements §4.6 step 3's four-part test.
func applicable(rule models.CodeReviewConfig, projectPath string, d Diff) bool {
	if !rule.Enabled {
		return false
	}
	if len(rule.ProjectPaths) > 0 && !matchesAnyGlob(rule.ProjectPaths, projectPath) {
		return false
	}
	if !matchesAnyExtension(rule.FileExtensions.Include, d.NewPath) {
		return false
	}
	if !containsAnyText(rule.Requires.Text, d.Diff) {
		return false
	}
	return true
}

func matchesAnyGlob(globs []string, path string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

func matchesAnyExtension(includes []string, path string) bool {
	if len(includes) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, inc := range includes {
		if strings.EqualFold(inc, ext) {
			return true
		}
	}
	return false
}

func containsAnyText(literals []string, diffText string) bool {
	if len(literals) == 0 {
		return true
	}
	for _, lit := range literals {
		if strings.Contains(diffText, lit) {
			return true
		}
	}
	return false
}

// fingerprint implements §4.6 step 5:
// sha256("prj:P|mr:M|file:F|rule:R|ruleVer:V|content:H") where
// H = sha256(codeWithoutLines).
func fingerprint(projectID string, mrIID int, file, ruleID string, ruleVersion int, codeWithoutLines string) string {
	h := sha256Hex(codeWithoutLines)
	key := fmt.Sprintf("prj:%s|mr:%d|file:%s|rule:%s|ruleVer:%d|content:%s", projectID, mrIID, file, ruleID, ruleVersion, h)
	return sha256Hex(key)
}

// contextHash implements §4.6 step 8: sha1(rule|file|line|±3 code lines)
// truncated to 16 hex characters.
func contextHash(ruleID, file string, lineNumber int, lines []string) string {
	key := fmt.Sprintf("%s|%s|%d|%s", ruleID, file, lineNumber, strings.Join(lines, "\n"))
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// scanIdentifiers builds the in-memory existingIdentifiers set (§4.6 step
// 2) by scanning every discussion note body for an embedded violation
// identifier.
func scanIdentifiers(discussions []Discussion) map[string]struct{} {
	out := make(map[string]struct{})
	for _, d := range discussions {
		for _, note := range d.Notes {
			for _, m := range violationIdentifierPattern.FindAllString(note, -1) {
				out[m] = struct{}{}
			}
		}
	}
	return out
}
