package review

import "context"

// Project is a minimal source-control project/repo record (§6.2).
type Project struct {
	ID                string `json:"id"`
	PathWithNamespace string `json:"pathWithNamespace"`
	DefaultBranch     string `json:"defaultBranch"`
}

// MergeRequest is the subset of MR metadata the review engine and the
// generic "create MR" operation need (§6.2).
type MergeRequest struct {
	ID          int      `json:"id"`
	IID         int      `json:"iid"`
	ProjectID   string   `json:"projectId"`
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DiffRefs    DiffRefs `json:"diffRefs"`
}

// DiffRefs carries the three SHAs a GitLab discussion position must be
// anchored against.
type DiffRefs struct {
	BaseSha  string `json:"baseSha"`
	HeadSha  string `json:"headSha"`
	StartSha string `json:"startSha"`
}

// HasRefs reports whether all three SHAs were populated (an MR created
// with no changes yet may lack diff refs).
func (r DiffRefs) HasRefs() bool {
	return r.BaseSha != "" && r.HeadSha != "" && r.StartSha != ""
}

// Diff is one changed file within an MR, carrying the unified-diff text
// GitLab returns for it.
type Diff struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
	Diff    string `json:"diff"`
}

// Discussion is one existing MR discussion thread, flattened to the note
// bodies the engine scans for embedded violation identifiers.
type Discussion struct {
	ID    string   `json:"id"`
	Notes []string `json:"notes"`
}

// DiscussionPosition anchors a new discussion note to a specific line in
// the diff, per GitLab's position API.
type DiscussionPosition struct {
	BaseSha  string
	HeadSha  string
	StartSha string
	OldPath  string
	NewPath  string
	NewLine  int
}

// SourceControl is the polymorphic source-control port (§6.2). The
// generic operations (getProjects/getProject/cloneProject/
// createMergeRequest/getJobLogs) and the review-specific operations
// (diffs/discussions/discussion-creation/MR-fetch) are both exposed here
// so a single adapter (e.g. GitLab) satisfies the whole surface.
type SourceControl interface {
	GetProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, projectID string) (*Project, error)
	CloneProject(ctx context.Context, pathWithNamespace, branchOrCommit string) (string, error)
	CreateMergeRequest(ctx context.Context, projectID, title, description, sourceBranch, targetBranch string) (*MergeRequest, error)
	GetJobLogs(ctx context.Context, projectIDOrPath string, jobID int) (string, error)

	GetMergeRequest(ctx context.Context, projectID string, mrIID int) (*MergeRequest, error)
	GetMergeRequestDiffs(ctx context.Context, projectID string, mrIID int) ([]Diff, error)
	GetMergeRequestDiscussions(ctx context.Context, projectID string, mrIID int) ([]Discussion, error)
	CreateDiscussion(ctx context.Context, projectID string, mrIID int, body string, pos *DiscussionPosition) error

	// PostComment satisfies builtin.CommentPoster so agents can post
	// through the same port the review pipeline uses.
	PostComment(ctx context.Context, projectID string, mrIID int, body string) error
}
