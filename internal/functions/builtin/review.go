package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/agentflow/runtime/internal/functions"
)

// CommentPoster is the minimal slice of the review engine's SourceControl
// port that review.post_comment needs. Defined locally (rather than
// importing internal/review) so agents can post discussion comments
// through the same port the review pipeline uses (§4.8 Function Registry:
// "review.post_comment — thin wrapper ... so agents ... can post discussion
// comments through the same SourceControl port") without functions and
// review importing each other.
type CommentPoster interface {
	PostComment(ctx context.Context, projectID string, mrIID int, body string) error
}

type postComment struct {
	poster CommentPoster
}

func (p *postComment) Schema() functions.Schema {
	return functions.Schema{
		Name:        "review.post_comment",
		Description: "Post a discussion comment on a merge request",
		Parameters: []functions.Param{
			{Name: "projectId", Type: "string", Required: true},
			{Name: "mrIid", Type: "number", Required: true},
			{Name: "body", Type: "string", Required: true},
		},
	}
}

func (p *postComment) Call(ctx context.Context, args []string) (string, error) {
	if len(args) < 3 {
		return "", fmt.Errorf("review.post_comment: expected 3 arguments, got %d", len(args))
	}
	mrIID, err := strconv.Atoi(args[1])
	if err != nil {
		return "", fmt.Errorf("review.post_comment: mrIid must be an integer: %w", err)
	}
	if err := p.poster.PostComment(ctx, args[0], mrIID, args[2]); err != nil {
		return "", fmt.Errorf("review.post_comment: %w", err)
	}
	return "comment posted", nil
}

// RegisterReview registers review.post_comment into reg, bound to poster.
// Every agent shares the same poster instance — unlike fs.*, this function
// class carries no per-agent state.
func RegisterReview(reg *functions.Registry, poster CommentPoster) {
	reg.Register("review.post_comment", func(string) functions.Function {
		return &postComment{poster: poster}
	})
}
