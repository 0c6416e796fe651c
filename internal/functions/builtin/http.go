package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentflow/runtime/internal/functions"
)

// fetchClient is package-level because http.fetch is stateless — no
// per-agent scoping applies to outbound HTTP, unlike the fs.* classes.
var fetchClient = &http.Client{Timeout: 30 * time.Second}

type httpFetch struct{}

func (httpFetch) Schema() functions.Schema {
	return functions.Schema{
		Name:        "http.fetch",
		Description: "Fetch a URL over HTTP GET and return the response body as text",
		Parameters:  []functions.Param{{Name: "url", Type: "string", Required: true}},
	}
}

func (httpFetch) Call(ctx context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("http.fetch: expected 1 argument, got %d", len(args))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args[0], nil)
	if err != nil {
		return "", fmt.Errorf("http.fetch: build request: %w", err)
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http.fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("http.fetch: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("http.fetch: %s returned HTTP %d", args[0], resp.StatusCode)
	}
	return string(body), nil
}

// RegisterHTTP registers http.fetch into reg.
func RegisterHTTP(reg *functions.Registry) {
	reg.Register("http.fetch", func(string) functions.Function { return httpFetch{} })
}
