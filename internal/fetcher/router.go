// Package fetcher routes page retrievals to the HTTP or headless collaborator.
package fetcher

import (
	"context"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// Router sends screenshot requests to the headless fetcher and everything
// else to the HTTP fetcher.
type Router struct {
	HTTP     discovery.PageFetcher
	Headless discovery.PageFetcher
}

// Fetch implements discovery.PageFetcher.
func (r Router) Fetch(ctx context.Context, req discovery.FetchRequest) (discovery.Page, error) {
	if req.UseScreenshot && r.Headless != nil {
		return r.Headless.Fetch(ctx, req)
	}
	return r.HTTP.Fetch(ctx, req)
}
