package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// ErrDisabled is returned when a screenshot fetch is requested but headless
// rendering is turned off.
var ErrDisabled = errors.New("headless fetcher not configured")

// Noop implements discovery.PageFetcher but always fails.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns ErrDisabled.
func (Noop) Fetch(_ context.Context, _ discovery.FetchRequest) (discovery.Page, error) {
	return discovery.Page{}, ErrDisabled
}
