package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/tutorvox/pkg/provider/generation"
)

// GenerationFallback implements [generation.Provider] with failover across
// generation backends. Failover happens only at Connect; a session that fails
// mid-conversation ends the tutoring session.
type GenerationFallback struct {
	group *FallbackGroup[generation.Provider]
}

var _ generation.Provider = (*GenerationFallback)(nil)

// NewGenerationFallback creates a [GenerationFallback] with primary first.
func NewGenerationFallback(primary generation.Provider, breakers *BreakerSet) *GenerationFallback {
	return &GenerationFallback{group: NewFallbackGroup(primary, primary.Name(), breakers)}
}

// AddFallback registers another provider under its own name.
func (f *GenerationFallback) AddFallback(p generation.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Connect opens a session on the first provider that accepts the setup.
func (f *GenerationFallback) Connect(ctx context.Context, cfg generation.SessionConfig) (generation.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p generation.Provider) (generation.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Name joins the member names, e.g. "gemini-live|genai".
func (f *GenerationFallback) Name() string {
	return strings.Join(f.group.Names(), "|")
}
