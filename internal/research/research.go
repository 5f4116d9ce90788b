// Package research provides ResearchEnricher implementations.
package research

import (
	"context"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Nop returns an empty bundle for every topic. It is used when no research
// provider is configured.
type Nop struct{}

// Research implements publishing.ResearchEnricher.
func (Nop) Research(_ context.Context, topic string) (publishing.ResearchBundle, error) {
	return publishing.ResearchBundle{Topic: topic}, nil
}
