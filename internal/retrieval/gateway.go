package retrieval

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/maslennikov-ig/coursegen/internal/logging"
)

var gatewayTracer = otel.Tracer("coursegen.retrieval")

// oversample is how many extra candidates are fetched before section scoping
// filters them down. Scoping happens in the gateway, so the raw query must
// return more than the caller asked for.
const oversample = 4

// Scope describes which sections a query may draw from: the target section
// and its declared prerequisites.
type Scope struct {
	SectionID     string
	Prerequisites []string
}

// allows reports whether a chunk's section is inside the scope.
func (s Scope) allows(sectionID string) bool {
	if sectionID == s.SectionID {
		return true
	}
	for _, p := range s.Prerequisites {
		if sectionID == p {
			return true
		}
	}
	return false
}

// Gateway executes scoped similarity queries against the document store.
type Gateway struct {
	store  Store
	logger *logging.Logger
}

// NewGateway creates a gateway over the given store.
func NewGateway(store Store, logger *logging.Logger) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{store: store, logger: logger.Named("retrieval")}, nil
}

// Search returns up to limit chunks relevant to the query, confined to the
// scope's sections. Zero results is not an error; the caller proceeds
// without that context. An unreachable store returns ErrUnavailable.
func (g *Gateway) Search(ctx context.Context, query string, scope Scope, limit int) ([]Chunk, error) {
	ctx, span := gatewayTracer.Start(ctx, "retrieval.search")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.section_id", scope.SectionID),
		attribute.Int("retrieval.limit", limit),
	)

	if limit <= 0 {
		return nil, nil
	}

	candidates, err := g.store.Query(ctx, query, limit*oversample)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching store: %w", err)
	}

	scoped := make([]Chunk, 0, len(candidates))
	for _, c := range candidates {
		if scope.allows(c.SectionID) {
			scoped = append(scoped, c)
		}
	}

	scoped = rerank(query, scoped)
	if len(scoped) > limit {
		scoped = scoped[:limit]
	}

	span.SetAttributes(attribute.Int("retrieval.results", len(scoped)))
	g.logger.Debug(ctx, "retrieval query executed",
		zap.String("query", query),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(scoped)),
	)
	return scoped, nil
}
