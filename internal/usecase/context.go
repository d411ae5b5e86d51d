package usecase

import (
	"time"

	"go.opentelemetry.io/otel"

	"github.com/simonhq/simon/internal/domain"
)

// ContextService is the hot path: classify the prompt, retrieve scored
// candidates, pack them under the token budget. It never fails the
// caller: any internal error yields the empty string.
type ContextService struct {
	Classifier *Classifier
	Retriever  *Retriever
	Formatter  Formatter
}

// NewContextService wires the three hot-path stages.
func NewContextService(c *Classifier, r *Retriever, f Formatter) ContextService {
	return ContextService{Classifier: c, Retriever: r, Formatter: f}
}

// BuildContext produces the markdown block for one prompt, or "" when
// nothing relevant is known.
func (s ContextService) BuildContext(ctx domain.Context, prompt, workspacePath string) string {
	tracer := otel.Tracer("usecase.context")
	ctx, span := tracer.Start(ctx, "build_context")
	defer span.End()

	sig, err := s.Classifier.Classify(ctx, prompt, workspacePath)
	if err != nil {
		return ""
	}
	if sig.Empty() && workspacePath == "" {
		return ""
	}
	items, err := s.Retriever.Retrieve(ctx, sig, workspacePath)
	if err != nil || len(items) == 0 {
		return ""
	}
	return s.Formatter.Format(items, time.Now().UTC())
}
