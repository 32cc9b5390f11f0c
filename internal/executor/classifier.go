package executor

import (
	"context"
	"strings"

	"github.com/calder-ai/relay/pkg/models"
)

// consultationKeywords are words that indicate a simple consultation-type
// request suitable for auto-approval.
var consultationKeywords = []string{
	"explain",
	"describe",
	"what",
	"where",
	"which",
	"show",
	"list",
	"summarize",
}

// complexKeywords are words that indicate a complex request requiring
// extra oversight.
var complexKeywords = []string{
	"migrate",
	"migration",
	"delete",
	"drop",
	"rewrite",
	"overhaul",
	"deploy",
	"production",
}

// KeywordClassifier is a lightweight Classifier implementation that scores
// a request against keyword lists. It exists so the CLI can run plans
// without an external classifier attached; production deployments inject
// their own Classifier.
type KeywordClassifier struct {
	// DefaultTaskType is returned when no keyword group matches.
	DefaultTaskType string
}

// NewKeywordClassifier creates a classifier with the given default task type.
func NewKeywordClassifier(defaultTaskType string) *KeywordClassifier {
	if defaultTaskType == "" {
		defaultTaskType = "general"
	}
	return &KeywordClassifier{DefaultTaskType: defaultTaskType}
}

// Classify scores the request against the keyword lists. Complex keywords
// take precedence over consultation keywords.
func (c *KeywordClassifier) Classify(ctx context.Context, request string) (Classification, error) {
	lower := strings.ToLower(request)

	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return Classification{
				TaskType:   c.DefaultTaskType,
				Confidence: 0.6,
				Complexity: models.ComplexityComplex,
			}, nil
		}
	}

	for _, kw := range consultationKeywords {
		if strings.Contains(lower, kw) {
			return Classification{
				TaskType:   "consultation",
				Confidence: 0.7,
				Complexity: models.ComplexitySimple,
			}, nil
		}
	}

	return Classification{
		TaskType:   c.DefaultTaskType,
		Confidence: 0.5,
		Complexity: models.ComplexityModerate,
	}, nil
}

var _ Classifier = (*KeywordClassifier)(nil)
