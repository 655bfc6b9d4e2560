// Package retrieval fetches ranked reference snippets from a vector index.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/logger"
)

// Category tags a reference document.
type Category string

const (
	CategoryJobDescription Category = "job-description"
	CategoryCaseBrief      Category = "case-brief"
	CategoryCVRubric       Category = "cv-rubric"
	CategoryProjectRubric  Category = "project-rubric"
)

// Categories lists every known category.
var Categories = []Category{CategoryJobDescription, CategoryCaseBrief, CategoryCVRubric, CategoryProjectRubric}

func (c Category) String() string {
	return string(c)
}

// Snippet is one retrieved reference fragment. Lower scores are more relevant.
type Snippet struct {
	Title    string
	Text     string
	Category Category
	Score    float64
}

// Searcher is a retrieval backend. Unlike Retriever it reports its failures.
type Searcher interface {
	Search(ctx context.Context, query string, category Category, k int) ([]Snippet, error)
}

// Retriever isolates callers from backend faults: a failing search yields no
// snippets and a warning, leaving the decision about empty context to the caller.
type Retriever struct {
	searcher Searcher
	logger   *zap.Logger
}

func NewRetriever(searcher Searcher, log *zap.Logger) *Retriever {
	return &Retriever{searcher: searcher, logger: logger.OrNop(log)}
}

// Retrieve returns at most k snippets of category, ascending by score.
func (r *Retriever) Retrieve(ctx context.Context, query string, category Category, k int) []Snippet {
	if k <= 0 {
		return nil
	}

	snippets, err := r.searcher.Search(ctx, query, category, k)
	if err != nil {
		r.logger.Warn("context retrieval failed",
			zap.String(logger.FieldCategory, category.String()),
			zap.String("query", query),
			zap.Error(err),
		)
		return nil
	}

	snippets = slices.Clone(snippets)
	slices.SortStableFunc(snippets, func(a, b Snippet) int {
		return cmp.Compare(a.Score, b.Score)
	})
	if len(snippets) > k {
		snippets = snippets[:k]
	}

	r.logger.Debug("context retrieved",
		zap.String(logger.FieldCategory, category.String()),
		zap.Int("snippets", len(snippets)),
	)
	return snippets
}

// Join renders snippets as "[category] title: text" blocks separated by a blank line.
func Join(snippets []Snippet) string {
	blocks := make([]string, 0, len(snippets))
	for _, s := range snippets {
		blocks = append(blocks, fmt.Sprintf("[%s] %s: %s", s.Category, s.Title, s.Text))
	}
	return strings.Join(blocks, "\n\n")
}
