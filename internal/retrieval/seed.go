package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Document is a reference text stored in the index.
type Document struct {
	ID       string
	Title    string
	Text     string
	Category Category
}

// SeedDocuments is the built-in reference corpus: one document per category.
var SeedDocuments = []Document{
	{
		ID:    "seed-job-description",
		Title: "Backend Job Description",
		Text: "Product Engineer (Backend): build APIs, DB schemas, scalable services; " +
			"integrate LLMs (prompting, chaining, RAG); handle async jobs & retries; " +
			"testing & clean code; collaborate with FE & PM; cloud experience preferred.",
		Category: CategoryJobDescription,
	},
	{
		ID:    "seed-case-brief",
		Title: "Case Study Brief",
		Text: "Build backend service to auto-screen candidates by comparing CV and Project Report " +
			"to Job Description and Case Study guidelines. Use RAG over internal docs (job desc, brief, rubrics). " +
			"Pipeline must be asynchronous and resilient; output cv_match_rate, project_score, feedbacks, and summary.",
		Category: CategoryCaseBrief,
	},
	{
		ID:    "seed-cv-rubric",
		Title: "CV Rubric",
		Text: "CV evaluation: Technical skills match (40), Experience level (25), Achievements (20), Cultural fit (15). " +
			"All scored 1-5; emphasize backend, databases, APIs, cloud, and AI/LLM exposure.",
		Category: CategoryCVRubric,
	},
	{
		ID:    "seed-project-rubric",
		Title: "Project Rubric",
		Text: "Project evaluation: Correctness (prompting/chaining/RAG) 30, Code quality 25, " +
			"Resilience & error handling 20, Documentation 15, Creativity 10. Score 1-5.",
		Category: CategoryProjectRubric,
	},
}

// Seed stores every seed document. Stable ids make reseeding overwrite instead of duplicate.
func Seed(ctx context.Context, index *Index) error {
	for _, doc := range SeedDocuments {
		if err := index.Add(ctx, doc); err != nil {
			return fmt.Errorf("seed %q: %w", doc.Title, err)
		}
	}
	index.logger.Info("reference documents seeded", zap.Int("count", len(SeedDocuments)))
	return nil
}

// SeedIfEmpty ensures the index exists and seeds it when it holds no documents.
func SeedIfEmpty(ctx context.Context, index *Index) (bool, error) {
	if _, err := index.Ensure(ctx, false); err != nil {
		return false, err
	}

	count, err := index.Count(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	return true, Seed(ctx, index)
}
