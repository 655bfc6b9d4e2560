// Package pipeline drives an evaluation job from queued to a terminal state.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/cv-screener/internal/apperr"
	"github.com/spigell/cv-screener/internal/jobs"
	"github.com/spigell/cv-screener/internal/logger"
	"github.com/spigell/cv-screener/internal/retrieval"
	"github.com/spigell/cv-screener/internal/stages"
	"github.com/spigell/cv-screener/internal/utils"
)

const (
	// DefaultMinChars is the non-whitespace floor for documents and contexts.
	DefaultMinChars = 20
	// MaxErrorLength bounds the message stored on a failed job.
	MaxErrorLength = 500

	retrievalFanOut = 4
)

// DocumentResolver turns a document id into text.
type DocumentResolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// ContextRetriever returns ranked snippets and never fails; an empty result
// covers backend faults.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, category retrieval.Category, k int) []retrieval.Snippet
}

// StageRunner executes the generation stages.
type StageRunner interface {
	EvaluateCV(ctx context.Context, in stages.CVInput) (stages.Output[stages.CVEvaluation], error)
	EvaluateProject(ctx context.Context, in stages.ProjectInput) (stages.Output[stages.ProjectEvaluation], error)
	Summarize(ctx context.Context, cv stages.Output[stages.CVEvaluation], project stages.Output[stages.ProjectEvaluation]) (stages.Output[stages.Summary], error)
}

// contextQuery describes one of the four retrievals issued per job.
type contextQuery struct {
	category retrieval.Category
	k        int
	// query is used verbatim; an empty query means the job title.
	query string
}

var contextQueries = []contextQuery{
	{category: retrieval.CategoryJobDescription, k: 3},
	{category: retrieval.CategoryCVRubric, k: 2, query: "cv rubric"},
	{category: retrieval.CategoryCaseBrief, k: 2, query: "case study brief"},
	{category: retrieval.CategoryProjectRubric, k: 2, query: "project rubric"},
}

// Orchestrator runs one job at a time per call; it holds no per-job state.
type Orchestrator struct {
	store     jobs.Store
	documents DocumentResolver
	retriever ContextRetriever
	stages    StageRunner
	minChars  int
	logger    *zap.Logger
}

type Options struct {
	MinChars int
	Logger   *zap.Logger
}

func NewOrchestrator(store jobs.Store, documents DocumentResolver, retriever ContextRetriever, runner StageRunner, opts Options) *Orchestrator {
	minChars := opts.MinChars
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &Orchestrator{
		store:     store,
		documents: documents,
		retriever: retriever,
		stages:    runner,
		minChars:  minChars,
		logger:    logger.OrNop(opts.Logger),
	}
}

// Run moves a queued job to processing, evaluates it and commits the outcome.
// Evaluation failures end up on the job; the returned error only reports that
// the job could not be started or its outcome could not be stored.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	log := logger.ForJob(o.logger, jobID)

	job, err := o.store.Transition(ctx, jobID, jobs.StatusProcessing, jobs.Update{})
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	log.Info("job processing", zap.String("job_title", job.Title))

	result, evalErr := o.evaluate(ctx, job, log)
	if evalErr != nil {
		msg := failureMessage(evalErr)
		log.Error("job failed",
			zap.String("error_code", string(apperr.CodeOf(evalErr))),
			zap.String("error", msg),
		)
		// The job context may be the reason for the failure; the outcome is
		// still recorded.
		if _, err := o.store.Transition(context.WithoutCancel(ctx), jobID, jobs.StatusFailed, jobs.Update{Error: msg}); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		return nil
	}

	if _, err := o.store.Transition(context.WithoutCancel(ctx), jobID, jobs.StatusCompleted, jobs.Update{Result: result}); err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	log.Info("job completed", zap.Strings("degraded", result.Degraded))
	return nil
}

func (o *Orchestrator) evaluate(ctx context.Context, job jobs.Job, log *zap.Logger) (*jobs.Result, error) {
	cvText, err := o.resolveDocument(ctx, "cv", job.CVID)
	if err != nil {
		return nil, err
	}
	reportText, err := o.resolveDocument(ctx, "project report", job.ReportID)
	if err != nil {
		return nil, err
	}

	contexts, err := o.retrieveContexts(ctx, job.Title)
	if err != nil {
		return nil, err
	}

	var (
		cvOut      stages.Output[stages.CVEvaluation]
		projectOut stages.Output[stages.ProjectEvaluation]
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cvOut, err = o.stages.EvaluateCV(gctx, stages.CVInput{
			Resume:         cvText,
			JobDescription: contexts[retrieval.CategoryJobDescription],
			Rubric:         contexts[retrieval.CategoryCVRubric],
		})
		return err
	})
	g.Go(func() error {
		var err error
		projectOut, err = o.stages.EvaluateProject(gctx, stages.ProjectInput{
			Report:    reportText,
			CaseBrief: contexts[retrieval.CategoryCaseBrief],
			Rubric:    contexts[retrieval.CategoryProjectRubric],
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary, err := o.stages.Summarize(ctx, cvOut, projectOut)
	if err != nil {
		return nil, err
	}

	result := assemble(cvOut, projectOut, summary)
	if len(result.Degraded) > 0 {
		log.Warn("job completed with degraded stages", zap.Strings("degraded", result.Degraded))
	}
	return result, nil
}

func (o *Orchestrator) resolveDocument(ctx context.Context, name, id string) (string, error) {
	text, err := o.documents.Resolve(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return "", err
		}
		return "", fmt.Errorf("resolve %s document: %w", name, err)
	}
	if err := o.checkLength(name+" document", text); err != nil {
		return "", err
	}
	return text, nil
}

// retrieveContexts issues the four retrievals concurrently and validates the
// snippet bodies of each category before joining them.
func (o *Orchestrator) retrieveContexts(ctx context.Context, title string) (map[retrieval.Category]string, error) {
	results := make([][]retrieval.Snippet, len(contextQueries))

	var g errgroup.Group
	g.SetLimit(retrievalFanOut)
	for i, q := range contextQueries {
		query := q.query
		if query == "" {
			query = title
		}
		g.Go(func() error {
			results[i] = o.retriever.Retrieve(ctx, query, q.category, q.k)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("retrieve contexts: %w", err)
	}

	contexts := make(map[retrieval.Category]string, len(contextQueries))
	for i, q := range contextQueries {
		// Labels and titles added by Join do not count as context.
		if err := o.checkLength(q.category.String()+" context", snippetBodies(results[i])); err != nil {
			return nil, err
		}
		contexts[q.category] = retrieval.Join(results[i])
	}
	return contexts, nil
}

func snippetBodies(snippets []retrieval.Snippet) string {
	bodies := make([]string, 0, len(snippets))
	for _, sn := range snippets {
		bodies = append(bodies, sn.Text)
	}
	return strings.Join(bodies, "\n")
}

func (o *Orchestrator) checkLength(field, text string) error {
	if n := utils.CountNonSpace(text); n < o.minChars {
		return apperr.Validation(field, "%s must contain at least %d non-whitespace characters, got %d", field, o.minChars, n)
	}
	return nil
}

func assemble(cv stages.Output[stages.CVEvaluation], project stages.Output[stages.ProjectEvaluation], summary stages.Output[stages.Summary]) *jobs.Result {
	result := &jobs.Result{}

	if v, ok := cv.Value(); ok {
		result.CVMatchRate, result.CVFeedback = v.MatchRate, v.Feedback
	}
	if result.CVMatchRate == nil || result.CVFeedback == nil {
		result.Degraded = append(result.Degraded, string(stages.StageCV))
	}

	if v, ok := project.Value(); ok {
		result.ProjectScore, result.ProjectFeedback = v.Score, v.Feedback
	}
	if result.ProjectScore == nil || result.ProjectFeedback == nil {
		result.Degraded = append(result.Degraded, string(stages.StageProject))
	}

	if v, ok := summary.Value(); ok {
		result.OverallSummary = v.OverallSummary
	}
	if result.OverallSummary == nil {
		result.Degraded = append(result.Degraded, string(stages.StageFinal))
	}

	return result
}

func failureMessage(err error) string {
	msg := utils.TruncateForLog(utils.Sanitize(err.Error()), MaxErrorLength)
	if msg == "" {
		return "evaluation failed"
	}
	return msg
}
