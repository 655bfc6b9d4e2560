// Package stages renders the evaluation prompts, calls the generation backend
// and decodes its answers.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"text/template"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/ai"
	"github.com/spigell/cv-screener/internal/apperr"
	"github.com/spigell/cv-screener/internal/logger"
	"github.com/spigell/cv-screener/internal/utils"
)

// Stage names one generation step.
type Stage string

const (
	StageCV      Stage = "cv"
	StageProject Stage = "project"
	StageFinal   Stage = "final"
)

const (
	DefaultDocumentChars = 3000
	DefaultTemplateChars = 2000
	DefaultContextChars  = 4000
)

// Limits bounds how much text is embedded in a prompt.
type Limits struct {
	// DocumentChars cuts the candidate CV or project report.
	DocumentChars int
	// TemplateChars cuts rubric text.
	TemplateChars int
	// ContextChars cuts reference context (job description, case brief).
	ContextChars int
}

func (l Limits) withDefaults() Limits {
	if l.DocumentChars <= 0 {
		l.DocumentChars = DefaultDocumentChars
	}
	if l.TemplateChars <= 0 {
		l.TemplateChars = DefaultTemplateChars
	}
	if l.ContextChars <= 0 {
		l.ContextChars = DefaultContextChars
	}
	return l
}

type CVInput struct {
	Resume         string
	JobDescription string
	Rubric         string
}

type ProjectInput struct {
	Report    string
	CaseBrief string
	Rubric    string
}

type CVEvaluation struct {
	MatchRate *float64 `mapstructure:"cv_match_rate" json:"cv_match_rate"`
	Feedback  *string  `mapstructure:"cv_feedback" json:"cv_feedback"`
}

type ProjectEvaluation struct {
	Score    *float64 `mapstructure:"project_score" json:"project_score"`
	Feedback *string  `mapstructure:"project_feedback" json:"project_feedback"`
}

type Summary struct {
	OverallSummary *string `mapstructure:"overall_summary" json:"overall_summary"`
}

// Options configures an Executor.
type Options struct {
	Budget       ai.Budget
	Limits       Limits
	MaxLogLength int
	Logger       *zap.Logger
}

// Executor runs the three evaluation stages against one generator.
type Executor struct {
	generator ai.Generator
	budget    ai.Budget
	limits    Limits
	maxLogLen int
	logger    *zap.Logger
}

func NewExecutor(generator ai.Generator, opts Options) *Executor {
	maxLogLen := opts.MaxLogLength
	if maxLogLen <= 0 {
		maxLogLen = 200
	}
	return &Executor{
		generator: generator,
		budget:    opts.Budget,
		limits:    opts.Limits.withDefaults(),
		maxLogLen: maxLogLen,
		logger:    logger.ForBackend(opts.Logger, generator.Provider(), generator.Model()),
	}
}

// EvaluateCV scores the CV against the job description and CV rubric.
func (e *Executor) EvaluateCV(ctx context.Context, in CVInput) (Output[CVEvaluation], error) {
	data := CVInput{
		Resume:         utils.Prefix(in.Resume, e.limits.DocumentChars),
		JobDescription: utils.Prefix(in.JobDescription, e.limits.ContextChars),
		Rubric:         utils.Prefix(in.Rubric, e.limits.TemplateChars),
	}

	out, err := runStage[CVEvaluation](ctx, e, StageCV, cvSystemPrompt, cvTemplate, data)
	if err != nil {
		return out, err
	}
	if v, ok := out.Value(); ok {
		v.MatchRate = normalizeRate(v.MatchRate)
		v.Feedback = normalizeText(v.Feedback)
		out = Parsed(v)
	}
	return out, nil
}

// EvaluateProject scores the report against the case brief and project rubric.
func (e *Executor) EvaluateProject(ctx context.Context, in ProjectInput) (Output[ProjectEvaluation], error) {
	data := ProjectInput{
		Report:    utils.Prefix(in.Report, e.limits.DocumentChars),
		CaseBrief: utils.Prefix(in.CaseBrief, e.limits.ContextChars),
		Rubric:    utils.Prefix(in.Rubric, e.limits.TemplateChars),
	}

	out, err := runStage[ProjectEvaluation](ctx, e, StageProject, projectSystemPrompt, projectTemplate, data)
	if err != nil {
		return out, err
	}
	if v, ok := out.Value(); ok {
		v.Score = clamp(v.Score, 1, 5)
		v.Feedback = normalizeText(v.Feedback)
		out = Parsed(v)
	}
	return out, nil
}

// Summarize writes the overall summary from both earlier outputs, whichever arm they hold.
func (e *Executor) Summarize(ctx context.Context, cv Output[CVEvaluation], project Output[ProjectEvaluation]) (Output[Summary], error) {
	cvJSON, err := json.Marshal(cv.payload())
	if err != nil {
		return Output[Summary]{}, fmt.Errorf("marshal cv evaluation: %w", err)
	}
	projectJSON, err := json.Marshal(project.payload())
	if err != nil {
		return Output[Summary]{}, fmt.Errorf("marshal project evaluation: %w", err)
	}

	data := struct{ CV, Project string }{CV: string(cvJSON), Project: string(projectJSON)}

	out, err := runStage[Summary](ctx, e, StageFinal, finalSystemPrompt, finalTemplate, data)
	if err != nil {
		return out, err
	}
	if v, ok := out.Value(); ok {
		v.OverallSummary = normalizeText(v.OverallSummary)
		out = Parsed(v)
	}
	return out, nil
}

func runStage[T any](ctx context.Context, e *Executor, stage Stage, system string, tmpl *template.Template, data any) (Output[T], error) {
	log := e.logger.With(zap.String(logger.FieldStage, string(stage)))

	prompt, err := render(tmpl, data)
	if err != nil {
		return Output[T]{}, fmt.Errorf("render %s prompt: %w", stage, err)
	}

	maxTokens := e.budget.MaxOutputTokens(system, prompt)
	log.Debug("stage request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.Int("max_output_tokens", maxTokens),
	)

	raw, err := e.generator.Generate(ctx, ai.Request{
		System:          system,
		Prompt:          prompt,
		MaxOutputTokens: maxTokens,
		JSON:            true,
	})
	if err != nil {
		return Output[T]{}, apperr.Upstream(err, "%s stage generation failed", stage)
	}

	out := Parse[T](raw)
	if out.IsMalformed() {
		log.Warn("stage output degraded", zap.Error(apperr.Malformed(string(stage), utils.TruncateForLog(out.Raw(), e.maxLogLen))))
	}
	return out, nil
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// normalizeRate accepts a fraction or a percentage and returns a fraction in [0,1].
func normalizeRate(v *float64) *float64 {
	if !finite(v) {
		return nil
	}
	r := *v
	if r > 1 && r <= 100 {
		r /= 100
	}
	return clamp(&r, 0, 1)
}

func clamp(v *float64, lo, hi float64) *float64 {
	if !finite(v) {
		return nil
	}
	c := min(max(*v, lo), hi)
	return &c
}

func normalizeText(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
