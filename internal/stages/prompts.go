package stages

import (
	"embed"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptFiles embed.FS

var (
	cvTemplate      = template.Must(template.ParseFS(promptFiles, "prompts/cv.tmpl"))
	projectTemplate = template.Must(template.ParseFS(promptFiles, "prompts/project.tmpl"))
	finalTemplate   = template.Must(template.ParseFS(promptFiles, "prompts/final.tmpl"))
)

const (
	cvSystemPrompt      = "You are an expert technical recruiter. Answer with a single JSON object and nothing else."
	projectSystemPrompt = "You are a senior backend and AI reviewer. Answer with a single JSON object and nothing else."
	finalSystemPrompt   = "You are writing a concise hiring panel note. Answer with a single JSON object and nothing else."
)

func render(tmpl *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
