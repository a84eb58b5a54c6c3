// Package reflection implements the post-wave quality gate. Evaluation is a
// pure function of the run outputs: a fixed rule set files issues from a
// closed code vocabulary, severity weights turn issues into a score, and the
// score against the pass bar decides whether the pipeline replans. The
// evaluator never inspects live state and is safe to call from any
// goroutine.
package reflection

import (
	"fmt"
	"regexp"
	"strings"

	"goa.design/loom/runtime/plan"
)

// IssueCode identifies one of the closed set of quality findings.
type IssueCode string

const (
	// CodeTaskFailed reports a task that did not complete.
	CodeTaskFailed IssueCode = "TASK_FAILED"

	// CodeStandaloneHTMLArtifact reports a prototype run that produced a
	// single bare HTML file instead of a project.
	CodeStandaloneHTMLArtifact IssueCode = "STANDALONE_HTML_ARTIFACT"

	// CodeScaffoldOnlyOutput reports a run that touched nothing beyond the
	// scaffold entry points.
	CodeScaffoldOnlyOutput IssueCode = "SCAFFOLD_ONLY_OUTPUT"

	// CodeMissingFormFlow reports the absence of any form submission flow.
	CodeMissingFormFlow IssueCode = "MISSING_FORM_FLOW"

	// CodeMissingDataSurface reports the absence of any data table or grid.
	CodeMissingDataSurface IssueCode = "MISSING_DATA_SURFACE"

	// CodeLowInteractionComplexity reports too few interactive handlers for
	// the amount of generated code.
	CodeLowInteractionComplexity IssueCode = "LOW_INTERACTION_COMPLEXITY"

	// CodePlaceholderContent reports placeholder phrases left in output.
	CodePlaceholderContent IssueCode = "PLACEHOLDER_CONTENT_DETECTED"
)

// Severity grades an issue. The weight configuration maps severities to
// score penalties.
type Severity string

const (
	// SeverityFatal marks findings that invalidate the run outright.
	SeverityFatal Severity = "fatal"
	// SeverityMajor marks findings that leave the output unusable for its
	// stated purpose.
	SeverityMajor Severity = "major"
	// SeverityMinor marks quality smells worth another pass.
	SeverityMinor Severity = "minor"
)

type (
	// Issue is a single quality finding.
	Issue struct {
		// Code identifies the finding.
		Code IssueCode `json:"code"`

		// Severity grades it.
		Severity Severity `json:"severity"`

		// Detail explains the finding for logs and journals.
		Detail string `json:"detail,omitempty"`
	}

	// TaskResult is the evaluator's view of one executed task. Status uses
	// the executor vocabulary; anything but "completed" files an issue.
	TaskResult struct {
		// TaskID names the task.
		TaskID string `json:"taskId"`

		// Status is the terminal task status.
		Status string `json:"status"`
	}

	// Artifact is one generated file presented for evaluation.
	Artifact struct {
		// Path is the repository-relative file path.
		Path string `json:"path"`

		// Content is the generated file body.
		Content string `json:"content"`
	}

	// Input gathers everything one evaluation looks at.
	Input struct {
		// Plan is the executed plan revision.
		Plan plan.Plan

		// ReplanDepth is the number of replans that produced this revision.
		ReplanDepth int

		// TaskResults holds the terminal status of every task.
		TaskResults []TaskResult

		// FilesGenerated counts files produced by the whole run.
		FilesGenerated int

		// TouchedFilePaths lists the files the run modified.
		TouchedFilePaths []string

		// GeneratedArtifacts carries the artifact bodies the content rules
		// inspect.
		GeneratedArtifacts []Artifact

		// PromptMessage is the originating user prompt.
		PromptMessage string
	}

	// Result is the evaluation outcome.
	Result struct {
		// ShouldIterate reports whether the pipeline should replan.
		ShouldIterate bool `json:"shouldIterate"`

		// Score is the quality score in [0,100].
		Score int `json:"score"`

		// Issues lists every finding in rule order.
		Issues []Issue `json:"issues"`
	}

	// Weights maps severities to score penalties.
	Weights struct {
		// Fatal is subtracted per fatal issue.
		Fatal int `json:"fatal" yaml:"fatal"`

		// Major is subtracted per major issue.
		Major int `json:"major" yaml:"major"`

		// Minor is subtracted per minor issue.
		Minor int `json:"minor" yaml:"minor"`
	}

	// Evaluator applies the rule set with its configured weights and bar.
	Evaluator struct {
		passScore    int
		weights      Weights
		placeholders []string
	}

	// Option configures an Evaluator.
	Option func(*Evaluator)
)

// Defaults.
const (
	// DefaultPassScore is the score at or above which a run passes.
	DefaultPassScore = 90
)

// DefaultWeights returns the conservative default penalty weights.
func DefaultWeights() Weights {
	return Weights{Fatal: 40, Major: 15, Minor: 5}
}

// DefaultPlaceholders returns the phrases that flag placeholder content.
func DefaultPlaceholders() []string {
	return []string{"占位", "TODO", "Lorem ipsum", "可扩展增删改查"}
}

// WithPassScore overrides the pass bar.
func WithPassScore(score int) Option {
	return func(e *Evaluator) { e.passScore = score }
}

// WithWeights overrides the severity penalty weights.
func WithWeights(w Weights) Option {
	return func(e *Evaluator) { e.weights = w }
}

// WithPlaceholders overrides the placeholder phrase vocabulary.
func WithPlaceholders(phrases []string) Option {
	return func(e *Evaluator) { e.placeholders = phrases }
}

// NewEvaluator builds an evaluator with the default bar, weights, and
// placeholder vocabulary.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		passScore:    DefaultPassScore,
		weights:      DefaultWeights(),
		placeholders: DefaultPlaceholders(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	prototypePrompt = regexp.MustCompile(`(?i)原型|prototype`)
	handlerPattern  = regexp.MustCompile(`onClick|onSubmit|onChange`)
)

// scaffoldOnlyPaths are the files a bare scaffold touches. A run confined
// to them produced no real feature work.
func scaffoldOnly(path string) bool {
	return strings.HasPrefix(path, "src/main.") ||
		strings.HasPrefix(path, "src/App.") ||
		path == "src/index.css"
}

// Evaluate runs every rule, accumulates issues, and scores the run. Rules
// never short-circuit each other; a failed task and a missing form flow both
// appear in the same result. ShouldIterate is forced false once the replan
// depth reaches the plan's limit, whatever the score.
func (e *Evaluator) Evaluate(in Input) Result {
	var issues []Issue

	// Rule 1: every task must have completed.
	for _, r := range in.TaskResults {
		if r.Status != "completed" {
			issues = append(issues, Issue{
				Code:     CodeTaskFailed,
				Severity: SeverityFatal,
				Detail:   fmt.Sprintf("task %s ended %s", r.TaskID, r.Status),
			})
		}
	}

	// Rule 2: a prototype request answered with a single HTML file.
	if len(in.GeneratedArtifacts) == 1 &&
		strings.HasSuffix(strings.ToLower(in.GeneratedArtifacts[0].Path), ".html") &&
		prototypePrompt.MatchString(in.PromptMessage) {
		issues = append(issues, Issue{
			Code:     CodeStandaloneHTMLArtifact,
			Severity: SeverityMajor,
			Detail:   fmt.Sprintf("single html artifact %s for a prototype request", in.GeneratedArtifacts[0].Path),
		})
	}

	// Rule 3: nothing generated beyond the scaffold entry points.
	if in.FilesGenerated < 10 && allScaffold(in.TouchedFilePaths) {
		issues = append(issues, Issue{
			Code:     CodeScaffoldOnlyOutput,
			Severity: SeverityMajor,
			Detail:   fmt.Sprintf("%d files generated, none beyond the scaffold", in.FilesGenerated),
		})
	}

	// Rule 4: at least one artifact must carry a form submission flow.
	if !anyArtifact(in.GeneratedArtifacts, hasFormFlow) {
		issues = append(issues, Issue{
			Code:     CodeMissingFormFlow,
			Severity: SeverityMajor,
			Detail:   "no artifact contains a form with a submit or required-input signal",
		})
	}

	// Rule 5: at least one artifact must carry a data table or grid.
	if !anyArtifact(in.GeneratedArtifacts, hasDataSurface) {
		issues = append(issues, Issue{
			Code:     CodeMissingDataSurface,
			Severity: SeverityMajor,
			Detail:   "no artifact contains a data table or grid",
		})
	}

	// Rule 6: interactive handler count scaled by output size.
	handlers := 0
	for _, a := range in.GeneratedArtifacts {
		handlers += len(handlerPattern.FindAllString(a.Content, -1))
	}
	floor := max(1, in.FilesGenerated/2)
	if handlers < floor {
		issues = append(issues, Issue{
			Code:     CodeLowInteractionComplexity,
			Severity: SeverityMinor,
			Detail:   fmt.Sprintf("%d interactive handlers across %d files, expected at least %d", handlers, in.FilesGenerated, floor),
		})
	}

	// Rule 7: placeholder phrases left in output.
	for _, a := range in.GeneratedArtifacts {
		if phrase, found := containsPlaceholder(a.Content, e.placeholders); found {
			issues = append(issues, Issue{
				Code:     CodePlaceholderContent,
				Severity: SeverityMinor,
				Detail:   fmt.Sprintf("placeholder %q in %s", phrase, a.Path),
			})
			break
		}
	}

	score := 100
	for _, is := range issues {
		switch is.Severity {
		case SeverityFatal:
			score -= e.weights.Fatal
		case SeverityMajor:
			score -= e.weights.Major
		case SeverityMinor:
			score -= e.weights.Minor
		}
	}
	if score < 0 {
		score = 0
	}

	iterate := score < e.passScore
	if in.ReplanDepth >= in.Plan.ReplanPolicy.MaxReplanDepth {
		iterate = false
	}

	return Result{ShouldIterate: iterate, Score: score, Issues: issues}
}

// allScaffold reports whether paths is non-empty and confined to the
// scaffold entry points. A run that touched nothing is not scaffold-only;
// it fails the content rules instead.
func allScaffold(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !scaffoldOnly(p) {
			return false
		}
	}
	return true
}

func anyArtifact(artifacts []Artifact, pred func(string) bool) bool {
	for _, a := range artifacts {
		if pred(a.Content) {
			return true
		}
	}
	return false
}

func hasFormFlow(content string) bool {
	if !strings.Contains(content, "<form") {
		return false
	}
	return strings.Contains(content, "onSubmit") || strings.Contains(content, "required")
}

func hasDataSurface(content string) bool {
	if strings.Contains(content, "<table") && strings.Contains(content, "<thead") {
		return true
	}
	for _, marker := range []string{"DataGrid", "data-grid", "el-table", "ag-grid"} {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

func containsPlaceholder(content string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(content, p) {
			return p, true
		}
	}
	return "", false
}
