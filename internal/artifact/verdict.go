package artifact

// Severity indicates how serious a gate issue is.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Issue codes attached to gate verdicts. Recoverable format codes drive
// same-model retries; content-fatal codes escalate to a stronger tier.
const (
	IssueSchemaParse     = "schema-parse"
	IssueMissingField    = "missing-field"
	IssueTruncated       = "truncated"
	IssueEmptyResponse   = "empty-response"
	IssueEmptyLessonList = "empty-lesson-list"
	IssueLessonCount     = "lesson-count"
	IssueVagueLanguage   = "vague-language"
	IssueShortOverview   = "short-overview"
	IssueLowQuality      = "low-quality"
	IssueDuplicateTitle  = "duplicate-lesson-title"
	IssueObjectiveGap    = "objective-not-covered"
	IssueCancelled       = "cancelled"
	IssueBudgetExceeded  = "budget-exceeded"
	IssueProviderReject  = "provider-rejected"
	IssueTransport       = "transport-failure"
	IssueInternal        = "internal-error"
)

// Issue is one diagnostic finding produced by the quality gate.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Score dimension names.
const (
	DimSchemaCompliance = "schemaCompliance"
	DimContentQuality   = "contentQuality"
	DimLanguageQuality  = "languageQuality"
)

// GateVerdict is the quality gate's judgment of one phase attempt. It is
// consumed by the retry controller and attached to the final artifact for
// audit.
type GateVerdict struct {
	Passed          bool               `json:"passed"`
	Score           float64            `json:"score"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	Issues          []Issue            `json:"issues,omitempty"`
}

// Fatal reports whether the verdict carries at least one fatal issue.
func (v GateVerdict) Fatal() bool {
	for _, is := range v.Issues {
		if is.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// HasIssue reports whether the verdict carries an issue with the given code.
func (v GateVerdict) HasIssue(code string) bool {
	for _, is := range v.Issues {
		if is.Code == code {
			return true
		}
	}
	return false
}
