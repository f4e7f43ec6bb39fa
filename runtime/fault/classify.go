package fault

import (
	"regexp"
	"strconv"
	"strings"
)

// httpStatusPatterns extract an HTTP status code from carrier error text.
// Checked in order; the first match wins.
var httpStatusPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{3}) (Bad|Unauthorized|Forbidden|Not|Error|Server)`),
	regexp.MustCompile(`status:? (\d{3})`),
	regexp.MustCompile(`HTTP (\d{3})`),
	regexp.MustCompile(`error (\d{3})`),
}

// HTTPStatus extracts an HTTP status code embedded in an error message.
// Returns 0, false when no pattern matches.
func HTTPStatus(message string) (int, bool) {
	for _, re := range httpStatusPatterns {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		status, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if status < 100 || status > 599 {
			continue
		}
		return status, true
	}
	return 0, false
}

// IsAuthFailure reports whether the message describes an authentication
// failure. Authentication failures are terminal and must never be retried.
func IsAuthFailure(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "invalid api key")
}

// ClassifyToolError maps a tool-reported error message to a taxonomy code.
// Parameter validation surfaces as ToolValidationFailed; everything else is
// ToolExecutionFailed, with any carried HTTP status recorded in Details.
func ClassifyToolError(message string) *Fault {
	if strings.Contains(strings.ToLower(message), "invalid parameters") {
		return New(ToolValidationFailed, message)
	}
	f := New(ToolExecutionFailed, message)
	if status, ok := HTTPStatus(message); ok {
		f.WithDetail("http_status", status)
	}
	return f
}

// nonRetryableCodes fail fast: retrying cannot change the outcome.
var nonRetryableCodes = map[Code]struct{}{
	IntentParseFailed:         {},
	IntentValidationFailed:    {},
	PlanValidationFailed:      {},
	PlanCircularDependency:    {},
	ToolValidationFailed:      {},
	ToolNotFound:              {},
	StateTransitionInvalid:    {},
	LLMSchemaValidationFailed: {},
	TokenBudgetExceeded:       {},
	MaxStepsExceeded:          {},
	Cancelled:                 {},
}

// IsRetryable reports whether a retry may change the outcome. Validation and
// authentication failures are never retryable; 4xx statuses other than 429 are
// terminal; transient infrastructure and 5xx/network failures are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	f := FromError(err)
	if IsAuthFailure(f.Message) {
		return false
	}
	if _, ok := nonRetryableCodes[f.Code]; ok {
		return false
	}
	if status, ok := HTTPStatus(f.Message); ok {
		if status == 429 {
			return true
		}
		if status >= 400 && status < 500 {
			return false
		}
		if status >= 500 {
			return true
		}
	}
	switch f.Code {
	case InfrastructureError, MemoryOperationFailed, LLMTimeout, LLMRequestFailed, StepTimeout:
		return true
	}
	lower := strings.ToLower(f.Message)
	for _, marker := range []string{"network", "connection refused", "timeout", "unavailable", "temporarily"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
