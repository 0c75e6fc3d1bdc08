package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrResultMissing is returned when a script finishes without binding a
// non-nil value to result.
var ErrResultMissing = errors.New("sandbox: query produced no result")

// ValidationError rejects code before it reaches the interpreter.
type ValidationError struct {
	Pattern string
	Reason  string
}

func (e *ValidationError) Error() string {
	return "sandbox: " + e.Reason
}

// RuntimeError is any failure raised while the script runs.
type RuntimeError struct {
	Kind    string
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("sandbox: %s: %s", e.Kind, e.Message)
}

const (
	KindSyntax     = "SyntaxError"
	KindRuntime    = "RuntimeError"
	KindField      = "FieldError"
	KindPermission = "PermissionDenied"
	KindQuery      = "QueryError"
	KindType       = "TypeError"
	KindDatabase   = "DatabaseError"
	KindNotFound   = "DoesNotExist"
	KindMultiple   = "MultipleObjectsReturned"
	KindTimeout    = "Timeout"
	KindCanceled   = "Canceled"
)

// Describe renders an execution failure the way it is shown to users and
// fed back to the model.
func Describe(err error) string {
	var validation *ValidationError
	var runtime *RuntimeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return "Security check failed: " + validation.Reason
	case errors.Is(err, ErrResultMissing):
		return "Query produced no result"
	case errors.As(err, &runtime):
		return fmt.Sprintf("Query execution error: %s: %s", runtime.Kind, runtime.Message)
	default:
		return err.Error()
	}
}

// Retryable reports whether a repair round-trip with the model may fix err.
func Retryable(err error) bool {
	var validation *ValidationError
	return err != nil && !errors.As(err, &validation)
}

// The denylist is plain pattern matching over source text. It catches the
// obvious forms only; the interpreter environment is what actually limits a
// script.
var blockedPatterns = []string{
	`[.:]delete\s*\(`, `[.:]save\s*\(`, `[.:]create\s*\(`,
	`[.:]update\s*\(`, `[.:]bulk_create\s*\(`, `[.:]bulk_update\s*\(`,
	`[.:]raw\s*\(`, `\bimport\s+`, `__import__`,
	`\bexec\s*\(`, `\beval\s*\(`, `\bcompile\s*\(`,
	`\bopen\s*\(`, `\bos\.`, `\bsys\.`, `subprocess`,
	`shutil`, `pathlib`, `\bglobals\s*\(`, `\blocals\s*\(`,
	`__class__`, `__subclasses__`, `__bases__`,
	`\bload\s*\(`, `loadstring\s*\(`, `dofile`, `loadfile`, `\brequire\b`,
	`\bio\.`, `\b_G\b`, `\b_ENV\b`, `getfenv`, `setfenv`,
	`getmetatable`, `setmetatable`, `rawset`, `rawget`,
	`\bdebug\.`, `string\.dump`,
}

type blockedPattern struct {
	source string
	re     *regexp.Regexp
}

var denylist = compileDenylist(blockedPatterns)

var resultBinding = regexp.MustCompile(`\bresult\b`)

func compileDenylist(patterns []string) []blockedPattern {
	out := make([]blockedPattern, 0, len(patterns))
	for _, pattern := range patterns {
		out = append(out, blockedPattern{source: pattern, re: regexp.MustCompile(pattern)})
	}
	return out
}

// Validate checks generated code against the denylist and the result
// binding rule. It never executes anything.
func Validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return &ValidationError{Reason: "Empty code"}
	}
	for _, blocked := range denylist {
		if blocked.re.MatchString(code) {
			return &ValidationError{
				Pattern: blocked.source,
				Reason:  "Blocked unsafe operation: " + blocked.source,
			}
		}
	}
	if !resultBinding.MatchString(code) {
		return &ValidationError{Reason: "Code must assign to 'result' variable"}
	}
	return nil
}
