// Package assistant runs one chat turn: prompt, model call, sandboxed
// execution, one repair round and formatting.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edunexus/edunexus/internal/audit"
	"github.com/edunexus/edunexus/internal/auth"
	"github.com/edunexus/edunexus/internal/conversation"
	"github.com/edunexus/edunexus/internal/format"
	"github.com/edunexus/edunexus/internal/llm"
	"github.com/edunexus/edunexus/internal/observability"
	"github.com/edunexus/edunexus/internal/prompt"
	"github.com/edunexus/edunexus/internal/sandbox"
	"github.com/edunexus/edunexus/internal/store"
)

type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
	Configured() bool
}

type Runner interface {
	Execute(ctx context.Context, code string, scope sandbox.Scope) (any, error)
}

type PromptBuilder interface {
	Build(ctx context.Context, principal prompt.Principal, history []conversation.Entry, question string) (prompt.Prompt, error)
}

type ProfileLookup interface {
	StudentProfile(ctx context.Context, studentID int64) (store.StudentProfile, error)
}

type Deps struct {
	Model     Completer
	Runner    Runner
	Prompts   PromptBuilder
	Schema    prompt.SchemaSource
	Profiles  ProfileLookup
	History   *conversation.Manager
	Formatter *format.Formatter
	Audit     audit.Recorder
}

type Turn struct {
	SessionID string
	Message   string
	Identity  auth.Identity
}

// outcome labels for metrics and the audit trail.
const (
	outcomeCommand      = "command"
	outcomeSetup        = "not_configured"
	outcomeRateLimited  = "rate_limited"
	outcomeModelError   = "model_error"
	outcomeInvalidReply = "invalid_reply"
	outcomeGreeting     = "greeting"
	outcomeOK           = "ok"
	outcomeFixed        = "fixed"
	outcomeQueryError   = "query_error"
	outcomeError        = "error"
)

type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.History == nil {
		deps.History = conversation.NewManager(nil, conversation.DefaultMaxExchanges)
	}
	if deps.Formatter == nil {
		deps.Formatter = format.New(format.DefaultMaxRows)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	return &Service{deps: deps, logger: logger, now: time.Now}
}

func (s *Service) History(ctx context.Context, sessionID string) ([]conversation.Entry, error) {
	return s.deps.History.History(ctx, sessionID)
}

func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	return s.deps.History.Clear(ctx, sessionID)
}

// SchemaText is the rendered live schema.
func (s *Service) SchemaText(ctx context.Context) (string, error) {
	snapshot, err := s.deps.Schema.Get(ctx)
	if err != nil {
		return "", err
	}
	return snapshot.Text, nil
}

// Handle answers one message. Every path returns a well-formed payload.
func (s *Service) Handle(ctx context.Context, turn Turn) format.Payload {
	started := s.now()
	entry := &audit.Entry{
		TurnID:    uuid.NewString(),
		SessionID: turn.SessionID,
		Role:      turn.Identity.Role,
		Subject:   turn.Identity.Subject,
		Question:  turn.Message,
		At:        started.UTC(),
	}

	payload, outcome := s.handle(ctx, turn, entry)

	elapsed := s.now().Sub(started)
	observability.ObserveAssistantTurn(outcome, elapsed)
	entry.Outcome = outcome
	entry.DisplayType = payload.Type
	entry.Duration = elapsed
	s.deps.Audit.Record(ctx, *entry)
	return payload
}

func (s *Service) handle(ctx context.Context, turn Turn, entry *audit.Entry) (format.Payload, string) {
	message := strings.TrimSpace(turn.Message)

	if isCommand(message, clearCommands) {
		if err := s.deps.History.Clear(ctx, turn.SessionID); err != nil {
			s.logger.ErrorContext(ctx, "clear conversation failed", "error", err)
			return unexpectedPayload(err), outcomeError
		}
		return clearedPayload(), outcomeCommand
	}
	if isCommand(message, schemaCommands) {
		text, err := s.SchemaText(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "schema introspection failed", "error", err)
			return unexpectedPayload(err), outcomeError
		}
		return schemaPayload(text), outcomeCommand
	}

	if s.deps.Model == nil || !s.deps.Model.Configured() {
		return setupPayload(), outcomeSetup
	}

	principal, scope := s.resolve(ctx, turn.Identity)
	history, err := s.deps.History.History(ctx, turn.SessionID)
	if err != nil {
		s.logger.WarnContext(ctx, "load conversation failed, continuing without history", "error", err)
		history = nil
	}

	built, err := s.deps.Prompts.Build(ctx, principal, history, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "build prompt failed", "error", err)
		return unexpectedPayload(err), outcomeError
	}

	completion, err := s.deps.Model.Complete(ctx, llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: built.Text}}})
	if payload, outcome, failed := modelFailure(err); failed {
		s.logger.WarnContext(ctx, "model call failed", "error", err)
		return payload, outcome
	}
	entry.Model = completion.Model

	reply, err := prompt.ParseReply(completion.Text)
	if err != nil {
		reply, err = s.repair(ctx, built.Text, completion)
		if err != nil {
			return format.TextPayload(prompt.RawEcho(completion.Text)), outcomeInvalidReply
		}
	}

	if reply.QueryCode == "" {
		payload := format.TextPayload(reply.Explanation, reply.Suggestions...)
		payload.AI = &format.AIMeta{Model: completion.Model}
		s.remember(ctx, turn.SessionID, message, payload, "")
		return payload, outcomeGreeting
	}

	code := reply.QueryCode
	entry.Code = code
	value, execErr := s.deps.Runner.Execute(ctx, code, scope)
	if execErr == nil {
		payload := s.deps.Formatter.Format(value, reply.Spec(code, completion.Model))
		s.remember(ctx, turn.SessionID, message, payload, code)
		return payload, outcomeOK
	}

	failure := sandbox.Describe(execErr)
	entry.ErrorKind = errorKind(execErr)
	if sandbox.Retryable(execErr) {
		entry.Retried = true
		if fixedCode, fixedValue, ok := s.fix(ctx, built.System, message, code, failure, scope); ok {
			entry.Code = fixedCode
			entry.ErrorKind = ""
			payload := s.deps.Formatter.Format(fixedValue, reply.Spec(fixedCode, completion.Model))
			s.remember(ctx, turn.SessionID, message, payload, fixedCode)
			return payload, outcomeFixed
		}
	}

	payload := executionFailedPayload(code, reply.Explanation, failure, completion.Model)
	s.remember(ctx, turn.SessionID, message, payload, code)
	return payload, outcomeQueryError
}

// resolve maps the caller to prompt and sandbox identities. A student whose
// record cannot be loaded keeps the student role with no resolved id.
func (s *Service) resolve(ctx context.Context, identity auth.Identity) (prompt.Principal, sandbox.Scope) {
	role := identity.Role
	if role == "" {
		role = sandbox.RoleAdmin
	}
	principal := prompt.Principal{Role: role}
	scope := sandbox.Scope{Role: role}
	if role != sandbox.RoleStudent || identity.StudentID == nil || s.deps.Profiles == nil {
		return principal, scope
	}

	profile, err := s.deps.Profiles.StudentProfile(ctx, *identity.StudentID)
	switch {
	case err == nil:
		principal.Student = &profile
		scope.StudentID = profile.ID
	case errors.Is(err, store.ErrNotFound):
		s.logger.WarnContext(ctx, "student record not found", "student_id", *identity.StudentID)
	default:
		s.logger.ErrorContext(ctx, "student profile lookup failed", "student_id", *identity.StudentID, "error", err)
	}
	return principal, scope
}

func modelFailure(err error) (format.Payload, string, bool) {
	switch {
	case err == nil:
		return format.Payload{}, "", false
	case errors.Is(err, llm.ErrNotConfigured):
		return setupPayload(), outcomeSetup, true
	case errors.Is(err, llm.ErrQuotaExhausted):
		return rateLimitPayload(), outcomeRateLimited, true
	default:
		return transportPayload(err), outcomeModelError, true
	}
}

// repair asks the same model once more for bare JSON.
func (s *Service) repair(ctx context.Context, text string, first llm.Completion) (prompt.Reply, error) {
	s.logger.DebugContext(ctx, "model reply was not valid JSON, requesting repair", "model", first.Model)
	completion, err := s.deps.Model.Complete(ctx, llm.Request{
		Model: first.Model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: text},
			{Role: llm.RoleAssistant, Content: first.Text},
			{Role: llm.RoleUser, Content: prompt.RepairPrompt(first.Text)},
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "repair request failed", "error", err)
		return prompt.Reply{}, err
	}
	return prompt.ParseReply(completion.Text)
}

// fix gives the model one chance to correct code that failed to run.
func (s *Service) fix(ctx context.Context, system, question, code, failure string, scope sandbox.Scope) (string, any, bool) {
	completion, err := s.deps.Model.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt.FixPrompt(system, question, code, failure)}},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "fix request failed", "error", err)
		return "", nil, false
	}
	reply, err := prompt.ParseReply(completion.Text)
	if err != nil || reply.QueryCode == "" {
		return "", nil, false
	}
	value, err := s.deps.Runner.Execute(ctx, reply.QueryCode, scope)
	if err != nil {
		s.logger.DebugContext(ctx, "fixed code failed too", "error", err)
		return "", nil, false
	}
	return reply.QueryCode, value, true
}

func (s *Service) remember(ctx context.Context, sessionID, question string, payload format.Payload, code string) {
	if err := s.deps.History.Append(ctx, sessionID, question, payload.Message, code); err != nil {
		s.logger.WarnContext(ctx, "append conversation failed", "error", err)
	}
}

func errorKind(err error) string {
	var validation *sandbox.ValidationError
	var runtime *sandbox.RuntimeError
	switch {
	case errors.As(err, &validation):
		return "ValidationError"
	case errors.As(err, &runtime):
		return runtime.Kind
	case errors.Is(err, sandbox.ErrResultMissing):
		return "NoResult"
	default:
		return "Error"
	}
}
