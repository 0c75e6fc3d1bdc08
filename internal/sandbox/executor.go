// Package sandbox runs model-generated Lua against read-only entity
// accessors compiled to SQL.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/edunexus/edunexus/internal/catalog"
	"github.com/edunexus/edunexus/internal/observability"
	"github.com/edunexus/edunexus/internal/store"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxFetchRows  = 1000
	DefaultMaxResultRows = 50
)

// Interpreter ceilings. String building is capped at maxStringBytes per
// string.rep call.
const (
	maxStringBytes  = 1 << 20
	callStackSize   = 256
	registrySize    = 1024 * 4
	registryMaxSize = 1024 * 64
)

const (
	RoleAdmin   = "admin"
	RoleFaculty = "faculty"
	RoleStudent = "student"
)

// Scope identifies the caller a script runs for.
type Scope struct {
	Role string
	// StudentID is zero when the student record could not be resolved.
	StudentID int64
}

func (s Scope) student() bool { return s.Role == RoleStudent }

func (s Scope) roleName() string {
	if s.Role == "" {
		return "anonymous"
	}
	return s.Role
}

// Querier is the read surface the executor compiles against.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (store.Result, error)
	Dialect() store.Dialect
}

type Config struct {
	Timeout       time.Duration
	MaxFetchRows  int
	MaxResultRows int
}

type Executor struct {
	db       Querier
	entities *catalog.Catalog
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(db Querier, entities *catalog.Catalog, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxFetchRows <= 0 {
		cfg.MaxFetchRows = DefaultMaxFetchRows
	}
	if cfg.MaxResultRows <= 0 {
		cfg.MaxResultRows = DefaultMaxResultRows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, entities: entities, cfg: cfg, logger: logger, now: time.Now}
}

// Execute validates code, runs it in a fresh interpreter and returns the
// materialized value bound to result.
func (e *Executor) Execute(ctx context.Context, code string, scope Scope) (any, error) {
	started := time.Now()
	value, err := e.execute(ctx, code, scope)
	observability.ObserveSandboxExecution(outcomeOf(err), time.Since(started))
	if err != nil {
		e.logger.DebugContext(ctx, "sandbox execution failed", "error", err, "role", scope.Role)
	}
	return value, err
}

func (e *Executor) execute(ctx context.Context, code string, scope Scope) (any, error) {
	if err := Validate(code); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	x := e.newExecution(runCtx, scope)
	defer x.L.Close()

	fn, err := x.L.LoadString(code)
	if err != nil {
		return nil, &RuntimeError{Kind: KindSyntax, Message: err.Error()}
	}
	x.L.Push(fn)
	if err := x.L.PCall(0, 0, nil); err != nil {
		return nil, x.classify(runCtx, err, e.cfg.Timeout)
	}

	// Exporting may materialize a lazy query, so it runs protected too.
	var value any
	x.L.Push(x.L.NewFunction(func(L *lua.LState) int {
		value = x.export(L.GetGlobal("result"), 0)
		return 0
	}))
	if err := x.L.PCall(0, 0, nil); err != nil {
		return nil, x.classify(runCtx, err, e.cfg.Timeout)
	}
	if value == nil {
		return nil, ErrResultMissing
	}
	return value, nil
}

func outcomeOf(err error) string {
	var validation *ValidationError
	var runtime *RuntimeError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation):
		return "rejected"
	case errors.Is(err, ErrResultMissing):
		return "no_result"
	case errors.As(err, &runtime) && runtime.Kind == KindTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// execution is the state of one script run. Nothing in it outlives the call.
type execution struct {
	L          *lua.LState
	ctx        context.Context
	db         Querier
	entities   *catalog.Catalog
	scope      Scope
	maxFetch   int
	maxResults int
	now        time.Time
	logger     *slog.Logger
	// records remembers the column order of record tables.
	records map[*lua.LTable][]string
	failure *RuntimeError
}

var unsafeGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"getfenv", "setfenv", "getmetatable", "setmetatable",
	"rawget", "rawset", "rawequal", "collectgarbage", "newproxy",
	"_printregs", "_G",
}

func (e *Executor) newExecution(ctx context.Context, scope Scope) *execution {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   callStackSize,
		RegistrySize:    registrySize,
		RegistryMaxSize: registryMaxSize,
	})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetTop(0)

	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("dump", lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(func(*lua.LState) int { return 0 }))
	L.SetContext(ctx)

	x := &execution{
		L:          L,
		ctx:        ctx,
		db:         e.db,
		entities:   e.entities,
		scope:      scope,
		maxFetch:   e.cfg.MaxFetchRows,
		maxResults: e.cfg.MaxResultRows,
		now:        e.now().UTC(),
		logger:     e.logger,
		records:    map[*lua.LTable][]string{},
	}
	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("rep", L.NewFunction(x.stringRep))
	}
	x.registerValueTypes()
	x.registerConstructors()
	x.registerEntities()
	x.registerHelpers()
	return x
}

// stringRep is string.rep with an output size ceiling.
func (x *execution) stringRep(L *lua.LState) int {
	s := L.CheckString(1)
	n := L.CheckInt(2)
	if n <= 0 || s == "" {
		L.Push(lua.LString(""))
		return 1
	}
	if size := int64(len(s)) * int64(n); size > maxStringBytes {
		x.raise(KindRuntime, "string.rep would build %d bytes; the limit is %d", size, maxStringBytes)
	}
	L.Push(lua.LString(strings.Repeat(s, n)))
	return 1
}

// raise aborts the script with a typed failure.
func (x *execution) raise(kind, format string, args ...any) {
	x.fail(&RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (x *execution) fail(err error) {
	var runtime *RuntimeError
	if !errors.As(err, &runtime) {
		runtime = &RuntimeError{Kind: KindRuntime, Message: err.Error()}
	}
	x.failure = runtime
	x.L.RaiseError("%s", runtime.Message)
}

func (x *execution) classify(ctx context.Context, err error, timeout time.Duration) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &RuntimeError{Kind: KindTimeout, Message: fmt.Sprintf("execution exceeded %s", timeout)}
	case errors.Is(ctx.Err(), context.Canceled):
		return &RuntimeError{Kind: KindCanceled, Message: "execution canceled"}
	}
	var runtime *RuntimeError
	if errors.As(err, &runtime) {
		return runtime
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		message := apiErr.Error()
		if apiErr.Object != nil {
			message = apiErr.Object.String()
		}
		if x.failure != nil && strings.Contains(message, x.failure.Message) {
			return x.failure
		}
		return &RuntimeError{Kind: KindRuntime, Message: message}
	}
	return &RuntimeError{Kind: KindRuntime, Message: err.Error()}
}

// run executes compiled SQL inside the script's context.
func (x *execution) run(c *compiler, sqlText string) store.Result {
	x.logger.DebugContext(x.ctx, "sandbox query", "sql", sqlText, "args", len(c.args))
	result, err := x.db.Query(x.ctx, sqlText, c.args...)
	if err != nil {
		if ctxErr := x.ctx.Err(); ctxErr != nil {
			x.fail(ctxErr)
		}
		x.raise(KindDatabase, "%v", err)
	}
	return result
}

func (x *execution) compiler() *compiler {
	return newCompiler(x.db.Dialect(), x.scope)
}
