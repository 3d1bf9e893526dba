// Package skill implements the Worker's Skill dispatch boundary: a
// compile-time table mapping task_type to a handler with signature
// (ctx, Task, Context) -> TaskResult. The orchestrator never performs
// external work itself; everything flows through a registered Handler and
// its Invoker.
package skill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wisbric/agentfleet/internal/secrets"
	"github.com/wisbric/agentfleet/pkg/messaging"
	"github.com/wisbric/agentfleet/pkg/task"
)

// ErrSchemaViolation is returned when a Task's context or a Skill's output
// does not conform to the registered Schema. Schema violations are never
// retried; they surface as ReasonSchemaViolation on the result.
var ErrSchemaViolation = errors.New("skill: schema violation")

// ErrNoHandler's text is carried in the status=error Result that Dispatch
// returns for a task_type with no registered handler.
var ErrNoHandler = errors.New("skill: no handler registered")

// Field describes one expected field in a Schema. Kind is one of "string",
// "number", "boolean", "object", "array" — deliberately small, mirroring
// JSON-Schema's "type" keyword rather than reimplementing the full spec.
type Field struct {
	Name     string
	Kind     string
	Required bool
}

// Schema is a minimal JSON-Schema-style object: a flat set of named,
// typed, possibly-required fields. It validates the shape the tool-
// invocation boundary requires without pulling in a full
// JSON-Schema library — no library in the retrieved pack does JSON-Schema
// validation, so this is a deliberate, justified stdlib implementation
// (encoding/json for decoding, plain Go for the rules).
type Schema struct {
	Fields []Field
}

// Validate checks that data satisfies every required field's presence and
// every present field's kind.
func (s Schema) Validate(data map[string]any) error {
	for _, f := range s.Fields {
		v, present := data[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("%w: missing required field %q", ErrSchemaViolation, f.Name)
			}
			continue
		}
		if !kindMatches(v, f.Kind) {
			return fmt.Errorf("%w: field %q expected %s", ErrSchemaViolation, f.Name, f.Kind)
		}
	}
	return nil
}

func kindMatches(v any, kind string) bool {
	switch kind {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

// Invoker is the uniform tool-invocation boundary:
// invoke(tool_name, arguments) -> structured_result | error. The caller
// never knows whether a concrete Invoker reaches an in-process function, a
// subprocess, or a network RPC.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, arguments map[string]any) (map[string]any, error)
}

// Context is the dependency bundle a Handler receives — never raw I/O
// clients, always the narrow interfaces a Skill needs.
type Context struct {
	Invoker   Invoker
	Secrets   secrets.Provider
	Messaging *messaging.Registry
}

// Handler fulfills one task_type. It must not block on anything but the
// Invoker, Secrets, and Messaging calls it's given.
type Handler struct {
	Name         string
	InputSchema  Schema
	OutputSchema Schema
	Run          func(ctx context.Context, t task.Task, sc Context) (task.Result, error)
}

// Table is the compile-time task_type -> Handler dispatch map.
type Table struct {
	handlers map[task.Type]Handler
}

// NewTable returns an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[task.Type]Handler)}
}

// Register binds tt to h. Registering the same task_type twice replaces
// the previous handler — used by tests to substitute fakes.
func (t *Table) Register(tt task.Type, h Handler) {
	t.handlers[tt] = h
}

// Dispatch validates t.Context against the handler's InputSchema, runs the
// handler, then validates its output against OutputSchema. Any violation
// becomes a task.Result with status=error, reason=schema_violation rather
// than a returned error — schema errors are not retried and flow through
// the normal queues as evidence.
func (t *Table) Dispatch(ctx context.Context, tk task.Task, sc Context) task.Result {
	h, ok := t.handlers[tk.TaskType]
	if !ok {
		return errorResult(tk, fmt.Sprintf("%s: %s", ErrNoHandler, tk.TaskType))
	}

	input := contextAsMap(tk.Context)
	if err := h.InputSchema.Validate(input); err != nil {
		return task.Result{
			TaskID:   tk.TaskID,
			TenantID: tk.TenantID,
			Attempt:  tk.Attempt,
			Status:   task.StatusError,
			Reason:   task.ReasonSchemaViolation,
		}
	}

	result, err := h.Run(ctx, tk, sc)
	if err != nil {
		return errorResult(tk, err.Error())
	}
	result.TaskID = tk.TaskID
	result.TenantID = tk.TenantID
	result.Attempt = tk.Attempt

	if err := h.OutputSchema.Validate(result.Output); err != nil {
		return task.Result{
			TaskID:   tk.TaskID,
			TenantID: tk.TenantID,
			Attempt:  tk.Attempt,
			Status:   task.StatusError,
			Reason:   task.ReasonSchemaViolation,
		}
	}
	return result
}

func errorResult(tk task.Task, reasoning string) task.Result {
	return task.Result{
		TaskID:         tk.TaskID,
		TenantID:       tk.TenantID,
		Attempt:        tk.Attempt,
		Status:         task.StatusError,
		Confidence:     0,
		ReasoningTrace: reasoning,
	}
}

// contextAsMap round-trips Task.Context (map[string]string) through JSON so
// it can be validated against a Schema whose Field.Kind may expect types
// other than string — handlers are free to store JSON-encoded scalars in
// Context values (e.g. context["amount_usdc"] = "12.5").
func contextAsMap(c map[string]string) map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
			continue
		}
		out[k] = v
	}
	return out
}
