// Package celfilter compiles CEL expressions into subscription matchers.
//
// Expressions see these variables:
//
//	event_type       string
//	stream_id        string
//	category         string  the stream's category, e.g. "cart" for "cart-1"
//	stream_position  int
//	global_position  int
//	recorded_at_ms   int     unix milliseconds
//	size             int     payload length in bytes
//	payload          dyn     the payload parsed as JSON, null if it is not JSON
//	metadata         dyn     the metadata parsed as JSON, null if it is not JSON
//
// Example:
//
//	matcher, err := celfilter.Compile(`category == "cart" && payload.quantity >= 2`)
//	...
//	subscription, err := es.SubscribeAll(ctx, eventstore.FromStart(), eventstore.WithMatcher(matcher))
package celfilter

import (
	"errors"
	"strings"

	"github.com/google/cel-go/cel"
	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

var (
	// ErrInvalidExpression is joined with the CEL parse or type check issues.
	ErrInvalidExpression = errors.New("invalid filter expression")

	// ErrNonBooleanExpression is returned for expressions that do not evaluate to bool.
	ErrNonBooleanExpression = errors.New("filter expression must evaluate to bool")
)

const (
	varEventType      = "event_type"
	varStreamID       = "stream_id"
	varCategory       = "category"
	varStreamPosition = "stream_position"
	varGlobalPosition = "global_position"
	varRecordedAtMS   = "recorded_at_ms"
	varSize           = "size"
	varPayload        = "payload"
	varMetadata       = "metadata"
)

// Matcher is an eventstore.EventMatcher backed by a compiled CEL program. It is safe for concurrent use.
type Matcher struct {
	expression string
	program    cel.Program
}

var _ eventstore.EventMatcher = (*Matcher)(nil)

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(varEventType, cel.StringType),
		cel.Variable(varStreamID, cel.StringType),
		cel.Variable(varCategory, cel.StringType),
		cel.Variable(varStreamPosition, cel.IntType),
		cel.Variable(varGlobalPosition, cel.IntType),
		cel.Variable(varRecordedAtMS, cel.IntType),
		cel.Variable(varSize, cel.IntType),
		cel.Variable(varPayload, cel.DynType),
		cel.Variable(varMetadata, cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
}

// Compile parses and type checks expression. An empty expression matches every event.
func Compile(expression string) (*Matcher, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Matcher{}, nil
	}

	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Join(ErrInvalidExpression, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, ErrNonBooleanExpression
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, errors.Join(ErrInvalidExpression, err)
	}

	return &Matcher{expression: expression, program: program}, nil
}

// MustCompile is Compile for expressions known to be valid. It panics otherwise.
func MustCompile(expression string) *Matcher {
	matcher, err := Compile(expression)
	if err != nil {
		panic(err)
	}

	return matcher
}

func (m *Matcher) String() string {
	return m.expression
}

// Matches evaluates the expression against event. Evaluation errors and non-bool results do not match.
func (m *Matcher) Matches(event eventstore.Event) bool {
	if m.program == nil {
		return true
	}

	out, _, err := m.program.Eval(map[string]any{
		varEventType:      event.EventType,
		varStreamID:       event.StreamID.String(),
		varCategory:       event.StreamID.Category(),
		varStreamPosition: int64(event.StreamPosition),
		varGlobalPosition: int64(event.GlobalPosition),
		varRecordedAtMS:   event.RecordedAt.UnixMilli(),
		varSize:           int64(len(event.Payload)),
		varPayload:        parseJSON(event.Payload),
		varMetadata:       parseJSON(event.Metadata),
	})
	if err != nil {
		return false
	}

	matched, ok := out.Value().(bool)

	return ok && matched
}

func parseJSON(data []byte) any {
	var value any
	if err := jsoniter.ConfigFastest.Unmarshal(data, &value); err != nil {
		return nil
	}

	return value
}
