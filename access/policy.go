package access

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/google/cel-go/cel"
)

// policy is the compiled form of a LevelConfig.
type policy struct {
	level     Level
	forbidden map[string]struct{}
	verbs     []string
	program   cel.Program
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("operation", cel.StringType),
		cel.Variable("table", cel.StringType),
		cel.Variable("level", cel.StringType),
	)
}

func compilePolicy(env *cel.Env, level Level, cfg LevelConfig) (*policy, error) {
	p := &policy{level: level, forbidden: make(map[string]struct{}, len(cfg.Forbidden))}
	for _, verb := range cfg.Forbidden {
		verb = strings.ToLower(strings.TrimSpace(verb))
		if verb == "" {
			continue
		}
		if _, dup := p.forbidden[verb]; !dup {
			p.forbidden[verb] = struct{}{}
			p.verbs = append(p.verbs, verb)
		}
	}
	sort.Strings(p.verbs)
	if strings.TrimSpace(cfg.Expression) == "" {
		return p, nil
	}

	ast, iss := env.Compile(cfg.Expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %s expression: %w", ErrInvalidPolicy, level, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %s expression must evaluate to bool, got %s", ErrInvalidPolicy, level, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %s expression: %w", ErrInvalidPolicy, level, err)
	}
	p.program = prg
	return p, nil
}

// check returns a *PrivilegeViolationError when op may not run at this level.
func (p *policy) check(op Operation) error {
	violation := func(reason string) error {
		return &PrivilegeViolationError{Level: p.level, Operation: op.Name, Table: op.Table, Reason: reason}
	}

	if len(p.forbidden) > 0 {
		name := strings.ToLower(op.Name)
		for _, verb := range p.verbs {
			if strings.Contains(name, verb) {
				return violation(fmt.Sprintf("verb %q is forbidden", verb))
			}
		}
		if multiStatement(op.Query) {
			return violation("multi-statement queries are forbidden")
		}
		for _, kw := range sqlWords(op.Query) {
			if _, ok := p.forbidden[kw]; ok {
				return violation(fmt.Sprintf("statement %q is forbidden", strings.ToUpper(kw)))
			}
		}
	}

	if p.program == nil {
		return nil
	}
	out, _, err := p.program.Eval(map[string]any{
		"operation": op.Name,
		"table":     op.Table,
		"level":     string(p.level),
	})
	if err != nil {
		return violation(fmt.Sprintf("policy expression failed: %v", err))
	}
	if allowed, ok := out.Value().(bool); !ok || !allowed {
		return violation("policy expression denied the operation")
	}
	return nil
}

// sqlWords returns every identifier-like word of query, lowercased, with
// comments removed. Quoted literals are scanned too.
func sqlWords(query string) []string {
	return strings.FieldsFunc(strings.ToLower(stripComments(query)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// multiStatement reports whether query holds more than one statement. A
// single trailing semicolon is allowed.
func multiStatement(query string) bool {
	q := strings.TrimSpace(stripComments(query))
	q = strings.TrimSpace(strings.TrimRight(q, "; \t\r\n"))
	return strings.Contains(q, ";")
}

// stripComments removes "--" line comments and "/* */" block comments. An
// unterminated block comment swallows the rest of the query.
func stripComments(q string) string {
	var b strings.Builder
	for i := 0; i < len(q); {
		switch {
		case strings.HasPrefix(q[i:], "--"):
			end := strings.IndexByte(q[i:], '\n')
			if end < 0 {
				return b.String()
			}
			i += end
		case strings.HasPrefix(q[i:], "/*"):
			end := strings.Index(q[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			b.WriteByte(' ')
			i += end + 4
		default:
			b.WriteByte(q[i])
			i++
		}
	}
	return b.String()
}
