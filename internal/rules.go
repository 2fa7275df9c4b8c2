package internal

import (
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// Rule assigns a job priority to deliveries whose payload matches When.
type Rule struct {
	When     string   `yaml:"when"`
	Priority int      `yaml:"priority"`
	Events   []string `yaml:"events"`
}

type compiledRule struct {
	when     string
	priority int
	events   map[string]struct{}
	expr     *govaluate.EvaluableExpression
	paths    map[string]string
}

// RuleEngine evaluates priority rules in declaration order.
type RuleEngine struct {
	rules  []compiledRule
	logger *slog.Logger
}

var ruleFunctions = map[string]govaluate.ExpressionFunction{
	"contains":   containsFunc,
	"like":       likeFunc,
	"startsWith": startsWithFunc,
}

func NewRuleEngine(rules []Rule, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = NewLogger("rules")
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		rewritten, paths := rewriteExpression(rule.When)
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		var events map[string]struct{}
		if len(rule.Events) > 0 {
			events = make(map[string]struct{}, len(rule.Events))
			for _, name := range rule.Events {
				events[name] = struct{}{}
			}
		}
		compiled = append(compiled, compiledRule{
			when:     rule.When,
			priority: rule.Priority,
			events:   events,
			expr:     expr,
			paths:    paths,
		})
	}
	return &RuleEngine{rules: compiled, logger: logger}, nil
}

func (r *RuleEngine) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Priority returns the priority of the first rule matching the delivery.
func (r *RuleEngine) Priority(event string, raw []byte) (int, bool) {
	if r.Len() == 0 {
		return 0, false
	}

	document, flat, err := FlattenJSON(raw)
	if err != nil {
		r.logger.Debug("rules skipped, payload is not json", slog.String("event", event), slog.Any("error", err))
		return 0, false
	}

	for _, rule := range r.rules {
		if rule.events != nil {
			if _, ok := rule.events[event]; !ok {
				continue
			}
		}
		params := make(map[string]any, len(flat)+len(rule.paths)+1)
		for key, value := range flat {
			params[key] = ruleValue(value)
		}
		params["event"] = event
		for name, path := range rule.paths {
			value, err := jsonpath.Get(path, document)
			if err != nil {
				value = nil
			}
			params[name] = ruleValue(value)
		}

		result, err := rule.expr.Evaluate(params)
		if err != nil {
			r.logger.Warn("rule evaluation failed", slog.String("when", rule.when), slog.Any("error", err))
			continue
		}
		if matched, _ := result.(bool); matched {
			return rule.priority, true
		}
	}
	return 0, false
}

// rewriteExpression replaces JSONPath references ($.a.b, a.b, a[0]) with
// plain parameters, since govaluate reads dotted names as struct accessors.
// Quoted literals and [escaped] parameters are copied through unchanged.
func rewriteExpression(expr string) (string, map[string]string) {
	paths := make(map[string]string)
	var out strings.Builder

	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '"' || c == '\'':
			end := i + 1
			for end < len(expr) && expr[end] != c {
				if expr[end] == '\\' {
					end++
				}
				end++
			}
			if end < len(expr) {
				end++
			}
			out.WriteString(expr[i:end])
			i = end
		case c == '[':
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				out.WriteString(expr[i:])
				i = len(expr)
				continue
			}
			out.WriteString(expr[i : i+end+1])
			i += end + 1
		case c == '$' || isIdentStart(c):
			end := scanPath(expr, i+1)
			token := expr[i:end]
			if c == '$' || strings.ContainsAny(token, ".[") {
				name := fmt.Sprintf("jsonpath_%d", len(paths))
				if c == '$' {
					paths[name] = token
				} else {
					paths[name] = "$." + token
				}
				out.WriteString(name)
			} else {
				out.WriteString(token)
			}
			i = end
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), paths
}

func scanPath(expr string, i int) int {
	for i < len(expr) {
		c := expr[i]
		switch {
		case isIdentStart(c) || (c >= '0' && c <= '9') || c == '.':
			i++
		case c == '[':
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 || !isIndex(expr[i+1:i+end]) {
				return i
			}
			i += end + 1
		default:
			return i
		}
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIndex(s string) bool {
	if s == "*" {
		return true
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ruleList keeps JSON arrays from being spread into function arguments
// by govaluate's argument separator.
type ruleList []any

func ruleValue(value any) any {
	if list, ok := value.([]any); ok {
		return ruleList(list)
	}
	return value
}

func containsFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains expects 2 arguments, got %d", len(args))
	}
	switch haystack := args[0].(type) {
	case string:
		needle, _ := args[1].(string)
		return strings.Contains(haystack, needle), nil
	case ruleList:
		for _, item := range haystack {
			if reflect.DeepEqual(item, args[1]) {
				return true, nil
			}
		}
		return false, nil
	case nil:
		return false, nil
	default:
		return nil, fmt.Errorf("contains: unsupported type %T", args[0])
	}
}

// likeFunc matches SQL LIKE patterns where % is any run and _ is one character.
func likeFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("like expects 2 arguments, got %d", len(args))
	}
	value, ok := args[0].(string)
	if !ok {
		return false, nil
	}
	pattern, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("like: pattern must be a string")
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return re.MatchString(value), nil
}

func startsWithFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("startsWith expects 2 arguments, got %d", len(args))
	}
	value, _ := args[0].(string)
	prefix, _ := args[1].(string)
	return strings.HasPrefix(value, prefix), nil
}
