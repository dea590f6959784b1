package cloudname

import (
	"fmt"
	"strings"
)

// ExpressionKind tells which of the four address shapes an expression has.
type ExpressionKind int

const (
	// KindEndpointInstance is endpoint.instance.service.user.cell.
	KindEndpointInstance ExpressionKind = iota
	// KindStrategy is strategy.service.user.cell.
	KindStrategy
	// KindInstance is instance.service.user.cell.
	KindInstance
	// KindEndpointStrategy is endpoint.strategy.service.user.cell.
	KindEndpointStrategy
)

func (k ExpressionKind) String() string {
	switch k {
	case KindEndpointInstance:
		return "endpoint-instance"
	case KindStrategy:
		return "strategy"
	case KindInstance:
		return "instance"
	case KindEndpointStrategy:
		return "endpoint-strategy"
	default:
		return "unknown"
	}
}

// Expression is a parsed address expression. Instance is -1 unless the
// expression names one; Endpoint and Strategy are empty when absent.
type Expression struct {
	Kind     ExpressionKind
	Endpoint string
	Instance int
	Strategy string
	Service  string
	User     string
	Cell     string

	raw string
}

// ParseExpression parses an address expression. Shapes are tried in a fixed
// order: endpoint.instance, strategy, instance, endpoint.strategy.
func ParseExpression(s string) (Expression, error) {
	parts := strings.Split(s, ".")
	bad := func(reason string) (Expression, error) {
		return Expression{}, fmt.Errorf("%w: %q: %s", ErrInvalidExpression, s, reason)
	}

	var head []string
	switch len(parts) {
	case 5, 4:
		head = parts[:len(parts)-3]
	default:
		return bad("expected 4 or 5 segments")
	}
	tail := parts[len(parts)-3:]
	service, user, cell := tail[0], tail[1], tail[2]
	if !isToken(service) || !isToken(user) {
		return bad("service and user must be lowercase tokens")
	}
	if !isCellToken(cell) {
		return bad("cell must be lowercase letters and hyphens")
	}
	e := Expression{Instance: -1, Service: service, User: user, Cell: cell, raw: s}

	if len(head) == 2 {
		endpoint, second := head[0], head[1]
		if !isToken(endpoint) {
			return bad("endpoint must be a lowercase token")
		}
		e.Endpoint = endpoint
		if n, ok := parseInstance(second); ok {
			e.Kind, e.Instance = KindEndpointInstance, n
			return e, nil
		}
		if isToken(second) {
			e.Kind, e.Strategy = KindEndpointStrategy, second
			return e, nil
		}
		return bad("second segment must be an instance or a strategy")
	}

	first := head[0]
	if isToken(first) {
		e.Kind, e.Strategy = KindStrategy, first
		return e, nil
	}
	if n, ok := parseInstance(first); ok {
		e.Kind, e.Instance = KindInstance, n
		return e, nil
	}
	return bad("first segment must be a strategy or an instance")
}

// MustParseExpression is ParseExpression for literals; it panics on error.
func MustParseExpression(s string) Expression {
	e, err := ParseExpression(s)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the expression as it was parsed, or its canonical form.
func (e Expression) String() string {
	if e.raw != "" {
		return e.raw
	}
	var head string
	switch e.Kind {
	case KindEndpointInstance:
		head = fmt.Sprintf("%s.%d", e.Endpoint, e.Instance)
	case KindStrategy:
		head = e.Strategy
	case KindInstance:
		head = fmt.Sprintf("%d", e.Instance)
	case KindEndpointStrategy:
		head = e.Endpoint + "." + e.Strategy
	}
	return head + "." + e.Service + "." + e.User + "." + e.Cell
}

// HasInstance reports whether the expression names a literal instance.
func (e Expression) HasInstance() bool {
	return e.Instance >= 0
}
