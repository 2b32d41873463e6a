package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/repligrid/repligrid/internal/model"
)

// rseTerm is one key=value constraint of a site expression.
type rseTerm struct {
	Key   string
	Value string
}

// parseRSEExpression parses a conjunction of key=value terms joined by
// '&'. The single term '*' matches every endpoint. This is deliberately
// not a query language; richer matching belongs to the command surface.
func parseRSEExpression(expr string) ([]rseTerm, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty rse expression")
	}
	if expr == "*" {
		return nil, nil
	}

	parts := strings.Split(expr, "&")
	terms := make([]rseTerm, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("malformed rse expression term %q", part)
		}
		terms = append(terms, rseTerm{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	return terms, nil
}

// matchRSE reports whether an endpoint satisfies every term. The
// endpoint's own name matches the reserved key "rse".
func matchRSE(rse *model.RSE, terms []rseTerm) bool {
	for _, term := range terms {
		if term.Key == "rse" {
			if rse.Name != term.Value {
				return false
			}
			continue
		}
		if rse.Attributes[term.Key] != term.Value {
			return false
		}
	}
	return true
}

// MatchingRSEs returns the write-enabled endpoints satisfying the
// expression: only those are candidates for new placements.
func (c *Catalog) MatchingRSEs(ctx context.Context, expr string) ([]*model.RSE, error) {
	terms, err := parseRSEExpression(expr)
	if err != nil {
		return nil, err
	}
	all, err := c.ListRSEs(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*model.RSE
	for _, rse := range all {
		if !rse.WriteEnabled {
			continue
		}
		if matchRSE(rse, terms) {
			matched = append(matched, rse)
		}
	}
	return matched, nil
}
