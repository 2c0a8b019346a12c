package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// filterPayload runs a jq expression over a plan payload and returns every
// value it yields, re-encoded as JSON.
func filterPayload(p json.RawMessage, expr string) ([]json.RawMessage, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expr, err)
	}
	var v interface{}
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, fmt.Errorf("plan payload is not JSON: %w", err)
	}

	var out []json.RawMessage
	iter := q.Run(v)
	for {
		r, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := r.(error); ok {
			return nil, err
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// printFiltered prints p, or the results of expr over p when expr is set.
func printFiltered(p json.RawMessage, expr string, raw bool) error {
	if expr == "" {
		return printPayload(p, raw)
	}
	results, err := filterPayload(p, expr)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := printPayload(r, raw); err != nil {
			return err
		}
	}
	return nil
}
