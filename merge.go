package syncgroup

import (
	"encoding/json"
	"reflect"
)

// MergeStrategy returns the generic structural merge. Values are
// interpreted through their JSON shape:
//
//   - sequences union by identity: elements carrying an "id" field
//     match by it, others by structural equality; current's order is
//     preserved, matching elements take the incoming version, and new
//     incoming elements are appended;
//   - objects shallow-merge with incoming precedence on overlapping
//     keys;
//   - anything else (scalars, unserializable values) falls back to
//     incoming.
func MergeStrategy[V any]() Strategy[V] {
	return func(current, incoming V) V {
		curData, err := json.Marshal(current)
		if err != nil {
			return incoming
		}
		incData, err := json.Marshal(incoming)
		if err != nil {
			return incoming
		}
		var curTree, incTree any
		if err := json.Unmarshal(curData, &curTree); err != nil {
			return incoming
		}
		if err := json.Unmarshal(incData, &incTree); err != nil {
			return incoming
		}
		merged := mergeTrees(curTree, incTree)
		out, err := json.Marshal(merged)
		if err != nil {
			return incoming
		}
		var result V
		if err := json.Unmarshal(out, &result); err != nil {
			return incoming
		}
		return result
	}
}

func mergeTrees(current, incoming any) any {
	switch cur := current.(type) {
	case []any:
		if inc, ok := incoming.([]any); ok {
			return mergeSequences(cur, inc)
		}
	case map[string]any:
		if inc, ok := incoming.(map[string]any); ok {
			return mergeObjects(cur, inc)
		}
	}
	return incoming
}

// mergeSequences unions two lists by element identity, keeping
// current's order and appending unmatched incoming elements in their
// own order.
func mergeSequences(current, incoming []any) []any {
	out := make([]any, 0, len(current)+len(incoming))
	matched := make([]bool, len(incoming))
	for _, cur := range current {
		replaced := false
		for i, inc := range incoming {
			if matched[i] || !sameIdentity(cur, inc) {
				continue
			}
			out = append(out, inc)
			matched[i] = true
			replaced = true
			break
		}
		if !replaced {
			out = append(out, cur)
		}
	}
	for i, inc := range incoming {
		if !matched[i] {
			out = append(out, inc)
		}
	}
	return out
}

func mergeObjects(current, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// sameIdentity matches two sequence elements. Objects with an explicit
// "id" field match by that field; everything else matches by deep
// structural equality.
func sameIdentity(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		aid, ahas := am["id"]
		bid, bhas := bm["id"]
		if ahas && bhas {
			return reflect.DeepEqual(aid, bid)
		}
	}
	return reflect.DeepEqual(a, b)
}
