package coordinator

import (
	"strings"

	"github.com/hydroqc/hydroqcd/internal/models"
)

// GetValue resolves a dotted path against the snapshot tree. The second
// return is false when the value is unavailable: no snapshot yet, a
// missing or nil intermediate, or a nil leaf. Extraction never panics
// on a missing branch; a broken path in one sensor leaves every other
// sensor untouched.
func (c *Coordinator) GetValue(path string) (any, bool) {
	snap := c.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	return Extract(snap.Data, path)
}

// GetBool resolves a dotted path to a strict boolean. A present value
// is coerced with an explicit cast so falsy-but-present values are
// preserved as false rather than dropped; an unavailable value is
// (false, false).
func (c *Coordinator) GetBool(path string) (bool, bool) {
	v, ok := c.GetValue(path)
	if !ok {
		return false, false
	}
	return coerceBool(v), true
}

// Extract walks a dotted path through a nested tree. Each intermediate
// segment must resolve to a subtree; anything else, including nil,
// makes the whole path unavailable.
func Extract(tree models.Tree, path string) (any, bool) {
	if tree == nil || path == "" {
		return nil, false
	}

	var cur any = tree
	for _, segment := range strings.Split(path, ".") {
		sub, ok := cur.(models.Tree)
		if !ok || sub == nil {
			return nil, false
		}
		next, ok := sub[segment]
		if !ok {
			return nil, false
		}
		cur = next
	}

	if cur == nil {
		return nil, false
	}
	return cur, true
}

// coerceBool applies an explicit boolean cast: zero numbers, empty
// strings and empty collections are false, everything else present is
// true.
func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case models.Tree:
		return len(t) > 0
	default:
		return v != nil
	}
}
