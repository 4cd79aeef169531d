package tasktree

import "fmt"

// Validate checks an incoming forest before it is merged: nesting must
// stay within maxDepth and ids must be unique among siblings. Incoming
// trees arrive as decoded JSON, so cycles cannot occur by construction;
// the depth bound guards against pathological nesting instead.
func Validate(incoming []Incoming, maxDepth int) error {
	return validateLevel(incoming, 1, maxDepth)
}

func validateLevel(nodes []Incoming, depth, maxDepth int) error {
	if len(nodes) == 0 {
		return nil
	}
	if depth > maxDepth {
		return fmt.Errorf("task tree exceeds maximum depth of %d", maxDepth)
	}
	seen := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		if node.ID != "" {
			if _, dup := seen[node.ID]; dup {
				return fmt.Errorf("duplicate task id %q among siblings", node.ID)
			}
			seen[node.ID] = struct{}{}
		}
		if err := validateLevel(node.Children, depth+1, maxDepth); err != nil {
			return err
		}
	}
	return nil
}
