package cel

import (
	"fmt"
	"time"
)

// maxExpressionLength is the maximum allowed length for a compiled CEL expression.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, preventing cost-exhaustion from
// pathological expressions (e.g. deeply nested comprehensions over large maps).
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket/brace nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single CEL evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often, in comprehension iterations, a running CEL
// program checks for context cancellation.
const interruptCheckFreq = 100

// validateNesting rejects expressions whose parenthesis/bracket/brace nesting
// exceeds maxNestingDepth. ConstraintToCEL nests one level per combinator
// child, so a pathological constraint tree could otherwise produce an
// expression that is expensive to parse.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
