package ratelimit

import "fmt"

// KeyForDecision builds the limiter key for a decision. Windows are scoped
// to the presented user key so two keys of one user never share a bucket.
func KeyForDecision(decision Decision) string {
	if decision.Limit <= 0 || decision.UserKeyID == 0 {
		return ""
	}
	return fmt.Sprintf("k:%d", decision.UserKeyID)
}
