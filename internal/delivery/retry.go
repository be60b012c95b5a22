package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/compresr/role-splitter/internal/chat"
)

// TokenCandidates returns the token budgets to try for a request whose
// original limit is limit: the limit itself, then every step strictly below
// the previous candidate, at most max values in total.
//
//	TokenCandidates(4000, DefaultTokenSteps, 5) == [4000 2048 1024 768 512]
//	TokenCandidates(300, DefaultTokenSteps, 5)  == [300]
func TokenCandidates(limit int, steps []int, max int) []int {
	out := []int{limit}
	if limit <= 0 {
		return out
	}
	for _, s := range steps {
		if len(out) >= max {
			break
		}
		if s > 0 && s < out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// IsRetryable reports whether a response signals a transient failure:
// status >= 500, or an error message containing one of tokens.
func IsRetryable(status int, body []byte, tokens []string) bool {
	if status >= 500 {
		return true
	}
	msg, ok := chat.ErrorMessage(body)
	if !ok {
		return false
	}
	return MessageRetryable(msg, tokens)
}

// MessageRetryable reports whether msg contains a transient-failure token.
func MessageRetryable(msg string, tokens []string) bool {
	msg = strings.ToLower(msg)
	for _, t := range tokens {
		if t != "" && strings.Contains(msg, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// backoffDelay returns the wait before the attempt following attempt n (1-based).
func backoffDelay(schedule []time.Duration, n int) time.Duration {
	if len(schedule) == 0 || n <= 0 {
		return 0
	}
	if n > len(schedule) {
		n = len(schedule)
	}
	return schedule[n-1]
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
