package backoffice

import "context"

// CheckResult is the verdict of a password checker.
type CheckResult int

const (
	// FallbackToDefaultChecker defers to the local-store hash verification.
	FallbackToDefaultChecker CheckResult = iota
	// ValidCredentials is a definitive accept.
	ValidCredentials
	// InvalidCredentials is a definitive reject.
	InvalidCredentials
)

// PasswordChecker is a pluggable external credential checker, e.g. a
// directory service. A definitive result wins over the local store; a
// fallback result routes to the default hash verification. Checkers have no
// side effects: callers maintain failure counters from the boolean result.
type PasswordChecker interface {
	CheckPassword(ctx context.Context, user *User, password string) (CheckResult, error)
}

// PasswordCheckerFunc adapts a function to the PasswordChecker interface.
type PasswordCheckerFunc func(ctx context.Context, user *User, password string) (CheckResult, error)

// CheckPassword implements PasswordChecker.
func (f PasswordCheckerFunc) CheckPassword(ctx context.Context, user *User, password string) (CheckResult, error) {
	return f(ctx, user, password)
}
