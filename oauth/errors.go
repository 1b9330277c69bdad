package oauth

import (
	"errors"
	"strings"
)

var (
	// ErrConfiguration matches every *ConfigError.
	ErrConfiguration = errors.New("oauth: client identity not configured")
	// ErrAuthExhausted is returned by WithAuthRetry when the platform keeps
	// rejecting the token after the retry budget is spent.
	ErrAuthExhausted = errors.New("oauth: authentication failed after retry")
	// ErrAuthorizationPending means a human has to finish the browser grant
	// before a user token exists.
	ErrAuthorizationPending = errors.New("oauth: waiting for interactive authorization")
)

// ConfigError reports which required identity fields are blank.
type ConfigError struct {
	Identity string
	Missing  []string
}

func (e *ConfigError) Error() string {
	return "oauth " + e.Identity + ": missing " + strings.Join(e.Missing, ", ")
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }
