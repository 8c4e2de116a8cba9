package rewrite

import (
	"errors"
	"fmt"
)

var (
	errEmptyBaseDomains  = errors.New("rewrite: base domains must be non-empty")
	errEmptyTargetSuffix = errors.New("rewrite: target suffix must be non-empty")
)

// duplicateBaseDomainError reports a base domain configured more than once.
type duplicateBaseDomainError struct {
	domain string
}

// Error implements the error interface for *duplicateBaseDomainError.
func (e *duplicateBaseDomainError) Error() string {
	return fmt.Sprintf("rewrite: base domain %q configured more than once", e.domain)
}
