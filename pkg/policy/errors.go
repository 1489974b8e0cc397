package policy

import "errors"

// ErrInvalidPolicy is returned (wrapped with the offending field) when a
// configuration violates the policy invariants.
var ErrInvalidPolicy = errors.New("policy: invalid policy")
