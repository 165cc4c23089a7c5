package domain

import "errors"

// ErrInvalidArgument marks caller contract violations: malformed keys,
// coordinates out of range, negative radii, bad precisions. Call sites wrap
// it with fmt.Errorf so errors.Is(err, ErrInvalidArgument) holds.
var ErrInvalidArgument = errors.New("invalid argument")
