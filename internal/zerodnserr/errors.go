// Package zerodnserr defines the internal error taxonomy shared across the
// resolver: codec, upstream, cache and filter failures are all classified
// into one of these kinds so callers can branch on errors.Is instead of
// string matching.
package zerodnserr

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed        = errors.New("malformed dns message")
	ErrTimeout          = errors.New("upstream timeout")
	ErrIO               = errors.New("network io failure")
	ErrTLS              = errors.New("tls failure")
	ErrHTTP             = errors.New("doh http failure")
	ErrConfig           = errors.New("invalid configuration")
	ErrScript           = errors.New("script execution failure")
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// Upstream wraps an upstream RCODE as an error so filters can distinguish
// "the upstream answered, but with a bad code" from a transport failure.
type Upstream struct {
	Rcode int
}

func (u *Upstream) Error() string {
	return fmt.Sprintf("upstream rcode %d", u.Rcode)
}

func NewUpstream(rcode int) error {
	return &Upstream{Rcode: rcode}
}

// Wrap annotates err with a message while keeping it matchable against the
// sentinel kinds above via errors.Is/errors.As.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
