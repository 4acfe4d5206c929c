package browser

import "errors"

var (
	ErrNoCSS            = errors.New("browser did not return any CSS")
	ErrMissingFakeURL   = errors.New(`missing "fake-url" option`)
	ErrAgentUnavailable = errors.New("unable to locate script")
	ErrTimeout          = errors.New("extraction timed out")
	ErrHostPageFault    = errors.New("host page error")
)
