package domain

import "errors"

// ErrUnavailable wraps failures of a collaborator as a whole (storage or
// messaging backend unreachable), as opposed to failures of one item.
var ErrUnavailable = errors.New("collaborator unavailable")
