package codec

import "errors"

// ErrNotBytes is returned by the raw codec for values it cannot pass through
var ErrNotBytes = errors.New("raw codec only handles []byte values")
