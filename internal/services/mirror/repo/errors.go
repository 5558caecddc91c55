package repo

import (
	perr "telemirror/internal/platform/errors"
)

func errInvalidName(s string) error {
	return perr.Configf("sink: %q is not a plain SQL identifier", s)
}
