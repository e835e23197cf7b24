package framevault

import "errors"

// errorsAs wraps errors.As for test readability.
func errorsAs(err error, target any) bool {
	return err != nil && errors.As(err, target)
}
