package region

import (
	"errors"
	"fmt"
)

var ErrNilLock = errors.New("region: nil lock")

// EvictError reports a partially failed eviction. A failed bump is the serious
// half: the old frame may still validate until it expires.
type EvictError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *EvictError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("evict %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("evict %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("evict %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("evict %q: unknown error", e.Key)
	}
}

func (e *EvictError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
