package tenant

import (
	"errors"
	"fmt"
)

// ErrEmptyEmail is returned for identities without an email.
var ErrEmptyEmail = errors.New("tenant: empty identity email")

// Stage names the resolution step that degraded.
type Stage string

const (
	StageMainLookup Stage = "main_lookup"
	StageListOwners Stage = "list_private_owners"
	StageScan       Stage = "scan"
	StageCancelled  Stage = "cancelled"
)

// ResolutionError reports that a resolution degraded to its fallback. The
// identity returned alongside it is always usable.
type ResolutionError struct {
	Email string
	Stage Stage
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve tenant for %s (%s): %v", e.Email, e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
