package meter

import (
	"errors"

	"github.com/vnmchuo/agency-ai-meter/internal/agency"
)

var (
	ErrAgencyNotFound = agency.ErrAgencyNotFound

	// ErrStoreUnavailable means usage could not be confirmed. It must never be
	// treated as zero usage or as an implicit admit.
	ErrStoreUnavailable = errors.New("usage store unavailable")

	ErrInvalidInput = errors.New("invalid input")

	// ErrAdmissionBusy is returned when the admission lock for an agency
	// could not be taken within the configured wait.
	ErrAdmissionBusy = errors.New("admission busy")
)
