package cloudname

import (
	"errors"
	"fmt"

	"github.com/suyash-sneo/cloudname/coord"
)

var (
	// ErrNoConnection is returned when no connected session is available.
	ErrNoConnection = errors.New("no connection to coordination store")
	// ErrConnectionTimeout is returned by Connect when the first session does not connect in time.
	ErrConnectionTimeout = errors.New("timed out connecting to coordination store")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")

	// ErrInvalidCoordinate is returned for coordinates with malformed segments.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrCoordinateExists is returned when creating a coordinate that already exists.
	ErrCoordinateExists = errors.New("coordinate already exists")
	// ErrCoordinateMissing is returned when the coordinate has not been created.
	ErrCoordinateMissing = errors.New("coordinate does not exist")
	// ErrCoordinateHasConfig is returned when destroying a coordinate with sub-configuration.
	ErrCoordinateHasConfig = errors.New("coordinate has config children")
	// ErrCoordinateIsClaimed is returned when destroying a claimed coordinate.
	ErrCoordinateIsClaimed = errors.New("coordinate is claimed")
	// ErrDeletionFailed is returned when destroy removed fewer nodes than expected.
	ErrDeletionFailed = errors.New("coordinate deletion incomplete")
	// ErrAlreadyClaimed is returned when another session holds the coordinate.
	ErrAlreadyClaimed = errors.New("coordinate already claimed")
	// ErrConfigConflict is returned when the expected previous config does not match.
	ErrConfigConflict = errors.New("config changed concurrently")

	// ErrCoordinateCorrupted is returned when a status payload cannot be parsed.
	ErrCoordinateCorrupted = errors.New("coordinate data corrupted")
	// ErrOutOfSync is returned when the stored status diverged from the claim's view.
	ErrOutOfSync = errors.New("coordinate out of sync")
	// ErrInvalidEndpoint is returned for endpoints without a valid name.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrClaimLost is returned for writes through a handle whose claim has ended.
	ErrClaimLost = errors.New("claim lost")

	// ErrInvalidExpression is returned for address expressions that match no grammar.
	ErrInvalidExpression = errors.New("invalid address expression")
	// ErrUnknownStrategy is returned, wrapped with ErrInvalidExpression, when an
	// expression names an unregistered strategy.
	ErrUnknownStrategy = errors.New("unknown resolver strategy")
	// ErrDuplicateListener is returned when a listener is registered twice.
	ErrDuplicateListener = errors.New("listener already registered")
	// ErrUnknownListener is returned when removing a listener that is not registered.
	ErrUnknownListener = errors.New("listener not registered")
	// ErrInvalidListener is returned for nil or non-comparable listeners.
	ErrInvalidListener = errors.New("invalid listener")

	// ErrLockNotHeld is returned when releasing a lock that is not held.
	ErrLockNotHeld = errors.New("lock not held")
)

// storeErr maps connectivity failures from the store to ErrNoConnection and
// leaves every other error untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if coord.IsConnectivity(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrNoConnection, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
