package cloudname

// CoordinateEvent reports the health of a claim to its owner.
type CoordinateEvent int

const (
	// CoordinateOK means the status node is present, ours and matches what we wrote.
	CoordinateOK CoordinateEvent = iota
	// CoordinateLostConnection means the session is down; nothing more is known
	// until it recovers.
	CoordinateLostConnection
	// CoordinateVanished means the status node is gone. Terminal.
	CoordinateVanished
	// CoordinateCorrupted means the stored status cannot be parsed.
	CoordinateCorrupted
	// CoordinateOutOfSync means the stored status differs from what the handle
	// last wrote. The next successful write through the handle restores it.
	CoordinateOutOfSync
	// CoordinateNotOwner means another session now holds the status node. Terminal.
	CoordinateNotOwner
)

func (e CoordinateEvent) String() string {
	switch e {
	case CoordinateOK:
		return "COORDINATE_OK"
	case CoordinateLostConnection:
		return "LOST_CONNECTION_TO_STORAGE"
	case CoordinateVanished:
		return "COORDINATE_VANISHED"
	case CoordinateCorrupted:
		return "COORDINATE_CORRUPTED"
	case CoordinateOutOfSync:
		return "COORDINATE_OUT_OF_SYNC"
	case CoordinateNotOwner:
		return "NOT_OWNER"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further events follow e.
func (e CoordinateEvent) Terminal() bool {
	return e == CoordinateVanished || e == CoordinateNotOwner
}

// CoordinateListener receives claim health events.
type CoordinateListener interface {
	OnCoordinateEvent(ev CoordinateEvent, message string)
}

// CoordinateListenerFunc adapts a function to CoordinateListener.
type CoordinateListenerFunc func(ev CoordinateEvent, message string)

// OnCoordinateEvent implements CoordinateListener.
func (f CoordinateListenerFunc) OnCoordinateEvent(ev CoordinateEvent, message string) { f(ev, message) }

// ConfigEvent reports a change of a claimed coordinate's config node.
type ConfigEvent int

const (
	ConfigNewData ConfigEvent = iota
	ConfigDeleted
	ConfigLostConnection
)

func (e ConfigEvent) String() string {
	switch e {
	case ConfigNewData:
		return "NEW_DATA"
	case ConfigDeleted:
		return "DELETED"
	case ConfigLostConnection:
		return "LOST_CONNECTION_TO_STORAGE"
	default:
		return "UNKNOWN"
	}
}

// ConfigListener receives config changes. data is the new blob for
// ConfigNewData and empty otherwise.
type ConfigListener interface {
	OnConfigEvent(ev ConfigEvent, data string)
}

// ConfigListenerFunc adapts a function to ConfigListener.
type ConfigListenerFunc func(ev ConfigEvent, data string)

// OnConfigEvent implements ConfigListener.
func (f ConfigListenerFunc) OnConfigEvent(ev ConfigEvent, data string) { f(ev, data) }

// EndpointEvent is delivered to resolver listeners.
type EndpointEvent int

const (
	// EndpointConnectionOK follows every reconnect.
	EndpointConnectionOK EndpointEvent = iota
	// EndpointLostConnection follows every disconnect. Endpoints previously
	// reported are suspect but not withdrawn.
	EndpointLostConnection
	// EndpointNew reports an endpoint that started matching the expression.
	EndpointNew
	// EndpointRemoved reports an endpoint that no longer matches.
	EndpointRemoved
	// EndpointModified reports a matching endpoint whose data changed.
	EndpointModified
)

func (e EndpointEvent) String() string {
	switch e {
	case EndpointConnectionOK:
		return "CONNECTION_OK"
	case EndpointLostConnection:
		return "LOST_CONNECTION"
	case EndpointNew:
		return "NEW_ENDPOINT"
	case EndpointRemoved:
		return "REMOVED_ENDPOINT"
	case EndpointModified:
		return "MODIFIED_ENDPOINT"
	default:
		return "UNKNOWN"
	}
}

// ResolverListener receives live resolution events. The endpoint is the zero
// value for connection events. Implementations must be comparable, since the
// listener itself is the subscription key; use a pointer type.
type ResolverListener interface {
	OnEndpointEvent(ev EndpointEvent, endpoint Endpoint)
}

// LockListener is told when a held lock is lost.
type LockListener interface {
	Lost()
}

// LockListenerFunc adapts a function to LockListener.
type LockListenerFunc func()

// Lost implements LockListener.
func (f LockListenerFunc) Lost() { f() }
