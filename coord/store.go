package coord

import (
	"context"
	"errors"
	"path"
	"strings"
)

// AnyVersion disables the version check on Delete and Set.
const AnyVersion int64 = -1

// Store opens sessions against the coordination backend.
type Store interface {
	// Open starts a new session. The session may still be connecting when Open
	// returns; progress is reported on Session.Events.
	Open(ctx context.Context) (Session, error)
}

// Session is a single connection to the backend. Ephemeral nodes created through
// a session are removed by the backend once the session is closed or expires.
type Session interface {
	ID() string
	State() SessionState
	Events() <-chan SessionEvent

	// Node operations
	Create(ctx context.Context, p string, data []byte, mode NodeMode) (string, error)
	Delete(ctx context.Context, p string, version int64) error
	Get(ctx context.Context, p string) ([]byte, Stat, error)
	Set(ctx context.Context, p string, data []byte, version int64) (Stat, error)
	Children(ctx context.Context, p string) ([]string, error)
	Exists(ctx context.Context, p string) (Stat, bool, error)

	// Watch registers a one-shot watch on p. The channel receives a single event
	// when p is created, deleted, changed, or its children change, and is then closed.
	Watch(ctx context.Context, p string) (<-chan Event, error)

	Close() error
}

// NodeMode selects the lifetime of a node.
type NodeMode int

const (
	// Persistent nodes survive the session that created them.
	Persistent NodeMode = iota
	// Ephemeral nodes are removed when the owning session ends.
	Ephemeral
	// EphemeralSequential nodes get a monotonically increasing suffix appended to
	// the requested name, unique among the siblings.
	EphemeralSequential
)

// IsEphemeral reports whether nodes of this mode are bound to the session.
func (m NodeMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// Stat describes a node.
type Stat struct {
	Version     int64
	NumChildren int
	// Owner is the session id for ephemeral nodes, empty otherwise.
	Owner string
}

// SessionState is the connection state of a session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEventType is a transition reported by a session.
type SessionEventType int

const (
	// SessionConnected is sent when the session (re)establishes contact with the backend.
	SessionConnected SessionEventType = iota
	// SessionDisconnected is sent when contact is lost; the session may still recover.
	SessionDisconnected
	// SessionExpired is sent when the backend discarded the session. It is final.
	SessionExpired
)

func (t SessionEventType) String() string {
	switch t {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SessionEvent carries a session transition.
type SessionEvent struct {
	Type      SessionEventType
	SessionID string
}

// EventType distinguishes watch events.
type EventType int

const (
	EventCreated EventType = iota
	EventDeleted
	EventDataChanged
	EventChildrenChanged
	// EventNotWatching is delivered when the watch was dropped because the session ended.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventDataChanged:
		return "data-changed"
	case EventChildrenChanged:
		return "children-changed"
	case EventNotWatching:
		return "not-watching"
	default:
		return "unknown"
	}
}

// Event describes a change observed by a watch.
type Event struct {
	Type EventType
	Path string
	Err  error
}

var (
	// ErrNoNode is returned when the node, or the parent of a node being created, does not exist.
	ErrNoNode = errors.New("node does not exist")
	// ErrNodeExists is returned when creating a node that already exists.
	ErrNodeExists = errors.New("node already exists")
	// ErrBadVersion is returned when the expected version does not match.
	ErrBadVersion = errors.New("version mismatch")
	// ErrNotEmpty is returned when deleting a node that still has children.
	ErrNotEmpty = errors.New("node has children")
	// ErrSessionClosed is returned for operations on a closed or expired session.
	ErrSessionClosed = errors.New("session closed")
	// ErrConnectionLoss is returned when the backend cannot be reached.
	ErrConnectionLoss = errors.New("connection to backend lost")
	// ErrInvalidPath is returned for paths that are not absolute and clean.
	ErrInvalidPath = errors.New("invalid path")
)

// IsConnectivity reports whether err is a transient connectivity failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectionLoss) || errors.Is(err, ErrSessionClosed)
}

// ValidatePath checks that p is absolute, clean and not the root.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' || p == "/" || path.Clean(p) != p {
		return ErrInvalidPath
	}
	return nil
}

// Parent returns the parent path of p; the parent of a top-level node is "/".
func Parent(p string) string {
	return path.Dir(p)
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}

// Join builds a path from elements.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// MkdirAll creates p and every missing ancestor as persistent nodes. Existing
// nodes are left untouched.
func MkdirAll(ctx context.Context, s Session, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		if _, err := s.Create(ctx, cur, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}
