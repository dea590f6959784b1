package cloudname

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyash-sneo/cloudname/coord"
)

const (
	// DefaultRoot is the namespace root used when Config.Root is empty.
	DefaultRoot = "/cn"

	statusNodeName = "status"
	configNodeName = "config"
	lockFolderName = "locks"
)

// Coordinate identifies one service instance.
type Coordinate struct {
	Cell     string
	User     string
	Service  string
	Instance int
}

// NewCoordinate validates and builds a coordinate.
func NewCoordinate(instance int, service, user, cell string) (Coordinate, error) {
	c := Coordinate{Cell: cell, User: user, Service: service, Instance: instance}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// MustCoordinate is NewCoordinate for literals; it panics on invalid input.
func MustCoordinate(instance int, service, user, cell string) Coordinate {
	c, err := NewCoordinate(instance, service, user, cell)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCoordinate parses the dotted form "instance.service.user.cell".
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Coordinate{}, fmt.Errorf("%w: %q", ErrInvalidCoordinate, s)
	}
	instance, ok := parseInstance(parts[0])
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: bad instance in %q", ErrInvalidCoordinate, s)
	}
	return NewCoordinate(instance, parts[1], parts[2], parts[3])
}

// Validate checks every segment against the namespace token rules.
func (c Coordinate) Validate() error {
	if c.Instance < 0 {
		return fmt.Errorf("%w: negative instance %d", ErrInvalidCoordinate, c.Instance)
	}
	if !isCellToken(c.Cell) {
		return fmt.Errorf("%w: cell %q", ErrInvalidCoordinate, c.Cell)
	}
	if !isToken(c.User) {
		return fmt.Errorf("%w: user %q", ErrInvalidCoordinate, c.User)
	}
	if !isToken(c.Service) {
		return fmt.Errorf("%w: service %q", ErrInvalidCoordinate, c.Service)
	}
	for _, seg := range []string{c.Cell, c.User, c.Service} {
		if seg == lockFolderName {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidCoordinate, seg)
		}
	}
	return nil
}

// String renders the coordinate as "instance.service.user.cell".
func (c Coordinate) String() string {
	return strconv.Itoa(c.Instance) + "." + c.Service + "." + c.User + "." + c.Cell
}

// isToken matches [a-z][a-z0-9_-]*.
func isToken(s string) bool {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return false
		}
	}
	return true
}

// isCellToken matches [a-z][a-z-]*.
func isCellToken(s string) bool {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		ch := s[i]
		if (ch < 'a' || ch > 'z') && ch != '-' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func parseInstance(s string) (int, bool) {
	if !isDigits(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// LockScope selects the level of the hierarchy a lock is placed on.
type LockScope int

const (
	LockScopeCell LockScope = iota
	LockScopeUser
	LockScopeService
)

func (s LockScope) String() string {
	switch s {
	case LockScopeCell:
		return "cell"
	case LockScopeUser:
		return "user"
	case LockScopeService:
		return "service"
	default:
		return "unknown"
	}
}

// PathScheme maps coordinates to store paths. It never touches the store.
type PathScheme struct {
	Root string
}

// NewPathScheme returns a scheme rooted at root, or DefaultRoot when root is empty.
func NewPathScheme(root string) PathScheme {
	if root == "" {
		root = DefaultRoot
	}
	return PathScheme{Root: root}
}

func (p PathScheme) CellPath(cell string) string {
	return p.Root + "/" + cell
}

func (p PathScheme) UserPath(cell, user string) string {
	return p.CellPath(cell) + "/" + user
}

func (p PathScheme) ServicePath(cell, user, service string) string {
	return p.UserPath(cell, user) + "/" + service
}

// CoordinateRoot is root/cell/user/service/instance.
func (p PathScheme) CoordinateRoot(c Coordinate) string {
	return p.ServicePath(c.Cell, c.User, c.Service) + "/" + strconv.Itoa(c.Instance)
}

// StatusPath is the session-bound node whose existence is the claim.
func (p PathScheme) StatusPath(c Coordinate) string {
	return p.CoordinateRoot(c) + "/" + statusNodeName
}

// ConfigPath returns the config node, or a named sub-config below it.
func (p PathScheme) ConfigPath(c Coordinate, name string) string {
	base := p.CoordinateRoot(c) + "/" + configNodeName
	if name == "" {
		return base
	}
	return base + "/" + name
}

// LockFolder is the folder holding contenders for lock name at the given scope.
func (p PathScheme) LockFolder(c Coordinate, scope LockScope, name string) string {
	var base string
	switch scope {
	case LockScopeCell:
		base = p.CellPath(c.Cell)
	case LockScopeUser:
		base = p.UserPath(c.Cell, c.User)
	default:
		base = p.ServicePath(c.Cell, c.User, c.Service)
	}
	return base + "/" + lockFolderName + "/" + name
}

func validateRoot(root string) error {
	if err := coord.ValidatePath(root); err != nil {
		return fmt.Errorf("Root %q must be an absolute clean path: %w", root, err)
	}
	return nil
}

// keptDepth is the depth destroy never deletes above: the namespace root, the
// cell and the user levels.
func (p PathScheme) keptDepth() int {
	return strings.Count(p.Root, "/") + 2
}

// MarshalText encodes the coordinate in its dotted form.
func (c Coordinate) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the dotted form.
func (c *Coordinate) UnmarshalText(b []byte) error {
	parsed, err := ParseCoordinate(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
