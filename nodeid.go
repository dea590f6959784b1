package cloudname

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// OwnerEnv overrides the host part of the owner id.
const OwnerEnv = "CLOUDNAME_OWNER"

// HostOwnerID names this process in lock contenders:
// [prefix-]host-pid[-random]. The id is computed once.
type HostOwnerID struct {
	prefix string
	unique bool
	pid    int

	once sync.Once
	id   string
	err  error
}

// HostOwnerIDOption mutates HostOwnerID construction.
type HostOwnerIDOption func(*HostOwnerID)

// WithOwnerPrefix adds a prefix to owner ids, typically the cell.
func WithOwnerPrefix(prefix string) HostOwnerIDOption {
	return func(p *HostOwnerID) {
		p.prefix = prefix
	}
}

// WithoutRandomSuffix drops the random part, so restarts of the same process
// on the same host report the same id.
func WithoutRandomSuffix() HostOwnerIDOption {
	return func(p *HostOwnerID) {
		p.unique = false
	}
}

// NewHostOwnerID returns the default provider used by New.
func NewHostOwnerID(opts ...HostOwnerIDOption) *HostOwnerID {
	p := &HostOwnerID{unique: true, pid: os.Getpid()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OwnerID implements OwnerIDProvider.
func (p *HostOwnerID) OwnerID() (string, error) {
	p.once.Do(func() {
		host := hostIdentity()
		if host == "" {
			p.err = errors.New("owner id: no host name available")
			return
		}
		var parts []string
		if prefix := ownerToken(p.prefix); prefix != "" {
			parts = append(parts, prefix)
		}
		parts = append(parts, ownerToken(host), strconv.Itoa(p.pid))
		if p.unique {
			parts = append(parts, uuid.NewString()[:8])
		}
		p.id = strings.Join(parts, "-")
	})
	return p.id, p.err
}

// hostIdentity prefers an explicit owner, then what orchestrators inject,
// then the kernel host name.
func hostIdentity() string {
	for _, env := range []string{OwnerEnv, "POD_NAME", "HOSTNAME"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// ownerToken lowercases s and turns whitespace runs into single hyphens.
func ownerToken(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), "-"))
}
