// Package hypervisor wraps the libvirt connection used by the firewall
// control plane. Callers talk to the Client/Connection interfaces so the
// core logic can be exercised against fakes; the only concrete
// implementation speaks the libvirt RPC protocol over the local
// management socket.
package hypervisor

import (
	"context"

	"emperror.dev/errors"
)

// ErrNotFound is returned (wrapped) when a filter or domain lookup does not
// match any object on the hypervisor.
var ErrNotFound = errors.New("hypervisor: object not found")

// ErrInUse is returned (wrapped) when an nwfilter cannot be undefined
// because a running domain still references it.
var ErrInUse = errors.New("hypervisor: object is in use")

// Filter is a handle to an nwfilter object defined on the hypervisor.
type Filter struct {
	Name string
	UUID string
}

// Domain is a handle to a libvirt domain.
type Domain struct {
	Name   string
	UUID   string
	Active bool
}

// Connection is one open session against the hypervisor. Every call is
// bounded by the context passed to it; a call that outlives its context is
// reported as a timeout error and the connection must be considered dead.
type Connection interface {
	// LookupFilter finds an nwfilter by name. Returns ErrNotFound (wrapped)
	// when no such filter is defined.
	LookupFilter(ctx context.Context, name string) (*Filter, error)

	// DefineFilter creates or replaces an nwfilter from its XML document and
	// returns the resulting handle.
	DefineFilter(ctx context.Context, xml string) (*Filter, error)

	// UndefineFilter removes an nwfilter by name. Returns ErrInUse (wrapped)
	// when a domain still references the filter, ErrNotFound when it does
	// not exist.
	UndefineFilter(ctx context.Context, name string) error

	// LookupDomain finds a domain by name. Returns ErrNotFound (wrapped)
	// when no such domain is defined.
	LookupDomain(ctx context.Context, name string) (*Domain, error)

	// DestroyDomain forcibly stops a running domain. A domain that is not
	// running is not an error.
	DestroyDomain(ctx context.Context, name string) error

	// UndefineDomain removes the domain definition from the hypervisor.
	UndefineDomain(ctx context.Context, name string) error

	Close() error
}

// Client opens connections to the hypervisor. Opening is itself a bounded
// operation; a refused or hanging socket surfaces as an error here and not
// as a panic deeper in the stack.
type Client interface {
	Open(ctx context.Context) (Connection, error)
}

// IsNotFound reports whether err represents a missing hypervisor object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInUse reports whether err represents an nwfilter that is still
// referenced by a running domain.
func IsInUse(err error) bool {
	return errors.Is(err, ErrInUse)
}
