package hypervisor

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/google/uuid"
)

// LibvirtClient dials the local libvirt management socket.
type LibvirtClient struct {
	socket  string
	timeout time.Duration
}

// NewLibvirtClient returns a client for the given socket path. The timeout
// bounds both the dial and every individual RPC made on connections the
// client opens.
func NewLibvirtClient(socket string, timeout time.Duration) *LibvirtClient {
	return &LibvirtClient{socket: socket, timeout: timeout}
}

func (c *LibvirtClient) Open(ctx context.Context) (Connection, error) {
	l := libvirt.NewWithDialer(dialers.NewLocal(
		dialers.WithSocket(c.socket),
		dialers.WithLocalTimeout(c.timeout),
	))
	conn := &libvirtConnection{l: l, timeout: c.timeout}
	if err := conn.run(ctx, func() error {
		return l.Connect()
	}); err != nil {
		return nil, errors.Wrap(err, "hypervisor: could not connect to libvirt socket")
	}
	return conn, nil
}

type libvirtConnection struct {
	l       *libvirt.Libvirt
	timeout time.Duration
}

// run executes a libvirt RPC bounded by ctx and the connection timeout. A
// call that outlives its deadline strands the underlying goroutine on the
// socket, so the connection is torn down to unblock it; the caller must not
// reuse the connection after a timeout.
func (c *libvirtConnection) run(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = c.l.Disconnect()
		return errors.Wrap(ctx.Err(), "hypervisor: libvirt call exceeded deadline")
	}
}

func (c *libvirtConnection) LookupFilter(ctx context.Context, name string) (*Filter, error) {
	var nf libvirt.NwFilter
	err := c.run(ctx, func() error {
		var lerr error
		nf, lerr = c.l.NWFilterLookupByName(name)
		return lerr
	})
	if err != nil {
		return nil, translateError(err, "lookup of nwfilter "+name)
	}
	return &Filter{Name: nf.Name, UUID: uuid.UUID(nf.UUID).String()}, nil
}

func (c *libvirtConnection) DefineFilter(ctx context.Context, xml string) (*Filter, error) {
	var nf libvirt.NwFilter
	err := c.run(ctx, func() error {
		var lerr error
		nf, lerr = c.l.NWFilterDefineXML(xml)
		return lerr
	})
	if err != nil {
		return nil, translateError(err, "definition of nwfilter")
	}
	return &Filter{Name: nf.Name, UUID: uuid.UUID(nf.UUID).String()}, nil
}

func (c *libvirtConnection) UndefineFilter(ctx context.Context, name string) error {
	var nf libvirt.NwFilter
	if err := c.run(ctx, func() error {
		var lerr error
		nf, lerr = c.l.NWFilterLookupByName(name)
		return lerr
	}); err != nil {
		return translateError(err, "lookup of nwfilter "+name)
	}
	if err := c.run(ctx, func() error {
		return c.l.NWFilterUndefine(nf)
	}); err != nil {
		return translateError(err, "undefine of nwfilter "+name)
	}
	return nil
}

func (c *libvirtConnection) LookupDomain(ctx context.Context, name string) (*Domain, error) {
	var (
		d     libvirt.Domain
		state int32
	)
	if err := c.run(ctx, func() error {
		var lerr error
		d, lerr = c.l.DomainLookupByName(name)
		return lerr
	}); err != nil {
		return nil, translateError(err, "lookup of domain "+name)
	}
	// Domain state is advisory here; a failed state query does not make the
	// lookup itself fail.
	_ = c.run(ctx, func() error {
		var lerr error
		state, _, lerr = c.l.DomainGetState(d, 0)
		return lerr
	})
	return &Domain{
		Name:   d.Name,
		UUID:   uuid.UUID(d.UUID).String(),
		Active: state == int32(libvirt.DomainRunning) || state == int32(libvirt.DomainPaused),
	}, nil
}

func (c *libvirtConnection) DestroyDomain(ctx context.Context, name string) error {
	var d libvirt.Domain
	if err := c.run(ctx, func() error {
		var lerr error
		d, lerr = c.l.DomainLookupByName(name)
		return lerr
	}); err != nil {
		return translateError(err, "lookup of domain "+name)
	}
	if err := c.run(ctx, func() error {
		return c.l.DomainDestroy(d)
	}); err != nil {
		// Destroying a domain that is not running reports an invalid
		// operation; that is the state we wanted anyway.
		if isCode(err, libvirt.ErrOperationInvalid) {
			return nil
		}
		return translateError(err, "destroy of domain "+name)
	}
	return nil
}

func (c *libvirtConnection) UndefineDomain(ctx context.Context, name string) error {
	var d libvirt.Domain
	if err := c.run(ctx, func() error {
		var lerr error
		d, lerr = c.l.DomainLookupByName(name)
		return lerr
	}); err != nil {
		return translateError(err, "lookup of domain "+name)
	}
	if err := c.run(ctx, func() error {
		return c.l.DomainUndefine(d)
	}); err != nil {
		return translateError(err, "undefine of domain "+name)
	}
	return nil
}

func (c *libvirtConnection) Close() error {
	return c.l.Disconnect()
}

// translateError maps libvirt protocol errors onto the package sentinels so
// callers can match with errors.Is instead of poking at RPC error codes.
func translateError(err error, op string) error {
	switch {
	case isCode(err, libvirt.ErrNoNwfilter), isCode(err, libvirt.ErrNoDomain):
		return errors.Wrapf(ErrNotFound, "%s: %v", op, err)
	case isInUseError(err):
		return errors.Wrapf(ErrInUse, "%s: %v", op, err)
	default:
		return errors.Wrapf(err, "hypervisor: %s failed", op)
	}
}

func isCode(err error, code libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	return errors.As(err, &lverr) && lverr.Code == uint32(code)
}

// isInUseError detects the "filter is in use" failure libvirt raises when a
// running domain still references an nwfilter being undefined. libvirt
// reports it as an invalid-operation error, so the message is part of the
// check.
func isInUseError(err error) bool {
	if !isCode(err, libvirt.ErrOperationInvalid) {
		return false
	}
	var lverr libvirt.Error
	_ = errors.As(err, &lverr)
	return strings.Contains(lverr.Message, "in use")
}
