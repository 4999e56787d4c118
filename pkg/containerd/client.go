// Package containerd implements the client-side engine the shim uses to
// retrieve, verify, cache, and GC-protect content in a containerd
// content-addressed store. It wraps the daemon's content, images,
// containers, and leases services behind blocking calls.
package containerd

import (
	"context"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	containersapi "github.com/containerd/containerd/api/services/containers/v1"
	contentapi "github.com/containerd/containerd/api/services/content/v1"
	imagesapi "github.com/containerd/containerd/api/services/images/v1"
	leasesapi "github.com/containerd/containerd/api/services/leases/v1"
	"github.com/puzpuzpuz/xsync/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/wasmshim/wasmshim/pkg/errdefs"
	"github.com/wasmshim/wasmshim/pkg/xlog"
)

const (
	// namespaceHeader carries the active namespace on every request.
	namespaceHeader = "containerd-namespace"
	// leaseHeader scopes a request to an open lease.
	leaseHeader = "containerd-lease"
)

// Client is a blocking client for the containerd daemon. All requests are
// scoped to a single namespace fixed at construction.
//
// Operations issued through one Client are strictly sequenced: a per-client
// mutex guarantees that no two RPCs are ever in flight together, so callers
// never observe partial results. Concurrent workloads should use one Client
// each; coordination between clients is left to the daemon and the lease
// mechanism.
type Client struct {
	conn      *grpc.ClientConn
	namespace string
	clock     clock.Clock

	// mu sequences every daemon round-trip issued through this client.
	mu sync.Mutex

	// openLeases tracks reference labels with an open lease guard so a
	// duplicate acquire fails fast without a daemon round-trip.
	openLeases *xsync.MapOf[string, struct{}]

	content    contentapi.ContentClient
	images     imagesapi.ImagesClient
	containers containersapi.ContainersClient
	leases     leasesapi.LeasesClient
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the clock used to compute lease expiry timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// Connect dials the daemon socket at address and returns a Client scoped to
// the given namespace. The connection must become ready before ctx expires;
// a failure to connect is fatal to construction.
func Connect(ctx context.Context, address, namespace string, opts ...Option) (*Client, error) {
	if !strings.Contains(address, "://") {
		address = "unix://" + address
	}
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrUnavailable, err)
	}
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return nil, errdefs.Newf(errdefs.ErrUnavailable, "connect to %s: %w", address, ctx.Err())
		}
	}
	xlog.C(ctx).Debugf("connected to containerd at %s", address)
	return NewWithConn(conn, namespace, opts...), nil
}

// NewWithConn returns a Client on top of an established connection. The
// connection is owned by the caller.
func NewWithConn(conn *grpc.ClientConn, namespace string, opts ...Option) *Client {
	c := &Client{
		conn:       conn,
		namespace:  namespace,
		clock:      clock.New(),
		openLeases: xsync.NewMapOf[string, struct{}](),
		content:    contentapi.NewContentClient(conn),
		images:     imagesapi.NewImagesClient(conn),
		containers: containersapi.NewContainersClient(conn),
		leases:     leasesapi.NewLeasesClient(conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns the namespace every request is scoped to.
func (c *Client) Namespace() string {
	return c.namespace
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// withNamespace attaches the client namespace to the outgoing metadata.
func (c *Client) withNamespace(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, namespaceHeader, c.namespace)
}

// withLease scopes the outgoing request to an open lease.
func withLease(ctx context.Context, leaseID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, leaseHeader, leaseID)
}

// mapGRPCError translates well-known daemon status codes into package
// sentinels. Everything else propagates unchanged.
func mapGRPCError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return errdefs.NewE(errdefs.ErrNotFound, err)
	case codes.AlreadyExists:
		return errdefs.NewE(errdefs.ErrAlreadyExists, err)
	case codes.Unavailable:
		return errdefs.NewE(errdefs.ErrUnavailable, err)
	}
	return err
}
