package containerd

import (
	"context"
	"errors"
	"sync"
	"time"

	leasesapi "github.com/containerd/containerd/api/services/leases/v1"

	"github.com/wasmshim/wasmshim/pkg/errdefs"
	"github.com/wasmshim/wasmshim/pkg/xlog"
)

const (
	// gcExpireLabel marks a lease with an absolute expiry timestamp so an
	// abnormally terminated holder cannot leak a permanent GC hold.
	gcExpireLabel = "containerd.io/gc.expire"

	// leaseTTL is the fixed horizon after which the daemon may collect
	// content held only by the lease.
	leaseTTL = 24 * time.Hour
)

// LeaseGuard is an open garbage-collection hold on the daemon. Content
// written under the lease is protected from collection until the guard is
// released or the TTL expires. Callers must release the guard when done:
//
//	guard, err := client.Lease(ctx, ref)
//	if err != nil { ... }
//	defer guard.Release(ctx)
type LeaseGuard struct {
	client    *Client
	id        string
	reference string
	once      sync.Once
}

// Lease registers a new lease under the given reference label. At most one
// lease per reference label may be open at a time; a duplicate acquire fails
// with [errdefs.ErrLeaseHeld], both when the duplicate is tracked by this
// client and when the daemon reports the lease as existing.
func (c *Client) Lease(ctx context.Context, reference string) (*LeaseGuard, error) {
	if _, loaded := c.openLeases.LoadOrStore(reference, struct{}{}); loaded {
		return nil, errdefs.Newf(errdefs.ErrLeaseHeld, "reference %q", reference)
	}
	expiry := c.clock.Now().UTC().Add(leaseTTL)

	c.mu.Lock()
	resp, err := c.leases.Create(c.withNamespace(ctx), &leasesapi.CreateRequest{
		ID: reference,
		Labels: map[string]string{
			gcExpireLabel: expiry.Format(time.RFC3339),
		},
	})
	c.mu.Unlock()
	if err != nil {
		c.openLeases.Delete(reference)
		err = mapGRPCError(err)
		if errors.Is(err, errdefs.ErrAlreadyExists) {
			return nil, errdefs.NewE(errdefs.ErrLeaseHeld, err)
		}
		return nil, err
	}
	lease := resp.GetLease()
	if lease == nil {
		c.openLeases.Delete(reference)
		return nil, errdefs.Newf(errdefs.ErrUnavailable, "daemon returned no lease for %q", reference)
	}
	xlog.C(ctx).Debugf("created lease %s expiring at %s", lease.GetID(), expiry.Format(time.RFC3339))
	return &LeaseGuard{client: c, id: lease.GetID(), reference: reference}, nil
}

// ID returns the lease identifier registered with the daemon.
func (g *LeaseGuard) ID() string {
	return g.id
}

// Release revokes the lease. The revoke is best-effort: a failure is logged
// and swallowed, since the expiry label bounds how long the daemon keeps the
// hold alive. Release is idempotent.
func (g *LeaseGuard) Release(ctx context.Context) {
	g.once.Do(func() {
		g.client.openLeases.Delete(g.reference)
		g.client.mu.Lock()
		_, err := g.client.leases.Delete(g.client.withNamespace(ctx), &leasesapi.DeleteRequest{ID: g.id})
		g.client.mu.Unlock()
		if err != nil {
			xlog.C(ctx).Warnf("failed to release lease %s, expiry label will reclaim it: %v", g.id, err)
		}
	})
}
