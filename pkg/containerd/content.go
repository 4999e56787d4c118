package containerd

import (
	"context"
	"errors"
	"io"

	contentapi "github.com/containerd/containerd/api/services/content/v1"
	"github.com/opencontainers/go-digest"

	"github.com/wasmshim/wasmshim/pkg/errdefs"
	"github.com/wasmshim/wasmshim/pkg/xlog"
)

// writeRefPrefix namespaces the reference labels of artifact writes so they
// cannot collide with ingests issued by other daemon clients.
const writeRefPrefix = "precompile-"

// WriteResult binds the digest of committed content to the lease protecting
// it. The caller must release the lease once a durable reference to the
// content exists; releasing earlier exposes the content to collection.
type WriteResult struct {
	Digest digest.Digest
	Lease  *LeaseGuard
}

// ReadContent reads the whole blob named by dgst, concatenating the streamed
// chunks in arrival order. The assembled bytes are verified against dgst
// before they are returned. A mid-stream failure aborts the read; no partial
// content is ever returned.
func (c *Client) ReadContent(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	if err := dgst.Validate(); err != nil {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "digest %q: %w", dgst, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stream, err := c.content.Read(c.withNamespace(ctx), &contentapi.ReadContentRequest{
		Digest: dgst.String(),
	})
	if err != nil {
		return nil, mapGRPCError(err)
	}
	var buf []byte
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, mapGRPCError(err)
		}
		buf = append(buf, msg.GetData()...)
	}
	// Re-derive with the digest's own algorithm: the store is not limited
	// to the canonical one.
	if got := dgst.Algorithm().FromBytes(buf); got != dgst {
		return nil, errdefs.Newf(errdefs.ErrVerification, "content %s resolves to digest %s", dgst, got)
	}
	return buf, nil
}

// DeleteContent removes the blob named by dgst from the store.
func (c *Client) DeleteContent(ctx context.Context, dgst digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.content.Delete(c.withNamespace(ctx), &contentapi.DeleteContentRequest{
		Digest: dgst.String(),
	})
	return mapGRPCError(err)
}

// WriteContent commits data into the store under a lease scoped to label,
// attaching label=originalDigest to the finished record. The returned digest
// is computed locally and verified against the daemon's commit response.
//
// The write is resumable: the daemon's stat response names the offset of
// bytes already present from a prior interrupted write, and only the suffix
// after that offset is transferred. If the daemon reports the content as
// already existing, the write short-circuits successfully without
// transferring any bytes.
func (c *Client) WriteContent(ctx context.Context, data []byte, label string, originalDigest digest.Digest) (*WriteResult, error) {
	expected := digest.FromBytes(data)
	reference := writeRefPrefix + label

	guard, err := c.Lease(ctx, reference)
	if err != nil {
		return nil, err
	}
	committed, err := c.writeContent(ctx, guard, reference, data, expected, label, originalDigest)
	if err != nil {
		guard.Release(ctx)
		return nil, err
	}
	return &WriteResult{Digest: committed, Lease: guard}, nil
}

func (c *Client) writeContent(ctx context.Context, guard *LeaseGuard, reference string, data []byte, expected digest.Digest, label string, originalDigest digest.Digest) (digest.Digest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := xlog.C(ctx)
	total := int64(len(data))
	logger.Debugf("writing %d bytes to content store as %s", total, expected)

	stream, err := c.content.Write(withLease(c.withNamespace(ctx), guard.ID()))
	if err != nil {
		return "", mapGRPCError(err)
	}

	// Stat declares the total length and expected digest. The daemon either
	// reports the content as already present, or answers with the offset of
	// bytes it already holds from a prior interrupted write.
	resp, err := writeRoundTrip(stream, &contentapi.WriteContentRequest{
		Action:   contentapi.WriteAction_STAT,
		Ref:      reference,
		Total:    total,
		Expected: expected.String(),
	})
	if err != nil {
		if errors.Is(err, errdefs.ErrAlreadyExists) {
			logger.Infof("content %s already exists, skipping transfer", expected)
			return expected, nil
		}
		return "", err
	}
	offset := resp.GetOffset()
	if offset < 0 || offset > total {
		return "", errdefs.Newf(errdefs.ErrVerification, "daemon reports impossible resume offset %d for %d total bytes", offset, total)
	}
	if offset > 0 {
		logger.Debugf("resuming interrupted write of %s at offset %d", expected, offset)
	}

	// Write and commit at the same time, sending only the suffix the daemon
	// does not hold yet.
	resp, err = writeRoundTrip(stream, &contentapi.WriteContentRequest{
		Action:   contentapi.WriteAction_COMMIT,
		Total:    total,
		Offset:   offset,
		Expected: expected.String(),
		Data:     data[offset:],
		Labels: map[string]string{
			label: originalDigest.String(),
		},
	})
	if err != nil {
		return "", err
	}
	if err := stream.CloseSend(); err != nil {
		logger.Warnf("failed to close write stream for %s: %v", expected, err)
	}

	// The daemon's account of the commit must match what was sent; any
	// disagreement fails the write.
	if resp.GetOffset() != total {
		return "", errdefs.Newf(errdefs.ErrVerification, "failed to write all bytes, expected %d got %d", total, resp.GetOffset())
	}
	if got := digest.Digest(resp.GetDigest()); got != expected {
		return "", errdefs.Newf(errdefs.ErrVerification, "unexpected digest, expected %s got %s", expected, got)
	}
	return expected, nil
}

// writeRoundTrip sends one write request and waits for the daemon's
// response. Sending on a stream the daemon has already terminated fails
// with a bare io.EOF; the terminating status is only surfaced by Recv, so
// it is retrieved from there before mapping.
func writeRoundTrip(stream contentapi.Content_WriteClient, req *contentapi.WriteContentRequest) (*contentapi.WriteContentResponse, error) {
	if err := stream.Send(req); err != nil {
		if errors.Is(err, io.EOF) {
			if _, recvErr := stream.Recv(); recvErr != nil {
				err = recvErr
			}
		}
		return nil, mapGRPCError(err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, mapGRPCError(err)
	}
	return resp, nil
}
