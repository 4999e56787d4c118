package containerd

import (
	"context"

	containersapi "github.com/containerd/containerd/api/services/containers/v1"
	contentapi "github.com/containerd/containerd/api/services/content/v1"
	imagesapi "github.com/containerd/containerd/api/services/images/v1"
	"github.com/opencontainers/go-digest"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/wasmshim/wasmshim/pkg/errdefs"
)

// labelsFieldMask restricts record updates to the labels field. Every other
// field on a record is a read-modify-write hazard this client never touches.
func labelsFieldMask() *fieldmaskpb.FieldMask {
	return &fieldmaskpb.FieldMask{Paths: []string{"labels"}}
}

// GetInfo returns the content record for the blob named by dgst.
func (c *Client) GetInfo(ctx context.Context, dgst digest.Digest) (*contentapi.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.content.Info(c.withNamespace(ctx), &contentapi.InfoRequest{
		Digest: dgst.String(),
	})
	if err != nil {
		return nil, mapGRPCError(err)
	}
	info := resp.GetInfo()
	if info == nil {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "daemon returned no content record for %s", dgst)
	}
	return info, nil
}

// UpdateInfo applies the labels of info to the stored content record and
// returns the updated record. Fields other than labels are left untouched.
func (c *Client) UpdateInfo(ctx context.Context, info *contentapi.Info) (*contentapi.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.content.Update(c.withNamespace(ctx), &contentapi.UpdateRequest{
		Info:       info,
		UpdateMask: labelsFieldMask(),
	})
	if err != nil {
		return nil, mapGRPCError(err)
	}
	updated := resp.GetInfo()
	if updated == nil {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "daemon returned no content record for %s", info.GetDigest())
	}
	return updated, nil
}

// GetImage returns the image record with the given name.
func (c *Client) GetImage(ctx context.Context, name string) (*imagesapi.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.images.Get(c.withNamespace(ctx), &imagesapi.GetImageRequest{
		Name: name,
	})
	if err != nil {
		return nil, mapGRPCError(err)
	}
	image := resp.GetImage()
	if image == nil {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "daemon returned no image record for %s", name)
	}
	return image, nil
}

// UpdateImage applies the labels of image to the stored image record and
// returns the updated record. Fields other than labels are left untouched.
func (c *Client) UpdateImage(ctx context.Context, image *imagesapi.Image) (*imagesapi.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.images.Update(c.withNamespace(ctx), &imagesapi.UpdateImageRequest{
		Image:      image,
		UpdateMask: labelsFieldMask(),
	})
	if err != nil {
		return nil, mapGRPCError(err)
	}
	updated := resp.GetImage()
	if updated == nil {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "daemon returned no image record for %s", image.GetName())
	}
	return updated, nil
}

// GetContainer returns the container record with the given id.
func (c *Client) GetContainer(ctx context.Context, id string) (*containersapi.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.containers.Get(c.withNamespace(ctx), &containersapi.GetContainerRequest{
		ID: id,
	})
	if err != nil {
		return nil, mapGRPCError(err)
	}
	container := resp.GetContainer()
	if container == nil {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "daemon returned no container record for %s", id)
	}
	return container, nil
}

// imageTargetDigest extracts the manifest digest an image record points at.
func imageTargetDigest(image *imagesapi.Image) (digest.Digest, error) {
	target := image.GetTarget()
	if target == nil {
		return "", errdefs.Newf(errdefs.ErrNotFound, "image %s has no target descriptor", image.GetName())
	}
	dgst, err := digest.Parse(target.GetDigest())
	if err != nil {
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "image %s target digest: %w", image.GetName(), err)
	}
	return dgst, nil
}
