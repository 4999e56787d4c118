package containerd_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	containersapi "github.com/containerd/containerd/api/services/containers/v1"
	contentapi "github.com/containerd/containerd/api/services/content/v1"
	imagesapi "github.com/containerd/containerd/api/services/images/v1"
	leasesapi "github.com/containerd/containerd/api/services/leases/v1"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/wasmshim/wasmshim/pkg/containerd"
)

const testNamespace = "wasmshim-test"

// fakeDaemon is an in-process containerd standing in for the real one. The
// per-service shim types below expose just enough of the content, images,
// containers, and leases services for the client under test; the daemon
// records the traffic the tests assert on.
type fakeDaemon struct {
	mu         sync.Mutex
	blobs      map[string][]byte
	blobLabels map[string]map[string]string
	ingests    map[string][]byte
	images     map[string]*imagesapi.Image
	containers map[string]*containersapi.Container
	leases     map[string]*leasesapi.Lease

	// traffic accounting
	readCounts  map[string]int
	commitBytes int64

	// fault injection
	corruptCommitDigest bool
	shortCommit         bool
	failLeaseDelete     bool

	// earlyAlreadyExists terminates the write stream with AlreadyExists
	// before reading any request, as a daemon holding the content may.
	earlyAlreadyExists bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		blobs:      map[string][]byte{},
		blobLabels: map[string]map[string]string{},
		ingests:    map[string][]byte{},
		images:     map[string]*imagesapi.Image{},
		containers: map[string]*containersapi.Container{},
		leases:     map[string]*leasesapi.Lease{},
		readCounts: map[string]int{},
	}
}

func checkNamespace(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok || len(md.Get("containerd-namespace")) == 0 {
		return status.Error(codes.InvalidArgument, "namespace is required")
	}
	if ns := md.Get("containerd-namespace")[0]; ns != testNamespace {
		return status.Errorf(codes.InvalidArgument, "unexpected namespace %q", ns)
	}
	return nil
}

// addBlob seeds committed content and returns its canonical digest.
func (d *fakeDaemon) addBlob(content []byte) digest.Digest {
	return d.addBlobAs(digest.Canonical, content)
}

// addBlobAs seeds committed content addressed by the given algorithm.
func (d *fakeDaemon) addBlobAs(alg digest.Algorithm, content []byte) digest.Digest {
	dgst := alg.FromBytes(content)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blobs[dgst.String()] = content
	if _, ok := d.blobLabels[dgst.String()]; !ok {
		d.blobLabels[dgst.String()] = map[string]string{}
	}
	return dgst
}

// tamperBlob replaces the stored bytes of dgst without updating its key.
func (d *fakeDaemon) tamperBlob(dgst digest.Digest, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blobs[dgst.String()] = content
}

func (d *fakeDaemon) removeBlob(dgst digest.Digest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blobs, dgst.String())
	delete(d.blobLabels, dgst.String())
}

// seedIngest plants a partially transferred blob under the write reference,
// as left behind by an interrupted write.
func (d *fakeDaemon) seedIngest(ref string, partial []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ingests[ref] = partial
}

func (d *fakeDaemon) blobLabel(dgst digest.Digest, key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blobLabels[dgst.String()][key]
}

func (d *fakeDaemon) readCount(dgst digest.Digest) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCounts[dgst.String()]
}

func (d *fakeDaemon) committedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commitBytes
}

func (d *fakeDaemon) openLeaseIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Keys(d.leases)
}

func (d *fakeDaemon) leaseLabel(id, key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leases[id].GetLabels()[key]
}

type contentShim struct {
	contentapi.UnimplementedContentServer
	d *fakeDaemon
}

func (s contentShim) Info(ctx context.Context, req *contentapi.InfoRequest) (*contentapi.InfoResponse, error) {
	if err := checkNamespace(ctx); err != nil {
		return nil, err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	content, ok := s.d.blobs[req.GetDigest()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "content %s", req.GetDigest())
	}
	return &contentapi.InfoResponse{Info: &contentapi.Info{
		Digest: req.GetDigest(),
		Size:   int64(len(content)),
		Labels: lo.Assign(s.d.blobLabels[req.GetDigest()]),
	}}, nil
}

func (s contentShim) Update(ctx context.Context, req *contentapi.UpdateRequest) (*contentapi.UpdateResponse, error) {
	if err := checkNamespace(ctx); err != nil {
		return nil, err
	}
	if !lo.Contains(req.GetUpdateMask().GetPaths(), "labels") {
		return nil, status.Error(codes.InvalidArgument, "update mask must select labels")
	}
	info := req.GetInfo()
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	content, ok := s.d.blobs[info.GetDigest()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "content %s", info.GetDigest())
	}
	s.d.blobLabels[info.GetDigest()] = lo.Assign(info.GetLabels())
	return &contentapi.UpdateResponse{Info: &contentapi.Info{
		Digest: info.GetDigest(),
		Size:   int64(len(content)),
		Labels: lo.Assign(info.GetLabels()),
	}}, nil
}

func (s contentShim) Delete(ctx context.Context, req *contentapi.DeleteContentRequest) (*emptypb.Empty, error) {
	if err := checkNamespace(ctx); err != nil {
		return nil, err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.blobs[req.GetDigest()]; !ok {
		return nil, status.Errorf(codes.NotFound, "content %s", req.GetDigest())
	}
	delete(s.d.blobs, req.GetDigest())
	delete(s.d.blobLabels, req.GetDigest())
	return &emptypb.Empty{}, nil
}

func (s contentShim) Read(req *contentapi.ReadContentRequest, stream contentapi.Content_ReadServer) error {
	if err := checkNamespace(stream.Context()); err != nil {
		return err
	}
	s.d.mu.Lock()
	content, ok := s.d.blobs[req.GetDigest()]
	s.d.readCounts[req.GetDigest()]++
	s.d.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "content %s", req.GetDigest())
	}
	// split into two chunks so the client has to concatenate
	half := (len(content) + 1) / 2
	for offset := 0; offset < len(content); offset += half {
		end := min(offset+half, len(content))
		err := stream.Send(&contentapi.ReadContentResponse{
			Offset: int64(offset),
			Data:   content[offset:end],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s contentShim) Write(stream contentapi.Content_WriteServer) error {
	if err := checkNamespace(stream.Context()); err != nil {
		return err
	}
	if s.d.earlyAlreadyExists {
		return status.Error(codes.AlreadyExists, "content already exists")
	}
	var ref string
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch req.GetAction() {
		case contentapi.WriteAction_STAT:
			ref = req.GetRef()
			s.d.mu.Lock()
			_, exists := s.d.blobs[req.GetExpected()]
			offset := int64(len(s.d.ingests[ref]))
			s.d.mu.Unlock()
			if exists {
				return status.Errorf(codes.AlreadyExists, "content %s", req.GetExpected())
			}
			err = stream.Send(&contentapi.WriteContentResponse{
				Action: req.GetAction(),
				Offset: offset,
				Total:  req.GetTotal(),
			})
			if err != nil {
				return err
			}
		case contentapi.WriteAction_COMMIT:
			s.d.mu.Lock()
			buf := append([]byte{}, s.d.ingests[ref][:req.GetOffset()]...)
			buf = append(buf, req.GetData()...)
			s.d.commitBytes += int64(len(req.GetData()))
			dgst := digest.FromBytes(buf)
			respOffset := int64(len(buf))
			respDigest := dgst.String()
			switch {
			case s.d.shortCommit:
				respOffset--
			case s.d.corruptCommitDigest:
				respDigest = digest.FromString("tampered").String()
			default:
				s.d.blobs[dgst.String()] = buf
				s.d.blobLabels[dgst.String()] = lo.Assign(req.GetLabels())
				delete(s.d.ingests, ref)
			}
			s.d.mu.Unlock()
			err = stream.Send(&contentapi.WriteContentResponse{
				Action: req.GetAction(),
				Offset: respOffset,
				Total:  respOffset,
				Digest: respDigest,
			})
			if err != nil {
				return err
			}
		default:
			return status.Errorf(codes.InvalidArgument, "unexpected write action %v", req.GetAction())
		}
	}
}

type imagesShim struct {
	imagesapi.UnimplementedImagesServer
	d *fakeDaemon
}

func (s imagesShim) Get(ctx context.Context, req *imagesapi.GetImageRequest) (*imagesapi.GetImageResponse, error) {
	if err := checkNamespace(ctx); err != nil {
		return nil, err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	image, ok := s.d.images[req.GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "image %s", req.GetName())
	}
	return &imagesapi.GetImageResponse{Image: cloneImage(image)}, nil
}

func (s imagesShim) Update(ctx context.Context, req *imagesapi.UpdateImageRequest) (*imagesapi.UpdateImageResponse, error) {
	if err := checkNamespace(ctx); err != nil {
		return nil, err
	}
	if !lo.Contains(req.GetUpdateMask().GetPaths(), "labels") {
		return nil, status.Error(codes.InvalidArgument, "update mask must select labels")
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	image, ok := s.d.images[req.GetImage().GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "image %s", req.GetImage().GetName())
	}
	image.Labels = lo.Assign(req.GetImage().GetLabels())
	return &imagesapi.UpdateImageResponse{Image: cloneImage(image)}, nil
}

type containersShim struct {
	containersapi.UnimplementedContainersServer
	d *fakeDaemon
}

func (s containersShim) Get(ctx context.Context, req *containersapi.GetContainerRequest) (*containersapi.GetContainerResponse, error) {
	if err := checkNamespace(ctx); err != nil {
		return nil, err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	container, ok := s.d.containers[req.GetID()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "container %s", req.GetID())
	}
	return &containersapi.GetContainerResponse{Container: container}, nil
}

type leasesShim struct {
	leasesapi.UnimplementedLeasesServer
	d *fakeDaemon
}

func (s leasesShim) Create(ctx context.Context, req *leasesapi.CreateRequest) (*leasesapi.CreateResponse, error) {
	if err := checkNamespace(ctx); err != nil {
		return nil, err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.leases[req.GetID()]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "lease %s", req.GetID())
	}
	lease := &leasesapi.Lease{ID: req.GetID(), Labels: lo.Assign(req.GetLabels())}
	s.d.leases[req.GetID()] = lease
	return &leasesapi.CreateResponse{Lease: lease}, nil
}

func (s leasesShim) Delete(ctx context.Context, req *leasesapi.DeleteRequest) (*emptypb.Empty, error) {
	if err := checkNamespace(ctx); err != nil {
		return nil, err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.failLeaseDelete {
		return nil, status.Error(codes.Unavailable, "lease service down")
	}
	if _, ok := s.d.leases[req.GetID()]; !ok {
		return nil, status.Errorf(codes.NotFound, "lease %s", req.GetID())
	}
	delete(s.d.leases, req.GetID())
	return &emptypb.Empty{}, nil
}

func cloneImage(image *imagesapi.Image) *imagesapi.Image {
	return &imagesapi.Image{
		Name:   image.GetName(),
		Labels: lo.Assign(image.GetLabels()),
		Target: image.GetTarget(),
	}
}

// newTestClient serves the fake daemon over an in-memory listener and
// returns a client connected to it.
func newTestClient(t *testing.T, daemon *fakeDaemon, opts ...containerd.Option) *containerd.Client {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	contentapi.RegisterContentServer(server, contentShim{d: daemon})
	imagesapi.RegisterImagesServer(server, imagesShim{d: daemon})
	containersapi.RegisterContainersServer(server, containersShim{d: daemon})
	leasesapi.RegisterLeasesServer(server, leasesShim{d: daemon})
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///daemon",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return containerd.NewWithConn(conn, testNamespace, opts...)
}
