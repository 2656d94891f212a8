// Package semantic is the vector index client. It owns every Qdrant call the
// service makes: creating the collection on demand, batched upserts and
// similarity search. gRPC failures surface as *domain.UpstreamError with an
// HTTP-like status so callers can treat every upstream the same way.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/pkg/fn"
	"github.com/taskrecall/recall/pkg/resilience"
)

// ServiceName labels upstream errors from the vector store.
const ServiceName = "qdrant"

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dim         int
	retry       fn.RetryOpts
	breaker     *resilience.Breaker
	logger      *slog.Logger
}

// Option configures a VectorStore.
type Option func(*VectorStore)

// WithRetry overrides fn.DefaultRetry for every RPC.
func WithRetry(opts fn.RetryOpts) Option {
	return func(v *VectorStore) { v.retry = opts }
}

// WithBreaker routes Upsert and Search through b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(v *VectorStore) { v.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *VectorStore) { v.logger = l }
}

// New creates a VectorStore connected to Qdrant's gRPC port at addr. The
// collection is created on first use with vectors of size dim.
func New(addr, collection string, dim int, opts ...Option) (*VectorStore, error) {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	v := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dim, opts...)
	v.conn = conn
	return v, nil
}

// NewWithClients creates a VectorStore over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, dim int, opts ...Option) *VectorStore {
	v := &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		dim:         dim,
		retry:       fn.DefaultRetry,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.retry.ShouldRetry = domain.IsRetryable
	return v
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// Dimension returns the configured vector size.
func (v *VectorStore) Dimension() int { return v.dim }

// EnsureCollection creates the collection if it doesn't exist. It is safe to
// call concurrently: losing a creation race counts as success.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	_, err := rpc(ctx, v.retry, func(ctx context.Context) (*pb.GetCollectionInfoResponse, error) {
		return v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	})
	if err == nil {
		return nil
	}
	if st, _ := domain.UpstreamStatus(err); st != http.StatusNotFound {
		return fmt.Errorf("semantic: get collection %s: %w", v.collection, err)
	}

	_, err = rpc(ctx, v.retry, func(ctx context.Context) (*pb.CollectionOperationResponse, error) {
		return v.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: v.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(v.dim),
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
	})
	if err != nil {
		if alreadyExists(err) {
			return nil
		}
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	v.logger.Info("created collection", "collection", v.collection, "dim", v.dim)
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := rpc(ctx, v.retry, func(ctx context.Context) (*pb.CollectionOperationResponse, error) {
		return v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// Upsert writes points in a single batch and waits for the write to be
// acknowledged. Existing points with the same id are replaced.
func (v *VectorStore) Upsert(ctx context.Context, points []domain.Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		structs[i] = toPointStruct(p)
	}

	return v.guard(ctx, func(ctx context.Context) error {
		if err := v.EnsureCollection(ctx); err != nil {
			return err
		}
		wait := true
		_, err := rpc(ctx, v.retry, func(ctx context.Context) (*pb.PointsOperationResponse, error) {
			return v.points.Upsert(ctx, &pb.UpsertPoints{
				CollectionName: v.collection,
				Wait:           &wait,
				Points:         structs,
			})
		})
		if err != nil {
			return fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
		}
		return nil
	})
}

// Search returns at most limit matches by cosine similarity, best first.
// A limit below 1 returns no matches without contacting Qdrant.
func (v *VectorStore) Search(ctx context.Context, vector []float32, limit int) ([]domain.Match, error) {
	if limit <= 0 {
		return []domain.Match{}, nil
	}
	var matches []domain.Match
	err := v.guard(ctx, func(ctx context.Context) error {
		if err := v.EnsureCollection(ctx); err != nil {
			return err
		}
		resp, err := rpc(ctx, v.retry, func(ctx context.Context) (*pb.SearchResponse, error) {
			return v.points.Search(ctx, &pb.SearchPoints{
				CollectionName: v.collection,
				Vector:         vector,
				Limit:          uint64(limit),
				WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			})
		})
		if err != nil {
			return fmt.Errorf("semantic: search: %w", err)
		}
		matches = make([]domain.Match, 0, len(resp.GetResult()))
		for _, sp := range resp.GetResult() {
			matches = append(matches, toMatch(sp))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (v *VectorStore) guard(ctx context.Context, f func(context.Context) error) error {
	if v.breaker == nil {
		return f(ctx)
	}
	err := v.breaker.Call(ctx, f)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return domain.NewUpstreamError(ServiceName, http.StatusServiceUnavailable, "", err)
	}
	return err
}

// rpc runs f with retry, converting gRPC failures to *domain.UpstreamError.
func rpc[T any](ctx context.Context, opts fn.RetryOpts, f func(context.Context) (T, error)) (T, error) {
	return fn.Do(ctx, opts, func(ctx context.Context) (T, error) {
		out, err := f(ctx)
		return out, upstream(err)
	})
}

func upstream(err error) error {
	if err == nil {
		return nil
	}
	var ue *domain.UpstreamError
	if errors.As(err, &ue) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, _ := status.FromError(err)
	return domain.NewUpstreamError(ServiceName, HTTPStatus(st.Code()), st.Message(), err)
}

// HTTPStatus maps a gRPC code to the equivalent HTTP status.
func HTTPStatus(c codes.Code) int {
	switch c {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func alreadyExists(err error) bool {
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.Status {
	case http.StatusConflict:
		return true
	case http.StatusBadRequest:
		return strings.Contains(strings.ToLower(ue.Body), "already exists")
	}
	return false
}
