// Package semantic owns every Qdrant operation the query path needs: k-NN
// search over the policy chunk collection and a point count for health.
package semantic

import (
	"context"
	"fmt"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/WessleyAI/policyqa/engine/domain"
)

// Payload keys written by the ingestion job.
const (
	KeyContent    = "content"
	KeyPolicyName = "policy_name"
	KeyPageNo     = "page_no"
)

// Points is the subset of pb.PointsClient the store calls.
type Points interface {
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// VectorStore reads policy chunks from one Qdrant collection.
type VectorStore struct {
	conn       *grpc.ClientConn
	points     Points
	collection string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:       conn,
		points:     pb.NewPointsClient(conn),
		collection: collection,
	}, nil
}

// NewWithPoints builds a store over an existing points client.
func NewWithPoints(points Points, collection string) *VectorStore {
	return &VectorStore{points: points, collection: collection}
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Search returns up to topK chunks ordered by descending cosine similarity.
// Distance is reported as 1 - similarity.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, topK int) ([]domain.SearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("semantic: search: topK must be positive, got %d", topK)
	}
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		sim := float64(r.GetScore())
		results = append(results, domain.SearchResult{
			Chunk:      chunkFrom(r),
			Similarity: sim,
			Distance:   1 - sim,
		})
	}
	return results, nil
}

// Count returns the exact number of points in the collection. A collection
// that does not exist yet counts as empty.
func (v *VectorStore) Count(ctx context.Context) (int64, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{
		CollectionName: v.collection,
		Exact:          &exact,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

func chunkFrom(p *pb.ScoredPoint) domain.Chunk {
	c := domain.Chunk{ID: pointID(p.GetId())}
	for k, val := range p.GetPayload() {
		switch k {
		case KeyContent:
			c.Text = val.GetStringValue()
		case KeyPolicyName:
			c.SourceDocument = val.GetStringValue()
		case KeyPageNo:
			c.PageNumber = pageLabel(val)
		}
	}
	return c
}

func pointID(id *pb.PointId) string {
	switch o := id.GetPointIdOptions().(type) {
	case *pb.PointId_Uuid:
		return o.Uuid
	case *pb.PointId_Num:
		return strconv.FormatUint(o.Num, 10)
	}
	return ""
}

// pageLabel accepts either a stored label ("Page 9") or a bare page number.
func pageLabel(v *pb.Value) string {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return "Page " + strconv.FormatInt(k.IntegerValue, 10)
	case *pb.Value_DoubleValue:
		return "Page " + strconv.FormatInt(int64(k.DoubleValue), 10)
	}
	return ""
}
