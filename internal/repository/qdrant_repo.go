package repository

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/timmy/webindex/internal/domain"
)

const defaultVectorDimension = 1024

// Payload keys stored on every point.
const (
	payloadContentKey  = "content_key"
	payloadDocumentURL = "document_url"
	payloadOrdinal     = "ordinal"
	payloadText        = "text"
	payloadTitle       = "title"
	payloadLanguage    = "language"
	payloadDomain      = "domain"
	payloadCrawlID     = "crawl_id"
)

// QdrantConnectionConfig holds configuration for the Qdrant connection.
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string // enables TLS
	UseTLS          bool
	VectorDimension int
}

func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository is the vector index. Points are keyed by a UUID derived
// from the content key, so re-upserting a chunk overwrites it in place.
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
}

// NewQdrantRepository connects to a local (insecure) or cloud (TLS + API
// key) Qdrant.
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.VectorDimension
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			MinVersion: tls.VersionTLS13,
		})))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: vectorDimension,
	}, nil
}

// Close closes the gRPC connection.
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection and its filter indexes if
// missing, and checks the vector size of an existing one.
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(r.vectorDimension) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{payloadDomain, payloadLanguage, payloadDocumentURL, payloadCrawlID} {
		fieldType := pb.FieldType_FieldTypeKeyword
		_, err := r.pointsClient.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: r.collectionName,
			FieldName:      field,
			FieldType:      &fieldType,
		})
		if err != nil {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil && single.GetSize() > 0 {
		return single.GetSize(), true
	}
	for _, params := range vectors.GetParamsMap().GetMap() {
		if params.GetSize() > 0 {
			return params.GetSize(), true
		}
	}
	return 0, false
}

// PointID maps a content key to its Qdrant point id.
func PointID(contentKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(contentKey)).String()
}

// Upsert writes all entries in a single waited request.
func (r *QdrantRepository) Upsert(ctx context.Context, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(entries))
	for i := range entries {
		points[i] = toPoint(&entries[i])
	}

	wait := true
	_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}
	return nil
}

func toPoint(e *domain.IndexEntry) *pb.PointStruct {
	return &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(e.ContentKey)},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: e.Vector},
			},
		},
		Payload: toPayload(e),
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func toPayload(e *domain.IndexEntry) map[string]*pb.Value {
	return map[string]*pb.Value{
		payloadContentKey:  stringValue(e.ContentKey),
		payloadDocumentURL: stringValue(e.DocumentURL),
		payloadOrdinal:     {Kind: &pb.Value_IntegerValue{IntegerValue: int64(e.Ordinal)}},
		payloadText:        stringValue(e.Text),
		payloadTitle:       stringValue(e.Metadata.Title),
		payloadLanguage:    stringValue(e.Metadata.Language),
		payloadDomain:      stringValue(e.Metadata.Domain),
		payloadCrawlID:     stringValue(e.CrawlID),
	}
}

// Search returns the nearest chunks in Qdrant's native score order.
func (r *QdrantRepository) Search(ctx context.Context, vector []float32, limit int, filters domain.SearchFilters) ([]domain.Hit, error) {
	resp, err := r.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         buildFilter(filters),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]domain.Hit, len(resp.GetResult()))
	for i, scored := range resp.GetResult() {
		hits[i] = parseHit(scored.GetPayload(), float64(scored.GetScore()))
	}
	return hits, nil
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func buildFilter(filters domain.SearchFilters) *pb.Filter {
	var conditions []*pb.Condition
	if filters.Domain != "" {
		conditions = append(conditions, keywordCondition(payloadDomain, filters.Domain))
	}
	if filters.Language != "" {
		conditions = append(conditions, keywordCondition(payloadLanguage, filters.Language))
	}
	if len(conditions) == 0 {
		return nil
	}
	return &pb.Filter{Must: conditions}
}

func parseHit(payload map[string]*pb.Value, score float64) domain.Hit {
	text := payload[payloadText].GetStringValue()
	return domain.Hit{
		ContentKey:  payload[payloadContentKey].GetStringValue(),
		DocumentURL: payload[payloadDocumentURL].GetStringValue(),
		Ordinal:     int(payload[payloadOrdinal].GetIntegerValue()),
		Text:        text,
		Snippet:     snippet(text),
		Score:       score,
		Metadata: domain.DocumentMetadata{
			Title:    payload[payloadTitle].GetStringValue(),
			Language: payload[payloadLanguage].GetStringValue(),
			Domain:   payload[payloadDomain].GetStringValue(),
		},
	}
}

// DeleteStale removes the points of a document whose content key is not in
// keep. A re-indexed page that now yields fewer or different chunks loses
// its old ones this way.
func (r *QdrantRepository) DeleteStale(ctx context.Context, documentURL string, keep []string) error {
	wait := true
	_, err := r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: staleFilter(documentURL, keep)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete stale points for %s: %w", documentURL, err)
	}
	return nil
}

func staleFilter(documentURL string, keep []string) *pb.Filter {
	filter := &pb.Filter{Must: []*pb.Condition{keywordCondition(payloadDocumentURL, documentURL)}}
	if len(keep) > 0 {
		filter.MustNot = []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: payloadContentKey,
					Match: &pb.Match{
						MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: keep}},
					},
				},
			},
		}}
	}
	return filter
}

// Ping checks that the collection is reachable.
func (r *QdrantRepository) Ping(ctx context.Context) error {
	_, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: r.collectionName})
	return err
}
