package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"loom-backend/internal/domain/tree"
	pkgerrors "loom-backend/pkg/errors"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

const (
	docPrefix  = "DOC#"
	nodePrefix = "NODE#"
	metaSK     = "META"
	// batchSize is the BatchWriteItem request limit.
	batchSize = 25
)

// nodeItem stores one node. Children are rebuilt from ParentID and Position.
type nodeItem struct {
	PK       string           `json:"PK"`
	SK       string           `json:"SK"`
	ParentID string           `json:"ParentID,omitempty"`
	Position int              `json:"Position"`
	Node     *tree.NodeRecord `json:"Node"`
}

// metaItem stores the document-level records.
type metaItem struct {
	PK        string                        `json:"PK"`
	SK        string                        `json:"SK"`
	RootID    string                        `json:"RootID"`
	NodeCount int                           `json:"NodeCount"`
	SavedAt   time.Time                     `json:"SavedAt"`
	Chapters  map[string]tree.ChapterRecord `json:"Chapters,omitempty"`
	Memories  map[string]tree.MemoryRecord  `json:"Memories,omitempty"`
	Summaries map[string]tree.SummaryRecord `json:"Summaries,omitempty"`
}

func withJSONTags(o *attributevalue.EncoderOptions) { o.TagKey = "json" }
func fromJSONTags(o *attributevalue.DecoderOptions) { o.TagKey = "json" }

// DynamoStore keeps a document as one item per node under the partition
// DOC#<id>, plus a META item. Saving removes node items that no longer exist.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	logger    *zap.Logger
	now       func() time.Time
}

// NewDynamoStore creates a DynamoStore on tableName.
func NewDynamoStore(client DynamoAPI, tableName string, logger *zap.Logger) *DynamoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoStore{client: client, tableName: tableName, logger: logger, now: time.Now}
}

// Save implements Store.
func (s *DynamoStore) Save(ctx context.Context, docID string, doc *tree.DocumentRecord) error {
	if err := ValidateDocumentID(docID); err != nil {
		return err
	}
	if doc == nil || doc.Root == nil {
		return pkgerrors.NewValidationError("document has no root")
	}
	pk := docPrefix + docID

	existing, err := s.sortKeys(ctx, pk)
	if err != nil {
		return err
	}

	items := flatten(pk, doc.Root)
	writes := make([]types.WriteRequest, 0, len(items))
	keep := make(map[string]struct{}, len(items))
	for _, it := range items {
		av, err := attributevalue.MarshalMapWithOptions(it, withJSONTags)
		if err != nil {
			return pkgerrors.NewStorageError("marshal node", err)
		}
		keep[it.SK] = struct{}{}
		writes = append(writes, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
	}
	stale := 0
	for _, sk := range existing {
		if _, ok := keep[sk]; ok || sk == metaSK {
			continue
		}
		stale++
		writes = append(writes, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pk},
				"SK": &types.AttributeValueMemberS{Value: sk},
			},
		}})
	}

	for i := 0; i < len(writes); i += batchSize {
		end := min(i+batchSize, len(writes))
		if err := s.batchWrite(ctx, writes[i:end]); err != nil {
			return err
		}
	}

	meta := metaItem{
		PK:        pk,
		SK:        metaSK,
		RootID:    doc.Root.ID,
		NodeCount: len(items),
		SavedAt:   s.now().UTC(),
		Chapters:  doc.Chapters,
		Memories:  doc.Memories,
		Summaries: doc.Summaries,
	}
	av, err := attributevalue.MarshalMapWithOptions(meta, withJSONTags)
	if err != nil {
		return pkgerrors.NewStorageError("marshal document", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return pkgerrors.NewStorageError("put document", err)
	}

	s.logger.Debug("Document saved",
		zap.String("document_id", docID),
		zap.Int("nodes", len(items)),
		zap.Int("stale_removed", stale),
	)
	return nil
}

// batchWrite writes one chunk, resubmitting unprocessed items with
// exponential backoff.
func (s *DynamoStore) batchWrite(ctx context.Context, writes []types.WriteRequest) error {
	pending := writes
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: pending},
		})
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		pending = out.UnprocessedItems[s.tableName]
		if len(pending) > 0 {
			s.logger.Debug("Retrying unprocessed items", zap.Int("unprocessed", len(pending)))
			return struct{}{}, errUnprocessed
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	if err != nil {
		return pkgerrors.NewStorageError("batch write", err)
	}
	return nil
}

var errUnprocessed = errors.New("unprocessed items remain")

// sortKeys returns the sort keys stored under pk.
func (s *DynamoStore) sortKeys(ctx context.Context, pk string) ([]string, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("PK").Equal(expression.Value(pk))).
		WithProjection(expression.NamesList(expression.Name("SK"))).
		Build()
	if err != nil {
		return nil, pkgerrors.NewStorageError("build expression", err)
	}
	items, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, it := range items {
		if sk, ok := it["SK"].(*types.AttributeValueMemberS); ok {
			keys = append(keys, sk.Value)
		}
	}
	return keys, nil
}

func (s *DynamoStore) query(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, pkgerrors.NewStorageError("query", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Load implements Store.
func (s *DynamoStore) Load(ctx context.Context, docID string) (*tree.DocumentRecord, error) {
	if err := ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	pk := docPrefix + docID
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("PK").Equal(expression.Value(pk))).
		Build()
	if err != nil {
		return nil, pkgerrors.NewStorageError("build expression", err)
	}
	items, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	var meta *metaItem
	nodes := make([]nodeItem, 0, len(items))
	for _, av := range items {
		sk, _ := av["SK"].(*types.AttributeValueMemberS)
		if sk == nil {
			continue
		}
		if sk.Value == metaSK {
			var m metaItem
			if err := attributevalue.UnmarshalMapWithOptions(av, &m, fromJSONTags); err != nil {
				return nil, pkgerrors.NewStorageError("unmarshal document", err)
			}
			meta = &m
			continue
		}
		var n nodeItem
		if err := attributevalue.UnmarshalMapWithOptions(av, &n, fromJSONTags); err != nil {
			return nil, pkgerrors.NewStorageError("unmarshal node", err)
		}
		nodes = append(nodes, n)
	}
	if meta == nil {
		return nil, pkgerrors.NewNotFoundError("document", docID)
	}

	root, err := assemble(meta.RootID, nodes)
	if err != nil {
		return nil, err
	}
	return &tree.DocumentRecord{
		Root:      root,
		Chapters:  meta.Chapters,
		Memories:  meta.Memories,
		Summaries: meta.Summaries,
	}, nil
}

// List implements Store.
func (s *DynamoStore) List(ctx context.Context) ([]string, error) {
	expr, err := expression.NewBuilder().
		WithFilter(expression.Name("SK").Equal(expression.Value(metaSK))).
		WithProjection(expression.NamesList(expression.Name("PK"))).
		Build()
	if err != nil {
		return nil, pkgerrors.NewStorageError("build expression", err)
	}
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var ids []string
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, pkgerrors.NewStorageError("scan", err)
		}
		for _, it := range out.Items {
			if pk, ok := it["PK"].(*types.AttributeValueMemberS); ok {
				ids = append(ids, strings.TrimPrefix(pk.Value, docPrefix))
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sort.Strings(ids)
	return ids, nil
}

// flatten lists root and its descendants in preorder, without nested children.
func flatten(pk string, root *tree.NodeRecord) []nodeItem {
	var items []nodeItem
	var walk func(n *tree.NodeRecord, parentID string, pos int)
	walk = func(n *tree.NodeRecord, parentID string, pos int) {
		flat := *n
		flat.Children = nil
		items = append(items, nodeItem{
			PK:       pk,
			SK:       nodePrefix + n.ID,
			ParentID: parentID,
			Position: pos,
			Node:     &flat,
		})
		for i, c := range n.Children {
			walk(c, n.ID, i)
		}
	}
	walk(root, "", 0)
	return items
}

// assemble rebuilds the nested record from flat node items.
func assemble(rootID string, items []nodeItem) (*tree.NodeRecord, error) {
	byID := make(map[string]*tree.NodeRecord, len(items))
	for _, it := range items {
		if it.Node == nil {
			return nil, pkgerrors.NewInvariantViolation("stored node item has no node").WithDetail("sk", it.SK)
		}
		it.Node.Children = []*tree.NodeRecord{}
		byID[it.Node.ID] = it.Node
	}
	root, ok := byID[rootID]
	if !ok {
		return nil, pkgerrors.NewInvariantViolation("stored document is missing its root").WithDetail("root_id", rootID)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	for _, it := range items {
		if it.ParentID == "" {
			continue
		}
		parent, ok := byID[it.ParentID]
		if !ok {
			return nil, pkgerrors.NewInvariantViolation(fmt.Sprintf("stored node %s has a missing parent", it.Node.ID))
		}
		parent.Children = append(parent.Children, it.Node)
	}
	return root, nil
}
