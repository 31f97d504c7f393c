package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
)

// Index names on the events table.
const (
	providerKeyIndex = "provider-key-index"
	localDayIndex    = "local-day-index"
)

// DynamoStore implements EventStore and SyncStateStore on DynamoDB. The
// events table is keyed (tenant_id, sort_key) with GSIs for provider-id and
// local-day lookups; the sync table holds state rows and routing rows under a
// single hash key, the routing key derived purely from the channel identifier
// so inbound notifications resolve without a tenant prefix. Conditional
// semantics come from ConditionExpressions and TransactWriteItems; expired
// tombstones are dropped client-side because native TTL deletion lags.
type DynamoStore struct {
	client      *dynamodb.Client
	eventsTable string
	syncTable   string
	clock       calsync.Clock
}

// NewDynamoStore creates a store against the given tables, loading AWS
// configuration from the environment.
func NewDynamoStore(ctx context.Context, region, eventsTable, syncTable string, clock calsync.Clock) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &DynamoStore{
		client:      dynamodb.NewFromConfig(cfg),
		eventsTable: eventsTable,
		syncTable:   syncTable,
		clock:       clock,
	}, nil
}

// eventItem is the DynamoDB row shape: key and filter attributes broken out,
// the full canonical event as a JSON payload.
type eventItem struct {
	TenantID        string `dynamodbav:"tenant_id"`
	SortKey         string `dynamodbav:"sort_key"`
	ProviderKey     string `dynamodbav:"provider_key"`
	ProviderVersion string `dynamodbav:"provider_version"`
	ItemType        string `dynamodbav:"item_type"`
	LocalDay        string `dynamodbav:"local_day"`
	ExpiresAt       int64  `dynamodbav:"expires_at,omitempty"` // epoch seconds, native TTL attribute
	Payload         []byte `dynamodbav:"payload"`
}

func encodeEventItem(event *model.CanonicalEvent) (map[string]types.AttributeValue, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	item := eventItem{
		TenantID:        event.TenantID,
		SortKey:         event.SortKey(),
		ProviderKey:     event.ProviderKey(),
		ProviderVersion: event.ProviderVersion,
		ItemType:        string(event.ItemType),
		LocalDay:        event.LocalDay,
		Payload:         payload,
	}
	if !event.ExpiresAt.IsZero() {
		item.ExpiresAt = event.ExpiresAt.Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshaling item: %w", err)
	}
	return av, nil
}

func (d *DynamoStore) decodeEventItem(av map[string]types.AttributeValue) (*model.CanonicalEvent, error) {
	var item eventItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling item: %w", err)
	}
	event, err := decodeEvent(item.Payload)
	if err != nil {
		return nil, err
	}
	if event.ItemType == model.ItemRedirect && item.ExpiresAt > 0 &&
		!d.clock.Now().Before(time.Unix(item.ExpiresAt, 0)) {
		return nil, nil // tombstone past TTL but not yet reaped
	}
	return event, nil
}

func eventKey(tenantID, sortKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
		"sort_key":  &types.AttributeValueMemberS{Value: sortKey},
	}
}

func (d *DynamoStore) GetItem(ctx context.Context, tenantID, sortKey string) (*model.CanonicalEvent, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.eventsTable),
		Key:            eventKey(tenantID, sortKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("reading item: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return d.decodeEventItem(out.Item)
}

func (d *DynamoStore) queryEvents(ctx context.Context, index, keyExpr string, values map[string]types.AttributeValue) ([]*model.CanonicalEvent, error) {
	var out []*model.CanonicalEvent
	var startKey map[string]types.AttributeValue
	for {
		resp, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(d.eventsTable),
			IndexName:                 aws.String(index),
			KeyConditionExpression:    aws.String(keyExpr),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", index, err)
		}
		for _, av := range resp.Items {
			event, err := d.decodeEventItem(av)
			if err != nil {
				return nil, err
			}
			if event != nil {
				out = append(out, event)
			}
		}
		if resp.LastEvaluatedKey == nil {
			return out, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func (d *DynamoStore) QueryByProviderID(ctx context.Context, tenantID string, p model.Provider, providerEventID string) ([]*model.CanonicalEvent, error) {
	return d.queryEvents(ctx, providerKeyIndex,
		"tenant_id = :t AND provider_key = :p",
		map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: tenantID},
			":p": &types.AttributeValueMemberS{Value: model.ProviderIndexKey(p, providerEventID)},
		})
}

func (d *DynamoStore) QueryByDay(ctx context.Context, tenantID, localDay string) ([]*model.CanonicalEvent, error) {
	return d.queryEvents(ctx, localDayIndex,
		"tenant_id = :t AND local_day = :d",
		map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: tenantID},
			":d": &types.AttributeValueMemberS{Value: localDay},
		})
}

func (d *DynamoStore) PutEvent(ctx context.Context, event *model.CanonicalEvent, expectedVersion string) error {
	av, err := encodeEventItem(event)
	if err != nil {
		return err
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.eventsTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(sort_key) OR provider_version = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: expectedVersion},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return calsync.ErrConcurrentModification
		}
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

func (d *DynamoStore) MoveEvent(ctx context.Context, event *model.CanonicalEvent, oldSortKey, expectedVersion string, redirectExpiry time.Time) error {
	newAV, err := encodeEventItem(event)
	if err != nil {
		return err
	}

	// Read the superseded event so the tombstone carries its Start, LocalDay,
	// and IngestedAt; the GSI key attributes must hold the old values, not
	// zero ones. The transaction's version condition below catches a write
	// that sneaks in between this read and the commit.
	old, err := d.GetItem(ctx, event.TenantID, oldSortKey)
	if err != nil {
		return err
	}
	if old == nil || old.ItemType != model.ItemEvent || old.ProviderVersion != expectedVersion {
		return calsync.ErrConcurrentModification
	}

	redirectAV, err := encodeEventItem(redirectItem(old, event.SortKey(), redirectExpiry))
	if err != nil {
		return err
	}
	// The redirect stays pinned at the superseded sort key.
	redirectAV["sort_key"] = &types.AttributeValueMemberS{Value: oldSortKey}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(d.eventsTable),
					Item:                newAV,
					ConditionExpression: aws.String("attribute_not_exists(sort_key)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(d.eventsTable),
					Item:                redirectAV,
					ConditionExpression: aws.String("item_type = :event AND provider_version = :v"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":event": &types.AttributeValueMemberS{Value: string(model.ItemEvent)},
						":v":     &types.AttributeValueMemberS{Value: expectedVersion},
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionCanceled(err) {
			return calsync.ErrConcurrentModification
		}
		return fmt.Errorf("moving event: %w", err)
	}
	return nil
}

func (d *DynamoStore) DeleteEvent(ctx context.Context, tenantID, sortKey string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.eventsTable),
		Key:       eventKey(tenantID, sortKey),
	})
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return nil
}

// isConditionCanceled reports whether a transaction failed because one of its
// condition checks lost a race, as opposed to a service error.
func isConditionCanceled(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, reason := range canceled.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// Sync-state rows and routing rows share the sync table under a single hash
// key: "state#<tenant>#<provider>" for state, "chan#<channelID>" for routes.

func syncStateKey(tenantID string, p model.Provider) string {
	return "state#" + tenantID + "#" + string(p)
}

func routeKey(channelID string) string {
	return "chan#" + channelID
}

type syncRow struct {
	PK             string `dynamodbav:"pk"`
	TenantID       string `dynamodbav:"tenant_id,omitempty"`
	Provider       string `dynamodbav:"provider,omitempty"`
	SubscriptionID string `dynamodbav:"subscription_id,omitempty"`
	Payload        []byte `dynamodbav:"payload,omitempty"`
}

func (d *DynamoStore) getSyncRow(ctx context.Context, pk string) (*syncRow, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.syncTable),
		Key:            map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: pk}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("reading sync row: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var row syncRow
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, fmt.Errorf("unmarshaling sync row: %w", err)
	}
	return &row, nil
}

func (d *DynamoStore) GetSyncState(ctx context.Context, tenantID string, p model.Provider) (*model.SyncState, error) {
	row, err := d.getSyncRow(ctx, syncStateKey(tenantID, p))
	if err != nil || row == nil {
		return nil, err
	}
	var state model.SyncState
	if err := json.Unmarshal(row.Payload, &state); err != nil {
		return nil, fmt.Errorf("decoding sync state: %w", err)
	}
	return &state, nil
}

func (d *DynamoStore) PutSyncState(ctx context.Context, state *model.SyncState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding sync state: %w", err)
	}

	prev, err := d.getSyncRow(ctx, syncStateKey(state.TenantID, state.Provider))
	if err != nil {
		return err
	}

	stateAV, err := attributevalue.MarshalMap(syncRow{
		PK:             syncStateKey(state.TenantID, state.Provider),
		TenantID:       state.TenantID,
		Provider:       string(state.Provider),
		SubscriptionID: state.SubscriptionID,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("marshaling sync state: %w", err)
	}

	items := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(d.syncTable), Item: stateAV}},
	}

	if state.SubscriptionID != "" {
		routeAV, err := attributevalue.MarshalMap(syncRow{
			PK:       routeKey(state.SubscriptionID),
			TenantID: state.TenantID,
			Provider: string(state.Provider),
		})
		if err != nil {
			return fmt.Errorf("marshaling route: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(d.syncTable), Item: routeAV},
		})
	}

	if prev != nil && prev.SubscriptionID != "" && prev.SubscriptionID != state.SubscriptionID {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(d.syncTable),
				Key: map[string]types.AttributeValue{
					"pk": &types.AttributeValueMemberS{Value: routeKey(prev.SubscriptionID)},
				},
			},
		})
	}

	if _, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("writing sync state: %w", err)
	}
	return nil
}

func (d *DynamoStore) DeleteSyncState(ctx context.Context, tenantID string, p model.Provider) error {
	prev, err := d.getSyncRow(ctx, syncStateKey(tenantID, p))
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}

	items := []types.TransactWriteItem{
		{Delete: &types.Delete{
			TableName: aws.String(d.syncTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: syncStateKey(tenantID, p)},
			},
		}},
	}
	if prev.SubscriptionID != "" {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(d.syncTable),
				Key: map[string]types.AttributeValue{
					"pk": &types.AttributeValueMemberS{Value: routeKey(prev.SubscriptionID)},
				},
			},
		})
	}

	if _, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("deleting sync state: %w", err)
	}
	return nil
}

func (d *DynamoStore) LookupRoute(ctx context.Context, channelID string) (*model.RouteEntry, error) {
	row, err := d.getSyncRow(ctx, routeKey(channelID))
	if err != nil || row == nil {
		return nil, err
	}
	return &model.RouteEntry{
		ChannelID: channelID,
		TenantID:  row.TenantID,
		Provider:  model.Provider(row.Provider),
	}, nil
}

func (d *DynamoStore) UpdateCursor(ctx context.Context, tenantID string, p model.Provider, cursor string, syncedAt time.Time) error {
	state, err := d.GetSyncState(ctx, tenantID, p)
	if err != nil {
		return err
	}
	if state == nil {
		return calsync.ErrNotFound
	}
	state.DeltaCursor = cursor
	state.LastSyncedAt = syncedAt
	return d.PutSyncState(ctx, state)
}

func (d *DynamoStore) ListSyncStates(ctx context.Context) ([]*model.SyncState, error) {
	var out []*model.SyncState
	var startKey map[string]types.AttributeValue
	for {
		resp, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(d.syncTable),
			FilterExpression: aws.String("begins_with(pk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: "state#"},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning sync states: %w", err)
		}
		for _, av := range resp.Items {
			var row syncRow
			if err := attributevalue.UnmarshalMap(av, &row); err != nil {
				return nil, fmt.Errorf("unmarshaling sync row: %w", err)
			}
			var state model.SyncState
			if err := json.Unmarshal(row.Payload, &state); err != nil {
				return nil, fmt.Errorf("decoding sync state: %w", err)
			}
			out = append(out, &state)
		}
		if resp.LastEvaluatedKey == nil {
			return out, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

// Close is a no-op; the SDK client holds no pooled resources needing release.
func (d *DynamoStore) Close() error { return nil }

// Compile-time checks that DynamoStore implements both store interfaces.
var (
	_ calsync.EventStore     = (*DynamoStore)(nil)
	_ calsync.SyncStateStore = (*DynamoStore)(nil)
)
