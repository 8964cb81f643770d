// Copyright 2023 StreamNative, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package leasestore

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/model"
)

const (
	attrPartitionID    = "PartitionID"
	attrOwner          = "OwnerID"
	attrFencingCounter = "FencingCounter"
	attrCheckpoint     = "Checkpoint"
	attrLastRenewed    = "LastRenewed"
	attrParents        = "Parents"

	tableCreationTimeout = 2 * time.Minute
)

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type dynamoDBStore struct {
	client DynamoDBAPI
	table  string
	log    *slog.Logger
}

func NewDynamoDBStore(client DynamoDBAPI, table string) Store {
	return &dynamoDBStore{
		client: client,
		table:  table,
		log: slog.With(
			slog.String("component", "dynamodb-lease-store"),
			slog.String("table", table),
		),
	}
}

// EnsureTable creates the lease table, with on-demand capacity, when it
// doesn't exist yet, and waits for it to become active.
func EnsureTable(ctx context.Context, client DynamoDBAPI, table string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return errors.Wrapf(err, "failed to describe table %s", table)
	}

	slog.Info(
		"Creating lease table",
		slog.String("table", table),
	)
	if _, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{{
			AttributeName: aws.String(attrPartitionID),
			AttributeType: types.ScalarAttributeTypeS,
		}},
		KeySchema: []types.KeySchemaElement{{
			AttributeName: aws.String(attrPartitionID),
			KeyType:       types.KeyTypeHash,
		}},
		BillingMode: types.BillingModePayPerRequest,
	}); err != nil {
		return errors.Wrapf(err, "failed to create table %s", table)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	return errors.Wrapf(
		waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, tableCreationTimeout),
		"table %s did not become active", table)
}

func (d *dynamoDBStore) Close() error {
	return nil
}

func (d *dynamoDBStore) key(partitionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPartitionID: &types.AttributeValueMemberS{Value: partitionID},
	}
}

func leaseToItem(l model.Lease) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrPartitionID:    &types.AttributeValueMemberS{Value: l.PartitionID},
		attrOwner:          &types.AttributeValueMemberS{Value: l.Owner},
		attrFencingCounter: &types.AttributeValueMemberN{Value: strconv.FormatInt(l.FencingCounter, 10)},
		attrCheckpoint:     &types.AttributeValueMemberS{Value: l.Checkpoint},
		attrLastRenewed:    timeToAttr(l.LastRenewed),
	}
	if len(l.Parents) > 0 {
		parents := make([]types.AttributeValue, 0, len(l.Parents))
		for _, p := range l.Parents {
			parents = append(parents, &types.AttributeValueMemberS{Value: p})
		}
		item[attrParents] = &types.AttributeValueMemberL{Value: parents}
	}
	return item
}

func timeToAttr(t time.Time) types.AttributeValue {
	var nanos int64
	if !t.IsZero() {
		nanos = t.UnixNano()
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(nanos, 10)}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func intAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(v.Value, 10, 64)
}

func itemToLease(item map[string]types.AttributeValue) (model.Lease, error) {
	l := model.Lease{
		PartitionID: stringAttr(item, attrPartitionID),
		Owner:       stringAttr(item, attrOwner),
		Checkpoint:  stringAttr(item, attrCheckpoint),
	}

	var err error
	if l.FencingCounter, err = intAttr(item, attrFencingCounter); err != nil {
		return l, errors.Wrapf(err, "invalid fencing counter for %s", l.PartitionID)
	}

	nanos, err := intAttr(item, attrLastRenewed)
	if err != nil {
		return l, errors.Wrapf(err, "invalid renewal time for %s", l.PartitionID)
	}
	if nanos != 0 {
		l.LastRenewed = time.Unix(0, nanos)
	}

	if parents, ok := item[attrParents].(*types.AttributeValueMemberL); ok {
		for _, p := range parents.Value {
			if s, ok := p.(*types.AttributeValueMemberS); ok {
				l.Parents = append(l.Parents, s.Value)
			}
		}
	}
	return l, nil
}

func (d *dynamoDBStore) CreateIfAbsent(ctx context.Context, lease model.Lease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                leaseToItem(lease),
		ConditionExpression: aws.String("attribute_not_exists(" + attrPartitionID + ")"),
	})

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return exists(lease.PartitionID)
	}
	return errors.Wrapf(err, "failed to create lease %s", lease.PartitionID)
}

func (d *dynamoDBStore) Get(ctx context.Context, partitionID string) (model.Lease, error) {
	res, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(partitionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return model.Lease{}, errors.Wrapf(err, "failed to read lease %s", partitionID)
	}
	if len(res.Item) == 0 {
		return model.Lease{}, notFound(partitionID)
	}
	return itemToLease(res.Item)
}

func (d *dynamoDBStore) ConditionalUpdate(ctx context.Context, partitionID string, expectedFencingCounter int64, fields Fields) (model.Lease, error) {
	expression := "SET " + attrFencingCounter + " = :next"
	values := map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedFencingCounter, 10)},
		":next":     &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedFencingCounter+1, 10)},
	}
	if fields.Owner != nil {
		expression += ", " + attrOwner + " = :owner"
		values[":owner"] = &types.AttributeValueMemberS{Value: *fields.Owner}
	}
	if fields.Checkpoint != nil {
		expression += ", " + attrCheckpoint + " = :checkpoint"
		values[":checkpoint"] = &types.AttributeValueMemberS{Value: *fields.Checkpoint}
	}
	if fields.LastRenewed != nil {
		expression += ", " + attrLastRenewed + " = :renewed"
		values[":renewed"] = timeToAttr(*fields.LastRenewed)
	}

	res, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(d.table),
		Key:                                 d.key(partitionID),
		UpdateExpression:                    aws.String(expression),
		ConditionExpression:                 aws.String("attribute_exists(" + attrPartitionID + ") AND " + attrFencingCounter + " = :expected"),
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return model.Lease{}, notFound(partitionID)
		}
		return model.Lease{}, errors.Wrapf(ErrConditionFailed, "partition %s: expected %d", partitionID, expectedFencingCounter)
	} else if err != nil {
		return model.Lease{}, errors.Wrapf(err, "failed to update lease %s", partitionID)
	}
	return itemToLease(res.Attributes)
}

func (d *dynamoDBStore) Scan(ctx context.Context) ([]model.Lease, error) {
	var res []model.Lease
	var startKey map[string]types.AttributeValue
	for {
		page, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(d.table),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan leases")
		}

		for _, item := range page.Items {
			l, err := itemToLease(item)
			if err != nil {
				return nil, err
			}
			res = append(res, l)
		}

		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	return sortLeases(res), nil
}

func (d *dynamoDBStore) Delete(ctx context.Context, partitionID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(partitionID),
		ConditionExpression: aws.String("attribute_exists(" + attrPartitionID + ")"),
	})

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return notFound(partitionID)
	}
	return errors.Wrapf(err, "failed to delete lease %s", partitionID)
}
