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
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamoDB interprets the expressions issued by the store.
type fakeDynamoDB struct {
	sync.Mutex
	tables   map[string]map[string]map[string]types.AttributeValue
	pageSize int
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{
		tables:   map[string]map[string]map[string]types.AttributeValue{},
		pageSize: 2,
	}
}

func (f *fakeDynamoDB) table(name *string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		f.tables[aws.ToString(name)] = t
	}
	return t
}

func keyOf(key map[string]types.AttributeValue) string {
	return key[attrPartitionID].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamoDB) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.Lock()
	defer f.Unlock()
	return &dynamodb.GetItemOutput{Item: maps.Clone(f.table(params.TableName)[keyOf(params.Key)])}, nil
}

func (f *fakeDynamoDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.Lock()
	defer f.Unlock()
	t := f.table(params.TableName)
	key := keyOf(params.Item)
	if _, ok := t[key]; ok && strings.HasPrefix(aws.ToString(params.ConditionExpression), "attribute_not_exists") {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	t[key] = maps.Clone(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.Lock()
	defer f.Unlock()
	t := f.table(params.TableName)
	key := keyOf(params.Key)
	item, ok := t[key]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}

	values := params.ExpressionAttributeValues
	current := item[attrFencingCounter].(*types.AttributeValueMemberN).Value
	if current != values[":expected"].(*types.AttributeValueMemberN).Value {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("mismatch"), Item: maps.Clone(item)}
	}

	updated := maps.Clone(item)
	for placeholder, attr := range map[string]string{
		":next":       attrFencingCounter,
		":owner":      attrOwner,
		":checkpoint": attrCheckpoint,
		":renewed":    attrLastRenewed,
	} {
		if v, ok := values[placeholder]; ok {
			updated[attr] = v
		}
	}
	t[key] = updated
	return &dynamodb.UpdateItemOutput{Attributes: maps.Clone(updated)}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.Lock()
	defer f.Unlock()
	t := f.table(params.TableName)
	key := keyOf(params.Key)
	if _, ok := t[key]; !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	delete(t, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.Lock()
	defer f.Unlock()
	t := f.table(params.TableName)
	keys := slices.Sorted(maps.Keys(t))

	start := 0
	if params.ExclusiveStartKey != nil {
		last := keyOf(params.ExclusiveStartKey)
		start, _ = slices.BinarySearch(keys, last)
		start++
	}

	out := &dynamodb.ScanOutput{}
	for i := start; i < len(keys) && len(out.Items) < f.pageSize; i++ {
		out.Items = append(out.Items, maps.Clone(t[keys[i]]))
	}
	if start+len(out.Items) < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			attrPartitionID: &types.AttributeValueMemberS{Value: keys[start+len(out.Items)-1]},
		}
	}
	return out, nil
}

func (f *fakeDynamoDB) CreateTable(_ context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.Lock()
	defer f.Unlock()
	f.table(params.TableName)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamoDB) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.Lock()
	defer f.Unlock()
	if _, ok := f.tables[aws.ToString(params.TableName)]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   params.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}
