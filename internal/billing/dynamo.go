package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoLedger implements Ledger on a DynamoDB table keyed by OwnerID with
// a numeric Balance attribute. Deductions use a conditional update so two
// concurrent calls can never drive a balance negative.
type DynamoLedger struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoLedger creates a ledger backed by the given table. The client is
// shared with the call store.
func NewDynamoLedger(client *dynamodb.Client, table string) *DynamoLedger {
	return &DynamoLedger{client: client, table: table}
}

func (l *DynamoLedger) Balance(ownerID string) (int, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"OwnerID": ownerID})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal key: %w", err)
	}

	result, err := l.client.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String(l.table),
		Key:       key,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	if result.Item == nil {
		// Unknown owners simply have no credit
		return 0, nil
	}

	var rec struct{ Balance int }
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return 0, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	return rec.Balance, nil
}

func (l *DynamoLedger) Deduct(ownerID string, units int) error {
	if units < 0 {
		return fmt.Errorf("negative deduction of %d units", units)
	}
	if units == 0 {
		return nil
	}

	key, err := attributevalue.MarshalMap(map[string]string{"OwnerID": ownerID})
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	update := expression.Add(expression.Name("Balance"), expression.Value(-units))
	cond := expression.Name("Balance").GreaterThanEqual(expression.Value(units))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = l.client.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName:                 aws.String(l.table),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("insufficient credit for owner %s: need %d", ownerID, units)
		}
		return fmt.Errorf("failed to deduct credit: %w", err)
	}
	return nil
}

// Credit adds units to the owner's balance, creating the item when the
// owner has none yet
func (l *DynamoLedger) Credit(ownerID string, units int) error {
	key, err := attributevalue.MarshalMap(map[string]string{"OwnerID": ownerID})
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	update := expression.Add(expression.Name("Balance"), expression.Value(units))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = l.client.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName:                 aws.String(l.table),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("failed to credit owner: %w", err)
	}
	return nil
}
