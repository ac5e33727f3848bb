package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Migrate creates the workflow and job tables when they are missing and
// enables TTL on the workflow expiry attribute. Existing tables are left alone.
func (s *DynamoStore) Migrate(ctx context.Context) error {
	existing, err := s.tableNames(ctx)
	if err != nil {
		return err
	}

	if !existing[s.workflowTable] {
		if err := s.createTable(ctx, workflowTableInput(s.workflowTable)); err != nil {
			return err
		}
		if _, err := s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
			TableName: aws.String(s.workflowTable),
			TimeToLiveSpecification: &types.TimeToLiveSpecification{
				AttributeName: aws.String(attrExpiresAt),
				Enabled:       aws.Bool(true),
			},
		}); err != nil {
			return fmt.Errorf("enable ttl on %s: %w", s.workflowTable, err)
		}
	} else {
		s.logger.Info("table already exists", "table", s.workflowTable)
	}

	if !existing[s.jobTable] {
		if err := s.createTable(ctx, jobTableInput(s.jobTable)); err != nil {
			return err
		}
	} else {
		s.logger.Info("table already exists", "table", s.jobTable)
	}
	return nil
}

func (s *DynamoStore) tableNames(ctx context.Context) (map[string]bool, error) {
	names := map[string]bool{}
	input := &dynamodb.ListTablesInput{}
	for {
		out, err := s.client.ListTables(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		for _, n := range out.TableNames {
			names[n] = true
		}
		if out.LastEvaluatedTableName == nil {
			return names, nil
		}
		input.ExclusiveStartTableName = out.LastEvaluatedTableName
	}
}

// createTable creates a table and waits until it is ACTIVE.
func (s *DynamoStore) createTable(ctx context.Context, input *dynamodb.CreateTableInput) error {
	if _, err := s.client.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("create table %s: %w", aws.ToString(input.TableName), err)
	}
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: input.TableName}, tableWaitPeriod); err != nil {
		return fmt.Errorf("wait for table %s: %w", aws.ToString(input.TableName), err)
	}
	s.logger.Info("table created", "table", aws.ToString(input.TableName))
	return nil
}

func workflowTableInput(name string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(attrWorkflowID),
				KeyType:       types.KeyTypeHash, // Partition key
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(attrWorkflowID),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}

func jobTableInput(name string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(attrWorkflowID),
				KeyType:       types.KeyTypeHash, // Partition key
			},
			{
				AttributeName: aws.String(attrJobID),
				KeyType:       types.KeyTypeRange, // Sort key
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(jobStatusIndex),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String(attrStatus),
						KeyType:       types.KeyTypeHash,
					},
					{
						AttributeName: aws.String(attrJobID),
						KeyType:       types.KeyTypeRange,
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(attrWorkflowID),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String(attrJobID),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String(attrStatus),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}
