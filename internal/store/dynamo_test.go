package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/gowas/pkg/model"
)

// fakeDynamo keeps items per table keyed by their primary key values. It
// understands just enough of the API for the store's call patterns.
type fakeDynamo struct {
	DynamoAPI
	items     map[string]map[string]map[string]types.AttributeValue
	updateErr error
	updates   []*dynamodb.UpdateItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]map[string]types.AttributeValue{}}
}

func itemKey(item map[string]types.AttributeValue) string {
	var parts []string
	for _, attr := range []string{attrWorkflowID, attrJobID} {
		if v, ok := item[attr].(*types.AttributeValueMemberS); ok {
			parts = append(parts, v.Value)
		}
	}
	return strings.Join(parts, "|")
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	table := aws.ToString(in.TableName)
	if f.items[table] == nil {
		f.items[table] = map[string]map[string]types.AttributeValue{}
	}
	key := itemKey(in.Item)
	if in.ConditionExpression != nil && f.items[table][key] != nil {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[table][key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[aws.ToString(in.TableName)][itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	wf := in.ExpressionAttributeValues[":workflowId"].(*types.AttributeValueMemberS).Value
	var out []map[string]types.AttributeValue
	for _, item := range f.items[aws.ToString(in.TableName)] {
		if item[attrWorkflowID].(*types.AttributeValueMemberS).Value == wf {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	var out []map[string]types.AttributeValue
	for _, item := range f.items[aws.ToString(in.TableName)] {
		out = append(out, item)
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func dynamoTestStore(t *testing.T) (*DynamoStore, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDynamoStore(fake, "workflows", "jobs", logger), fake
}

func TestDynamoStore_WorkflowRoundTrip(t *testing.T) {
	// given
	st, _ := dynamoTestStore(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1")
	wf.ExpiresAt = wf.ExpiresAt.Truncate(time.Second)

	// when
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	got, err := st.GetWorkflow(ctx, "wf-1")

	// then
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.WorkflowStatusInitialized, got.Status)
	assert.Equal(t, "chrAll", got.Parameters.InputData.FilePrefix)
	assert.True(t, got.ExpiresAt.Equal(wf.ExpiresAt), "expiresAt %v != %v", got.ExpiresAt, wf.ExpiresAt)
	assert.ErrorIs(t, st.CreateWorkflow(ctx, wf), model.ErrWorkflowExists, "duplicate create must fail")
}

func TestDynamoStore_GetWorkflowMissing(t *testing.T) {
	st, _ := dynamoTestStore(t)
	got, err := st.GetWorkflow(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWorkflowUpdateInput(t *testing.T) {
	status := model.WorkflowStatusJobsCalculated
	in, err := workflowUpdateInput("workflows", "wf-1", model.WorkflowUpdate{
		Status:   &status,
		JobCount: model.Ptr(3),
	}, time.Unix(0, 0).UTC())
	require.NoError(t, err)

	assert.Equal(t, "SET #status = :status, #jobCount = :jobCount, #updatedAt = :updatedAt", aws.ToString(in.UpdateExpression))
	assert.Equal(t, "attribute_exists(#pk) AND #status IN (:from0, :from1)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "JOBS_CALCULATED"}, in.ExpressionAttributeValues[":status"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "3"}, in.ExpressionAttributeValues[":jobCount"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "CALCULATING_JOBS"}, in.ExpressionAttributeValues[":from0"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "JOBS_CALCULATED"}, in.ExpressionAttributeValues[":from1"])
}

func TestWorkflowUpdateInput_TerminalSources(t *testing.T) {
	status := model.WorkflowStatusFailed
	in, err := workflowUpdateInput("workflows", "wf-1", model.WorkflowUpdate{Status: &status}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "attribute_exists(#pk) AND #status IN (:from0, :from1, :from2, :from3)", aws.ToString(in.ConditionExpression))
	for _, key := range []string{":from0", ":from1", ":from2", ":from3"} {
		v := in.ExpressionAttributeValues[key].(*types.AttributeValueMemberS).Value
		assert.False(t, model.WorkflowStatus(v).IsTerminal(), "%s = %s", key, v)
	}
}

func TestWorkflowUpdateInput_StampOnly(t *testing.T) {
	in, err := workflowUpdateInput("workflows", "wf-1", model.WorkflowUpdate{
		ResultsBucketPath: model.Ptr("s3://r/"),
	}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "attribute_exists(#pk)", aws.ToString(in.ConditionExpression))
	assert.NotContains(t, in.ExpressionAttributeNames, "#status")
}

func TestDynamoStore_UpdateWorkflowConditionFailure(t *testing.T) {
	st, fake := dynamoTestStore(t)
	ctx := context.Background()
	fake.updateErr = &types.ConditionalCheckFailedException{}
	status := model.WorkflowStatusInProgress

	err := st.UpdateWorkflow(ctx, "missing", model.WorkflowUpdate{Status: &status})
	assert.ErrorIs(t, err, model.ErrWorkflowNotFound)

	wf := sampleWorkflow("wf-1")
	wf.Status = model.WorkflowStatusCompleted
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	err = st.UpdateWorkflow(ctx, "wf-1", model.WorkflowUpdate{Status: &status})
	assert.ErrorIs(t, err, model.ErrTerminalStatus)

	require.NoError(t, st.CreateWorkflow(ctx, sampleWorkflow("wf-2")))
	err = st.UpdateWorkflow(ctx, "wf-2", model.WorkflowUpdate{Status: &status})
	var te *model.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "INITIALIZED", te.From)
	assert.Equal(t, "IN_PROGRESS", te.To)
}

func TestDynamoStore_UpdateWorkflowOtherError(t *testing.T) {
	st, fake := dynamoTestStore(t)
	fake.updateErr = errors.New("throttled")
	err := st.UpdateWorkflow(context.Background(), "wf-1", model.WorkflowUpdate{JobCount: model.Ptr(1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrWorkflowNotFound)
}

func TestJobStatusUpdateInput(t *testing.T) {
	in, err := jobStatusUpdateInput("jobs", "wf-1", "wf-1-step1", model.JobStatusUpdate{
		Status:     model.JobStatusRunning,
		ExternalID: "batch-1",
	}, time.Unix(0, 0).UTC())
	require.NoError(t, err)

	assert.Equal(t, "SET #status = :status, #updatedAt = :updatedAt, #externalId = :externalId REMOVE #errorDetail",
		aws.ToString(in.UpdateExpression))
	assert.Equal(t, "attribute_exists(#sk) AND #status IN (:from0, :from1)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "PENDING"}, in.ExpressionAttributeValues[":from0"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "RUNNING"}, in.ExpressionAttributeValues[":from1"])
}

func TestJobStatusUpdateInput_Failed(t *testing.T) {
	in, err := jobStatusUpdateInput("jobs", "wf-1", "wf-1-step1", model.JobStatusUpdate{
		Status:      model.JobStatusFailed,
		ErrorDetail: "exit 137",
	}, time.Now())
	require.NoError(t, err)

	assert.Contains(t, aws.ToString(in.UpdateExpression), "#errorDetail = :errorDetail")
	assert.NotContains(t, aws.ToString(in.UpdateExpression), "REMOVE")
	assert.Equal(t, &types.AttributeValueMemberS{Value: "exit 137"}, in.ExpressionAttributeValues[":errorDetail"])
	// PENDING, RUNNING, and FAILED may all move to FAILED; COMPLETED may not.
	assert.Equal(t, "attribute_exists(#sk) AND #status IN (:from0, :from1, :from2)", aws.ToString(in.ConditionExpression))
}

func TestDynamoStore_UpdateJobStatusConditionFailure(t *testing.T) {
	st, fake := dynamoTestStore(t)
	ctx := context.Background()
	fake.updateErr = &types.ConditionalCheckFailedException{}

	err := st.UpdateJobStatus(ctx, "wf-1", "wf-1-step1", model.JobStatusUpdate{Status: model.JobStatusFailed})
	assert.ErrorIs(t, err, model.ErrJobNotFound)

	j := sampleJob("wf-1", model.Step1, "")
	j.Status = model.JobStatusCompleted
	require.NoError(t, st.PutJob(ctx, j))
	err = st.UpdateJobStatus(ctx, "wf-1", j.ID, model.JobStatusUpdate{Status: model.JobStatusFailed})
	var te *model.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "COMPLETED", te.From)
	assert.Equal(t, "FAILED", te.To)
}

func TestDynamoStore_ListJobsOrdered(t *testing.T) {
	st, _ := dynamoTestStore(t)
	ctx := context.Background()
	for _, j := range []*model.Job{
		sampleJob("wf-1", model.Step2, "2"),
		sampleJob("wf-1", model.Step2, "1"),
		sampleJob("wf-1", model.Step1, ""),
		sampleJob("wf-2", model.Step1, ""),
	} {
		require.NoError(t, st.PutJob(ctx, j))
	}

	jobs, err := st.ListJobs(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "wf-1-step1", jobs[0].ID)
	assert.Equal(t, "wf-1-step2-chr1", jobs[1].ID)
	assert.Equal(t, "wf-1-step2-chr2", jobs[2].ID)
}

func TestDynamoStore_ListWorkflowsPaging(t *testing.T) {
	st, _ := dynamoTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"a", "b", "c"} {
		wf := sampleWorkflow(id)
		wf.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.CreateWorkflow(ctx, wf))
	}

	page, total, err := st.ListWorkflows(ctx, model.ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "a", page[1].ID)

	page, _, err = st.ListWorkflows(ctx, model.ListOptions{Limit: 2, Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestTableInputs(t *testing.T) {
	wf := workflowTableInput("wf")
	assert.Equal(t, types.BillingModePayPerRequest, wf.BillingMode)
	require.Len(t, wf.KeySchema, 1)

	jobs := jobTableInput("jobs")
	require.Len(t, jobs.KeySchema, 2)
	assert.Equal(t, types.KeyTypeRange, jobs.KeySchema[1].KeyType)
	require.Len(t, jobs.GlobalSecondaryIndexes, 1)
	assert.Equal(t, jobStatusIndex, aws.ToString(jobs.GlobalSecondaryIndexes[0].IndexName))
}
