package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/me/gowas/pkg/model"
)

// Attribute and index names shared by both tables.
const (
	attrWorkflowID  = "workflowId"
	attrJobID       = "jobId"
	attrStatus      = "status"
	attrExpiresAt   = "expiresAt"
	jobStatusIndex  = "StatusIndex"
	tableWaitPeriod = 2 * time.Minute
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// DynamoStore implements Store on two DynamoDB tables: workflows keyed by
// workflowId, and jobs keyed by (workflowId, jobId).
type DynamoStore struct {
	client        DynamoAPI
	workflowTable string
	jobTable      string
	logger        *slog.Logger
}

// NewDynamoStore creates a DynamoStore over the named tables.
func NewDynamoStore(client DynamoAPI, workflowTable, jobTable string, logger *slog.Logger) *DynamoStore {
	return &DynamoStore{
		client:        client,
		workflowTable: workflowTable,
		jobTable:      jobTable,
		logger:        logger.With("component", "store"),
	}
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *DynamoStore) Close() error { return nil }

// --- Workflows ---

func (s *DynamoStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.logger.Debug("dynamodb", "op", "put", "table", s.workflowTable, "id", wf.ID)

	item, err := attributevalue.MarshalMap(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.workflowTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(" + attrWorkflowID + ")"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("%w: %s", model.ErrWorkflowExists, wf.ID)
	}
	if err != nil {
		return fmt.Errorf("put workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *DynamoStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.logger.Debug("dynamodb", "op", "get", "table", s.workflowTable, "id", id)

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.workflowTable),
		Key:            workflowKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var wf model.Workflow
	if err := attributevalue.UnmarshalMap(out.Item, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// ListWorkflows scans the workflow table and pages in memory, newest first.
func (s *DynamoStore) ListWorkflows(ctx context.Context, opts model.ListOptions) ([]*model.Workflow, int, error) {
	s.logger.Debug("dynamodb", "op", "scan", "table", s.workflowTable, "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	input := &dynamodb.ScanInput{TableName: aws.String(s.workflowTable)}
	var filters []string
	values := map[string]types.AttributeValue{}
	names := map[string]string{}
	if opts.Status != "" {
		filters = append(filters, "#status = :status")
		names["#status"] = attrStatus
		values[":status"] = &types.AttributeValueMemberS{Value: opts.Status}
	}
	if opts.UserID != "" {
		filters = append(filters, "#userId = :userId")
		names["#userId"] = "userId"
		values[":userId"] = &types.AttributeValueMemberS{Value: opts.UserID}
	}
	if len(filters) > 0 {
		input.FilterExpression = aws.String(strings.Join(filters, " AND "))
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}

	var all []*model.Workflow
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflows: %w", err)
		}
		var page []*model.Workflow
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, 0, fmt.Errorf("unmarshal workflows: %w", err)
		}
		all = append(all, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if opts.Offset >= total {
		return nil, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return all[opts.Offset:end], total, nil
}

// UpdateWorkflow issues a single conditional UpdateItem. The condition
// requires the item to exist and, for status changes, to hold a status the
// transition table allows leaving for the new one.
func (s *DynamoStore) UpdateWorkflow(ctx context.Context, id string, u model.WorkflowUpdate) error {
	s.logger.Debug("dynamodb", "op", "update", "table", s.workflowTable, "id", id)

	input, err := workflowUpdateInput(s.workflowTable, id, u, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = s.client.UpdateItem(ctx, input)
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("update workflow %s: %w", id, err)
	}

	current, getErr := s.GetWorkflow(ctx, id)
	if getErr != nil {
		return getErr
	}
	if current == nil {
		return fmt.Errorf("%w: %s", model.ErrWorkflowNotFound, id)
	}
	if u.Status == nil {
		return fmt.Errorf("update workflow %s: %w", id, err)
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", model.ErrTerminalStatus, id, current.Status)
	}
	return &model.InvalidTransitionError{Entity: "workflow", ID: id, From: string(current.Status), To: string(*u.Status)}
}

// workflowUpdateInput translates u into an UpdateItemInput.
func workflowUpdateInput(table, id string, u model.WorkflowUpdate, now time.Time) (*dynamodb.UpdateItemInput, error) {
	b := newUpdateBuilder()
	if u.Status != nil {
		b.set(attrStatus, string(*u.Status))
	}
	if u.JobCount != nil {
		b.set("jobCount", *u.JobCount)
	}
	if u.Chromosomes != nil {
		b.set("chromosomes", u.Chromosomes)
	}
	if u.StartStep != nil {
		b.set("startStep", *u.StartStep)
	}
	if u.PredictionFile != nil {
		b.set("predictionFile", *u.PredictionFile)
	}
	if u.JobStats != nil {
		b.set("jobStats", *u.JobStats)
	}
	if u.ResultsBucketPath != nil {
		b.set("resultsBucketPath", *u.ResultsBucketPath)
	}
	if u.CompletionTime != nil {
		b.set("completionTime", *u.CompletionTime)
	}
	if u.ExecutionName != nil {
		b.set("executionName", *u.ExecutionName)
	}
	if u.ParametersFile != nil {
		b.set("parametersFile", *u.ParametersFile)
	}
	b.set("updatedAt", now)

	b.names["#pk"] = attrWorkflowID
	cond := "attribute_exists(#pk)"
	if u.Status != nil {
		sources := workflowSources(*u.Status)
		keys := make([]string, len(sources))
		for i, st := range sources {
			keys[i] = fmt.Sprintf(":from%d", i)
			b.values[keys[i]] = &types.AttributeValueMemberS{Value: string(st)}
		}
		cond += " AND #status IN (" + strings.Join(keys, ", ") + ")"
	}
	if b.err != nil {
		return nil, b.err
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       workflowKey(id),
		UpdateExpression:          aws.String(b.expression()),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  b.names,
		ExpressionAttributeValues: b.values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	}, nil
}

// --- Jobs ---

// PutJob writes a job record, replacing any item with the same key.
func (s *DynamoStore) PutJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("dynamodb", "op", "put", "table", s.jobTable, "id", job.ID)

	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.jobTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}

func (s *DynamoStore) GetJob(ctx context.Context, workflowID, jobID string) (*model.Job, error) {
	s.logger.Debug("dynamodb", "op", "get", "table", s.jobTable, "id", jobID)

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.jobTable),
		Key:            jobKey(workflowID, jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var job model.Job
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// ListJobs queries the job table by partition key and orders the result by
// step, creation time, and id.
func (s *DynamoStore) ListJobs(ctx context.Context, workflowID string) ([]*model.Job, error) {
	s.logger.Debug("dynamodb", "op", "query", "table", s.jobTable, "workflow_id", workflowID)

	jobs, err := s.queryJobs(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.jobTable),
		KeyConditionExpression: aws.String("workflowId = :workflowId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":workflowId": &types.AttributeValueMemberS{Value: workflowID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.StepNumber != b.StepNumber {
			return a.StepNumber < b.StepNumber
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return jobs, nil
}

// ListJobsByStatus queries the status index of the job table.
func (s *DynamoStore) ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	s.logger.Debug("dynamodb", "op", "query", "table", s.jobTable, "index", jobStatusIndex, "status", status)

	return s.queryJobs(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.jobTable),
		IndexName:              aws.String(jobStatusIndex),
		KeyConditionExpression: aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": attrStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
}

func (s *DynamoStore) queryJobs(ctx context.Context, input *dynamodb.QueryInput) ([]*model.Job, error) {
	var jobs []*model.Job
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query jobs: %w", err)
		}
		var page []*model.Job
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal jobs: %w", err)
		}
		jobs = append(jobs, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return jobs, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// UpdateJobStatus conditions the write on the job's current status being one
// from which u.Status is reachable.
func (s *DynamoStore) UpdateJobStatus(ctx context.Context, workflowID, jobID string, u model.JobStatusUpdate) error {
	s.logger.Debug("dynamodb", "op", "update_status", "table", s.jobTable, "id", jobID, "status", u.Status)

	input, err := jobStatusUpdateInput(s.jobTable, workflowID, jobID, u, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = s.client.UpdateItem(ctx, input)
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}

	current, getErr := s.GetJob(ctx, workflowID, jobID)
	if getErr != nil {
		return getErr
	}
	if current == nil {
		return fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	return &model.InvalidTransitionError{Entity: "job", ID: jobID, From: string(current.Status), To: string(u.Status)}
}

func jobStatusUpdateInput(table, workflowID, jobID string, u model.JobStatusUpdate, now time.Time) (*dynamodb.UpdateItemInput, error) {
	b := newUpdateBuilder()
	b.set(attrStatus, string(u.Status))
	b.set("updatedAt", now)
	if u.Status == model.JobStatusFailed {
		b.set("errorDetail", u.ErrorDetail)
	} else {
		b.remove("errorDetail")
	}
	if u.ExternalID != "" {
		b.set("externalId", u.ExternalID)
	}

	sources := jobSources(u.Status)
	keys := make([]string, len(sources))
	for i, st := range sources {
		keys[i] = fmt.Sprintf(":from%d", i)
		b.values[keys[i]] = &types.AttributeValueMemberS{Value: string(st)}
	}
	b.names["#sk"] = attrJobID
	cond := "attribute_exists(#sk) AND #status IN (" + strings.Join(keys, ", ") + ")"
	if b.err != nil {
		return nil, b.err
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       jobKey(workflowID, jobID),
		UpdateExpression:          aws.String(b.expression()),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  b.names,
		ExpressionAttributeValues: b.values,
	}, nil
}

func (s *DynamoStore) DeleteJobs(ctx context.Context, workflowID string, jobIDs []string) error {
	for _, id := range jobIDs {
		s.logger.Debug("dynamodb", "op", "delete", "table", s.jobTable, "id", id)
		if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.jobTable),
			Key:       jobKey(workflowID, id),
		}); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return nil
}

// --- Helpers ---

func workflowKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrWorkflowID: &types.AttributeValueMemberS{Value: id},
	}
}

func jobKey(workflowID, jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrWorkflowID: &types.AttributeValueMemberS{Value: workflowID},
		attrJobID:      &types.AttributeValueMemberS{Value: jobID},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// updateBuilder assembles SET/REMOVE clauses with placeholder names so that
// reserved words such as "status" are safe.
type updateBuilder struct {
	sets    []string
	removes []string
	names   map[string]string
	values  map[string]types.AttributeValue
	err     error
}

func newUpdateBuilder() *updateBuilder {
	return &updateBuilder{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
}

func (b *updateBuilder) set(attr string, v any) {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("marshal %s: %w", attr, err)
		}
		return
	}
	b.names["#"+attr] = attr
	b.values[":"+attr] = av
	b.sets = append(b.sets, fmt.Sprintf("#%s = :%s", attr, attr))
}

func (b *updateBuilder) remove(attr string) {
	b.names["#"+attr] = attr
	b.removes = append(b.removes, "#"+attr)
}

func (b *updateBuilder) expression() string {
	expr := "SET " + strings.Join(b.sets, ", ")
	if len(b.removes) > 0 {
		expr += " REMOVE " + strings.Join(b.removes, ", ")
	}
	return expr
}
