package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
	"bagforecast/internal/util"
)

var _ OrderStore = (*DynamoDBStore)(nil)

const (
	// dynamoTransactLimit is the maximum number of actions per
	// TransactWriteItems call.
	dynamoTransactLimit = 100
	// dynamoBatchLimit is the maximum number of requests per BatchWriteItem
	// call.
	dynamoBatchLimit = 25
)

// DynamoDBStore implements OrderStore on a DynamoDB table keyed by order_id.
// Null values are stored as absent attributes. Atomicity holds per chunk of
// dynamoTransactLimit orders, not per UpsertOrders call.
type DynamoDBStore struct {
	api     dynamodbiface.DynamoDBAPI
	table   string
	limiter *util.RateLimiter
	logger  *slog.Logger
}

// NewDynamoDBStore wraps an existing DynamoDB client.
func NewDynamoDBStore(api dynamodbiface.DynamoDBAPI, table string) *DynamoDBStore {
	if table == "" {
		table = DefaultTable
	}
	return &DynamoDBStore{api: api, table: table, logger: slog.Default()}
}

// OpenDynamoDBStore creates a client for region and creates the table if it
// does not exist. A non-empty endpoint overrides the service URL, e.g. for
// DynamoDB Local.
func OpenDynamoDBStore(ctx context.Context, region, endpoint, table string) (*DynamoDBStore, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	s := NewDynamoDBStore(dynamodb.New(sess), table)
	if err := s.EnsureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithLogger replaces the default logger.
func (s *DynamoDBStore) WithLogger(l *slog.Logger) *DynamoDBStore {
	s.logger = l
	return s
}

// WithRateLimit throttles write requests through l. A nil limiter disables
// throttling.
func (s *DynamoDBStore) WithRateLimit(l *util.RateLimiter) *DynamoDBStore {
	s.limiter = l
	return s
}

func (s *DynamoDBStore) Close() error { return nil }

func (s *DynamoDBStore) EnsureTable(ctx context.Context) error {
	_, err := s.api.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err == nil {
		return nil
	}
	if !isAWSCode(err, dynamodb.ErrCodeResourceNotFoundException) {
		return fmt.Errorf("describing table %s: %w", s.table, err)
	}

	_, err = s.api.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{{
			AttributeName: aws.String(schema.OrderID),
			AttributeType: aws.String(dynamodb.ScalarAttributeTypeN),
		}},
		KeySchema: []*dynamodb.KeySchemaElement{{
			AttributeName: aws.String(schema.OrderID),
			KeyType:       aws.String(dynamodb.KeyTypeHash),
		}},
	})
	if err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	return s.api.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
}

func (s *DynamoDBStore) ResetTable(ctx context.Context) error {
	_, err := s.api.DeleteTableWithContext(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil && !isAWSCode(err, dynamodb.ErrCodeResourceNotFoundException) {
		return fmt.Errorf("deleting table %s: %w", s.table, err)
	}
	if err == nil {
		if err := s.api.WaitUntilTableNotExistsWithContext(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(s.table),
		}); err != nil {
			return fmt.Errorf("waiting for table %s deletion: %w", s.table, err)
		}
	}
	return s.EnsureTable(ctx)
}

func (s *DynamoDBStore) IsEmpty(ctx context.Context) (bool, error) {
	out, err := s.api.ScanWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Limit:     aws.Int64(1),
	})
	if err != nil {
		return false, fmt.Errorf("scanning %s: %w", s.table, err)
	}
	return aws.Int64Value(out.Count) == 0 && len(out.LastEvaluatedKey) == 0, nil
}

// UpsertOrders writes orders as conditional updates grouped into
// TransactWriteItems calls. Non-actuals columns are only set when absent;
// actuals columns are always overwritten.
func (s *DynamoDBStore) UpsertOrders(ctx context.Context, orders []domain.Order) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}
	orders = Dedupe(orders)
	cols := upsertColumns(orders)
	if len(orders) > dynamoTransactLimit {
		s.logger.Warn("window exceeds one dynamodb transaction, a failure leaves earlier chunks committed",
			"table", s.table, "orders", len(orders), "chunk_size", dynamoTransactLimit)
	}

	for start := 0; start < len(orders); start += dynamoTransactLimit {
		end := min(start+dynamoTransactLimit, len(orders))
		items := make([]*dynamodb.TransactWriteItem, 0, end-start)
		for _, o := range orders[start:end] {
			items = append(items, &dynamodb.TransactWriteItem{Update: s.upsertUpdate(o, cols)})
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return start, err
		}
		_, err := s.api.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err != nil {
			return start, fmt.Errorf("upserting orders %d-%d: %w", start, end, err)
		}
	}
	return len(orders), nil
}

// upsertUpdate builds the update action for one order.
func (s *DynamoDBStore) upsertUpdate(o domain.Order, cols []schema.Column) *dynamodb.Update {
	names := map[string]*string{}
	values := map[string]*dynamodb.AttributeValue{}
	var sets, removes []string

	for i, c := range cols {
		if c.Name == schema.OrderID {
			continue
		}
		name := fmt.Sprintf("#a%d", i)
		value := fmt.Sprintf(":v%d", i)

		var av *dynamodb.AttributeValue
		if c.Name == schema.DeliveryTime {
			av = &dynamodb.AttributeValue{S: aws.String(o.DeliveryTime.UTC().Format(time.RFC3339Nano))}
		} else {
			av = numberAttr(o, c)
		}

		switch {
		case schema.IsActual(c.Name) && av == nil:
			names[name] = aws.String(c.Name)
			removes = append(removes, name)
		case schema.IsActual(c.Name):
			names[name] = aws.String(c.Name)
			values[value] = av
			sets = append(sets, fmt.Sprintf("%s = %s", name, value))
		case av != nil:
			names[name] = aws.String(c.Name)
			values[value] = av
			sets = append(sets, fmt.Sprintf("%s = if_not_exists(%s, %s)", name, name, value))
		}
	}

	var expr []string
	if len(sets) > 0 {
		expr = append(expr, "SET "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		expr = append(expr, "REMOVE "+strings.Join(removes, ", "))
	}

	u := &dynamodb.Update{
		TableName: aws.String(s.table),
		Key:       orderKey(o.ID),
	}
	if len(expr) > 0 {
		u.UpdateExpression = aws.String(strings.Join(expr, " "))
	}
	if len(names) > 0 {
		u.ExpressionAttributeNames = names
	}
	if len(values) > 0 {
		u.ExpressionAttributeValues = values
	}
	return u
}

func (s *DynamoDBStore) ReadOrders(ctx context.Context) ([]domain.Order, error) {
	var (
		orders []domain.Order
		err    error
	)
	scanErr := s.api.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		for _, item := range page.Items {
			var o domain.Order
			o, err = orderFromItem(item)
			if err != nil {
				return false
			}
			orders = append(orders, o)
		}
		return true
	})
	if scanErr != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.table, scanErr)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// UpdateForecasts updates forecast attributes of orders that exist. Missing
// orders are skipped.
func (s *DynamoDBStore) UpdateForecasts(ctx context.Context, forecasts []domain.Forecast) (int, error) {
	updated := 0
	for _, f := range forecasts {
		names := map[string]*string{"#id": aws.String(schema.OrderID)}
		values := map[string]*dynamodb.AttributeValue{}
		var sets, removes []string
		for i, c := range schema.ForecastColumns() {
			v, ok := f.Values[c]
			if !ok {
				continue
			}
			name := fmt.Sprintf("#f%d", i)
			names[name] = aws.String(c)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				removes = append(removes, name)
				continue
			}
			value := fmt.Sprintf(":f%d", i)
			values[value] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatFloat(v, 'f', -1, 64))}
			sets = append(sets, fmt.Sprintf("%s = %s", name, value))
		}
		if len(sets)+len(removes) == 0 {
			continue
		}

		var expr []string
		if len(sets) > 0 {
			expr = append(expr, "SET "+strings.Join(sets, ", "))
		}
		if len(removes) > 0 {
			expr = append(expr, "REMOVE "+strings.Join(removes, ", "))
		}
		in := &dynamodb.UpdateItemInput{
			TableName:                aws.String(s.table),
			Key:                      orderKey(f.OrderID),
			UpdateExpression:         aws.String(strings.Join(expr, " ")),
			ConditionExpression:      aws.String("attribute_exists(#id)"),
			ExpressionAttributeNames: names,
		}
		if len(values) > 0 {
			in.ExpressionAttributeValues = values
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return updated, err
		}
		_, err := s.api.UpdateItemWithContext(ctx, in)
		if isAWSCode(err, dynamodb.ErrCodeConditionalCheckFailedException) {
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("updating forecasts of order %d: %w", f.OrderID, err)
		}
		updated++
	}
	return updated, nil
}

// DeleteAll scans every key and deletes the items in batches, resubmitting
// unprocessed requests.
func (s *DynamoDBStore) DeleteAll(ctx context.Context) (int64, error) {
	var keys []map[string]*dynamodb.AttributeValue
	err := s.api.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#id"),
		ExpressionAttributeNames: map[string]*string{"#id": aws.String(schema.OrderID)},
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		keys = append(keys, page.Items...)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("scanning %s keys: %w", s.table, err)
	}

	var deleted int64
	for start := 0; start < len(keys); start += dynamoBatchLimit {
		end := min(start+dynamoBatchLimit, len(keys))
		reqs := make([]*dynamodb.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, &dynamodb.WriteRequest{
				DeleteRequest: &dynamodb.DeleteRequest{Key: k},
			})
		}

		pending := map[string][]*dynamodb.WriteRequest{s.table: reqs}
		for len(pending) > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				return deleted, err
			}
			out, err := s.api.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return deleted, fmt.Errorf("deleting from %s: %w", s.table, err)
			}
			pending = out.UnprocessedItems
		}
		deleted += int64(end - start)
	}
	return deleted, nil
}

func orderKey(id int64) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		schema.OrderID: {N: aws.String(strconv.FormatInt(id, 10))},
	}
}

// numberAttr returns the N attribute of column c, or nil for a null value.
func numberAttr(o domain.Order, c schema.Column) *dynamodb.AttributeValue {
	switch v := bindValue(o, c).(type) {
	case int64:
		return &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(v, 10))}
	case float64:
		return &dynamodb.AttributeValue{N: aws.String(strconv.FormatFloat(v, 'f', -1, 64))}
	default:
		return nil
	}
}

// orderFromItem converts a scanned item to an Order. Schema columns absent
// from the item are null.
func orderFromItem(item map[string]*dynamodb.AttributeValue) (domain.Order, error) {
	o := domain.Order{Values: make(map[string]float64)}

	id, ok := item[schema.OrderID]
	if !ok || id.N == nil {
		return o, errors.New("item has no numeric order_id")
	}
	n, err := strconv.ParseInt(aws.StringValue(id.N), 10, 64)
	if err != nil {
		return o, fmt.Errorf("order_id %q: %w", aws.StringValue(id.N), err)
	}
	o.ID = n

	if dt, ok := item[schema.DeliveryTime]; ok && dt.S != nil {
		t, err := domain.ParseTime(aws.StringValue(dt.S))
		if err != nil {
			return o, fmt.Errorf("order %d delivery_time: %w", o.ID, err)
		}
		o.DeliveryTime = t.UTC()
	}

	for _, c := range schema.Columns() {
		if c.Name == schema.OrderID || c.Name == schema.DeliveryTime {
			continue
		}
		av, ok := item[c.Name]
		if !ok || av.N == nil {
			o.Values[c.Name] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(aws.StringValue(av.N), 64)
		if err != nil {
			return o, fmt.Errorf("order %d %s: %w", o.ID, c.Name, err)
		}
		o.Values[c.Name] = v
	}
	return o, nil
}

func isAWSCode(err error, code string) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == code
}
