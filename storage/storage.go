package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

const defaultChecklistWorkers = 8

// Tables names every table the service reads or writes.
type Tables struct {
	Projects   string
	Tasks      string
	Checklists string
	Users      string
	Members    string
	Feedbacks  string
	Resources  string
	Likes      string
	Replies    string
}

// Names returns the table names in provisioning order.
func (t Tables) Names() []string {
	return []string{t.Projects, t.Tasks, t.Checklists, t.Users, t.Members, t.Feedbacks, t.Resources, t.Likes, t.Replies}
}

// Validate reports the first missing table name.
func (t Tables) Validate() error {
	for _, n := range t.Names() {
		if strings.TrimSpace(n) == "" {
			return errors.New("missing table name")
		}
	}
	return nil
}

// Options tune how snapshots are read.
type Options struct {
	// ChecklistWorkers bounds concurrent checklist fetches per snapshot.
	ChecklistWorkers int
	// Location is used for stored timestamps that carry no offset.
	Location *time.Location
}

// Storage provides access to the project tables and the command queue.
type Storage struct {
	projects   *aztables.Client
	tasks      *aztables.Client
	checklists *aztables.Client
	users      *aztables.Client
	members    *aztables.Client
	feedbacks  *aztables.Client
	resources  *aztables.Client
	likes      *aztables.Client
	replies    *aztables.Client
	queue      *azqueue.QueueClient

	workers int
	loc     *time.Location
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables, commandQueue string, opts Options) (*Storage, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		projects:   svc.NewClient(tables.Projects),
		tasks:      svc.NewClient(tables.Tasks),
		checklists: svc.NewClient(tables.Checklists),
		users:      svc.NewClient(tables.Users),
		members:    svc.NewClient(tables.Members),
		feedbacks:  svc.NewClient(tables.Feedbacks),
		resources:  svc.NewClient(tables.Resources),
		likes:      svc.NewClient(tables.Likes),
		replies:    svc.NewClient(tables.Replies),
		queue:      cq,
		workers:    opts.ChecklistWorkers,
		loc:        opts.Location,
	}
	if s.workers <= 0 {
		s.workers = defaultChecklistWorkers
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s, nil
}

func queryEntities[T any](ctx context.Context, client *aztables.Client, filter string) ([]T, error) {
	opts := &aztables.ListEntitiesOptions{}
	if filter != "" {
		opts.Filter = &filter
	}
	pager := client.NewListEntitiesPager(opts)
	out := []T{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent T
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

// getEntity returns false without error when the row does not exist.
func getEntity[T any](ctx context.Context, client *aztables.Client, pk, rk string, ent *T) (bool, error) {
	resp, err := client.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		if isStatus(err, 404) {
			return false, nil
		}
		return false, err
	}
	if err := sonic.Unmarshal(resp.Value, ent); err != nil {
		return false, err
	}
	return true, nil
}

func upsertEntity(ctx context.Context, client *aztables.Client, ent any) error {
	payload, err := sonic.Marshal(ent)
	if err == nil {
		_, err = client.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	}
	return err
}

func mergeEntity(ctx context.Context, client *aztables.Client, ent any) error {
	payload, err := sonic.Marshal(ent)
	if err == nil {
		et := azcore.ETagAny
		_, err = client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	return err
}

// deleteEntity removes a row; a row that is already gone is not an error.
func deleteEntity(ctx context.Context, client *aztables.Client, pk, rk string) error {
	if _, err := client.DeleteEntity(ctx, pk, rk, nil); err != nil && !isStatus(err, 404) {
		return err
	}
	return nil
}

// IsRejected reports whether the table service refused a request as
// malformed. Repeating such a request fails the same way.
func IsRejected(err error) bool {
	return isStatus(err, 400)
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// partitionFilter builds an OData filter on PartitionKey, quoting the value.
func partitionFilter(pk string) string {
	return "PartitionKey eq '" + escapeFilterValue(pk) + "'"
}

// propertyFilter narrows partitionFilter(pk) to rows whose string property
// equals value.
func propertyFilter(pk, property, value string) string {
	return partitionFilter(pk) + " and " + property + " eq '" + escapeFilterValue(value) + "'"
}

func escapeFilterValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// maxFilterComparisons is the table service limit on comparisons per filter.
const maxFilterComparisons = 15

// partitionFilters splits partition keys into filters of at most
// maxFilterComparisons comparisons each.
func partitionFilters(ids []string) []string {
	var filters []string
	for start := 0; start < len(ids); start += maxFilterComparisons {
		end := min(start+maxFilterComparisons, len(ids))
		parts := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			parts = append(parts, partitionFilter(id))
		}
		filters = append(filters, strings.Join(parts, " or "))
	}
	return filters
}
