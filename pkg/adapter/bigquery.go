package adapter

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/service/event"
	"google.golang.org/api/googleapi"
)

// EventTable streams event rows into a BigQuery table
type EventTable struct {
	client  *bigquery.Client
	dataset string
	table   string
}

var _ event.RowWriter = (*EventTable)(nil)

// NewEventTable creates the writer. Call EnsureTable once to create a missing table.
func NewEventTable(ctx context.Context, projectID, datasetID, tableID string) (*EventTable, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &EventTable{
		client:  client,
		dataset: datasetID,
		table:   tableID,
	}, nil
}

// EnsureTable creates the event table, partitioned by event time, if it is missing
func (t *EventTable) EnsureTable(ctx context.Context) error {
	ref := t.client.Dataset(t.dataset).Table(t.table)
	if _, err := ref.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return goerr.Wrap(err, "failed to get event table metadata",
			goerr.Value("dataset", t.dataset), goerr.Value("table", t.table))
	}

	schema, err := bigquery.InferSchema(event.Row{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer event schema")
	}

	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "at",
		},
	}
	if err := ref.Create(ctx, meta); err != nil {
		return goerr.Wrap(err, "failed to create event table",
			goerr.Value("dataset", t.dataset), goerr.Value("table", t.table))
	}
	return nil
}

// Write inserts rows with the streaming API
func (t *EventTable) Write(ctx context.Context, rows []*event.Row) error {
	if len(rows) == 0 {
		return nil
	}
	inserter := t.client.Dataset(t.dataset).Table(t.table).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return goerr.Wrap(err, "failed to insert event rows",
			goerr.Value("dataset", t.dataset), goerr.Value("table", t.table), goerr.Value("rows", len(rows)))
	}
	return nil
}

// Close releases the client
func (t *EventTable) Close() error {
	return t.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
