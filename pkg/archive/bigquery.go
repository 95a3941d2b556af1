package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
)

// FailureTableConfig names the BigQuery table failure records stream into.
type FailureTableConfig struct {
	DatasetID string
	TableID   string
}

// failureSchema is the fixed row shape of the failure archive. Declared
// explicitly so the table is stable across releases regardless of how
// FailureRecord evolves in memory.
var failureSchema = bigquery.Schema{
	{Name: "message_id", Type: bigquery.StringFieldType, Required: true},
	{Name: "channel_name", Type: bigquery.StringFieldType, Required: true},
	{Name: "error", Type: bigquery.StringFieldType},
	{Name: "payload", Type: bigquery.StringFieldType},
	{Name: "failed_at", Type: bigquery.TimestampFieldType, Required: true},
}

// FailureTable streams FailureRecord rows into BigQuery. It satisfies the
// batcher's DataBatchInserter contract; the client's lifecycle is managed by
// the caller.
type FailureTable struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewFailureTable verifies the archive table, creating it day-partitioned on
// failed_at if it does not exist, and returns the writer.
func NewFailureTable(ctx context.Context, client *bigquery.Client, cfg FailureTableConfig, logger zerolog.Logger) (*FailureTable, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("dataset and table ids cannot be empty")
	}

	logger = logger.With().Str("component", "FailureTable").Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if err := ensureFailureTable(ctx, table, logger); err != nil {
		return nil, err
	}

	return &FailureTable{
		inserter: table.Inserter(),
		logger:   logger,
	}, nil
}

// ensureFailureTable creates the archive table on first use.
func ensureFailureTable(ctx context.Context, table *bigquery.Table, logger zerolog.Logger) error {
	_, err := table.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "notFound") {
		return fmt.Errorf("failed to get archive table metadata: %w", err)
	}

	logger.Info().Msg("Failure archive table not found; creating it.")
	metadata := &bigquery.TableMetadata{
		Schema:           failureSchema,
		TimePartitioning: &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType, Field: "failed_at"},
	}
	if err := table.Create(ctx, metadata); err != nil {
		return fmt.Errorf("failed to create archive table: %w", err)
	}
	return nil
}

// InsertBatch streams a batch of failure records. Row-level errors are
// logged with the message id of the rejected record.
func (t *FailureTable) InsertBatch(ctx context.Context, records []*FailureRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := t.inserter.Put(ctx, records)
	if err == nil {
		t.logger.Debug().Int("batch_size", len(records)).Msg("Archived failure batch.")
		return nil
	}

	var multiErr bigquery.PutMultiError
	if errors.As(err, &multiErr) {
		for _, rowErr := range multiErr {
			event := t.logger.Error()
			if rowErr.RowIndex < len(records) {
				event = event.Str("msg_id", records[rowErr.RowIndex].MessageID)
			}
			event.Msgf("Archive row rejected: %v", rowErr.Errors)
		}
	} else {
		t.logger.Error().Err(err).Int("batch_size", len(records)).Msg("Failed to archive failure batch.")
	}
	return fmt.Errorf("archive insert failed: %w", err)
}

// Close is a no-op; the BigQuery client's lifecycle is managed externally.
func (t *FailureTable) Close() error {
	return nil
}
