// Package stream provides DynamoDB Streams handlers for cascade deletes
// on deployments using the dynamo driver.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/internal/docpath"
	"github.com/Davileal/fireodm/odm"
)

// Handler processes stream events from the documents table and removes
// the subcollection children of deleted documents. It deletes one level
// per invocation: each child's own REMOVE record re-enters the stream and
// recurses through deeper nestings.
type Handler struct {
	db     *odm.DB
	logger *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(db *odm.DB, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		db:     db,
		logger: logger,
	}
}

// HandleCascadeDelete processes DynamoDB stream events to delete the
// children of removed documents. This function is designed to be used as
// an AWS Lambda handler.
func (h *Handler) HandleCascadeDelete(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != "REMOVE" {
		return nil
	}

	path := getStringAttr(record.Change.Keys, "path")
	if path == "" {
		path = getStringAttr(record.Change.OldImage, "path")
	}
	if path == "" || docpath.Validate(path) != nil || !docpath.IsDocument(path) {
		h.logger.Warn("skipping record without a document path",
			"eventID", record.EventID,
		)
		return nil
	}

	rt, ok := h.db.Registry().FindByLocation(docpath.CollectionName(path))
	if !ok {
		// Documents of undeclared types have no declared children.
		return nil
	}
	if len(rt.Subcollections) == 0 {
		return nil
	}

	h.logger.Info("processing cascade delete",
		"path", path,
		"type", rt.Name,
	)

	deleted := 0
	for _, sub := range rt.Subcollections {
		collPath := docpath.Join(path, sub.Subpath)
		snaps, err := h.db.Driver().Query(ctx, collPath, driver.Query{})
		if err != nil {
			return fmt.Errorf("query children %s: %w", collPath, err)
		}
		for _, snap := range snaps {
			if _, err := h.db.Driver().DeleteDocument(ctx, snap.Path); err != nil {
				h.logger.Warn("failed to delete child",
					"child", snap.Path,
					"error", err,
				)
				// Continue - idempotent, will retry
				continue
			}
			deleted++
		}
	}

	h.logger.Info("cascade delete completed",
		"path", path,
		"childrenDeleted", deleted,
	)
	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
