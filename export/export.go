// Package export writes immutable weekly adherence snapshots to GCS.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"medtracker/adherence"
	"medtracker/daynum"
	"medtracker/dblayer"
	"medtracker/dbtypes"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
)

const statsKeyPrefix = "stats/"

// Exporter fronts the weekly-stats snapshots in a GCS bucket.  A snapshot is
// written once per (user, reference day) and never overwritten.
type Exporter struct {
	gcs    *storage.Client
	bucket string
}

func New(gcs *storage.Client, bucket string) *Exporter {
	return &Exporter{
		gcs:    gcs,
		bucket: bucket,
	}
}

// objectName places a snapshot under stats/<userID>/.  User IDs that would
// escape that prefix are refused.
func objectName(userID string, day daynum.Day) (string, error) {
	if userID == "" || userID == "." || userID == ".." || strings.Contains(userID, "/") {
		return "", &dbtypes.ValidationError{Field: "userID", Reason: "must be a single path segment"}
	}
	return path.Join(statsKeyPrefix, userID, day.String()+".json"), nil
}

// Export stores stats as the snapshot for the last day in stats.Days.
// Returns the object name and whether this call created it; an existing
// snapshot is left untouched.
func (e *Exporter) Export(ctx context.Context, userID string, stats *adherence.WeeklyStats) (string, bool, error) {
	tracer := otel.Tracer("medtracker/export")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Exporter.Export")
	defer span.End()

	if len(stats.Days) == 0 {
		return "", false, fmt.Errorf("weekly stats have no days")
	}
	name, err := objectName(userID, stats.Days[len(stats.Days)-1].Day)
	if err != nil {
		return "", false, err
	}
	span.SetAttributes(attribute.String("object", name))

	data, err := json.Marshal(stats)
	if err != nil {
		return "", false, fmt.Errorf("while marshaling weekly stats: %w", err)
	}

	obj := e.gcs.Bucket(e.bucket).Object(name)

	// Create condition: object does not currently exist.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"

	// Disable chunking.  The snapshots are small.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		w.Close()
		err := fmt.Errorf("while writing snapshot to object writer: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, err
	}

	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			span.SetStatus(codes.Ok, "already exported")
			return name, false, nil
		}

		err := fmt.Errorf("while closing object writer: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, err
	}

	span.SetStatus(codes.Ok, "")
	return name, true, nil
}

// Get reads back the snapshot for (userID, day).
func (e *Exporter) Get(ctx context.Context, userID string, day daynum.Day) (*adherence.WeeklyStats, error) {
	tracer := otel.Tracer("medtracker/export")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Exporter.Get")
	defer span.End()

	name, err := objectName(userID, day)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("object", name))

	r, err := e.gcs.Bucket(e.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		span.SetStatus(codes.Ok, "")
		return nil, fmt.Errorf("snapshot %s: %w", name, dblayer.ErrNotFound)
	}
	if err != nil {
		err := fmt.Errorf("while opening reader for object: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		err := fmt.Errorf("while reading from object: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	stats := &adherence.WeeklyStats{}
	if err := json.Unmarshal(data, stats); err != nil {
		return nil, fmt.Errorf("while unmarshaling snapshot: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return stats, nil
}
