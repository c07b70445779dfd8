package usage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteDBRecordsEvent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "usage.db")
	db, err := NewSQLiteDB(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteDB: %v", err)
	}
	defer db.Close()

	err = db.Record(context.Background(), Event{
		ConnectorID: "conn1",
		Model:       "llama3",
		Provider:    "local",
		NodeID:      "N1",
		TokensIn:    10,
		TokensOut:   20,
		LatencyMS:   150,
		Status:      200,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	var count int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM usage_log WHERE connector_id = ?`, "conn1").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestCompositeFansOutAndToleratesFailure(t *testing.T) {
	succeeded := &recordingRecorder{}
	failing := &failingRecorder{}

	c := NewComposite(nil, succeeded, failing, nil)
	if err := c.Record(context.Background(), Event{ConnectorID: "conn1"}); err != nil {
		t.Fatalf("expected Composite.Record to swallow individual recorder errors, got %v", err)
	}
	if len(succeeded.events) != 1 {
		t.Fatalf("expected the working recorder to receive the event")
	}
}

type recordingRecorder struct {
	events []Event
}

func (r *recordingRecorder) Record(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return nil
}

type failingRecorder struct{}

func (f *failingRecorder) Record(context.Context, Event) error {
	return errRecorderFailed
}

var errRecorderFailed = recorderError("recorder failed")

type recorderError string

func (e recorderError) Error() string { return string(e) }
