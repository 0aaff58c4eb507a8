package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
)

const tasks = "pwa-offline-tasks"

func openMemory(t *testing.T) *LevelDBQueue {
	t.Helper()
	q, err := OpenLevelDBQueue("memory")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func collect(t *testing.T, q Store, namespace string) []TaskRecord {
	t.Helper()
	records := make([]TaskRecord, 0)
	err := q.Iterate(context.Background(), namespace, func(rec TaskRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records
}

func TestPutIterateClear(t *testing.T) {
	ctx := context.Background()
	q := openMemory(t)

	q.Put(ctx, tasks, TaskRecord{Key: "a", Endpoint: "/api/save", Options: RequestOptions{Method: "post", Body: `{"x":1}`}, RefreshReportID: "emp"})
	q.Put(ctx, tasks, TaskRecord{Key: "b", Endpoint: "/api/delete", RefreshReportID: "dept"})
	q.Put(ctx, "other-tasks", TaskRecord{Key: "c", Endpoint: "/api/other"})

	records := collect(t, q, tasks)
	if len(records) != 2 {
		t.Fatalf("Records are %+v", records)
	}
	if records[0].Options.Method != "POST" || records[0].Options.Body != `{"x":1}` || records[0].RefreshReportID != "emp" {
		t.Fatalf("Record is %+v", records[0])
	}
	if records[1].Options.Method != "GET" {
		t.Fatalf("Default method is %s", records[1].Options.Method)
	}

	if err := q.Clear(ctx, tasks); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx, tasks); n != 0 {
		t.Fatalf("Queue has %d records after clear", n)
	}
	if n, _ := q.Len(ctx, "other-tasks"); n != 1 {
		t.Fatalf("Other namespace has %d records", n)
	}
}

func TestDeleteRemovesOnlyGivenKeys(t *testing.T) {
	ctx := context.Background()
	q := openMemory(t)
	q.Put(ctx, tasks, TaskRecord{Key: "a", Endpoint: "/api/a"})
	q.Put(ctx, tasks, TaskRecord{Key: "b", Endpoint: "/api/b"})
	q.Put(ctx, tasks, TaskRecord{Key: "c", Endpoint: "/api/c"})
	q.Put(ctx, "other-tasks", TaskRecord{Key: "a", Endpoint: "/api/other"})

	if err := q.Delete(ctx, tasks, []string{"a", "c", "missing"}); err != nil {
		t.Fatal(err)
	}
	if records := collect(t, q, tasks); len(records) != 1 || records[0].Key != "b" {
		t.Fatalf("Records are %+v", records)
	}
	if n, _ := q.Len(ctx, "other-tasks"); n != 1 {
		t.Fatalf("Other namespace has %d records", n)
	}
}

func TestPutGeneratesKey(t *testing.T) {
	q := openMemory(t)
	rec, err := q.Put(context.Background(), tasks, TaskRecord{Endpoint: "/api/save"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Key == "" {
		t.Fatal("Key was not generated")
	}
}

func TestPutRejectsMissingEndpoint(t *testing.T) {
	q := openMemory(t)
	if _, err := q.Put(context.Background(), tasks, TaskRecord{Key: "a"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Error is %v", err)
	}
}

func TestIterateAbortsOnMalformedRecord(t *testing.T) {
	q := openMemory(t)
	prefix, _ := namespacePrefix(tasks)
	if err := q.db.Put(append(prefix, "broken"...), []byte("{not json"), nil); err != nil {
		t.Fatal(err)
	}
	err := q.Iterate(context.Background(), tasks, func(TaskRecord) error { return nil })
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Error is %v", err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	q, err := OpenLevelDBQueue(path)
	if err != nil {
		t.Fatal(err)
	}
	q.Put(context.Background(), tasks, TaskRecord{Key: "a", Endpoint: "/api/save"})
	q.Close()

	q, err = OpenLevelDBQueue(path)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if records := collect(t, q, tasks); len(records) != 1 || records[0].Endpoint != "/api/save" {
		t.Fatalf("Records are %+v", records)
	}
}

func TestParseTaskRecordAcceptsNumericCorrelationID(t *testing.T) {
	rec, err := ParseTaskRecord("k", []byte(`{"endpoint":"/api/save","options":{"method":"PUT","headers":{"Content-Type":"application/json"}},"refreshReportId":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if rec.RefreshReportID != "42" || rec.Options.Headers["Content-Type"] != "application/json" || rec.Key != "k" {
		t.Fatalf("Record is %+v", rec)
	}
}
