package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/closurewatch/backend/internal/socrata"
)

func writeFixture(t *testing.T, dir, datasetID, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, datasetID+".json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSyntheticClientCountQuery(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "test-ds", `[
		{"service_name": "Graffiti", "requested_datetime": "2024-05-01T00:00:00"},
		{"service_name": "Graffiti", "requested_datetime": "2024-04-01T00:00:00"},
		{"service_name": "Noise Report", "requested_datetime": "2023-01-01T00:00:00"}
	]`)

	client := NewSyntheticClient(dir, nil)
	result, err := client.QueryTimeWindow(context.Background(), "test-ds", socrata.TimeWindowOptions{
		MonthsBack: 6,
		DateField:  "requested_datetime",
		Select:     "count(*) as count",
		AsOf:       testAsOf,
	})
	if err != nil {
		t.Fatal(err)
	}

	// The 2023 row falls outside the 6-month window.
	if got := countOf(result); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}

func TestSyntheticClientGroupQuery(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "test-ds", `[
		{"service_name": "Graffiti", "requested_datetime": "2024-05-01T00:00:00"},
		{"service_name": "Graffiti", "requested_datetime": "2024-05-02T00:00:00"},
		{"service_name": "Noise Report", "requested_datetime": "2024-05-03T00:00:00"}
	]`)

	client := NewSyntheticClient(dir, nil)
	result, err := client.QueryTimeWindow(context.Background(), "test-ds", socrata.TimeWindowOptions{
		MonthsBack: 6,
		DateField:  "requested_datetime",
		Select:     "service_name, count(*) as count",
		Group:      "service_name",
		AsOf:       testAsOf,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []socrata.Record{
		{"service_name": "Graffiti", "count": "2"},
		{"service_name": "Noise Report", "count": "1"},
	}
	if diff := cmp.Diff(want, result.Data); diff != "" {
		t.Errorf("grouped rows mismatch (-want +got):\n%s", diff)
	}
}

func TestSyntheticClientGroupAlias(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "test-ds", `[
		{"receiving_division": "Housing", "date_filed": "2024-05-01T00:00:00"}
	]`)

	client := NewSyntheticClient(dir, nil)
	result, err := client.QueryTimeWindow(context.Background(), "test-ds", socrata.TimeWindowOptions{
		MonthsBack: 12,
		DateField:  "date_filed",
		Select:     "receiving_division as division, count(*) as count",
		Group:      "receiving_division",
		AsOf:       testAsOf,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Data) != 1 {
		t.Fatalf("expected one grouped row, got %d", len(result.Data))
	}
	if result.Data[0]["division"] != "Housing" {
		t.Errorf("aliased field = %v, want Housing", result.Data[0]["division"])
	}
}

func TestSyntheticClientEqualityAndLikeFilters(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "reg-ds", `[
		{"dba_name": "GOLDEN DRAGON BAKERY", "city": "San Francisco"},
		{"dba_name": "DRAGON GATE GIFTS", "city": "Oakland"}
	]`)

	client := NewSyntheticClient(dir, nil)
	result, err := client.Query(context.Background(), "reg-ds",
		"$where=upper(dba_name) like '%DRAGON%' AND city='San Francisco'")
	if err != nil {
		t.Fatal(err)
	}
	if result.RecordCount != 1 {
		t.Fatalf("expected one match, got %d", result.RecordCount)
	}
	if result.Data[0]["dba_name"] != "GOLDEN DRAGON BAKERY" {
		t.Errorf("matched row = %v", result.Data[0]["dba_name"])
	}
}

func TestSyntheticClientOrClause(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "test-ds", `[
		{"service_name": "Graffiti", "requested_datetime": "2024-05-01T00:00:00"},
		{"service_name": "Encampment", "requested_datetime": "2024-05-01T00:00:00"},
		{"service_name": "Tree Maintenance", "requested_datetime": "2024-05-01T00:00:00"}
	]`)

	client := NewSyntheticClient(dir, nil)
	result, err := client.Query(context.Background(), "test-ds",
		"$select=count(*) as count&$where=service_name = 'Graffiti' OR service_name = 'Encampment'")
	if err != nil {
		t.Fatal(err)
	}
	if got := countOf(result); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}

func TestSyntheticClientMissingFixture(t *testing.T) {
	client := NewSyntheticClient(t.TempDir(), nil)
	result, err := client.Query(context.Background(), "absent-ds", "$select=count(*) as count")
	if err != nil {
		t.Fatal(err)
	}
	if got := countOf(result); got != 0 {
		t.Errorf("count = %d, want 0 for missing fixture", got)
	}
}

func TestSyntheticClientBacksAdapters(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "permits-ds", `[
		{"permit_type": "alterations", "filed_date": "2024-05-10T00:00:00", "estimated_cost": "1000"},
		{"permit_type": "alterations", "filed_date": "2024-04-10T00:00:00", "estimated_cost": "3000"},
		{"permit_type": "signage", "filed_date": "2023-09-10T00:00:00", "estimated_cost": "500"}
	]`)

	client := NewSyntheticClient(dir, nil)
	adapter := NewPermitsAdapter(client, "permits-ds", nil)
	env := adapter.Fetch(context.Background(), spatialRequest())

	if env.Signals["permit_count_3m"] != 2 {
		t.Errorf("permit_count_3m = %v, want 2", env.Signals["permit_count_3m"])
	}
	if env.Signals["permit_count_12m"] != 3 {
		t.Errorf("permit_count_12m = %v, want 3", env.Signals["permit_count_12m"])
	}
	if env.Signals["has_recent_permits"] != true {
		t.Error("expected has_recent_permits")
	}
}
