package importer_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"dashsync/internal/db"
	"dashsync/internal/domain"
	"dashsync/internal/importer"
	"dashsync/internal/migrate"
	"dashsync/internal/repo"
)

const sample = `name,github_url,description,status,language,budget,spent,monthly_revenue
alpha,https://github.com/acme/alpha,first,active,Go,1000,200,50
beta,,second,on_hold,Python,500,100,0
gamma,https://github.com/acme/gamma,third,active,Rust,not-a-number,0,0
delta,,fourth,active,,10,5,1
`

func newImporter(t *testing.T) (importer.Importer, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Driver: db.DriverSQLite}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return importer.Importer{Store: r, Now: func() time.Time { return now }}, r
}

func TestImportStopsAtFirstMalformedRow(t *testing.T) {
	im, r := newImporter(t)
	ctx := context.Background()
	res, err := im.ImportProjects(ctx, strings.NewReader(sample), importer.Options{SkipErrors: false})
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordsImported != 2 || res.RecordsFailed < 1 || !res.Stopped {
		t.Fatalf("result: %+v", res)
	}
	projects, _ := r.ListProjects(ctx, "", 10)
	if len(projects) != 2 {
		t.Fatalf("expected rows before the failure only, got %d", len(projects))
	}
	logs, _ := r.ListImportLogs(ctx, importer.Source, 10)
	if len(logs) != 1 || logs[0].Status != domain.ImportPartial || logs[0].FailedItems != 1 {
		t.Fatalf("import log: %+v", logs)
	}
}

func TestImportSkipErrors(t *testing.T) {
	im, r := newImporter(t)
	ctx := context.Background()
	res, err := im.ImportProjects(ctx, strings.NewReader(sample), importer.Options{SkipErrors: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordsImported != 3 || res.RecordsFailed != 1 || res.Stopped {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Item != "line 4" {
		t.Fatalf("errors: %+v", res.Errors)
	}

	again, err := im.ImportProjects(ctx, strings.NewReader(sample), importer.Options{SkipErrors: true})
	if err != nil {
		t.Fatal(err)
	}
	if again.RecordsImported != 0 || again.RecordsUpdated != 3 {
		t.Fatalf("second import must update by natural key: %+v", again)
	}
	p, err := r.FindProjectByURL(ctx, "https://github.com/acme/alpha")
	if err != nil || p.Budget != 1000 || p.Spent != 200 {
		t.Fatalf("alpha: %+v %v", p, err)
	}
}

func TestImportRejectsInvalidStatus(t *testing.T) {
	im, _ := newImporter(t)
	in := "name,status\nok,active\nbad,exploded\n"
	res, err := im.ImportProjects(context.Background(), strings.NewReader(in), importer.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordsImported != 1 || res.RecordsFailed != 1 {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.Errors[0].Error, "Status") {
		t.Fatalf("error: %+v", res.Errors[0])
	}
}
