package dataset

import (
	"github.com/Sternrassler/runhistory/pkg/pagination"
)

// RecordFields are the workflow run fields kept in a dataset.
var RecordFields = []string{
	"id",
	"name",
	"head_sha",
	"created_at",
	"updated_at",
	"event",
	"status",
	"conclusion",
	"jobs_url",
}

// HeadCommitField holds the commit a workflow run was triggered for.
const HeadCommitField = "head_commit"

// CommitFields are the head_commit paths kept in the commits dataset.
var CommitFields = [][]string{
	{"id"},
	{"message"},
	{"timestamp"},
	{"author", "name"},
	{"author", "email"},
}

var repoColumns = []string{"organization", "repo", "repo_url"}

// Columns is the workflows header: repository columns followed by RecordFields.
var Columns = append(append([]string(nil), repoColumns...), RecordFields...)

// CommitColumns is the commits header: repository columns, the run id and
// the head commit fields.
var CommitColumns = append(append([]string(nil), repoColumns...),
	"run_id", "commit_id", "message", "timestamp", "author_name", "author_email")

// Row is one dataset line, aligned with the dataset's columns.
type Row []string

// Project keeps the RecordFields of every record and prefixes the
// repository columns.
func Project(owner, repo, repoURL string, records []pagination.Record) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := make(Row, 0, len(Columns))
		row = append(row, owner, repo, repoURL)
		for _, field := range RecordFields {
			row = append(row, rec.String(field))
		}
		rows = append(rows, row)
	}
	return rows
}

// ProjectCommits returns one row per record carrying a head commit, in
// record order. Records without a head commit are skipped.
func ProjectCommits(owner, repo, repoURL string, records []pagination.Record) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		if rec[HeadCommitField] == nil {
			continue
		}
		row := make(Row, 0, len(CommitColumns))
		row = append(row, owner, repo, repoURL, rec.ID())
		for _, path := range CommitFields {
			row = append(row, rec.StringAt(append([]string{HeadCommitField}, path...)...))
		}
		rows = append(rows, row)
	}
	return rows
}

// CountRecords returns the number of records.
func CountRecords(records []pagination.Record) int {
	return len(records)
}

// DuplicateIDs returns the ids that occur more than once, in first-seen order.
func DuplicateIDs(records []pagination.Record) []string {
	seen := make(map[string]int, len(records))
	var dups []string
	for _, rec := range records {
		id := rec.ID()
		if id == "" {
			continue
		}
		seen[id]++
		if seen[id] == 2 {
			dups = append(dups, id)
		}
	}
	return dups
}
