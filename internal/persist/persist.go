// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist keeps an SQLite audit ledger of mirror runs and the
// messages each run saved.  The ledger is informational only: the
// tracked id file, not this database, decides what is downloaded.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	createTableSql = []string{
		// The runs table holds one row per mirror run.
		//
		// Field: run_id
		//
		//   A random UUID assigned by BeginRun.
		//
		// Field: finished_at
		//
		//   NULL while the run is in progress, or if the process
		//   died before FinishRun.
		//
		// Field: error
		//
		//   The error that stopped the run, or the empty string.
		`
CREATE TABLE IF NOT EXISTS runs (
run_id TEXT NOT NULL PRIMARY KEY,
mailbox TEXT NOT NULL,
provider TEXT NOT NULL,
started_at TIMESTAMP NOT NULL,
finished_at TIMESTAMP,
processed INTEGER NOT NULL DEFAULT 0,
skipped INTEGER NOT NULL DEFAULT 0,
failed INTEGER NOT NULL DEFAULT 0,
error TEXT NOT NULL DEFAULT ''
);`,
		// The downloads table holds one row per saved message.
		//
		// Field: internet_message_id
		//
		//   The RFC 5322 Message-ID, as recorded in the tracked id
		//   file.  A message saved again after the id file was lost
		//   gets a second row.
		//
		// Field: folder
		//
		//   The directory the message was written to.
		`
CREATE TABLE IF NOT EXISTS downloads (
internet_message_id TEXT NOT NULL,
remote_id TEXT NOT NULL,
run_id TEXT NOT NULL,
subject TEXT NOT NULL,
folder TEXT NOT NULL,
received_at TIMESTAMP NOT NULL,
saved_at TIMESTAMP NOT NULL,
size INTEGER NOT NULL,
FOREIGN KEY (run_id) REFERENCES runs (run_id)
);`,
		`
CREATE INDEX IF NOT EXISTS downloads_by_message_id
ON downloads (internet_message_id);`,
	}
)

// Run is one row of the runs table.
type Run struct {
	RunID      string       `db:"run_id"`
	Mailbox    string       `db:"mailbox"`
	Provider   string       `db:"provider"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
	Processed  int          `db:"processed"`
	Skipped    int          `db:"skipped"`
	Failed     int          `db:"failed"`
	Error      string       `db:"error"`
}

// Download is one row of the downloads table.
type Download struct {
	InternetMessageID string    `db:"internet_message_id"`
	RemoteID          string    `db:"remote_id"`
	RunID             string    `db:"run_id"`
	Subject           string    `db:"subject"`
	Folder            string    `db:"folder"`
	ReceivedAt        time.Time `db:"received_at"`
	SavedAt           time.Time `db:"saved_at"`
	Size              int64     `db:"size"`
}

// RunResult is the outcome FinishRun stores.
type RunResult struct {
	Processed int
	Skipped   int
	Failed    int
	Err       string
}

type DB struct {
	db  *sqlx.DB
	now func() time.Time
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens or creates the ledger at path.
func Open(ctx context.Context, path string) (*DB, error) {
	// The mirror and a concurrent "history" command may both hold the
	// file open; poll for a minute rather than failing on SQLITE_BUSY.
	var busyTimeout = int(time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_foreign_keys": {"1"}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path",
			path)
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema", path)
	}

	return &DB{db: db, now: time.Now}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sqlx.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// BeginRun inserts a new in-progress run and returns its id.
func (db *DB) BeginRun(ctx context.Context, mailbox, provider string) (string, error) {
	id := uuid.NewString()
	const q = `INSERT INTO runs (run_id, mailbox, provider, started_at)
		VALUES (?, ?, ?, ?)`
	if _, err := db.db.ExecContext(ctx, q, id, mailbox, provider, db.now().UTC()); err != nil {
		return "", errors.Wrap(err, "db insert failed for run")
	}
	return id, nil
}

// RecordDownload notes that a message was saved during a run.
func (db *DB) RecordDownload(ctx context.Context, d *Download) error {
	row := *d
	if row.SavedAt.IsZero() {
		row.SavedAt = db.now()
	}
	row.SavedAt = row.SavedAt.UTC()
	row.ReceivedAt = row.ReceivedAt.UTC()
	const q = `INSERT INTO downloads
		(internet_message_id, remote_id, run_id, subject, folder, received_at, saved_at, size)
		VALUES (:internet_message_id, :remote_id, :run_id, :subject, :folder, :received_at, :saved_at, :size)`
	if _, err := db.db.NamedExecContext(ctx, q, &row); err != nil {
		return errors.Wrapf(err, "db insert failed for download %q", d.InternetMessageID)
	}
	return nil
}

// FinishRun stores the run's final counters.
func (db *DB) FinishRun(ctx context.Context, runID string, result *RunResult) error {
	const q = `UPDATE runs
		SET finished_at = ?, processed = ?, skipped = ?, failed = ?, error = ?
		WHERE run_id = ?`
	res, err := db.db.ExecContext(ctx, q, db.now().UTC(),
		result.Processed, result.Skipped, result.Failed, result.Err, runID)
	if err != nil {
		return errors.Wrapf(err, "db update failed for run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "FinishRun")
	}
	if n != 1 {
		return errors.Errorf("FinishRun: no run %s", runID)
	}
	return nil
}

// Runs returns up to limit runs, most recent first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	const q = `SELECT run_id, mailbox, provider, started_at, finished_at,
		processed, skipped, failed, error
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`
	if err := db.db.SelectContext(ctx, &runs, q, limit); err != nil {
		return nil, errors.Wrap(err, "db select failed for runs")
	}
	return runs, nil
}

// Downloads returns up to limit downloads, most recently saved first.
// An empty runID selects downloads from every run.
func (db *DB) Downloads(ctx context.Context, runID string, limit int) ([]Download, error) {
	var downloads []Download
	const q = `SELECT internet_message_id, remote_id, run_id, subject, folder,
		received_at, saved_at, size
		FROM downloads WHERE ? = '' OR run_id = ?
		ORDER BY saved_at DESC, rowid DESC LIMIT ?`
	if err := db.db.SelectContext(ctx, &downloads, q, runID, runID, limit); err != nil {
		return nil, errors.Wrap(err, "db select failed for downloads")
	}
	return downloads, nil
}
