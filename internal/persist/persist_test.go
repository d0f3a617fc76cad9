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

package persist

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNFromPath(t *testing.T) {
	cases := []struct {
		path string
		add  url.Values
		want string
	}{
		{"/tmp/ledger.db", nil, "file:///tmp/ledger.db"},
		{"/tmp/ledger.db", url.Values{"_busy_timeout": {"10"}}, "file:///tmp/ledger.db?_busy_timeout=10"},
		{"file:ledger.db?mode=ro", url.Values{"a": {"b"}}, "file:ledger.db?a=b&mode=ro"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, tc.add)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "dsnFromPath(%q)", tc.path)
	}
}

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return clock }

	runID, err := db.BeginRun(ctx, "reports@example.com", "graph")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	runs, err := db.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].FinishedAt.Valid)

	require.NoError(t, db.RecordDownload(ctx, &Download{
		InternetMessageID: "<b@x>",
		RemoteID:          "AAMk-b",
		RunID:             runID,
		Subject:           "Report",
		Folder:            "/mail/Report",
		ReceivedAt:        time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC),
		Size:              1234,
	}))

	clock = clock.Add(time.Minute)
	require.NoError(t, db.FinishRun(ctx, runID, &RunResult{Processed: 1, Skipped: 2}))

	runs, err = db.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	got := runs[0]
	assert.Equal(t, runID, got.RunID)
	assert.Equal(t, "reports@example.com", got.Mailbox)
	assert.Equal(t, "graph", got.Provider)
	assert.True(t, got.FinishedAt.Valid)
	assert.True(t, got.FinishedAt.Time.Equal(clock))
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, 2, got.Skipped)
	assert.Equal(t, 0, got.Failed)
	assert.Equal(t, "", got.Error)

	downloads, err := db.Downloads(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "<b@x>", downloads[0].InternetMessageID)
	assert.Equal(t, int64(1234), downloads[0].Size)
	assert.True(t, downloads[0].SavedAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))

	downloads, err = db.Downloads(ctx, "some-other-run", 10)
	require.NoError(t, err)
	assert.Empty(t, downloads)
}

func TestFinishUnknownRun(t *testing.T) {
	db := openTemp(t)
	err := db.FinishRun(context.Background(), "missing", &RunResult{})
	assert.Error(t, err)
}

func TestRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i) * time.Hour)
		db.now = func() time.Time { return at }
		id, err := db.BeginRun(ctx, "a@example.com", "imap")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	runs, err := db.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, ids[1], runs[1].RunID)
}

func TestReopenKeepsRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = db.BeginRun(ctx, "a@example.com", "gmail")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.Runs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
