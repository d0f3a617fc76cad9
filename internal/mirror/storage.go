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

package mirror

// This file provides the interfaces the mirror pipeline needs from its
// collaborators.

import (
	"context"
	"io"

	"github.com/matta/mailmirror/internal/message"
	"github.com/matta/mailmirror/internal/persist"
)

// PageIterator pulls one page of a remote listing at a time.  Next
// returns io.EOF once the remote reports there are no further pages.
type PageIterator interface {
	Next(ctx context.Context) ([]*message.Remote, error)
}

// MessageLister enumerates the messages in a remote mailbox folder.
// Each call to List starts again from the first page.
type MessageLister interface {
	List(ctx context.Context, q message.Query) PageIterator
}

// ContentFetcher retrieves one message's complete raw MIME content,
// attachments included.  The caller closes the returned reader.
type ContentFetcher interface {
	FetchContent(ctx context.Context, mailbox, id string) (io.ReadCloser, error)
}

// MessageStorage provides all remote actions the pipeline uses.
type MessageStorage interface {
	MessageLister
	ContentFetcher
}

// Ledger keeps an optional audit trail of runs and downloads.  Ledger
// errors never fail a run.
type Ledger interface {
	BeginRun(ctx context.Context, mailbox, provider string) (string, error)
	RecordDownload(ctx context.Context, d *persist.Download) error
	FinishRun(ctx context.Context, runID string, result *persist.RunResult) error
}
