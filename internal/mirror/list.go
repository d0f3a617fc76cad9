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

import (
	"context"
	"io"
	"sort"

	"github.com/matta/mailmirror/internal/failure"
	"github.com/matta/mailmirror/internal/message"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func listPages(ctx context.Context, l MessageLister, q message.Query, log zerolog.Logger, pages chan<- []*message.Remote) error {
	defer close(pages)

	it := l.List(ctx, q)
	total := 0
	for {
		page, err := it.Next(ctx)
		if err == io.EOF {
			log.Info().Int("total", total).Msg("done listing messages")
			return nil
		}
		if err != nil {
			return err
		}
		total += len(page)
		log.Debug().Msgf("listed page of messages; count %d; total so far %d", len(page), total)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pages <- page:
		}
	}
}

// ListAll materializes the complete listing for q, ordered by ascending
// receipt time.  If any page fails the pages already received are
// dropped and the error is a failure.RemoteFetch: a partial listing
// could silently hide a gap.
func ListAll(ctx context.Context, l MessageLister, q message.Query, log zerolog.Logger) ([]*message.Remote, error) {
	grp, ctx := errgroup.WithContext(ctx)
	pages := make(chan []*message.Remote, 4)
	grp.Go(func() error {
		return listPages(ctx, l, q, log, pages)
	})

	var all []*message.Remote
	grp.Go(func() error {
		for page := range pages {
			for _, msg := range page {
				if msg != nil {
					all = append(all, msg)
				}
			}
		}
		return nil
	})

	if err := grp.Wait(); err != nil {
		return nil, failure.New(failure.RemoteFetch, "listing messages", err)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ReceivedAt.Before(all[j].ReceivedAt)
	})
	return all, nil
}
