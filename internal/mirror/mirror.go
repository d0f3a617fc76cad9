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

// Package mirror copies new messages from a remote mailbox folder to
// local disk.
//
// A run lists the whole folder, then walks the listing oldest first.
// Each message is skipped if it was received before the configured
// start date or if its Message-ID is already tracked; otherwise its raw
// content is written to a fresh folder named after the subject and its
// Message-ID is tracked.  An id is tracked only after its content is on
// disk, so a crash can cause a re-download but never a lost message.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/matta/mailmirror/internal/config"
	"github.com/matta/mailmirror/internal/failure"
	"github.com/matta/mailmirror/internal/mailstore"
	"github.com/matta/mailmirror/internal/message"
	"github.com/matta/mailmirror/internal/persist"
	"github.com/matta/mailmirror/internal/tracked"
	"github.com/rs/zerolog"
)

// Summary counts what a run did with each listed message.
type Summary struct {
	Listed           int
	Processed        int
	Skipped          int
	SkippedOld       int
	SkippedDuplicate int
	Failed           int
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLedger records runs and downloads in l.
func WithLedger(l Ledger) Option {
	return func(m *Mirror) {
		m.ledger = l
	}
}

// Mirror runs the download pipeline for one configured mailbox.
type Mirror struct {
	cfg    *config.Config
	remote MessageStorage
	store  *mailstore.Store
	ledger Ledger
	log    zerolog.Logger
}

// New returns a Mirror that copies cfg.Mailbox from remote into
// cfg.DownloadPath.  cfg must have passed Validate.
func New(cfg *config.Config, remote MessageStorage, log zerolog.Logger, opts ...Option) *Mirror {
	log = log.With().Str("component", "mirror").Str("mailbox", cfg.Mailbox).Logger()
	m := &Mirror{
		cfg:    cfg,
		remote: remote,
		store:  mailstore.New(cfg.DownloadPath, log),
		log:    log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type outcome int

const (
	saved outcome = iota
	skippedOld
	skippedDuplicate
)

// Run performs one mirror pass.  The summary is returned even on error.
// Nothing is sent to the remote service unless the mailbox is allowed,
// the download folder is usable and the tracked ids have loaded.
func (m *Mirror) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	if err := m.cfg.Authorize(); err != nil {
		m.log.Error().Err(err).Msg("mailbox is not in AllowedMailBoxes")
		return sum, err
	}
	if err := m.store.Prepare(); err != nil {
		err = failure.New(failure.DirectoryCreate, "preparing download folder", err)
		m.log.Error().Err(err).Send()
		return sum, err
	}
	ids, err := tracked.Load(tracked.Path(m.store.Root()), m.log)
	if err != nil {
		m.log.Error().Err(err).Msg("unable to load downloaded message ids")
		return sum, err
	}
	m.log.Info().
		Str("cutoff", m.cfg.Cutoff().Format("2006-01-02")).
		Int("tracked", ids.Len()).
		Msg("downloading messages received on or after cutoff")

	runID := m.beginRun(ctx)

	msgs, err := ListAll(ctx, m.remote, m.cfg.Query(), m.log)
	if err != nil {
		m.log.WithLevel(zerolog.FatalLevel).Err(err).Msg("unable to list messages")
		m.finishRun(ctx, runID, sum, err)
		return sum, err
	}
	sum.Listed = len(msgs)
	m.log.Info().Int("count", len(msgs)).Msg("listed messages")

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return m.stop(ctx, runID, sum, err)
		}
		out, err := m.process(ctx, ids, runID, msg)
		if err != nil {
			sum.Failed++
			return m.stop(ctx, runID, sum, err)
		}
		switch out {
		case saved:
			sum.Processed++
		case skippedOld:
			sum.Skipped++
			sum.SkippedOld++
		case skippedDuplicate:
			sum.Skipped++
			sum.SkippedDuplicate++
		}
	}

	m.log.Info().
		Int("processed", sum.Processed).
		Int("skipped", sum.Skipped).
		Msg("mirror run complete")
	m.finishRun(ctx, runID, sum, nil)
	return sum, nil
}

func (m *Mirror) stop(ctx context.Context, runID string, sum *Summary, err error) (*Summary, error) {
	m.log.WithLevel(zerolog.FatalLevel).Err(err).
		Int("processed", sum.Processed).
		Msg("mirror run stopped")
	m.finishRun(ctx, runID, sum, err)
	return sum, err
}

func (m *Mirror) process(ctx context.Context, ids *tracked.Store, runID string, msg *message.Remote) (outcome, error) {
	log := m.log.With().Str("id", msg.ID).Logger()
	log.Info().Str("subject", msg.Subject).Msg("processing message")

	if receivedBefore(msg.ReceivedAt, m.cfg.Cutoff()) {
		log.Info().Time("received", msg.ReceivedAt).Msg("skipping message received before cutoff")
		return skippedOld, nil
	}
	if msg.InternetMessageID == "" {
		log.Warn().Msg("message has no Message-ID; it will be downloaded on every run")
	} else if ids.Contains(msg.InternetMessageID) {
		log.Info().Str("message_id", msg.InternetMessageID).Msg("skipping already downloaded message")
		return skippedDuplicate, nil
	}

	dir := m.store.UniquePath(msg.Subject)

	content, err := m.remote.FetchContent(ctx, m.cfg.Mailbox, msg.ID)
	if err != nil {
		return 0, failure.New(failure.RemoteFetch, fmt.Sprintf("fetching content of %s", msg.ID), err)
	}
	defer content.Close()

	if err := m.store.Mkdir(dir); err != nil {
		log.Error().Err(err).Msg("unable to create message folder")
	}
	path, n, err := m.store.WriteMessage(dir, content)
	if err != nil {
		return 0, err
	}
	if err := ids.Record(msg.InternetMessageID); err != nil {
		return 0, failure.New(failure.Write, fmt.Sprintf("recording %s", msg.InternetMessageID), err)
	}
	log.Info().Str("path", path).Int64("bytes", n).Msg("saved message")

	m.recordDownload(ctx, &persist.Download{
		InternetMessageID: msg.InternetMessageID,
		RemoteID:          msg.ID,
		RunID:             runID,
		Subject:           msg.Subject,
		Folder:            dir,
		ReceivedAt:        msg.ReceivedAt,
		Size:              n,
	})
	return saved, nil
}

// receivedBefore reports whether the UTC date of t is earlier than
// cutoff.  An unknown receipt time counts as too old.
func receivedBefore(t, cutoff time.Time) bool {
	if t.IsZero() {
		return true
	}
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.Before(cutoff)
}

func (m *Mirror) beginRun(ctx context.Context) string {
	if m.ledger == nil {
		return ""
	}
	id, err := m.ledger.BeginRun(ctx, m.cfg.Mailbox, m.cfg.Provider)
	if err != nil {
		m.log.Warn().Err(err).Msg("ledger unavailable for this run")
		return ""
	}
	return id
}

func (m *Mirror) recordDownload(ctx context.Context, d *persist.Download) {
	if m.ledger == nil || d.RunID == "" {
		return
	}
	if err := m.ledger.RecordDownload(ctx, d); err != nil {
		m.log.Warn().Err(err).Str("message_id", d.InternetMessageID).Msg("unable to record download in ledger")
	}
}

func (m *Mirror) finishRun(ctx context.Context, runID string, sum *Summary, runErr error) {
	if m.ledger == nil || runID == "" {
		return
	}
	result := &persist.RunResult{
		Processed: sum.Processed,
		Skipped:   sum.Skipped,
		Failed:    sum.Failed,
	}
	if runErr != nil {
		result.Err = runErr.Error()
	}
	// The run's context may already be cancelled; the ledger row should
	// still be closed out.
	if err := m.ledger.FinishRun(context.WithoutCancel(ctx), runID, result); err != nil {
		m.log.Warn().Err(err).Msg("unable to finish run in ledger")
	}
}
