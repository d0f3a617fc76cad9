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

package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/matta/mailmirror/internal/message"
	"github.com/matta/mailmirror/internal/mirror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerMessagesList = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	maxAttempts = 5
)

// GmailService provides access to messages stored in Google's GMail
// system.
type GmailService struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New returns a GmailService using client, which must carry OAuth
// credentials for the Gmail read-only scope.
func New(ctx context.Context, client *http.Client, log zerolog.Logger, opts ...option.ClientOption) (*GmailService, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &GmailService{
		service: s,
		limiter: l,
		log:     log.With().Str("component", "gmail").Logger(),
	}, nil
}

// call runs do under the rate limiter, retrying while Gmail reports
// the user's rate limit is exceeded.
func (s *GmailService) call(ctx context.Context, units int, do func() error) error {
	for attempt := 1; ; attempt++ {
		if err := s.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		err := do()
		if err == nil {
			return nil
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests && attempt < maxAttempts {
			s.log.Warn().Int("attempt", attempt).Msg("gmail rate limit exceeded; retrying")
			continue
		}
		return err
	}
}

type pager struct {
	s       *GmailService
	q       message.Query
	token   string
	started bool
	total   int
}

// List returns an iterator over the messages carrying the label
// q.Folder.  Gmail lists newest first; ordering is left to the caller.
func (s *GmailService) List(ctx context.Context, q message.Query) mirror.PageIterator {
	return &pager{s: s, q: q}
}

func (p *pager) Next(ctx context.Context) ([]*message.Remote, error) {
	if p.started && p.token == "" {
		return nil, io.EOF
	}
	p.started = true

	req := p.s.service.Users.Messages.List(p.q.Mailbox).
		LabelIds(p.q.Folder).
		MaxResults(int64(p.q.PageSize)).
		Context(ctx)
	if p.token != "" {
		req.PageToken(p.token)
	}
	var page *gmail_api.ListMessagesResponse
	err := p.s.call(ctx, quotaUnitsPerMessagesList, func() (err error) {
		page, err = req.Do()
		return
	})
	if err != nil {
		p.token = ""
		return nil, errors.Wrap(err, "unable to list messages")
	}
	p.token = page.NextPageToken

	msgs := make([]*message.Remote, 0, len(page.Messages))
	for _, m := range page.Messages {
		r, err := p.s.getHeader(ctx, p.q.Mailbox, m.Id)
		if err != nil {
			p.token = ""
			return nil, err
		}
		msgs = append(msgs, r)
	}
	p.total += len(msgs)
	p.s.log.Debug().Msgf("listed page of Gmail messages; count %d; total so far %d", len(msgs), p.total)
	return msgs, nil
}

func (s *GmailService) getHeader(ctx context.Context, user, id string) (*message.Remote, error) {
	req := s.service.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders("Message-ID", "Subject", "From").
		Context(ctx)
	var msg *gmail_api.Message
	err := s.call(ctx, quotaUnitsMessagesGet, func() (err error) {
		msg, err = req.Do()
		return
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return remoteFromMessage(msg), nil
}

func remoteFromMessage(msg *gmail_api.Message) *message.Remote {
	var h mail.Header
	if msg.Payload != nil {
		for _, ph := range msg.Payload.Headers {
			h.Add(ph.Name, ph.Value)
		}
	}
	r := &message.Remote{
		ID:                msg.Id,
		InternetMessageID: strings.TrimSpace(h.Get("Message-Id")),
	}
	if subject, err := h.Subject(); err == nil {
		r.Subject = subject
	} else {
		r.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		r.Sender = from[0].Address
	}
	if msg.InternalDate > 0 {
		r.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	return r
}

// FetchContent returns the message exactly as Gmail received it.
func (s *GmailService) FetchContent(ctx context.Context, user, id string) (io.ReadCloser, error) {
	req := s.service.Users.Messages.Get(user, id).Format("raw").Context(ctx)
	var msg *gmail_api.Message
	err := s.call(ctx, quotaUnitsMessagesGet, func() (err error) {
		msg, err = req.Do()
		return
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}
