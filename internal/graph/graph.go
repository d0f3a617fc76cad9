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

// Package graph lists and downloads messages through the Microsoft Graph
// mail REST API.
package graph

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matta/mailmirror/internal/message"
	"github.com/matta/mailmirror/internal/mirror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
)

const (
	// See https://learn.microsoft.com/graph/throttling-limits; the
	// Outlook service allows 10000 requests per 10 minutes per
	// mailbox.
	rateLimitPerSecond = 10000.0 / 600 * 0.8
	rateLimitBurst     = 20

	maxRetries     = 4
	maxRetryDelay  = time.Minute
	selectFields   = "id,sender,subject,body,receivedDateTime,attachments,internetMessageId"
	preferTextBody = `outlook.body-content-type="text"`
)

// Service provides access to one tenant's mailboxes.
type Service struct {
	client  *http.Client
	base    string
	limiter *rate.Limiter
	log     zerolog.Logger

	// sleep waits out a retry delay.  Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Service sending requests through client, which must add
// the Graph bearer token, to the API rooted at baseURL.
func New(client *http.Client, baseURL string, log zerolog.Logger) *Service {
	return &Service{
		client:  client,
		base:    strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		log:     log.With().Str("component", "graph").Logger(),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type graphMessage struct {
	ID                string     `json:"id"`
	Subject           string     `json:"subject"`
	ReceivedDateTime  string     `json:"receivedDateTime"`
	InternetMessageID string     `json:"internetMessageId"`
	Sender            *recipient `json:"sender"`
}

type listResponse struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

func (m *graphMessage) remote() *message.Remote {
	r := &message.Remote{
		ID:                m.ID,
		InternetMessageID: m.InternetMessageID,
		Subject:           m.Subject,
	}
	if m.Sender != nil {
		r.Sender = m.Sender.EmailAddress.Address
	}
	if t, err := time.Parse(time.RFC3339Nano, m.ReceivedDateTime); err == nil {
		r.ReceivedAt = t.UTC()
	}
	return r
}

func (s *Service) userURL(mailbox string) string {
	return s.base + "/users/" + url.PathEscape(mailbox)
}

func (s *Service) listURL(q message.Query) string {
	v := url.Values{}
	v.Set("$top", strconv.Itoa(q.PageSize))
	v.Set("$select", selectFields)
	v.Set("$orderby", "receivedDateTime")
	return s.userURL(q.Mailbox) + "/mailFolders/" + url.PathEscape(q.Folder) + "/messages?" + v.Encode()
}

// do sends a GET for rawURL, waiting on the rate limiter and retrying
// throttled responses.  Non-2xx results are returned as
// *googleapi.Error.
func (s *Service) do(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "building request for %s", rawURL)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "GET %s", rawURL)
		}
		if err := googleapi.CheckResponse(resp); err != nil {
			resp.Body.Close()
			if retryable(resp.StatusCode) && attempt < maxRetries {
				delay := retryDelay(resp.Header.Get("Retry-After"), attempt)
				s.log.Warn().Int("status", resp.StatusCode).Dur("delay", delay).
					Msg("throttled by Graph; retrying")
				if err := s.sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, errors.Wrapf(err, "GET %s", rawURL)
		}
		return resp, nil
	}
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// retryDelay honors a Retry-After given in seconds and otherwise backs
// off exponentially from one second.
func retryDelay(retryAfter string, attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		d = time.Duration(secs) * time.Second
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

type pager struct {
	s       *Service
	q       message.Query
	next    string
	started bool
	total   int
}

// List returns an iterator over the messages in q.Folder, oldest first.
func (s *Service) List(ctx context.Context, q message.Query) mirror.PageIterator {
	return &pager{s: s, q: q}
}

// Next fetches the next page.  The body preference header goes on
// every request, continuation links included, since Graph does not
// carry it forward.
func (p *pager) Next(ctx context.Context) ([]*message.Remote, error) {
	if p.started && p.next == "" {
		return nil, io.EOF
	}
	u := p.next
	if !p.started {
		u = p.s.listURL(p.q)
		p.started = true
	}

	resp, err := p.s.do(ctx, u, http.Header{"Prefer": {preferTextBody}})
	if err != nil {
		p.next = ""
		return nil, errors.Wrapf(err, "listing messages in %s/%s", p.q.Mailbox, p.q.Folder)
	}
	defer resp.Body.Close()

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		p.next = ""
		return nil, errors.Wrap(err, "decoding message list")
	}
	p.next = page.NextLink

	msgs := make([]*message.Remote, 0, len(page.Value))
	for i := range page.Value {
		msgs = append(msgs, page.Value[i].remote())
	}
	p.total += len(msgs)
	p.s.log.Debug().Msgf("listed page of Graph messages; count %d; total so far %d", len(msgs), p.total)
	return msgs, nil
}

// FetchContent returns the message's MIME content as served by the
// $value endpoint.
func (s *Service) FetchContent(ctx context.Context, mailbox, id string) (io.ReadCloser, error) {
	u := s.userURL(mailbox) + "/messages/" + url.PathEscape(id) + "/$value"
	resp, err := s.do(ctx, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "getting content of message %s", id)
	}
	return resp.Body, nil
}
