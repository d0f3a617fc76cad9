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

package graph

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/mailmirror/internal/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

func newTestService(t *testing.T, h http.HandlerFunc) (*Service, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s := New(srv.Client(), srv.URL+"/v1.0/", zerolog.Nop())
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s, srv
}

func TestListPagination(t *testing.T) {
	var requests []string
	var srvURL string
	s, srv := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RequestURI())
		if got, want := r.Header.Get("Prefer"), `outlook.body-content-type="text"`; got != want {
			t.Errorf("Prefer = %q, want %q", got, want)
		}
		if got, want := r.URL.Path, "/v1.0/users/reports@example.com/mailFolders/Inbox/messages"; got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("$skiptoken") == "" {
			q := r.URL.Query()
			if got := q.Get("$top"); got != "2" {
				t.Errorf("$top = %q, want 2", got)
			}
			if got := q.Get("$select"); got != selectFields {
				t.Errorf("$select = %q, want %q", got, selectFields)
			}
			if got := q.Get("$orderby"); got != "receivedDateTime" {
				t.Errorf("$orderby = %q, want receivedDateTime", got)
			}
			fmt.Fprintf(w, `{
  "value": [
    {"id": "m1", "subject": "Report", "receivedDateTime": "2024-01-02T09:30:00Z",
     "internetMessageId": "<b@x>", "sender": {"emailAddress": {"name": "B", "address": "b@example.com"}},
     "body": {"contentType": "text", "content": "hi"}},
    {"id": "m2", "subject": "", "receivedDateTime": "bogus", "internetMessageId": "<c@x>"}
  ],
  "@odata.nextLink": "%s/v1.0/users/reports@example.com/mailFolders/Inbox/messages?$skiptoken=abc"
}`, srvURL)
			return
		}
		fmt.Fprint(w, `{"value": [{"id": "m3", "subject": "Last", "receivedDateTime": "2024-01-03T00:00:00Z", "internetMessageId": "<d@x>"}]}`)
	})
	srvURL = srv.URL

	it := s.List(context.Background(), message.Query{Mailbox: "reports@example.com", Folder: "Inbox", PageSize: 2})
	var got [][]*message.Remote
	for {
		page, err := it.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, page)
	}

	want := [][]*message.Remote{
		{
			{ID: "m1", InternetMessageID: "<b@x>", Subject: "Report", Sender: "b@example.com",
				ReceivedAt: time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)},
			{ID: "m2", InternetMessageID: "<c@x>"},
		},
		{
			{ID: "m3", InternetMessageID: "<d@x>", Subject: "Last",
				ReceivedAt: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pages mismatch (-want +got):\n%s", diff)
	}
	if len(requests) != 2 {
		t.Errorf("made %d requests, want 2: %v", len(requests), requests)
	}

	// A fresh List starts over.
	requests = nil
	if _, err := s.List(context.Background(), message.Query{Mailbox: "reports@example.com", Folder: "Inbox", PageSize: 2}).Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(requests) != 1 {
		t.Errorf("restart made %d requests, want 1", len(requests))
	}
}

func TestListError(t *testing.T) {
	s, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error": {"code": "ErrorAccessDenied", "message": "Access is denied."}}`)
	})

	it := s.List(context.Background(), message.Query{Mailbox: "m", Folder: "Inbox", PageSize: 10})
	_, err := it.Next(context.Background())
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Next() error = %v, want a *googleapi.Error", err)
	}
	if apiErr.Code != http.StatusForbidden {
		t.Errorf("Code = %d, want %d", apiErr.Code, http.StatusForbidden)
	}
}

func TestThrottledRetry(t *testing.T) {
	calls := 0
	s, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, "raw mime")
	})
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	rc, err := s.FetchContent(context.Background(), "m", "id1")
	if err != nil {
		t.Fatalf("FetchContent() error = %v", err)
	}
	rc.Close()
	if diff := cmp.Diff([]time.Duration{3 * time.Second, 3 * time.Second}, delays); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}
}

func TestThrottledGivesUp(t *testing.T) {
	calls := 0
	s, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := s.FetchContent(context.Background(), "m", "id1")
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("FetchContent() error = %v, want 503", err)
	}
	if calls != maxRetries+1 {
		t.Errorf("made %d calls, want %d", calls, maxRetries+1)
	}
}

func TestFetchContent(t *testing.T) {
	const mime = "From: a@example.com\r\nSubject: Report\r\n\r\nbody\r\n"
	s, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.URL.EscapedPath(), "/v1.0/users/reports@example.com/messages/AAMk%2Fx=/$value"; got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
		if got := r.Header.Get("Prefer"); got != "" {
			t.Errorf("Prefer = %q on content request", got)
		}
		io.WriteString(w, mime)
	})

	rc, err := s.FetchContent(context.Background(), "reports@example.com", "AAMk/x=")
	if err != nil {
		t.Fatalf("FetchContent() error = %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != mime {
		t.Errorf("content = %q, want %q", b, mime)
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		header  string
		attempt int
		want    time.Duration
	}{
		{"", 0, time.Second},
		{"", 2, 4 * time.Second},
		{"7", 0, 7 * time.Second},
		{"0", 3, 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 1, 2 * time.Second},
		{"3600", 0, maxRetryDelay},
		{"", 10, maxRetryDelay},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.header, tc.attempt); got != tc.want {
			t.Errorf("retryDelay(%q, %d) = %v, want %v", tc.header, tc.attempt, got, tc.want)
		}
	}
}
