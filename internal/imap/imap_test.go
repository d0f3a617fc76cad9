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

package imap

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/go-cmp/cmp"
	"github.com/matta/mailmirror/internal/config"
	"github.com/matta/mailmirror/internal/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type fakeClient struct {
	selects []string
	uids    []imap.UID
	bodies  map[imap.UID]string
	fetches [][]imap.UID
}

func (f *fakeClient) Select(name string) error {
	f.selects = append(f.selects, name)
	return nil
}

func (f *fakeClient) SearchAll() ([]imap.UID, error) {
	return f.uids, nil
}

func (f *fakeClient) Envelopes(uids []imap.UID) ([]*message.Remote, error) {
	f.fetches = append(f.fetches, append([]imap.UID(nil), uids...))
	var msgs []*message.Remote
	for _, uid := range uids {
		msgs = append(msgs, &message.Remote{ID: strconv.Itoa(int(uid))})
	}
	return msgs, nil
}

func (f *fakeClient) Body(uid imap.UID) ([]byte, error) {
	b, ok := f.bodies[uid]
	if !ok {
		return nil, errors.Errorf("no UID %d", uid)
	}
	return []byte(b), nil
}

func (f *fakeClient) Close() error { return nil }

func TestListChunksByPageSize(t *testing.T) {
	fc := &fakeClient{uids: []imap.UID{3, 5, 8, 13, 21}}
	s := newService(fc, "INBOX", zerolog.Nop())

	it := s.List(context.Background(), message.Query{PageSize: 2})
	var ids []string
	for {
		page, err := it.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		for _, m := range page {
			ids = append(ids, m.ID)
		}
	}

	if diff := cmp.Diff([]string{"3", "5", "8", "13", "21"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	want := [][]imap.UID{{3, 5}, {8, 13}, {21}}
	if diff := cmp.Diff(want, fc.fetches); diff != "" {
		t.Errorf("fetch batches mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"INBOX"}, fc.selects); diff != "" {
		t.Errorf("selects mismatch (-want +got):\n%s", diff)
	}
}

func TestListEmptyFolder(t *testing.T) {
	s := newService(&fakeClient{}, "INBOX", zerolog.Nop())
	if _, err := s.List(context.Background(), message.Query{PageSize: 10}).Next(context.Background()); err != io.EOF {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}

func TestFetchContent(t *testing.T) {
	fc := &fakeClient{bodies: map[imap.UID]string{7: "Subject: hi\r\n\r\nbody\r\n"}}
	s := newService(fc, "Archive", zerolog.Nop())

	rc, err := s.FetchContent(context.Background(), "ignored", "7")
	if err != nil {
		t.Fatalf("FetchContent() error = %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if got, want := string(b), "Subject: hi\r\n\r\nbody\r\n"; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"Archive"}, fc.selects); diff != "" {
		t.Errorf("selects mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"", "0", "abc", "-1", "99999999999"} {
		if _, err := s.FetchContent(context.Background(), "ignored", bad); err == nil {
			t.Errorf("FetchContent(%q) succeeded", bad)
		}
	}
}

func TestConnectCancelledDuringGreeting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	// Accept and never send a greeting.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := Connect(ctx, config.IMAP{Host: "127.0.0.1", Port: addr.Port, Username: "u", Password: "p"}, "INBOX", zerolog.Nop())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Connect() = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Connect did not return after cancellation")
	}
}

func TestNormalizeMessageID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"abc@example.com", "<abc@example.com>"},
		{"<abc@example.com>", "<abc@example.com>"},
		{"  abc@example.com ", "<abc@example.com>"},
	}
	for _, tc := range cases {
		if got := normalizeMessageID(tc.in); got != tc.want {
			t.Errorf("normalizeMessageID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRemoteFromBuffer(t *testing.T) {
	received := time.Date(2024, 1, 2, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	b := &imapclient.FetchMessageBuffer{
		UID:          42,
		InternalDate: received,
		Envelope: &imap.Envelope{
			Subject:   "Report",
			MessageID: "b@x",
			From:      []imap.Address{{Name: "Bea", Mailbox: "b", Host: "example.com"}},
		},
	}
	want := &message.Remote{
		ID:                "42",
		InternetMessageID: "<b@x>",
		Subject:           "Report",
		Sender:            "b@example.com",
		ReceivedAt:        time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, remoteFromBuffer(b)); diff != "" {
		t.Errorf("remoteFromBuffer() mismatch (-want +got):\n%s", diff)
	}
}
