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

// Package imap lists and downloads messages from an IMAP4rev1 server.
//
// Message ids handed to the pipeline are UIDs in the selected folder, so
// they are only meaningful for the session that listed them.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/matta/mailmirror/internal/config"
	"github.com/matta/mailmirror/internal/message"
	"github.com/matta/mailmirror/internal/mirror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	commandsPerSecond = 10
	commandBurst      = 10

	dialTimeout = 30 * time.Second
)

// client is the part of an IMAP session the provider needs.
type client interface {
	Select(name string) error
	SearchAll() ([]imap.UID, error)
	Envelopes(uids []imap.UID) ([]*message.Remote, error)
	Body(uid imap.UID) ([]byte, error)
	Close() error
}

// Service provides access to one folder of one IMAP account.
type Service struct {
	conn     client
	folder   string
	selected bool
	limiter  *rate.Limiter
	log      zerolog.Logger
}

func newService(conn client, name string, log zerolog.Logger) *Service {
	return &Service{
		conn:    conn,
		folder:  name,
		limiter: rate.NewLimiter(commandsPerSecond, commandBurst),
		log:     log.With().Str("component", "imap").Str("folder", name).Logger(),
	}
}

// Connect dials and logs in to the server in cfg.  Implicit TLS is used
// when cfg.TLS is set, STARTTLS otherwise.  Cancelling ctx aborts the
// dial, the greeting and the login.
func Connect(ctx context.Context, cfg config.IMAP, folderName string, log zerolog.Logger) (*Service, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	tlsConfig := &tls.Config{ServerName: cfg.Host}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", addr)
	}

	// The IMAP client has no context support; closing the connection
	// unblocks whatever command is waiting.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := newClient(conn, cfg.TLS, tlsConfig)
	if err == nil {
		err = c.Login(cfg.Username, cfg.Password).Wait()
		if err != nil {
			c.Close()
			err = errors.Wrapf(err, "logging in to %s as %s", addr, cfg.Username)
		}
	} else {
		conn.Close()
		err = errors.Wrapf(err, "starting TLS with %s", addr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err == nil {
			c.Close()
		}
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("server", addr).Msg("logged in")
	return newService(&session{c: c}, folderName, log), nil
}

func newClient(conn net.Conn, implicitTLS bool, tlsConfig *tls.Config) (*imapclient.Client, error) {
	if implicitTLS {
		return imapclient.New(conn, &imapclient.Options{}), nil
	}
	return imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
}

// Close logs out and closes the connection.
func (s *Service) Close() error {
	return s.conn.Close()
}

func (s *Service) wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

func (s *Service) selectFolder(ctx context.Context) error {
	if s.selected {
		return nil
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.conn.Select(s.folder); err != nil {
		return errors.Wrapf(err, "selecting %s", s.folder)
	}
	s.selected = true
	return nil
}

type pager struct {
	s        *Service
	pageSize int
	uids     []imap.UID
	searched bool
	next     int
	total    int
}

// List returns an iterator over the folder chosen at Connect.  The
// folder's UIDs are searched once and then fetched pageSize at a time.
func (s *Service) List(ctx context.Context, q message.Query) mirror.PageIterator {
	size := q.PageSize
	if size <= 0 {
		size = 1
	}
	return &pager{s: s, pageSize: size}
}

func (p *pager) Next(ctx context.Context) ([]*message.Remote, error) {
	if !p.searched {
		if err := p.s.selectFolder(ctx); err != nil {
			return nil, err
		}
		if err := p.s.wait(ctx); err != nil {
			return nil, err
		}
		uids, err := p.s.conn.SearchAll()
		if err != nil {
			return nil, errors.Wrap(err, "UID SEARCH ALL")
		}
		p.uids = uids
		p.searched = true
	}
	chunk := nextChunk(p.uids, p.next, p.pageSize)
	if chunk == nil {
		return nil, io.EOF
	}
	if err := p.s.wait(ctx); err != nil {
		return nil, err
	}
	msgs, err := p.s.conn.Envelopes(chunk)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching envelopes for %d messages", len(chunk))
	}
	p.next += len(chunk)
	p.total += len(msgs)
	p.s.log.Debug().Msgf("listed page of IMAP messages; count %d; total so far %d", len(msgs), p.total)
	return msgs, nil
}

// nextChunk returns up to size uids starting at off, or nil when none
// remain.
func nextChunk(uids []imap.UID, off, size int) []imap.UID {
	if off >= len(uids) {
		return nil
	}
	end := off + size
	if end > len(uids) {
		end = len(uids)
	}
	return uids[off:end]
}

// FetchContent returns the full RFC 5322 message with UID id.  The
// message is not marked \Seen.
func (s *Service) FetchContent(ctx context.Context, mailbox, id string) (io.ReadCloser, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return nil, errors.Errorf("invalid IMAP UID %q", id)
	}
	if err := s.selectFolder(ctx); err != nil {
		return nil, err
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	body, err := s.conn.Body(imap.UID(n))
	if err != nil {
		return nil, errors.Wrapf(err, "fetching body of UID %s", id)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// normalizeMessageID returns id in its <local@domain> form.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || (strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">")) {
		return id
	}
	return "<" + id + ">"
}

// session adapts an imapclient.Client.
type session struct {
	c *imapclient.Client
}

func (s *session) Select(name string) error {
	_, err := s.c.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
	return err
}

func (s *session) SearchAll() ([]imap.UID, error) {
	data, err := s.c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (s *session) Envelopes(uids []imap.UID) ([]*message.Remote, error) {
	opts := &imap.FetchOptions{UID: true, Envelope: true, InternalDate: true}
	bufs, err := s.c.Fetch(imap.UIDSetNum(uids...), opts).Collect()
	if err != nil {
		return nil, err
	}
	msgs := make([]*message.Remote, 0, len(bufs))
	for _, b := range bufs {
		msgs = append(msgs, remoteFromBuffer(b))
	}
	return msgs, nil
}

func remoteFromBuffer(b *imapclient.FetchMessageBuffer) *message.Remote {
	r := &message.Remote{
		ID:         strconv.FormatUint(uint64(b.UID), 10),
		ReceivedAt: b.InternalDate.UTC(),
	}
	if env := b.Envelope; env != nil {
		r.Subject = env.Subject
		r.InternetMessageID = normalizeMessageID(env.MessageID)
		if len(env.From) > 0 {
			r.Sender = env.From[0].Addr()
		}
	}
	return r
}

func (s *session) Body(uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{UID: true, BodySection: []*imap.FetchItemBodySection{section}}
	bufs, err := s.c.Fetch(imap.UIDSetNum(uid), opts).Collect()
	if err != nil {
		return nil, err
	}
	if len(bufs) == 0 {
		return nil, errors.Errorf("no message with UID %d", uid)
	}
	body := bufs[0].FindBodySection(section)
	if body == nil {
		return nil, errors.Errorf("server returned no body for UID %d", uid)
	}
	return body, nil
}

func (s *session) Close() error {
	if err := s.c.Logout().Wait(); err != nil {
		s.c.Close()
		return errors.Wrap(err, "logging out")
	}
	return s.c.Close()
}
