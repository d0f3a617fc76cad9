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

// Package tracked records which messages have already been written to
// disk.  State lives in a flat, append-only text file with one Message-ID
// per line.
package tracked

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/matta/mailmirror/internal/failure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// FileName is the name of the id file within the download root.
const FileName = "downloadedEmails.txt"

const fileMode = 0644

// Store is the set of downloaded message ids.  An id is added only after
// the message content is on disk, so a crash between the two leaves the
// message to be downloaded again rather than lost.
type Store struct {
	mu    sync.Mutex
	path  string
	ids   map[string]struct{}
	order []string
	log   zerolog.Logger
}

// Path returns the location of the id file under root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// Load reads the id file at path.  A missing file is a first run and
// yields an empty store.  Any other error is a failure.TrackedIDLoad.
func Load(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path: path,
		ids:  make(map[string]struct{}),
		log:  log.With().Str("component", "tracked").Logger(),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Warn().Str("path", path).Msg("id file does not exist; it will be created on the first download")
			return s, nil
		}
		return nil, failure.New(failure.TrackedIDLoad, fmt.Sprintf("opening %s", path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		s.add(strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, failure.New(failure.TrackedIDLoad, fmt.Sprintf("reading %s", path), err)
	}
	s.log.Info().Str("path", path).Int("count", len(s.order)).Msg("loaded downloaded ids")
	return s, nil
}

func (s *Store) add(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Contains reports whether id has been recorded.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Record appends id to the file and the in-memory set.  Empty and
// whitespace-only ids are ignored, as are ids already present.
func (s *Store) Record(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return errors.Wrapf(err, "opening %s for append", s.path)
	}
	if _, err := fmt.Fprintln(f, id); err != nil {
		f.Close()
		return errors.Wrapf(err, "appending id to %s", s.path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", s.path)
	}

	s.add(id)
	s.log.Debug().Str("id", id).Msg("recorded downloaded id")
	return nil
}

// IDs returns the recorded ids in the order they were first seen.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of recorded ids.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
