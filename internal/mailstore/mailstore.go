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

package mailstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/matta/mailmirror/internal/failure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	// MessageFile is the name of the file holding a message's raw
	// MIME content within its folder.
	MessageFile = "message.eml"

	// Subjects longer than this many characters are cut before
	// sanitizing.
	maxSubjectLen = 100

	// Most file systems limit a single name to 255 bytes.  The cut
	// leaves room for a "_N" collision suffix.
	maxNameBytes = 255 - len("_999999")
)

// Store lays out downloaded messages under a root directory, one folder
// per message named after its subject.
type Store struct {
	root string
	log  zerolog.Logger
}

func New(root string, log zerolog.Logger) *Store {
	return &Store{
		root: root,
		log:  log.With().Str("component", "mailstore").Logger(),
	}
}

// Root returns the download root.
func (s *Store) Root() string {
	return s.root
}

// Prepare creates the download root if it is missing.  If it already
// exists the folders it holds are logged.
func (s *Store) Prepare() error {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		s.log.Info().Str("root", s.root).Msg("creating download folder")
		if err := os.MkdirAll(s.root, dirFileMode); err != nil {
			return errors.Wrapf(err, "creating download folder %s", s.root)
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading download folder %s", s.root)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	var sb strings.Builder
	if len(dirs) == 0 {
		sb.WriteString("---")
	}
	for i, d := range dirs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%d] %s", i+1, d)
	}
	s.log.Info().Str("root", s.root).Int("folders", len(dirs)).
		Msgf("using existing download folder; it holds:\n%s", sb.String())
	return nil
}

// UniquePath returns an unused folder path for subject under the root.
func (s *Store) UniquePath(subject string) string {
	return UniquePath(s.root, subject)
}

// Mkdir creates dir and any missing parents.  Failures are
// failure.DirectoryCreate.
func (s *Store) Mkdir(dir string) error {
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return failure.New(failure.DirectoryCreate, fmt.Sprintf("creating %s", dir), err)
	}
	return nil
}

// WriteMessage drains r into dir/message.eml, replacing any existing
// file.  It returns the file path and the number of bytes written.
// Failures are failure.Write.
func (s *Store) WriteMessage(dir string, r io.Reader) (string, int64, error) {
	path := filepath.Join(dir, MessageFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, messageFileMode)
	if err != nil {
		return path, 0, failure.New(failure.Write, fmt.Sprintf("creating %s", path), err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return path, n, failure.New(failure.Write, fmt.Sprintf("writing %s", path), err)
	}
	if err := f.Close(); err != nil {
		return path, n, failure.New(failure.Write, fmt.Sprintf("closing %s", path), err)
	}
	return path, n, nil
}

// UniquePath returns basePath joined with the sanitized subject, or, if
// that exists, the first of name_1, name_2, ... that does not.  Nothing
// is reserved, so callers must not race on the same basePath.
func UniquePath(basePath, subject string) string {
	name := Sanitize(subject)
	path := filepath.Join(basePath, name)
	for i := 1; exists(path); i++ {
		path = candidate(basePath, name, i)
	}
	return path
}

func candidate(basePath, name string, i int) string {
	return filepath.Join(basePath, name+"_"+strconv.Itoa(i))
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Sanitize truncates subject to 100 characters and replaces each
// character that is not allowed in a file name with an underscore.
// Names that would still exceed the file system's byte limit are cut
// further on a character boundary.
func Sanitize(subject string) string {
	runes := []rune(subject)
	if len(runes) > maxSubjectLen {
		runes = runes[:maxSubjectLen]
	}
	for i, r := range runes {
		if shouldReplace(r) {
			runes[i] = '_'
		}
	}
	name := string(runes)
	for len(name) > maxNameBytes {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}

	// "." and ".." would name the root or its parent.
	if strings.Trim(name, ".") == "" {
		name = strings.Repeat("_", len(name))
	}
	return name
}

// Return true if the specified character may not appear in a folder
// name on common file systems: the Windows reserved punctuation, both
// path separators, and the ASCII control characters.
func shouldReplace(r rune) bool {
	if r < 0x20 || r == 0x7f {
		return true
	}
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
		return true
	}
	return false
}
