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

package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/rs/zerolog"
)

// traceTransport is an http.RoundTripper that logs the request and
// response at debug level while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      zerolog.Logger
	bodies   bool
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if dump, err := httputil.DumpRequestOut(req, t.bodies); err == nil {
		t.log.Debug().Str("method", req.Method).Str("url", req.URL.Redacted()).
			Msgf("request:\n%s", dump)
	}
	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		t.log.Debug().Err(err).Str("url", req.URL.Redacted()).Msg("request failed")
		return resp, err
	}
	if dump, dumpErr := httputil.DumpResponse(resp, t.bodies); dumpErr == nil {
		t.log.Debug().Int("status", resp.StatusCode).Msgf("response:\n%s", dump)
	}
	return resp, nil
}

// Wrap returns a RoundTripper that traces d.  Message bodies are dumped
// only when bodies is set, since message content can be large.  A nil d
// means http.DefaultTransport.
func Wrap(d http.RoundTripper, log zerolog.Logger, bodies bool) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{
		delegate: d,
		log:      log.With().Str("component", "tracehttp").Logger(),
		bodies:   bodies,
	}
}
