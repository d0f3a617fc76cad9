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

/*
Package httpauth builds the authenticated HTTP clients used by the
remote mailbox providers.

The Graph client uses the OAuth 2.0 client credentials grant against
the tenant's Microsoft identity platform endpoint.  The Gmail client
exchanges a stored refresh token for access tokens.  Both rely on
golang.org/x/oauth2 to cache tokens and refresh them on expiry; a 401
from the server is returned to the caller as an ordinary error.
*/
package httpauth

import (
	"context"
	"net/http"
	"time"

	"github.com/matta/mailmirror/internal/config"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
	gmail_api "google.golang.org/api/gmail/v1"
)

const (
	GraphScope = "https://graph.microsoft.com/.default"

	// Applies to each request, including the time spent reading the
	// body, so it has to allow for large messages.
	requestTimeout = 10 * time.Minute
)

// Options adjust the clients built by this package.
type Options struct {
	// Base is the transport under the OAuth layer.  Nil means
	// http.DefaultTransport.
	Base http.RoundTripper

	// TokenURL overrides the token endpoint, for tests.
	TokenURL string
}

// GraphTokenURL returns the v2.0 token endpoint for tenant.
func GraphTokenURL(tenant string) string {
	return "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token"
}

func baseContext(ctx context.Context, opts Options) context.Context {
	if opts.Base == nil {
		return ctx
	}
	// The oauth2 packages take the token endpoint's client from the
	// context.
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: opts.Base})
}

// NewGraph returns a client authorized for Microsoft Graph with the
// application permissions granted to cfg.ClientID.
func NewGraph(ctx context.Context, cfg *config.Config, opts Options) (*http.Client, error) {
	if cfg.ClientSecret == "" {
		return nil, errors.New("ClientSecret is required for the graph provider")
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     GraphTokenURL(cfg.TenantID),
		Scopes:       []string{GraphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if opts.TokenURL != "" {
		cc.TokenURL = opts.TokenURL
	}
	ctx = baseContext(ctx, opts)
	return newClient(cc.TokenSource(ctx), opts), nil
}

// NewGmail returns a client authorized for the Gmail API by the
// refresh token in cfg.
func NewGmail(ctx context.Context, cfg *config.Config, opts Options) (*http.Client, error) {
	if cfg.RefreshToken == "" {
		return nil, errors.New("RefreshToken is required for the gmail provider")
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail_api.GmailReadonlyScope},
	}
	if opts.TokenURL != "" {
		oc.Endpoint.TokenURL = opts.TokenURL
	}
	ctx = baseContext(ctx, opts)
	src := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return newClient(src, opts), nil
}

func newClient(src oauth2.TokenSource, opts Options) *http.Client {
	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   opts.Base,
	}
	return &http.Client{Transport: trans, Timeout: requestTimeout}
}
