// Copyright 2021-2022 The orderhub Authors
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

package pos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/apex/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// SaleFetcher reads the revision marker of the sale open on a restaurant table
type SaleFetcher interface {
	// FetchSaleMarker fetch the revision marker of the sale on a table. No open sale is
	// reported as an empty marker.
	FetchSaleMarker(ctxt context.Context, slug, mesaID string) (string, error)
}

// saleResponse is the sale endpoint reply. Either form of the marker is accepted.
type saleResponse struct {
	UpdatedAt string `json:"updatedAt"`
	Venta     *struct {
		UpdatedAt string `json:"updatedAt"`
	} `json:"venta"`
}

// httpSaleFetcher implements SaleFetcher against the POS REST API
type httpSaleFetcher struct {
	goutils.Component
	config      common.POSConfig
	client      *http.Client
	credentials clientcredentials.Config
	// tokenContext carries the HTTP client used for token requests
	tokenContext context.Context

	sourceLock sync.Mutex
	tokens     oauth2.TokenSource
}

// GetSaleFetcher define a new POS API client
func GetSaleFetcher(config common.POSConfig) (SaleFetcher, error) {
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid POS base URL: %w", err)
	}
	logTags := log.Fields{
		"module": "pos", "component": "sale-fetcher", "instance": config.BaseURL,
	}
	client := &http.Client{
		Timeout: time.Millisecond * time.Duration(config.RequestTimeout),
	}
	instance := &httpSaleFetcher{
		Component: goutils.Component{LogTags: logTags},
		config:    config,
		client:    client,
		credentials: clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     strings.TrimRight(config.BaseURL, "/") + config.TokenPath,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		tokenContext: context.WithValue(context.Background(), oauth2.HTTPClient, client),
	}
	instance.tokens = instance.credentials.TokenSource(instance.tokenContext)
	return instance, nil
}

// tokenSource the current token source. It caches the token until shortly before expiry.
func (f *httpSaleFetcher) tokenSource() oauth2.TokenSource {
	f.sourceLock.Lock()
	defer f.sourceLock.Unlock()
	return f.tokens
}

// dropTokenSource replace a token source whose token the API rejected
func (f *httpSaleFetcher) dropTokenSource(rejected oauth2.TokenSource) {
	f.sourceLock.Lock()
	defer f.sourceLock.Unlock()
	if f.tokens == rejected {
		f.tokens = f.credentials.TokenSource(f.tokenContext)
		log.WithFields(f.LogTags).Debug("Dropped rejected token")
	}
}

// saleURL build the sale endpoint URL of a table
func (f *httpSaleFetcher) saleURL(slug, mesaID string) string {
	path := strings.NewReplacer(
		"{slug}", url.PathEscape(slug), "{mesaId}", url.PathEscape(mesaID),
	).Replace(f.config.SalePath)
	return strings.TrimRight(f.config.BaseURL, "/") + path
}

// FetchSaleMarker fetch the revision marker of the sale on a table
func (f *httpSaleFetcher) FetchSaleMarker(
	ctxt context.Context, slug, mesaID string,
) (string, error) {
	tokens := f.tokenSource()
	token, err := tokens.Token()
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, f.saleURL(slug, mesaID), nil)
	if err != nil {
		return "", err
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sale request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return "", nil
	case http.StatusUnauthorized:
		f.dropTokenSource(tokens)
		return "", fmt.Errorf("sale request unauthorized")
	default:
		return "", fmt.Errorf("sale request returned %d", resp.StatusCode)
	}

	var sale saleResponse
	if err := json.NewDecoder(resp.Body).Decode(&sale); err != nil {
		return "", fmt.Errorf("invalid sale response: %w", err)
	}
	if sale.UpdatedAt != "" {
		return sale.UpdatedAt, nil
	}
	if sale.Venta != nil {
		return sale.Venta.UpdatedAt, nil
	}
	return "", nil
}
