// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package extractapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tombee/extractord/internal/tracing"
)

// HTTPClient is the concrete Client backed by net/http. It deliberately
// carries no retry transport: retry policy and error classification
// belong to the extraction worker pool, one layer up.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a Client against baseURL with the given per-request
// timeout. Connection pooling and TLS minimums mirror the base transport
// every other outbound client in this codebase shares.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}

	client := tracing.WrapHTTPClient(&http.Client{Transport: transport, Timeout: timeout})
	return &HTTPClient{baseURL: baseURL, http: client}
}

// Submit base64-encodes body and POSTs it to baseURL. The wire payload is
// {"relativePath": ..., "content": "<base64>"}; errors from Do (dial
// failure, timeout, context cancellation) are transport-level and
// returned as err, never folded into a Response.
func (c *HTTPClient) Submit(ctx context.Context, relativePath string, body []byte) (Response, error) {
	encoded := base64.StdEncoding.EncodeToString(body)
	payload := fmt.Sprintf(`{"relativePath":%q,"content":%q}`, relativePath, encoded)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBufferString(payload))
	if err != nil {
		return Response{}, fmt.Errorf("building extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Response{}, fmt.Errorf("submitting extraction request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("reading extraction response: %w", err)
	}

	return Response{StatusCode: resp.StatusCode, Latency: latency, Body: respBody}, nil
}
