// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package submit // import "github.com/telemetryrelay/relay/internal/submit"

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telemetryrelay/relay/internal/entity"
)

// recognizedBackendHeader marks a response as coming from the expected
// telemetry backend rather than an intermediate proxy. Only its presence is
// interpreted; it selects between generic and backend-specific warnings.
const recognizedBackendHeader = "X-Relay-Backend"

// Response is the delivery outcome the state machine reacts to. Only the
// status code and the recognized-backend capability flag are part of the
// backend contract.
type Response struct {
	StatusCode        int
	RecognizedBackend bool
}

// Submitter performs one HTTP delivery attempt for a payload of encoded
// items. Transport-level failures surface as a non-nil error; a response
// with any status code means the send itself succeeded.
type Submitter interface {
	Submit(ctx context.Context, key entity.HandlerKey, payload []string) (Response, error)
}

var formatByType = map[entity.Type]string{
	entity.Point:         "wavefront",
	entity.Histogram:     "histogram",
	entity.SourceTag:     "sourcetag",
	entity.Trace:         "trace",
	entity.TraceSpanLogs: "spanLogs",
	entity.Event:         "event",
}

// HTTPSubmitter posts newline-delimited payloads to the backend report
// endpoint.
type HTTPSubmitter struct {
	client  *http.Client
	baseURL string
	token   string
	proxyID uuid.UUID
}

// NewHTTPSubmitter builds the production submitter. The base URL points at
// the backend API root; requestTimeout bounds a single attempt.
func NewHTTPSubmitter(baseURL, token string, requestTimeout time.Duration) *HTTPSubmitter {
	return &HTTPSubmitter{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		proxyID: uuid.New(),
	}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, key entity.HandlerKey, payload []string) (Response, error) {
	url := fmt.Sprintf("%s/report?f=%s", s.baseURL, formatByType[key.Type])
	body := strings.NewReader(strings.Join(payload, "\n"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-Relay-Proxy-Id", s.proxyID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	// Drain so the connection is reusable; the body content is not part of
	// the contract.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return Response{
		StatusCode:        resp.StatusCode,
		RecognizedBackend: resp.Header.Get(recognizedBackendHeader) != "",
	}, nil
}
