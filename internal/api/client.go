package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	apperrors "mediasync/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided. Uploads get
	// no client-side timeout: cancellation is driven by the caller's
	// context, so the upload client is built without one.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// ProgressFunc receives byte-level transfer progress for an upload.
// loaded counts request-body bytes handed to the transport; total is
// the full body size.
type ProgressFunc func(loaded, total int64)

// Client talks to the media catalog REST API.
type Client struct {
	httpClient   *http.Client
	uploadClient *http.Client
	logger       *slog.Logger
	baseURL      string
	token        string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the given base URL and bearer
// token. If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created for metadata calls; uploads
// always use an untimed client so large transfers are bounded only by
// the caller's context. A nil logger discards.
func NewClient(baseURL, token string, logger *slog.Logger, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		httpClient: httpClient,
		uploadClient: &http.Client{
			CheckRedirect: sameHostRedirectPolicy,
		},
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// progressReader counts bytes as the transport consumes the request
// body and reports them through fn.
type progressReader struct {
	r      io.Reader
	loaded int64
	total  int64
	fn     ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		if p.fn != nil {
			p.fn(p.loaded, p.total)
		}
	}
	return n, err
}

// CreateReplica uploads blob as a new replica of the given medium at
// the given destination path. When overwrite is false and the path is
// occupied, the returned error is an *AlreadyExistsError carrying the
// server's descriptor of the occupying object if it provided one.
// onProgress, when non-nil, is invoked as request bytes are handed to
// the transport.
func (c *Client) CreateReplica(ctx context.Context, mediumID, destPath string, blob []byte, overwrite bool, onProgress ProgressFunc) (*Replica, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("path", destPath); err != nil {
		return nil, fmt.Errorf("writing path field: %w", err)
	}
	if err := mw.WriteField("overwrite", fmt.Sprintf("%t", overwrite)); err != nil {
		return nil, fmt.Errorf("writing overwrite field: %w", err)
	}

	// Sniff the content type from magic bytes so the server does not
	// have to trust the file extension.
	contentType := mimetype.Detect(blob).String()

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="blob"`)
	hdr.Set("Content-Type", contentType)

	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return nil, fmt.Errorf("writing file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing multipart body: %w", err)
	}

	total := int64(body.Len())
	reader := &progressReader{r: &body, total: total, fn: onProgress}

	endpoint := fmt.Sprintf("%s/media/%s/replicas", c.baseURL, url.PathEscape(mediumID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.ContentLength = total

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var replica Replica
		if err := json.Unmarshal(raw, &replica); err != nil {
			return nil, fmt.Errorf("%w: decoding replica: %w", apperrors.ErrAPIResponse, err)
		}
		return &replica, nil

	case http.StatusConflict:
		exists := &AlreadyExistsError{}
		if err := json.Unmarshal(raw, exists); err != nil {
			// Conflict without a parseable body still means the path
			// is occupied; report it without a descriptor.
			return nil, &AlreadyExistsError{URL: destPath}
		}
		if exists.URL == "" {
			exists.URL = destPath
		}
		return nil, exists

	default:
		return nil, fmt.Errorf("%w: create replica returned %d: %s",
			apperrors.ErrAPIRequest, resp.StatusCode, sanitizeResponseBody(raw))
	}
}

// DeleteReplica detaches the replica from its medium. When
// deleteObject is true the underlying stored object is deleted too;
// otherwise it is kept and only the catalog entry is removed.
func (c *Client) DeleteReplica(ctx context.Context, id string, deleteObject bool) error {
	endpoint := fmt.Sprintf("%s/replicas/%s?delete_object=%t", c.baseURL, url.PathEscape(id), deleteObject)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: replica %s", apperrors.ErrMediumNotFound, id)
	default:
		return fmt.Errorf("%w: delete replica returned %d: %s",
			apperrors.ErrAPIRequest, resp.StatusCode, sanitizeResponseBody(raw))
	}
}

// orderingRequest is the body for the ordering update call.
type orderingRequest struct {
	ReplicaIDs []string  `json:"replica_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// UpdateMediumOrdering persists the display order of the medium's
// replicas. replicaIDs must list every surviving replica in its final
// position. createdAt is passed through from the medium as last seen
// by the caller.
func (c *Client) UpdateMediumOrdering(ctx context.Context, mediumID string, replicaIDs []string, createdAt time.Time) (*Medium, error) {
	payload, err := json.Marshal(orderingRequest{ReplicaIDs: replicaIDs, CreatedAt: createdAt})
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/media/%s/ordering", c.baseURL, url.PathEscape(mediumID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var medium Medium
		if err := json.Unmarshal(raw, &medium); err != nil {
			return nil, fmt.Errorf("%w: decoding medium: %w", apperrors.ErrAPIResponse, err)
		}
		return &medium, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrMediumNotFound, mediumID)
	case http.StatusUnauthorized:
		return nil, apperrors.ErrInvalidToken
	default:
		return nil, fmt.Errorf("%w: ordering update returned %d: %s",
			apperrors.ErrAPIRequest, resp.StatusCode, sanitizeResponseBody(raw))
	}
}

// GetMedium fetches a medium with its replicas.
func (c *Client) GetMedium(ctx context.Context, mediumID string) (*Medium, error) {
	endpoint := fmt.Sprintf("%s/media/%s", c.baseURL, url.PathEscape(mediumID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var medium Medium
		if err := json.Unmarshal(raw, &medium); err != nil {
			return nil, fmt.Errorf("%w: decoding medium: %w", apperrors.ErrAPIResponse, err)
		}
		return &medium, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrMediumNotFound, mediumID)
	case http.StatusUnauthorized:
		return nil, apperrors.ErrInvalidToken
	default:
		return nil, fmt.Errorf("%w: get medium returned %d: %s",
			apperrors.ErrAPIRequest, resp.StatusCode, sanitizeResponseBody(raw))
	}
}
