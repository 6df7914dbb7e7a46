// Package rest is the client for the durable side of the capsule service:
// capsules, memories, durable reactions and comments. Live events only carry
// identifiers; the view layer correlates them with entities fetched here.
//
// Errors are returned to the caller rather than dispatched as side effects: a
// rejected token surfaces as internal.ErrUnauthorized and the caller decides
// whether that means logout.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/memory-space/capsule-live/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ClientVersion = ""

type Client interface {
	ListCapsules(ctx context.Context, page, limit int) (*CapsulePage, error)
	GetCapsule(ctx context.Context, capsuleID string) (*Capsule, error)
	CreateCapsule(ctx context.Context, req CreateCapsuleRequest) (*Capsule, error)
	UpdateCapsule(ctx context.Context, capsuleID string, req CreateCapsuleRequest) (*Capsule, error)
	JoinCapsule(ctx context.Context, capsuleID, inviteCode string) (*Capsule, error)
	LeaveCapsule(ctx context.Context, capsuleID string) error
	ExplorePublic(ctx context.Context, page, limit int, search string) (*CapsulePage, error)
	ListMemories(ctx context.Context, capsuleID string, page, limit int) (*MemoryPage, error)
	CreateMemory(ctx context.Context, capsuleID string, req CreateMemoryRequest) (*Memory, error)
	UpdateMemory(ctx context.Context, memoryID string, req UpdateMemoryRequest) (*Memory, error)
	DeleteMemory(ctx context.Context, memoryID string) error
	PinMemory(ctx context.Context, memoryID string) (bool, error)
	AddReaction(ctx context.Context, memoryID, emoji string) ([]Reaction, error)
	AddComment(ctx context.Context, memoryID, text string) (*Comment, error)
}

// HTTPClient talks to the capsule REST API. One client can be shared among
// callers; it is safe for concurrent use.
type HTTPClient struct {
	Client  *http.Client
	BaseURL string
	Token   string
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		BaseURL: baseURL,
		Token:   token,
	}
}

// do performs one request and returns the `data` object of the response
// envelope. Returns internal.ErrUnauthorized on 401 and a *HandlerError for
// any other non-2xx status.
func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}) (gjson.Result, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("User-Agent", "capsule-live-"+ClientVersion)
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: request failed: %w", method, path, err)
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: read body failed: %w", method, path, err)
	}
	if res.StatusCode == http.StatusUnauthorized {
		return gjson.Result{}, &internal.HandlerError{
			StatusCode: res.StatusCode,
			Err:        internal.ErrUnauthorized,
		}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		message := gjson.GetBytes(resBody, "message").Str
		if message == "" {
			message = res.Status
		}
		logger.Warn().Int("code", res.StatusCode).Str("path", path).Str("message", message).Msg("request rejected")
		return gjson.Result{}, &internal.HandlerError{
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", method, path, message),
		}
	}
	return gjson.GetBytes(resBody, "data"), nil
}

func decodeInto(data gjson.Result, path string, v interface{}) error {
	raw := data.Get(path).Raw
	if raw == "" {
		return fmt.Errorf("response envelope missing %q", path)
	}
	return json.Unmarshal([]byte(raw), v)
}

func (c *HTTPClient) ListCapsules(ctx context.Context, page, limit int) (*CapsulePage, error) {
	data, err := c.do(ctx, "GET", "/capsules?page="+strconv.Itoa(page)+"&limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, err
	}
	var result CapsulePage
	if err := json.Unmarshal([]byte(data.Raw), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) GetCapsule(ctx context.Context, capsuleID string) (*Capsule, error) {
	data, err := c.do(ctx, "GET", "/capsules/"+capsuleID, nil)
	if err != nil {
		return nil, err
	}
	var capsule Capsule
	if err := decodeInto(data, "capsule", &capsule); err != nil {
		return nil, err
	}
	return &capsule, nil
}

func (c *HTTPClient) CreateCapsule(ctx context.Context, req CreateCapsuleRequest) (*Capsule, error) {
	data, err := c.do(ctx, "POST", "/capsules", req)
	if err != nil {
		return nil, err
	}
	var capsule Capsule
	if err := decodeInto(data, "capsule", &capsule); err != nil {
		return nil, err
	}
	return &capsule, nil
}

func (c *HTTPClient) UpdateCapsule(ctx context.Context, capsuleID string, req CreateCapsuleRequest) (*Capsule, error) {
	data, err := c.do(ctx, "PUT", "/capsules/"+capsuleID, req)
	if err != nil {
		return nil, err
	}
	var capsule Capsule
	if err := decodeInto(data, "capsule", &capsule); err != nil {
		return nil, err
	}
	return &capsule, nil
}

func (c *HTTPClient) JoinCapsule(ctx context.Context, capsuleID, inviteCode string) (*Capsule, error) {
	data, err := c.do(ctx, "POST", "/capsules/"+capsuleID+"/join", map[string]string{
		"inviteCode": inviteCode,
	})
	if err != nil {
		return nil, err
	}
	var capsule Capsule
	if err := decodeInto(data, "capsule", &capsule); err != nil {
		return nil, err
	}
	return &capsule, nil
}

func (c *HTTPClient) LeaveCapsule(ctx context.Context, capsuleID string) error {
	_, err := c.do(ctx, "DELETE", "/capsules/"+capsuleID+"/leave", nil)
	return err
}

func (c *HTTPClient) ExplorePublic(ctx context.Context, page, limit int, search string) (*CapsulePage, error) {
	path := "/capsules/explore/public?page=" + strconv.Itoa(page) +
		"&limit=" + strconv.Itoa(limit) +
		"&search=" + url.QueryEscape(search)
	data, err := c.do(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var result CapsulePage
	if err := json.Unmarshal([]byte(data.Raw), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) ListMemories(ctx context.Context, capsuleID string, page, limit int) (*MemoryPage, error) {
	path := "/memories/capsule/" + capsuleID + "?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(limit)
	data, err := c.do(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var result MemoryPage
	if err := json.Unmarshal([]byte(data.Raw), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateMemory posts a new memory. The route is a flat POST /memories: the
// target capsule is carried in the body.
func (c *HTTPClient) CreateMemory(ctx context.Context, capsuleID string, req CreateMemoryRequest) (*Memory, error) {
	req.CapsuleID = capsuleID
	data, err := c.do(ctx, "POST", "/memories", req)
	if err != nil {
		return nil, err
	}
	var memory Memory
	if err := decodeInto(data, "memory", &memory); err != nil {
		return nil, err
	}
	return &memory, nil
}

func (c *HTTPClient) UpdateMemory(ctx context.Context, memoryID string, req UpdateMemoryRequest) (*Memory, error) {
	data, err := c.do(ctx, "PUT", "/memories/"+memoryID, req)
	if err != nil {
		return nil, err
	}
	var memory Memory
	if err := decodeInto(data, "memory", &memory); err != nil {
		return nil, err
	}
	return &memory, nil
}

func (c *HTTPClient) DeleteMemory(ctx context.Context, memoryID string) error {
	_, err := c.do(ctx, "DELETE", "/memories/"+memoryID, nil)
	return err
}

// PinMemory toggles the pinned flag server-side and returns the new value.
func (c *HTTPClient) PinMemory(ctx context.Context, memoryID string) (bool, error) {
	data, err := c.do(ctx, "POST", "/memories/"+memoryID+"/pin", nil)
	if err != nil {
		return false, err
	}
	return data.Get("isPinned").Bool(), nil
}

// AddReaction toggles this user's durable reaction and returns the memory's
// full reaction list as the server now holds it.
func (c *HTTPClient) AddReaction(ctx context.Context, memoryID, emoji string) ([]Reaction, error) {
	data, err := c.do(ctx, "POST", "/memories/"+memoryID+"/react", map[string]string{
		"emoji": emoji,
	})
	if err != nil {
		return nil, err
	}
	var reactions []Reaction
	if err := decodeInto(data, "reactions", &reactions); err != nil {
		return nil, err
	}
	return reactions, nil
}

func (c *HTTPClient) AddComment(ctx context.Context, memoryID, text string) (*Comment, error) {
	data, err := c.do(ctx, "POST", "/memories/"+memoryID+"/comment", map[string]string{
		"text": text,
	})
	if err != nil {
		return nil, err
	}
	var comment Comment
	if err := decodeInto(data, "comment", &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}
