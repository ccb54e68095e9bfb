// Package mastodon implements the platform client against the REST
// API of a Mastodon instance.
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
)

const (
	defaultUserAgent = "mastodon-twitter-sync/1.0"
	defaultMaxLength = 500

	// statusPageSize is the instance-side maximum for account statuses.
	statusPageSize = 40
	// favPageBudget bounds favourite pagination per run.
	favPageBudget = 25
)

// Config holds the connection settings for one Mastodon account.
type Config struct {
	// BaseURL is the instance root, e.g. "https://mastodon.social".
	BaseURL     string
	AccessToken string
	// FetchWindow caps how many recent statuses one fetch returns.
	FetchWindow int
	// MaxPostLength overrides the instance's status length, in runes.
	MaxPostLength int
	UserAgent     string
}

// Client talks to one Mastodon account.
type Client struct {
	cfg     Config
	client  *http.Client
	baseURL string
	account *account
}

// New validates the config and builds a client. No network calls are
// made until the first operation.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("mastodon: base url is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("mastodon: access token is required")
	}
	if cfg.FetchWindow <= 0 {
		cfg.FetchWindow = 50
	}
	if cfg.MaxPostLength <= 0 {
		cfg.MaxPostLength = defaultMaxLength
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

func (c *Client) Name() platform.Name { return platform.Mastodon }

func (c *Client) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		MaxPostLength: c.cfg.MaxPostLength,
		SupportsMedia: true,
		RepostPrefix:  "RT %s: ",
	}
}

// VerifyCredentials checks the token and returns the account handle.
func (c *Client) VerifyCredentials(ctx context.Context) (string, error) {
	acc, err := c.verify(ctx)
	if err != nil {
		return "", err
	}
	return "@" + acc.Acct, nil
}

// FetchRecent pages through the account's statuses with max_id until
// the window is full or a status at or before since is reached. Direct
// (DM) statuses are dropped.
func (c *Client) FetchRecent(ctx context.Context, since time.Time) ([]platform.RawPost, error) {
	acc, err := c.verify(ctx)
	if err != nil {
		return nil, err
	}

	var out []platform.RawPost
	maxID := ""
	for len(out) < c.cfg.FetchWindow {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(statusPageSize))
		if maxID != "" {
			params.Set("max_id", maxID)
		}

		var page []status
		if err := c.get(ctx, "fetch", "/api/v1/accounts/"+acc.ID+"/statuses", params, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		reachedSince := false
		for _, s := range page {
			if !since.IsZero() && !s.CreatedAt.After(since) {
				reachedSince = true
				break
			}
			if s.Visibility == "direct" {
				continue
			}
			out = append(out, rawFromStatus(s))
			if len(out) >= c.cfg.FetchWindow {
				break
			}
		}
		if reachedSince || len(page) < statusPageSize {
			break
		}
		maxID = page[len(page)-1].ID
	}
	return out, nil
}

// CreatePost publishes a status. An Idempotency-Key guards against the
// instance replaying a duplicate if the connection drops mid-response.
func (c *Client) CreatePost(ctx context.Context, p platform.Payload) (string, error) {
	body := map[string]any{"status": p.Text}
	if p.InReplyToID != "" {
		body["in_reply_to_id"] = p.InReplyToID
	}
	if len(p.MediaIDs) > 0 {
		body["media_ids"] = p.MediaIDs
	}

	var s status
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	if err := c.postJSON(ctx, "post", "/api/v1/statuses", body, &s, headers); err != nil {
		return "", err
	}
	return s.ID, nil
}

func (c *Client) DeletePost(ctx context.Context, id string) error {
	resp, err := c.do(ctx, "delete", http.MethodDelete, "/api/v1/statuses/"+id, nil, nil, "", nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return c.apiError("delete", resp)
	}
	return nil
}

// Favorites pages through the account's favourites. Mastodon paginates
// them with a Link header rather than max_id math on status ids.
func (c *Client) Favorites(ctx context.Context) ([]platform.RawFavorite, error) {
	var out []platform.RawFavorite
	maxID := ""
	for i := 0; i < favPageBudget; i++ {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(statusPageSize))
		if maxID != "" {
			params.Set("max_id", maxID)
		}

		resp, err := c.do(ctx, "favorites", http.MethodGet, "/api/v1/favourites", params, nil, "", nil)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			apiErr := c.apiError("favorites", resp)
			_ = resp.Body.Close()
			return nil, apiErr
		}
		var page []status
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("decode favorites: %w", err)
		}
		link := resp.Header.Get("Link")
		_ = resp.Body.Close()

		for _, s := range page {
			out = append(out, platform.RawFavorite{ID: s.ID, CreatedAt: s.CreatedAt})
		}

		maxID = nextMaxID(link)
		if maxID == "" || len(page) == 0 {
			break
		}
	}
	return out, nil
}

func (c *Client) Unfavorite(ctx context.Context, id string) error {
	resp, err := c.do(ctx, "unfavorite", http.MethodPost, "/api/v1/statuses/"+id+"/unfavourite", nil, nil, "", nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return c.apiError("unfavorite", resp)
	}
	return nil
}

// UploadMedia downloads the attachment and re-uploads it to the
// instance, returning the media id to attach to a status.
func (c *Client) UploadMedia(ctx context.Context, mediaURL, altText string) (string, error) {
	data, filename, err := c.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if altText != "" {
		if err := w.WriteField("description", altText); err != nil {
			return "", fmt.Errorf("write description: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	resp, err := c.do(ctx, "media", http.MethodPost, "/api/v2/media", nil, &buf, w.FormDataContentType(), nil)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	// 202 means the instance is still processing the upload; the id is
	// already usable for posting.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", c.apiError("media", resp)
	}

	var m struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return "", fmt.Errorf("decode media: %w", err)
	}
	return m.ID, nil
}

func (c *Client) verify(ctx context.Context) (*account, error) {
	if c.account != nil {
		return c.account, nil
	}
	var acc account
	if err := c.get(ctx, "verify", "/api/v1/accounts/verify_credentials", nil, &acc); err != nil {
		return nil, err
	}
	c.account = &acc
	return c.account, nil
}

// download fetches the attachment bytes from the other platform's file
// server. Failures never map to the unauthorized kind: a file server
// rejection says nothing about our API credentials.
func (c *Client) download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", &platform.APIError{
			Platform: platform.Mastodon, Op: "media", Kind: platform.KindTransient,
			Message: err.Error(),
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &platform.APIError{
			Platform: platform.Mastodon, Op: "media", Kind: platform.KindRejected,
			StatusCode: resp.StatusCode, Message: "download " + mediaURL,
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &platform.APIError{
			Platform: platform.Mastodon, Op: "media", Kind: platform.KindTransient,
			Message: err.Error(),
		}
	}

	filename := path.Base(req.URL.Path)
	if filename == "." || filename == "/" {
		filename = "media"
	}
	return data, filename, nil
}

func (c *Client) get(ctx context.Context, op, p string, params url.Values, out any) error {
	resp, err := c.do(ctx, op, http.MethodGet, p, params, nil, "", nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return c.apiError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, p string, body, out any, headers map[string]string) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	resp, err := c.do(ctx, op, http.MethodPost, p, nil, bytes.NewReader(buf), "application/json", headers)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.apiError(op, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", op, err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, p string, params url.Values, body io.Reader, contentType string, headers map[string]string) (*http.Response, error) {
	u := c.baseURL + p
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &platform.APIError{
			Platform: platform.Mastodon, Op: op, Kind: platform.KindTransient,
			Message: err.Error(),
		}
	}
	return resp, nil
}

func (c *Client) apiError(op string, resp *http.Response) error {
	msg := resp.Status
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiResp) == nil && apiResp.Error != "" {
		msg = apiResp.Error
	}
	return &platform.APIError{
		Platform:   platform.Mastodon,
		Op:         op,
		Kind:       platform.ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

// nextMaxID pulls the max_id of the rel="next" page out of a Link
// header, or returns "" when there is no next page.
func nextMaxID(linkHeader string) string {
	for _, part := range strings.Split(linkHeader, ",") {
		segments := strings.SplitN(part, ";", 2)
		if len(segments) < 2 || !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		raw := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		return u.Query().Get("max_id")
	}
	return ""
}

type account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
}

type status struct {
	ID                 string            `json:"id"`
	CreatedAt          time.Time         `json:"created_at"`
	Content            string            `json:"content"`
	Visibility         string            `json:"visibility"`
	InReplyToID        *string           `json:"in_reply_to_id"`
	InReplyToAccountID *string           `json:"in_reply_to_account_id"`
	Account            account           `json:"account"`
	Reblog             *status           `json:"reblog"`
	MediaAttachments   []mediaAttachment `json:"media_attachments"`
}

type mediaAttachment struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	URL         string  `json:"url"`
	Description *string `json:"description"`
}

func rawFromStatus(s status) platform.RawPost {
	raw := platform.RawPost{
		ID:           s.ID,
		AuthorID:     s.Account.ID,
		AuthorHandle: s.Account.Acct,
		CreatedAt:    s.CreatedAt,
		Content:      s.Content,
	}
	if s.InReplyToID != nil {
		raw.InReplyToID = *s.InReplyToID
	}
	if s.InReplyToAccountID != nil {
		raw.InReplyToAuthorID = *s.InReplyToAccountID
	}
	for _, m := range s.MediaAttachments {
		alt := ""
		if m.Description != nil {
			alt = *m.Description
		}
		raw.Media = append(raw.Media, platform.RawMedia{URL: m.URL, AltText: alt})
	}
	if s.Reblog != nil {
		r := rawFromStatus(*s.Reblog)
		raw.Repost = &r
	}
	return raw
}
