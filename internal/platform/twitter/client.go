// Package twitter implements the platform client against the Twitter
// v2 API, with media uploads going through the v1.1 upload host.
package twitter

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

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
)

const (
	defaultBaseURL       = "https://api.twitter.com"
	defaultUploadBaseURL = "https://upload.twitter.com"
	defaultUserAgent     = "mastodon-twitter-sync/1.0"
	defaultMaxLength     = 280

	// tweetPageSize is the v2 maximum for timeline and likes pages.
	tweetPageSize = 100
	// likePageBudget bounds likes pagination per run.
	likePageBudget = 10

	tweetFields = "created_at,author_id,in_reply_to_user_id,referenced_tweets,entities,attachments"
	expansions  = "referenced_tweets.id,referenced_tweets.id.author_id,attachments.media_keys"
	mediaFields = "url,preview_image_url,alt_text"
)

// Config holds the connection settings for one Twitter account.
type Config struct {
	// AccessToken is an OAuth2 user-context bearer token with read,
	// write and like scopes.
	AccessToken string
	// FetchWindow caps how many recent tweets one fetch returns.
	FetchWindow int
	// MaxPostLength overrides the tweet length limit, in runes.
	MaxPostLength int
	UserAgent     string
}

// Client talks to one Twitter account.
type Client struct {
	cfg           Config
	client        *http.Client
	baseURL       string
	uploadBaseURL string
	user          *user
}

// New validates the config and builds a client. No network calls are
// made until the first operation.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("twitter: access token is required")
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
		cfg:           cfg,
		client:        &http.Client{},
		baseURL:       defaultBaseURL,
		uploadBaseURL: defaultUploadBaseURL,
	}, nil
}

func (c *Client) Name() platform.Name { return platform.Twitter }

func (c *Client) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		MaxPostLength: c.cfg.MaxPostLength,
		SupportsMedia: true,
		RepostPrefix:  "RT %s: ",
	}
}

// VerifyCredentials checks the token and returns the account handle.
func (c *Client) VerifyCredentials(ctx context.Context) (string, error) {
	u, err := c.me(ctx)
	if err != nil {
		return "", err
	}
	return "@" + u.Username, nil
}

// FetchRecent pages through the user's timeline with pagination_token
// until the window is full or the server runs out of tweets after
// since. Retweets come back expanded so the original text survives the
// "RT @x:" truncation Twitter applies to the wrapper.
func (c *Client) FetchRecent(ctx context.Context, since time.Time) ([]platform.RawPost, error) {
	u, err := c.me(ctx)
	if err != nil {
		return nil, err
	}

	var out []platform.RawPost
	token := ""
	for len(out) < c.cfg.FetchWindow {
		params := url.Values{}
		params.Set("max_results", strconv.Itoa(tweetPageSize))
		params.Set("tweet.fields", tweetFields)
		params.Set("expansions", expansions)
		params.Set("media.fields", mediaFields)
		params.Set("user.fields", "username")
		if !since.IsZero() {
			params.Set("start_time", since.UTC().Format(time.RFC3339))
		}
		if token != "" {
			params.Set("pagination_token", token)
		}

		var page timeline
		if err := c.get(ctx, "fetch", "/2/users/"+u.ID+"/tweets", params, &page); err != nil {
			return nil, err
		}
		if len(page.Data) == 0 {
			break
		}

		for _, tw := range page.Data {
			// start_time is inclusive server-side; keep strictly after.
			if !since.IsZero() && !tw.CreatedAt.After(since) {
				continue
			}
			raw := rawFromTweet(tw, page.Includes)
			if raw.AuthorHandle == "" {
				raw.AuthorHandle = u.Username
			}
			out = append(out, raw)
			if len(out) >= c.cfg.FetchWindow {
				break
			}
		}

		token = page.Meta.NextToken
		if token == "" {
			break
		}
	}
	return out, nil
}

func (c *Client) CreatePost(ctx context.Context, p platform.Payload) (string, error) {
	body := map[string]any{"text": p.Text}
	if p.InReplyToID != "" {
		body["reply"] = map[string]any{"in_reply_to_tweet_id": p.InReplyToID}
	}
	if len(p.MediaIDs) > 0 {
		body["media"] = map[string]any{"media_ids": p.MediaIDs}
	}

	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "post", c.baseURL+"/2/tweets", body, &created); err != nil {
		return "", err
	}
	return created.Data.ID, nil
}

func (c *Client) DeletePost(ctx context.Context, id string) error {
	resp, err := c.do(ctx, "delete", http.MethodDelete, c.baseURL+"/2/tweets/"+id, nil, nil, "")
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

// Favorites pages through the user's liked tweets, newest first.
func (c *Client) Favorites(ctx context.Context) ([]platform.RawFavorite, error) {
	u, err := c.me(ctx)
	if err != nil {
		return nil, err
	}

	var out []platform.RawFavorite
	token := ""
	for i := 0; i < likePageBudget; i++ {
		params := url.Values{}
		params.Set("max_results", strconv.Itoa(tweetPageSize))
		params.Set("tweet.fields", "created_at")
		if token != "" {
			params.Set("pagination_token", token)
		}

		var page timeline
		if err := c.get(ctx, "favorites", "/2/users/"+u.ID+"/liked_tweets", params, &page); err != nil {
			return nil, err
		}
		for _, tw := range page.Data {
			out = append(out, platform.RawFavorite{ID: tw.ID, CreatedAt: tw.CreatedAt})
		}

		token = page.Meta.NextToken
		if token == "" || len(page.Data) == 0 {
			break
		}
	}
	return out, nil
}

func (c *Client) Unfavorite(ctx context.Context, id string) error {
	u, err := c.me(ctx)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, "unfavorite", http.MethodDelete, c.baseURL+"/2/users/"+u.ID+"/likes/"+id, nil, nil, "")
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

// UploadMedia downloads the attachment, uploads it through the v1.1
// media endpoint and attaches alt text when present.
func (c *Client) UploadMedia(ctx context.Context, mediaURL, altText string) (string, error) {
	data, filename, err := c.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("media", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	resp, err := c.do(ctx, "media", http.MethodPost, c.uploadBaseURL+"/1.1/media/upload.json", nil, &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.apiError("media", resp)
	}

	var m struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return "", fmt.Errorf("decode media: %w", err)
	}

	if altText != "" {
		meta := map[string]any{
			"media_id": m.MediaIDString,
			"alt_text": map[string]string{"text": altText},
		}
		if err := c.postJSON(ctx, "media", c.uploadBaseURL+"/1.1/media/metadata/create.json", meta, nil); err != nil {
			return "", err
		}
	}
	return m.MediaIDString, nil
}

func (c *Client) me(ctx context.Context) (*user, error) {
	if c.user != nil {
		return c.user, nil
	}
	var resp struct {
		Data user `json:"data"`
	}
	if err := c.get(ctx, "verify", "/2/users/me", nil, &resp); err != nil {
		return nil, err
	}
	c.user = &resp.Data
	return c.user, nil
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
			Platform: platform.Twitter, Op: "media", Kind: platform.KindTransient,
			Message: err.Error(),
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &platform.APIError{
			Platform: platform.Twitter, Op: "media", Kind: platform.KindRejected,
			StatusCode: resp.StatusCode, Message: "download " + mediaURL,
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &platform.APIError{
			Platform: platform.Twitter, Op: "media", Kind: platform.KindTransient,
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
	resp, err := c.do(ctx, op, http.MethodGet, c.baseURL+p, params, nil, "")
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

func (c *Client) postJSON(ctx context.Context, op, u string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	resp, err := c.do(ctx, op, http.MethodPost, u, nil, bytes.NewReader(buf), "application/json")
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return c.apiError(op, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", op, err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, u string, params url.Values, body io.Reader, contentType string) (*http.Response, error) {
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

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &platform.APIError{
			Platform: platform.Twitter, Op: op, Kind: platform.KindTransient,
			Message: err.Error(),
		}
	}
	return resp, nil
}

func (c *Client) apiError(op string, resp *http.Response) error {
	msg := resp.Status
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiResp struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &apiResp) == nil {
		switch {
		case apiResp.Detail != "":
			msg = apiResp.Detail
		case apiResp.Title != "":
			msg = apiResp.Title
		case len(apiResp.Errors) > 0 && apiResp.Errors[0].Message != "":
			msg = apiResp.Errors[0].Message
		}
	}
	return &platform.APIError{
		Platform:   platform.Twitter,
		Op:         op,
		Kind:       platform.ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

type user struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type tweet struct {
	ID               string            `json:"id"`
	Text             string            `json:"text"`
	AuthorID         string            `json:"author_id"`
	CreatedAt        time.Time         `json:"created_at"`
	InReplyToUserID  string            `json:"in_reply_to_user_id"`
	ReferencedTweets []referencedTweet `json:"referenced_tweets"`
	Entities         tweetEntities     `json:"entities"`
	Attachments      tweetAttachments  `json:"attachments"`
}

type referencedTweet struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type tweetEntities struct {
	URLs []urlEntity `json:"urls"`
}

type urlEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
}

type tweetAttachments struct {
	MediaKeys []string `json:"media_keys"`
}

type mediaItem struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
	AltText         string `json:"alt_text"`
}

type includes struct {
	Tweets []tweet     `json:"tweets"`
	Users  []user      `json:"users"`
	Media  []mediaItem `json:"media"`
}

func (inc includes) tweet(id string) (tweet, bool) {
	for _, tw := range inc.Tweets {
		if tw.ID == id {
			return tw, true
		}
	}
	return tweet{}, false
}

func (inc includes) user(id string) (user, bool) {
	for _, u := range inc.Users {
		if u.ID == id {
			return u, true
		}
	}
	return user{}, false
}

func (inc includes) mediaByKey(key string) (mediaItem, bool) {
	for _, m := range inc.Media {
		if m.MediaKey == key {
			return m, true
		}
	}
	return mediaItem{}, false
}

type timeline struct {
	Data     []tweet  `json:"data"`
	Includes includes `json:"includes"`
	Meta     struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

func rawFromTweet(tw tweet, inc includes) platform.RawPost {
	raw := platform.RawPost{
		ID:        tw.ID,
		AuthorID:  tw.AuthorID,
		CreatedAt: tw.CreatedAt,
		Content:   tw.Text,
	}
	if u, ok := inc.user(tw.AuthorID); ok {
		raw.AuthorHandle = u.Username
	}
	for _, e := range tw.Entities.URLs {
		raw.URLs = append(raw.URLs, platform.RawURL{Short: e.URL, Expanded: e.ExpandedURL})
	}
	for _, key := range tw.Attachments.MediaKeys {
		m, ok := inc.mediaByKey(key)
		if !ok {
			continue
		}
		u := m.URL
		if u == "" {
			// Videos expose only a preview image over the API.
			u = m.PreviewImageURL
		}
		if u == "" {
			continue
		}
		raw.Media = append(raw.Media, platform.RawMedia{URL: u, AltText: m.AltText})
	}
	for _, ref := range tw.ReferencedTweets {
		switch ref.Type {
		case "retweeted":
			if orig, ok := inc.tweet(ref.ID); ok {
				r := rawFromTweet(orig, inc)
				raw.Repost = &r
			}
		case "replied_to":
			raw.InReplyToID = ref.ID
			raw.InReplyToAuthorID = tw.InReplyToUserID
		}
	}
	return raw
}
