// Package twitter publishes posts to one X/Twitter account through the
// v2 tweet endpoint and the v1.1 chunked media upload endpoint, signed
// with OAuth 1.0a user context.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	"relaybot/pkg/logx"
)

const (
	defaultAPIBase    = "https://api.twitter.com"
	defaultUploadBase = "https://upload.twitter.com"
)

type Config struct {
	Name         string
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string
	// RatePerMin caps publish calls. 0 means a conservative default.
	RatePerMin int
}

type Client struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	apiBase    string
	uploadBase string
}

func New(cfg Config, log logx.Logger) *Client {
	oc := oauth1.NewConfig(cfg.APIKey, cfg.APISecret)
	tok := oauth1.NewToken(cfg.AccessToken, cfg.AccessSecret)
	hc := oc.Client(oauth1.NoContext, tok)
	// Covers a single APPEND chunk or FINALIZE round-trip, not the
	// whole upload (that is the caller's context).
	hc.Timeout = 2 * time.Minute

	rpm := cfg.RatePerMin
	if rpm <= 0 {
		rpm = 10
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "account"
	}

	return &Client{
		name:       name,
		http:       hc,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		log:        log,
		apiBase:    defaultAPIBase,
		uploadBase: defaultUploadBase,
	}
}

func (c *Client) PublishText(ctx context.Context, text string) (string, error) {
	return c.tweet(ctx, text, "")
}

func (c *Client) PublishMedia(ctx context.Context, text, mediaPath string) (string, error) {
	mediaID, err := c.uploadMedia(ctx, mediaPath)
	if err != nil {
		return "", fmt.Errorf("media upload: %w", err)
	}
	return c.tweet(ctx, text, mediaID)
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

func (c *Client) tweet(ctx context.Context, text, mediaID string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqBody := tweetRequest{Text: text}
	if mediaID != "" {
		reqBody.Media = &tweetMedia{MediaIDs: []string{mediaID}}
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/2/tweets", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", apiError("tweet", resp)
	}

	var out tweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("tweet: response carried no id")
	}
	c.log.Debug("tweet created", logx.String("account", c.name), logx.String("id", out.Data.ID))
	return out.Data.ID, nil
}

// apiError turns a non-2xx response into an error that keeps a truncated
// body; the per-account status row preserves this message.
func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("%s: http %d", op, resp.StatusCode)
	}
	return fmt.Errorf("%s: http %d: %s", op, resp.StatusCode, msg)
}
