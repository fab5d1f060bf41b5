package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"relaybot/pkg/logx"
)

const uploadChunkSize = 4 * 1024 * 1024

type uploadResponse struct {
	MediaIDString  string `json:"media_id_string"`
	ProcessingInfo *struct {
		State           string `json:"state"` // pending | in_progress | succeeded | failed
		CheckAfterSecs  int    `json:"check_after_secs"`
		ProgressPercent int    `json:"progress_percent"`
		Error           *struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"processing_info"`
}

// uploadMedia runs the INIT / APPEND / FINALIZE chunked upload for the
// local file and waits for asynchronous processing (videos) to finish.
func (c *Client) uploadMedia(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}

	mediaType, category, err := sniffMedia(f)
	if err != nil {
		return "", err
	}

	mediaID, err := c.uploadInit(ctx, fi.Size(), mediaType, category)
	if err != nil {
		return "", err
	}

	if err := c.uploadAppend(ctx, mediaID, f); err != nil {
		return "", err
	}

	fin, err := c.uploadFinalize(ctx, mediaID)
	if err != nil {
		return "", err
	}

	if fin.ProcessingInfo != nil {
		if err := c.awaitProcessing(ctx, mediaID, fin); err != nil {
			return "", err
		}
	}

	c.log.Debug("media uploaded",
		logx.String("account", c.name),
		logx.String("media_id", mediaID),
		logx.String("type", mediaType),
		logx.Int64("bytes", fi.Size()))
	return mediaID, nil
}

// sniffMedia detects the MIME type from the file head and maps it to an
// upload category. The file offset is rewound afterwards.
func sniffMedia(f *os.File) (mediaType, category string, err error) {
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return "", "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", "", err
	}

	mediaType = http.DetectContentType(head[:n])
	switch {
	case strings.HasPrefix(mediaType, "video/"):
		return mediaType, "tweet_video", nil
	case mediaType == "image/gif":
		return mediaType, "tweet_gif", nil
	case strings.HasPrefix(mediaType, "image/"):
		return mediaType, "tweet_image", nil
	default:
		return "", "", fmt.Errorf("unsupported media type %q", mediaType)
	}
}

func (c *Client) uploadInit(ctx context.Context, totalBytes int64, mediaType, category string) (string, error) {
	form := url.Values{}
	form.Set("command", "INIT")
	form.Set("total_bytes", strconv.FormatInt(totalBytes, 10))
	form.Set("media_type", mediaType)
	form.Set("media_category", category)

	out, err := c.uploadCall(ctx, http.MethodPost, form, nil)
	if err != nil {
		return "", fmt.Errorf("INIT: %w", err)
	}
	if out.MediaIDString == "" {
		return "", fmt.Errorf("INIT: response carried no media id")
	}
	return out.MediaIDString, nil
}

func (c *Client) uploadAppend(ctx context.Context, mediaID string, r io.Reader) error {
	buf := make([]byte, uploadChunkSize)
	for segment := 0; ; segment++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if aerr := c.appendChunk(ctx, mediaID, segment, buf[:n]); aerr != nil {
				return fmt.Errorf("APPEND segment %d: %w", segment, aerr)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) appendChunk(ctx context.Context, mediaID string, segment int, chunk []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("command", "APPEND")
	_ = w.WriteField("media_id", mediaID)
	_ = w.WriteField("segment_index", strconv.Itoa(segment))
	fw, err := w.CreateFormFile("media", "chunk")
	if err != nil {
		return err
	}
	if _, err := fw.Write(chunk); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.uploadBase+"/1.1/media/upload.json", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return apiError("upload", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) uploadFinalize(ctx context.Context, mediaID string) (*uploadResponse, error) {
	form := url.Values{}
	form.Set("command", "FINALIZE")
	form.Set("media_id", mediaID)

	out, err := c.uploadCall(ctx, http.MethodPost, form, nil)
	if err != nil {
		return nil, fmt.Errorf("FINALIZE: %w", err)
	}
	return out, nil
}

// awaitProcessing polls STATUS until the platform finished transcoding.
func (c *Client) awaitProcessing(ctx context.Context, mediaID string, last *uploadResponse) error {
	for {
		info := last.ProcessingInfo
		if info == nil || info.State == "succeeded" {
			return nil
		}
		if info.State == "failed" {
			if info.Error != nil {
				return fmt.Errorf("media processing failed: %s: %s", info.Error.Name, info.Error.Message)
			}
			return fmt.Errorf("media processing failed")
		}

		wait := time.Duration(info.CheckAfterSecs) * time.Second
		if wait <= 0 {
			wait = 2 * time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		form := url.Values{}
		form.Set("command", "STATUS")
		form.Set("media_id", mediaID)
		out, err := c.uploadCall(ctx, http.MethodGet, nil, form)
		if err != nil {
			return fmt.Errorf("STATUS: %w", err)
		}
		last = out
	}
}

// uploadCall performs one call against the upload endpoint: POST with a
// url-encoded form body, or GET with query params.
func (c *Client) uploadCall(ctx context.Context, method string, form, query url.Values) (*uploadResponse, error) {
	endpoint := c.uploadBase + "/1.1/media/upload.json"
	var bodyReader io.Reader
	if method == http.MethodGet {
		endpoint += "?" + query.Encode()
	} else {
		bodyReader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, apiError("upload", resp)
	}

	var out uploadResponse
	if err := unmarshalBody(resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func unmarshalBody(r io.Reader, v any) error {
	b, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
