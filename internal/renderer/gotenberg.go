package renderer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header names of the gotenberg webhook protocol. The trace header is
// the correlation key: the value we send with the request comes back on
// the callback, and nothing else identifies the originating project.
const (
	HeaderTrace              = "Gotenberg-Trace"
	headerWebhookURL         = "Gotenberg-Webhook-Url"
	headerWebhookErrorURL    = "Gotenberg-Webhook-Error-Url"
	headerWebhookMethod      = "Gotenberg-Webhook-Method"
	headerWebhookErrorMethod = "Gotenberg-Webhook-Error-Method"
	headerOutputFilename     = "Gotenberg-Output-Filename"
)

// Client talks to an external gotenberg-compatible renderer.
type Client struct {
	baseURL     string
	callbackURL string
	errorURL    string
	http        *http.Client
}

type ClientOptions struct {
	BaseURL     string
	CallbackURL string
	ErrorURL    string
	Timeout     time.Duration
}

func NewClient(opts ClientOptions) *Client {
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		callbackURL: opts.CallbackURL,
		errorURL:    opts.ErrorURL,
		http:        &http.Client{Timeout: opts.Timeout},
	}
}

// Render converts the job synchronously and returns the PDF bytes.
func (c *Client) Render(ctx context.Context, job Job) ([]byte, error) {
	req, err := c.buildRequest(ctx, job)
	if err != nil {
		return nil, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call renderer: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("renderer status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	pdf, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read rendered document: %w", err)
	}
	return pdf, nil
}

// RenderAsync submits the job and returns the transaction id assigned
// to it. The renderer acknowledges immediately; the document or an
// error body arrives later on the webhook URLs.
func (c *Client) RenderAsync(ctx context.Context, job Job) (string, error) {
	req, err := c.buildRequest(ctx, job)
	if err != nil {
		return "", err
	}

	transactionID := uuid.NewString()
	req.Header.Set(HeaderTrace, transactionID)
	req.Header.Set(headerWebhookURL, c.callbackURL)
	req.Header.Set(headerWebhookErrorURL, c.errorURL)
	req.Header.Set(headerWebhookMethod, http.MethodPost)
	req.Header.Set(headerWebhookErrorMethod, http.MethodPost)
	if job.Filename != "" {
		req.Header.Set(headerOutputFilename, job.Filename)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call renderer: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("renderer status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return transactionID, nil
}

func (c *Client) buildRequest(ctx context.Context, job Job) (*http.Request, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	htmlPart, err := writer.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	if _, err := htmlPart.Write([]byte(job.HTML)); err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}

	cssPart, err := writer.CreateFormFile("files", "style.css")
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	if _, err := cssPart.Write([]byte(job.CSS)); err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/forms/chromium/convert/html", &body)
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}
