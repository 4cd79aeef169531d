package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

// Local renders certificates in-process with headless Chrome. Async
// jobs self-deliver to the same webhook URLs an external renderer would
// use, so the callback path is identical in both deployments.
type Local struct {
	callbackURL string
	errorURL    string
	timeout     time.Duration
	http        *http.Client
}

type LocalOptions struct {
	CallbackURL string
	ErrorURL    string
	Timeout     time.Duration
}

func NewLocal(opts LocalOptions) *Local {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Local{
		callbackURL: opts.CallbackURL,
		errorURL:    opts.ErrorURL,
		timeout:     timeout,
		http:        &http.Client{Timeout: 10 * time.Second},
	}
}

func (l *Local) Render(ctx context.Context, job Job) ([]byte, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, fmt.Errorf("chromium not installed")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// The stylesheet link cannot resolve inside a data URL, so the CSS
	// is inlined before encoding.
	html := strings.Replace(job.HTML,
		`<link rel="stylesheet" href="style.css">`,
		"<style>"+job.CSS+"</style>", 1)
	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(html)

	var pdfData []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithLandscape(true).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return pdfData, nil
}

// RenderAsync renders in the background and posts the outcome to the
// webhook URLs, mimicking the external renderer's protocol.
func (l *Local) RenderAsync(_ context.Context, job Job) (string, error) {
	transactionID := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()

		pdf, err := l.Render(ctx, job)
		if err != nil {
			l.deliverError(ctx, transactionID, err)
			return
		}
		l.deliver(ctx, transactionID, job.Filename, pdf)
	}()
	return transactionID, nil
}

func (l *Local) deliver(ctx context.Context, transactionID, filename string, pdf []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.callbackURL, bytes.NewReader(pdf))
	if err != nil {
		log.Printf("local renderer: build callback failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set(HeaderTrace, transactionID)
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	l.post(req, transactionID)
}

func (l *Local) deliverError(ctx context.Context, transactionID string, renderErr error) {
	body, _ := json.Marshal(map[string]string{"message": renderErr.Error()})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.errorURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("local renderer: build error callback failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTrace, transactionID)
	l.post(req, transactionID)
}

func (l *Local) post(req *http.Request, transactionID string) {
	res, err := l.http.Do(req)
	if err != nil {
		log.Printf("local renderer: callback %s failed: %v", transactionID, err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		log.Printf("local renderer: callback %s status %d", transactionID, res.StatusCode)
	}
}

// percentEncodeForDataURL encodes for a data URL. url.QueryEscape is
// not usable here: it encodes spaces as +, which data URLs reject.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}
