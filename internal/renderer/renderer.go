// Package renderer dispatches certificate render jobs to a document
// renderer. The normal deployment talks to an external gotenberg-style
// service; without one configured, an in-process headless-Chrome engine
// serves the same interface.
package renderer

import "context"

// Job is a self-contained render request: an HTML page plus its
// stylesheet, and the output filename the artifact should carry.
type Job struct {
	HTML     string
	CSS      string
	Filename string
}

type Renderer interface {
	// Render blocks until the PDF is produced. Used by the reissue path.
	Render(ctx context.Context, job Job) ([]byte, error)
	// RenderAsync returns immediately with the transaction id that the
	// later inbound callback will carry. Completion or failure arrives
	// out of band on the configured webhook URLs.
	RenderAsync(ctx context.Context, job Job) (string, error)
}
