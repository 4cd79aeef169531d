package certificate

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// Field length ceilings. Longer values overflow the fixed boxes in the
// certificate template and break the rendered layout.
const (
	maxTitleLength     = 75
	maxRecipientLength = 60
	qrImageSize        = 256
)

// PayloadInput names everything the builder needs. Template is the raw
// SVG template text with {{placeholder}} markers.
type PayloadInput struct {
	Template      string
	ProjectID     string
	ProjectTitle  string
	RecipientName string
	SolutionName  string
	CompletedDate time.Time
	VerifyBaseURL string
}

// Payload is what gets handed to the document renderer: an HTML page
// wrapping the populated SVG, a stylesheet, and the object-store paths
// the resulting artifacts will live under.
type Payload struct {
	HTML    string
	CSS     string
	SVG     string
	SVGPath string
	PDFPath string
}

// Build populates the certificate template. It substitutes the
// human-readable fields (truncated to protect the layout), embeds a
// verification QR code pointing at the project, and derives the
// artifact names for this issuance.
func Build(in PayloadInput) (Payload, error) {
	if strings.TrimSpace(in.Template) == "" {
		return Payload{}, fmt.Errorf("certificate template is empty")
	}
	if strings.TrimSpace(in.ProjectID) == "" {
		return Payload{}, fmt.Errorf("project id is required")
	}

	verifyURL := strings.TrimRight(in.VerifyBaseURL, "/") + "/" + in.ProjectID
	qrPNG, err := qrcode.Encode(verifyURL, qrcode.Medium, qrImageSize)
	if err != nil {
		return Payload{}, fmt.Errorf("encode qr code: %w", err)
	}
	qrDataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrPNG)

	svg := strings.NewReplacer(
		"{{recipientName}}", truncate(in.RecipientName, maxRecipientLength),
		"{{projectTitle}}", truncate(in.ProjectTitle, maxTitleLength),
		"{{solutionName}}", truncate(in.SolutionName, maxTitleLength),
		"{{completedDate}}", in.CompletedDate.Format("2 January 2006"),
		"{{qrCode}}", qrDataURI,
	).Replace(in.Template)

	base := artifactBase(in.ProjectID, in.CompletedDate)
	return Payload{
		HTML:    wrapHTML(svg),
		CSS:     certificateCSS,
		SVG:     svg,
		SVGPath: base + ".svg",
		PDFPath: base + ".pdf",
	}, nil
}

// artifactBase yields a per-issuance logical object path. The timestamp
// keeps a reissue from clobbering the archived artifacts.
func artifactBase(projectID string, at time.Time) string {
	return fmt.Sprintf("certificates/%s/certificate_%d", projectID, at.Unix())
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func wrapHTML(svg string) string {
	var b strings.Builder
	b.WriteString("<!doctype html>\n<html>\n<head>\n")
	b.WriteString(`<meta charset="utf-8">` + "\n")
	b.WriteString(`<link rel="stylesheet" href="style.css">` + "\n")
	b.WriteString("</head>\n<body>\n<div class=\"certificate\">\n")
	b.WriteString(svg)
	b.WriteString("\n</div>\n</body>\n</html>\n")
	return b.String()
}

const certificateCSS = `@page {
	size: A4 landscape;
	margin: 0;
}
html, body {
	margin: 0;
	padding: 0;
}
.certificate {
	width: 100%;
	height: 100%;
}
.certificate svg {
	width: 100%;
	height: auto;
}
`
