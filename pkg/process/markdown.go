package process

import (
	"fmt"
	"os"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// MarkdownSuffix is appended to an HTML file's name to form its Markdown sidecar
const MarkdownSuffix = ".md"

// MarkdownFilter is a content filter that writes a Markdown rendering next to every saved
// HTML page. The HTML file itself is left untouched.
type MarkdownFilter struct {
	converter *md.Converter
	log       *logrus.Entry
}

// NewMarkdownFilter creates a MarkdownFilter
func NewMarkdownFilter(log *logrus.Entry) *MarkdownFilter {
	return &MarkdownFilter{
		converter: md.NewConverter("", true, nil),
		log:       log,
	}
}

// Filter converts info.LocalPath to Markdown when it is HTML
func (f *MarkdownFilter) Filter(info models.ContentInfo) error {
	if info.DataType != models.DataHTML || info.LocalPath == "" {
		return nil
	}
	fileLog := f.log.WithField("file", info.LocalPath)

	raw, err := os.ReadFile(info.LocalPath)
	if err != nil {
		return fmt.Errorf("%w: reading '%s': %w", utils.ErrFilesystem, info.LocalPath, err)
	}
	contentType := info.MIMEType
	if info.Encoding != "" {
		contentType += "; charset=" + info.Encoding
	}
	text, _, err := DecodeHTML(raw, contentType)
	if err != nil {
		return err
	}

	markdown, err := f.Convert(text)
	if err != nil {
		return err
	}

	sidecar := info.LocalPath + MarkdownSuffix
	if err := os.WriteFile(sidecar, []byte(markdown), 0644); err != nil {
		return fmt.Errorf("%w: saving markdown '%s': %w", utils.ErrFilesystem, sidecar, err)
	}
	fileLog.Debugf("Saved Markdown sidecar (%d bytes)", len(markdown))
	return nil
}

// Convert renders an HTML document as Markdown, titled with its <title>
func (f *MarkdownFilter) Convert(htmlText string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return "", fmt.Errorf("%w: parsing HTML: %w", utils.ErrParsing, err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())

	body := doc.Find("body")
	body.Find("script, style, noscript, template").Remove()
	cleanupHTML(body)

	content, err := goquery.OuterHtml(body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrMarkdownConversion, err)
	}
	markdown, err := f.converter.ConvertString(content)
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrMarkdownConversion, err)
	}
	markdown = strings.TrimSpace(markdown)
	if title != "" && !strings.HasPrefix(markdown, "# ") {
		markdown = "# " + title + "\n\n" + markdown
	}
	return markdown + "\n", nil
}

// cleanupHTML drops permalink anchors that only add noise to Markdown
func cleanupHTML(content *goquery.Selection) {
	content.Find("a.headerlink, a.permalink").Remove()
	content.Find("a").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		href, _ := s.Attr("href")
		if text == "¶" || text == "#" || (text == "" && strings.HasPrefix(href, "#")) {
			s.Remove()
		}
	})
}
