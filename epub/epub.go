// Package epub extracts metadata, table of contents and chapter text from EPUB
// files and exports them as JSON or plain text.
package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// minChapterRunes drops near-empty documents such as cover or copyright pages.
const minChapterRunes = 10

var (
	// ErrNoRootFile means container.xml does not point at a package document.
	ErrNoRootFile = errors.New("epub: no rootfile in container")

	xmlEncodingRe = regexp.MustCompile(`^\s*<\?xml[^>]*encoding=["']([A-Za-z0-9._-]+)["']`)
	blankRunRe    = regexp.MustCompile(`\n\s*\n`)
)

// Metadata holds the Dublin Core fields plus file information.
type Metadata struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Language    string `json:"language"`
	Publisher   string `json:"publisher"`
	Date        string `json:"date"`
	Identifier  string `json:"identifier"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Rights      string `json:"rights"`
	FilePath    string `json:"file_path"`
	FileName    string `json:"file_name"`
	FileSize    string `json:"file_size"`
}

// Chapter is one spine document with enough text to be worth keeping.
type Chapter struct {
	ChapterNum int    `json:"chapter_num"`
	Title      string `json:"title"`
	FileName   string `json:"file_name"`
	Content    string `json:"content"`
	WordCount  int    `json:"word_count"`
}

// TOCItem is a table of contents entry.
type TOCItem struct {
	Title    string    `json:"title"`
	Href     string    `json:"href"`
	Level    int       `json:"level"`
	Children []TOCItem `json:"children"`
}

// Statistics summarizes chapter text. Word counts are rune counts, which is the
// usual measure for CJK text.
type Statistics struct {
	ChapterCount     int `json:"chapter_count"`
	TotalWords       int `json:"total_words"`
	TotalChars       int `json:"total_chars"`
	AvgChapterLength int `json:"avg_chapter_length"`
}

// Book is a parsed EPUB.
type Book struct {
	Path     string
	Metadata Metadata
	TOC      []TOCItem
	Chapters []Chapter

	logger *slog.Logger
}

// Option configures Open and ExportAll.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes parse and export logs to l instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type container struct {
	RootFiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	Metadata struct {
		Titles       []string `xml:"title"`
		Creators     []string `xml:"creator"`
		Languages    []string `xml:"language"`
		Publishers   []string `xml:"publisher"`
		Dates        []string `xml:"date"`
		Identifiers  []string `xml:"identifier"`
		Subjects     []string `xml:"subject"`
		Descriptions []string `xml:"description"`
		Rights       []string `xml:"rights"`
	} `xml:"metadata"`
	Manifest []manifestItem `xml:"manifest>item"`
	Spine    struct {
		TOC      string `xml:"toc,attr"`
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

type manifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type ncxDocument struct {
	NavPoints []navPoint `xml:"navMap>navPoint"`
}

type navPoint struct {
	Label   string `xml:"navLabel>text"`
	Content struct {
		Src string `xml:"src,attr"`
	} `xml:"content"`
	Children []navPoint `xml:"navPoint"`
}

// Open reads the EPUB at path.
func Open(filePath string, opts ...Option) (*Book, error) {
	o := newOptions(opts)
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat epub: %w", err)
	}
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := rootFile(files)
	if err != nil {
		return nil, err
	}
	var pkg opfPackage
	if err := decodeXML(files, opfPath, &pkg); err != nil {
		return nil, fmt.Errorf("read package document: %w", err)
	}
	base := path.Dir(opfPath)

	book := &Book{Path: filePath, logger: o.logger}
	book.Metadata = metadata(pkg, filePath, info.Size())
	book.Chapters = chapters(files, pkg, base, o.logger)
	book.TOC = toc(files, pkg, base, o.logger)

	o.logger.Info("epub parsed",
		slog.String("file", filePath),
		slog.String("title", book.Metadata.Title),
		slog.Int("chapters", len(book.Chapters)),
		slog.Int("toc_items", len(book.TOC)),
	)
	return book, nil
}

// Statistics computes totals over the chapters.
func (b *Book) Statistics() Statistics {
	stats := Statistics{ChapterCount: len(b.Chapters)}
	total := utf8.RuneCountInString(b.FullText())
	stats.TotalWords = total
	stats.TotalChars = total
	if stats.ChapterCount > 0 {
		stats.AvgChapterLength = total / stats.ChapterCount
	}
	return stats
}

// FullText joins all chapter contents with a blank line.
func (b *Book) FullText() string {
	parts := make([]string, len(b.Chapters))
	for i, ch := range b.Chapters {
		parts[i] = ch.Content
	}
	return strings.Join(parts, "\n\n")
}

func rootFile(files map[string]*zip.File) (string, error) {
	var c container
	if err := decodeXML(files, "META-INF/container.xml", &c); err != nil {
		return "", fmt.Errorf("read container: %w", err)
	}
	for _, rf := range c.RootFiles {
		if rf.FullPath != "" {
			return rf.FullPath, nil
		}
	}
	return "", ErrNoRootFile
}

func readFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func decodeXML(files map[string]*zip.File, name string, v any) error {
	data, err := readFile(files, name)
	if err != nil {
		return err
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	return dec.Decode(v)
}

func first(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func metadata(pkg opfPackage, filePath string, size int64) Metadata {
	m := pkg.Metadata
	return Metadata{
		Title:       first(m.Titles),
		Author:      first(m.Creators),
		Language:    first(m.Languages),
		Publisher:   first(m.Publishers),
		Date:        first(m.Dates),
		Identifier:  first(m.Identifiers),
		Subject:     first(m.Subjects),
		Description: first(m.Descriptions),
		Rights:      first(m.Rights),
		FilePath:    filePath,
		FileName:    filepath.Base(filePath),
		FileSize:    fmt.Sprintf("%.2fMB", float64(size)/1024/1024),
	}
}

// resolve maps a manifest or TOC href to the zip entry name.
func resolve(base, href string) string {
	href, _, _ = strings.Cut(href, "#")
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if base == "." || base == "" {
		return path.Clean(href)
	}
	return path.Join(base, href)
}

func isDocument(item manifestItem) bool {
	switch item.MediaType {
	case "application/xhtml+xml", "text/html":
		return true
	}
	return false
}

func chapters(files map[string]*zip.File, pkg opfPackage, base string, logger *slog.Logger) []Chapter {
	byID := make(map[string]manifestItem, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		byID[item.ID] = item
	}

	var order []manifestItem
	for _, ref := range pkg.Spine.ItemRefs {
		if item, ok := byID[ref.IDRef]; ok && isDocument(item) {
			order = append(order, item)
		}
	}
	if len(order) == 0 {
		for _, item := range pkg.Manifest {
			if isDocument(item) {
				order = append(order, item)
			}
		}
	}

	out := make([]Chapter, 0, len(order))
	for _, item := range order {
		data, err := readFile(files, resolve(base, item.Href))
		if err != nil {
			logger.Warn("chapter skipped", slog.String("href", item.Href), slog.Any("error", err))
			continue
		}
		doc, err := parseDocument(data, logger)
		if err != nil {
			logger.Warn("chapter skipped", slog.String("href", item.Href), slog.Any("error", err))
			continue
		}
		text := cleanText(documentText(doc))
		if utf8.RuneCountInString(text) < minChapterRunes {
			continue
		}
		out = append(out, Chapter{
			ChapterNum: len(out) + 1,
			Title:      chapterTitle(doc, item.Href),
			FileName:   item.Href,
			Content:    text,
			WordCount:  utf8.RuneCountInString(text),
		})
		logger.Debug("chapter extracted",
			slog.Int("chapter", len(out)),
			slog.String("href", item.Href),
			slog.Int("words", out[len(out)-1].WordCount),
		)
	}
	return out
}

// parseDocument decodes non UTF-8 documents before handing them to goquery.
func parseDocument(data []byte, logger *slog.Logger) (*goquery.Document, error) {
	var r io.Reader = bytes.NewReader(data)
	if !utf8.Valid(data) {
		if enc, name := documentEncoding(data); enc != nil {
			logger.Debug("decoding chapter", slog.String("charset", name))
			r = transform.NewReader(r, enc.NewDecoder())
		}
	}
	return goquery.NewDocumentFromReader(r)
}

// documentEncoding prefers the XML declaration, then the HTML meta prescan.
func documentEncoding(data []byte) (encoding.Encoding, string) {
	if m := xmlEncodingRe.FindSubmatch(data); m != nil {
		if enc, name := charset.Lookup(string(m[1])); enc != nil {
			return enc, name
		}
	}
	enc, name, _ := charset.DetermineEncoding(data, "text/html")
	return enc, name
}

var skippedText = map[string]bool{"script": true, "style": true, "head": true}

// documentText collects the body's text nodes, one per line.
func documentText(doc *goquery.Document) string {
	root := doc.Find("body").First()
	if root.Length() == 0 {
		root = doc.Selection
	}
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedText[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				lines = append(lines, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range root.Nodes {
		walk(n)
	}
	return strings.Join(lines, "\n")
}

func cleanText(text string) string {
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func chapterTitle(doc *goquery.Document, href string) string {
	for _, tag := range []string{"h1", "h2", "h3", "h4"} {
		if title := strings.TrimSpace(doc.Find(tag).First().Text()); title != "" {
			return title
		}
	}
	name := strings.TrimSuffix(strings.TrimSuffix(href, ".xhtml"), ".html")
	return strings.ReplaceAll(name, "_", " ")
}

func toc(files map[string]*zip.File, pkg opfPackage, base string, logger *slog.Logger) []TOCItem {
	var ncx, nav manifestItem
	for _, item := range pkg.Manifest {
		switch {
		case pkg.Spine.TOC != "" && item.ID == pkg.Spine.TOC:
			ncx = item
		case item.MediaType == "application/x-dtbncx+xml" && ncx.Href == "":
			ncx = item
		case strings.Contains(" "+item.Properties+" ", " nav ") && nav.Href == "":
			nav = item
		}
	}

	if ncx.Href != "" {
		var doc ncxDocument
		err := decodeXML(files, resolve(base, ncx.Href), &doc)
		if err == nil {
			return navPoints(doc.NavPoints, 0)
		}
		logger.Warn("ncx unreadable", slog.String("href", ncx.Href), slog.Any("error", err))
	}
	if nav.Href != "" {
		data, err := readFile(files, resolve(base, nav.Href))
		if err != nil {
			logger.Warn("nav document unreadable", slog.String("href", nav.Href), slog.Any("error", err))
			return []TOCItem{}
		}
		doc, err := parseDocument(data, logger)
		if err != nil {
			return []TOCItem{}
		}
		return navList(tocNav(doc).ChildrenFiltered("ol").First(), 0)
	}
	return []TOCItem{}
}

func navPoints(points []navPoint, level int) []TOCItem {
	out := make([]TOCItem, 0, len(points))
	for _, p := range points {
		out = append(out, TOCItem{
			Title:    strings.TrimSpace(p.Label),
			Href:     p.Content.Src,
			Level:    level,
			Children: navPoints(p.Children, level+1),
		})
	}
	return out
}

func tocNav(doc *goquery.Document) *goquery.Selection {
	navs := doc.Find("nav")
	toc := navs.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.AttrOr("epub:type", "") == "toc"
	})
	if toc.Length() > 0 {
		return toc.First()
	}
	return navs.First()
}

func navList(ol *goquery.Selection, level int) []TOCItem {
	out := []TOCItem{}
	ol.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
		label := li.ChildrenFiltered("a, span").First()
		out = append(out, TOCItem{
			Title:    strings.TrimSpace(label.Text()),
			Href:     label.AttrOr("href", ""),
			Level:    level,
			Children: navList(li.ChildrenFiltered("ol").First(), level+1),
		})
	})
	return out
}
