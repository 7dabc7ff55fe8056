package epub

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "txt"
)

// ParseFormat accepts "json" and "txt" (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText:
		return f, nil
	}
	return "", fmt.Errorf("unsupported export format %q (want json or txt)", s)
}

// TextOptions controls the optional sections of a text export.
type TextOptions struct {
	IncludeMetadata bool
	IncludeTOC      bool
}

// DefaultTextOptions includes every section.
func DefaultTextOptions() TextOptions {
	return TextOptions{IncludeMetadata: true, IncludeTOC: true}
}

var rule = strings.Repeat("=", 80)

type document struct {
	Metadata   Metadata   `json:"metadata"`
	Statistics Statistics `json:"statistics"`
	TOC        []TOCItem  `json:"toc"`
	Chapters   []Chapter  `json:"chapters"`
}

// WriteJSON writes metadata, statistics, TOC and chapters as indented JSON.
func (b *Book) WriteJSON(w io.Writer) error {
	doc := document{
		Metadata:   b.Metadata,
		Statistics: b.Statistics(),
		TOC:        b.TOC,
		Chapters:   b.Chapters,
	}
	if doc.TOC == nil {
		doc.TOC = []TOCItem{}
	}
	if doc.Chapters == nil {
		doc.Chapters = []Chapter{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteText writes a plain text rendition with section banners.
func (b *Book) WriteText(w io.Writer, opts TextOptions) error {
	bw := bufio.NewWriter(w)
	banner := func(title string) {
		fmt.Fprintf(bw, "%s\n%s\n%s\n\n", rule, title, rule)
	}

	if opts.IncludeMetadata {
		banner("书籍信息")
		for _, field := range b.Metadata.fields() {
			if field[1] != "" {
				fmt.Fprintf(bw, "%s: %s\n", field[0], field[1])
			}
		}
		stats := b.Statistics()
		p := message.NewPrinter(language.English)
		fmt.Fprintf(bw, "\n章节数: %d\n", stats.ChapterCount)
		p.Fprintf(bw, "总字数: %d\n", stats.TotalWords)
		bw.WriteString("\n\n")
	}

	if opts.IncludeTOC && len(b.TOC) > 0 {
		banner("目录")
		writeTOC(bw, b.TOC, 0)
		bw.WriteString("\n\n")
	}

	banner("正文")
	for _, ch := range b.Chapters {
		fmt.Fprintf(bw, "\n%s\n第 %d 章: %s\n%s\n\n", rule, ch.ChapterNum, ch.Title, rule)
		bw.WriteString(ch.Content)
		bw.WriteString("\n\n")
	}
	return bw.Flush()
}

func writeTOC(w io.Writer, items []TOCItem, indent int) {
	for _, item := range items {
		fmt.Fprintf(w, "%s• %s\n", strings.Repeat("  ", indent), item.Title)
		writeTOC(w, item.Children, indent+1)
	}
}

// fields lists the metadata shown in text exports, in JSON key order. File path
// and size are left out.
func (m Metadata) fields() [][2]string {
	return [][2]string{
		{"title", m.Title},
		{"author", m.Author},
		{"language", m.Language},
		{"publisher", m.Publisher},
		{"date", m.Date},
		{"identifier", m.Identifier},
		{"subject", m.Subject},
		{"description", m.Description},
		{"rights", m.Rights},
		{"file_name", m.FileName},
	}
}

// DefaultOutput is the book path with its extension replaced by the format.
func DefaultOutput(bookPath string, format Format) string {
	return strings.TrimSuffix(bookPath, filepath.Ext(bookPath)) + "." + string(format)
}

// Export writes book to out (DefaultOutput when empty) and returns the path.
func Export(book *Book, format Format, out string, opts TextOptions) (string, error) {
	if out == "" {
		out = DefaultOutput(book.Path, format)
	}
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create export: %w", err)
	}

	switch format {
	case FormatJSON:
		err = book.WriteJSON(f)
	case FormatText:
		err = book.WriteText(f, opts)
	default:
		err = fmt.Errorf("unsupported export format %q", format)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("export %s: %w", out, err)
	}
	book.log().Info("epub exported", slog.String("output", out), slog.String("format", string(format)))
	return out, nil
}

func (b *Book) log() *slog.Logger {
	if b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

// Discover returns every *.epub below dir, sorted.
func Discover(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".epub") {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover epubs: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// ExportAll exports every EPUB under dir next to its source. A book that fails
// to parse or export is logged and skipped; the written paths are returned.
func ExportAll(dir string, format Format, textOpts TextOptions, opts ...Option) ([]string, error) {
	logger := newOptions(opts).logger
	books, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("epub files found", slog.String("dir", dir), slog.Int("count", len(books)))

	var written []string
	for _, p := range books {
		book, err := Open(p, opts...)
		if err != nil {
			logger.Error("epub failed", slog.String("file", p), slog.Any("error", err))
			continue
		}
		out, err := Export(book, format, "", textOpts)
		if err != nil {
			logger.Error("epub failed", slog.String("file", p), slog.Any("error", err))
			continue
		}
		written = append(written, out)
	}
	logger.Info("epub batch finished", slog.Int("exported", len(written)), slog.Int("total", len(books)))
	return written, nil
}
