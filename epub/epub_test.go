package epub

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

const containerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="%s" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const ncxOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>测试之书</dc:title>
    <dc:creator>佚名</dc:creator>
    <dc:language>zh</dc:language>
    <dc:identifier id="bookid">urn:isbn:9787000000000</dc:identifier>
    <dc:publisher>  </dc:publisher>
  </metadata>
  <manifest>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="cover" href="Text/cover.xhtml" media-type="application/xhtml+xml"/>
    <item id="c1" href="Text/ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="c2" href="Text/ch2.xhtml" media-type="application/xhtml+xml"/>
    <item id="c3" href="Text/chapter_three.xhtml" media-type="application/xhtml+xml"/>
    <item id="css" href="Styles/main.css" media-type="text/css"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="cover"/>
    <itemref idref="c1"/>
    <itemref idref="c3"/>
    <itemref idref="c2"/>
  </spine>
</package>`

const ncxDoc = `<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <navMap>
    <navPoint id="p1" playOrder="1">
      <navLabel><text>第一部</text></navLabel>
      <content src="Text/ch1.xhtml"/>
      <navPoint id="p2" playOrder="2">
        <navLabel><text> 第一章 开端 </text></navLabel>
        <content src="Text/ch1.xhtml#s1"/>
      </navPoint>
    </navPoint>
    <navPoint id="p3" playOrder="3">
      <navLabel><text>第二章 归途</text></navLabel>
      <content src="Text/ch2.xhtml"/>
    </navPoint>
  </navMap>
</ncx>`

const coverDoc = `<html><body><p>封面</p></body></html>`

const chapterOne = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>ignored head title</title><style>p { color: red; }</style></head>
<body>
  <h1>第一章 开端</h1>
  <p>  这是第一章的正文内容，足够长。  </p>
  <script>var x = 1;</script>
  <p>第二段。</p>
</body>
</html>`

const chapterThree = `<html><body><p>没有标题的一章，只有正文。</p></body></html>`

const chapterTwoGBK = `<?xml version="1.0" encoding="GBK"?>
<html><body><h2>第二章 归途</h2><p>用国标码编码的正文内容。</p></body></html>`

func gbk(t *testing.T, s string) []byte {
	t.Helper()
	out, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return out
}

func writeEPUB(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func ncxBook(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "book.epub")
	writeEPUB(t, path, map[string][]byte{
		"mimetype":                       []byte("application/epub+zip"),
		"META-INF/container.xml":         []byte(strings.Replace(containerXML, "%s", "OEBPS/content.opf", 1)),
		"OEBPS/content.opf":              []byte(ncxOPF),
		"OEBPS/toc.ncx":                  []byte(ncxDoc),
		"OEBPS/Text/cover.xhtml":         []byte(coverDoc),
		"OEBPS/Text/ch1.xhtml":           []byte(chapterOne),
		"OEBPS/Text/ch2.xhtml":           gbk(t, chapterTwoGBK),
		"OEBPS/Text/chapter_three.xhtml": []byte(chapterThree),
		"OEBPS/Styles/main.css":          []byte("p{}"),
	})
	return path
}

func TestOpenNCXBook(t *testing.T) {
	path := ncxBook(t, t.TempDir())

	book, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, "测试之书", book.Metadata.Title)
	assert.Equal(t, "佚名", book.Metadata.Author)
	assert.Equal(t, "zh", book.Metadata.Language)
	assert.Equal(t, "urn:isbn:9787000000000", book.Metadata.Identifier)
	assert.Empty(t, book.Metadata.Publisher)
	assert.Equal(t, "book.epub", book.Metadata.FileName)
	assert.Equal(t, "0.00MB", book.Metadata.FileSize)

	require.Len(t, book.Chapters, 3, "the cover page is too short to count")

	assert.Equal(t, Chapter{
		ChapterNum: 1,
		Title:      "第一章 开端",
		FileName:   "Text/ch1.xhtml",
		Content:    "第一章 开端\n这是第一章的正文内容，足够长。\n第二段。",
		WordCount:  27,
	}, book.Chapters[0])

	assert.Equal(t, 2, book.Chapters[1].ChapterNum)
	assert.Equal(t, "Text/chapter three", book.Chapters[1].Title, "falls back to the file name")

	assert.Equal(t, "第二章 归途", book.Chapters[2].Title)
	assert.Equal(t, "第二章 归途\n用国标码编码的正文内容。", book.Chapters[2].Content)

	assert.Equal(t, []TOCItem{
		{Title: "第一部", Href: "Text/ch1.xhtml", Level: 0, Children: []TOCItem{
			{Title: "第一章 开端", Href: "Text/ch1.xhtml#s1", Level: 1, Children: []TOCItem{}},
		}},
		{Title: "第二章 归途", Href: "Text/ch2.xhtml", Level: 0, Children: []TOCItem{}},
	}, book.TOC)
}

func TestOpenNavBook(t *testing.T) {
	opf := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>Nav Book</dc:title></metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="a" href="a%20b.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine><itemref idref="a"/></spine>
</package>`
	nav := `<html xmlns:epub="http://www.idpf.org/2007/ops"><body>
<nav epub:type="landmarks"><ol><li><a href="a%20b.xhtml">Start</a></li></ol></nav>
<nav epub:type="toc"><ol>
  <li><a href="a%20b.xhtml">Part One</a>
    <ol><li><span>Interlude</span></li></ol>
  </li>
  <li><a href="a%20b.xhtml#end">Ending</a></li>
</ol></nav>
</body></html>`

	path := filepath.Join(t.TempDir(), "nav.epub")
	writeEPUB(t, path, map[string][]byte{
		"META-INF/container.xml": []byte(strings.Replace(containerXML, "%s", "content.opf", 1)),
		"content.opf":            []byte(opf),
		"nav.xhtml":              []byte(nav),
		"a b.xhtml":              []byte(`<html><body><h3>Opening</h3><p>Once upon a time.</p></body></html>`),
	})

	book, err := Open(path)
	require.NoError(t, err)

	require.Len(t, book.Chapters, 1, "only spine documents are chapters")
	assert.Equal(t, "Opening", book.Chapters[0].Title)

	assert.Equal(t, []TOCItem{
		{Title: "Part One", Href: "a%20b.xhtml", Level: 0, Children: []TOCItem{
			{Title: "Interlude", Href: "", Level: 1, Children: []TOCItem{}},
		}},
		{Title: "Ending", Href: "a%20b.xhtml#end", Level: 0, Children: []TOCItem{}},
	}, book.TOC)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.epub"))
	require.Error(t, err)

	notZip := filepath.Join(dir, "plain.epub")
	require.NoError(t, os.WriteFile(notZip, []byte("not a zip"), 0o644))
	_, err = Open(notZip)
	require.Error(t, err)

	noRoot := filepath.Join(dir, "noroot.epub")
	writeEPUB(t, noRoot, map[string][]byte{
		"META-INF/container.xml": []byte(`<container><rootfiles></rootfiles></container>`),
	})
	_, err = Open(noRoot)
	require.ErrorIs(t, err, ErrNoRootFile)
}

func TestStatistics(t *testing.T) {
	book := &Book{Chapters: []Chapter{{Content: "一二三四五"}, {Content: "abc"}}}
	// 5 + 2 separator runes + 3
	assert.Equal(t, Statistics{ChapterCount: 2, TotalWords: 10, TotalChars: 10, AvgChapterLength: 5}, book.Statistics())
	assert.Equal(t, Statistics{}, (&Book{}).Statistics())
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "a\n\nb\nc", cleanText("  a  \n \n\n  b\nc \n"))
}

func TestWriteJSON(t *testing.T) {
	book, err := Open(ncxBook(t, t.TempDir()))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, book.WriteJSON(&buf))
	assert.Contains(t, buf.String(), `"title": "测试之书"`, "non-ASCII stays readable")

	var decoded struct {
		Metadata   Metadata   `json:"metadata"`
		Statistics Statistics `json:"statistics"`
		TOC        []TOCItem  `json:"toc"`
		Chapters   []Chapter  `json:"chapters"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, book.Statistics(), decoded.Statistics)
	assert.Len(t, decoded.Chapters, 3)
	assert.Len(t, decoded.TOC, 2)
}

func TestWriteText(t *testing.T) {
	book := &Book{
		Metadata: Metadata{Title: "书名", Author: "作者", FilePath: "/tmp/x.epub", FileSize: "1.00MB"},
		TOC:      []TOCItem{{Title: "卷一", Children: []TOCItem{{Title: "第一回"}}}},
		Chapters: []Chapter{
			{ChapterNum: 1, Title: "第一回", Content: strings.Repeat("字", 1200)},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, book.WriteText(&buf, DefaultTextOptions()))
	out := buf.String()

	assert.Contains(t, out, rule+"\n书籍信息\n"+rule)
	assert.Contains(t, out, "title: 书名\nauthor: 作者\n")
	assert.NotContains(t, out, "file_path")
	assert.NotContains(t, out, "file_size")
	assert.Contains(t, out, "章节数: 1\n")
	assert.Contains(t, out, "总字数: 1,200\n")
	assert.Contains(t, out, "• 卷一\n  • 第一回\n")
	assert.Contains(t, out, "第 1 章: 第一回\n")
	assert.True(t, strings.HasSuffix(out, strings.Repeat("字", 1200)+"\n\n"))

	buf.Reset()
	require.NoError(t, book.WriteText(&buf, TextOptions{}))
	out = buf.String()
	assert.NotContains(t, out, "书籍信息")
	assert.NotContains(t, out, "目录")
	assert.True(t, strings.HasPrefix(out, rule+"\n正文\n"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" JSON ")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("pdf")
	require.Error(t, err)
}

func TestExportAll(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "shelf", "novels")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	good := ncxBook(t, nested)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.epub"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))

	found, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "broken.epub"), good}, found)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	written, err := ExportAll(dir, FormatText, DefaultTextOptions(), WithLogger(logger))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(nested, "book.txt")}, written)
	assert.Contains(t, logs.String(), "epub failed")
	assert.Contains(t, logs.String(), "chapter extracted")
	assert.Contains(t, logs.String(), "epub exported")
	assert.Contains(t, logs.String(), "epub batch finished")

	data, err := os.ReadFile(written[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "第 3 章: 第二章 归途")
}
