package grok

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

const telegramThematicBreak = "──────────"

var (
	telegramTextEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	telegramAttrEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)

	telegramHTMLMarkdown  = newTelegramMarkdown(false)
	telegramPlainMarkdown = newTelegramMarkdown(true)
)

func newTelegramMarkdown(plain bool) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithRenderer(
			renderer.NewRenderer(
				renderer.WithNodeRenderers(
					util.Prioritized(&telegramRenderer{plain: plain}, 1),
				),
			),
		),
	)
}

// MarkdownToTelegramHTML converts model output (standard Markdown) to
// the HTML subset telegram accepts with parse_mode HTML
func MarkdownToTelegramHTML(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := telegramHTMLMarkdown.Convert([]byte(md), &buf); err != nil {
		return telegramTextEscaper.Replace(md)
	}
	return strings.TrimSpace(buf.String())
}

// MarkdownToTelegramText strips Markdown formatting, for resending a
// message telegram refused to parse
func MarkdownToTelegramText(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := telegramPlainMarkdown.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return strings.TrimSpace(buf.String())
}

// telegramRenderer renders a goldmark AST using only the tags telegram
// supports. In plain mode, no tags are written and text isn't escaped.
type telegramRenderer struct {
	plain bool
}

func (r *telegramRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, r.renderNoop)
	reg.Register(ast.KindParagraph, r.renderParagraph)
	reg.Register(ast.KindTextBlock, r.renderTextBlock)
	reg.Register(ast.KindHeading, r.renderHeading)
	reg.Register(ast.KindThematicBreak, r.renderThematicBreak)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindBlockquote, r.renderBlockquote)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindHTMLBlock, r.renderHTMLBlock)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindCodeSpan, r.renderCodeSpan)
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindImage, r.renderImage)
	reg.Register(ast.KindRawHTML, r.renderRawHTML)

	reg.Register(east.KindStrikethrough, r.renderStrikethrough)
}

func (r *telegramRenderer) text(w util.BufWriter, b []byte) {
	if r.plain {
		_, _ = w.Write(b)
		return
	}
	_, _ = w.WriteString(telegramTextEscaper.Replace(string(b)))
}

func (r *telegramRenderer) tag(w util.BufWriter, s string) {
	if !r.plain {
		_, _ = w.WriteString(s)
	}
}

// blockSeparator separates a block from the one following it
func blockSeparator(w util.BufWriter, n ast.Node) {
	if n.NextSibling() != nil {
		_, _ = w.WriteString("\n\n")
	}
}

func (r *telegramRenderer) renderNoop(
	_ util.BufWriter, _ []byte, _ ast.Node, _ bool,
) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderParagraph(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		blockSeparator(w, n)
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderTextBlock(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering && n.NextSibling() != nil {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderHeading(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if entering {
		r.tag(w, "<b>")
		return ast.WalkContinue, nil
	}
	r.tag(w, "</b>")
	blockSeparator(w, n)
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderThematicBreak(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(telegramThematicBreak)
		blockSeparator(w, n)
	}
	return ast.WalkSkipChildren, nil
}

func (r *telegramRenderer) renderCodeBlock(
	w util.BufWriter, source []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	var code bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		code.Write(line.Value(source))
	}

	language := ""
	if fenced, ok := n.(*ast.FencedCodeBlock); ok {
		language = string(fenced.Language(source))
	}
	if language != "" {
		r.tag(w, fmt.Sprintf(`<pre><code class="language-%s">`, telegramAttrEscaper.Replace(language)))
	} else {
		r.tag(w, "<pre>")
	}
	r.text(w, bytes.TrimRight(code.Bytes(), "\n"))
	if language != "" {
		r.tag(w, "</code></pre>")
	} else {
		r.tag(w, "</pre>")
	}
	blockSeparator(w, n)
	return ast.WalkSkipChildren, nil
}

func (r *telegramRenderer) renderBlockquote(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if entering {
		r.tag(w, "<blockquote>")
		return ast.WalkContinue, nil
	}
	r.tag(w, "</blockquote>")
	blockSeparator(w, n)
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderList(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		blockSeparator(w, n)
	}
	return ast.WalkContinue, nil
}

// listDepth is the number of lists containing n
func listDepth(n ast.Node) int {
	depth := 0
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Kind() == ast.KindList {
			depth++
		}
	}
	return depth
}

func (r *telegramRenderer) renderListItem(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		if n.NextSibling() != nil {
			_, _ = w.WriteString("\n")
		}
		return ast.WalkContinue, nil
	}

	_, _ = w.WriteString(strings.Repeat("  ", listDepth(n)-1))

	list, ok := n.Parent().(*ast.List)
	if ok && list.IsOrdered() {
		index := list.Start
		for s := n.PreviousSibling(); s != nil; s = s.PreviousSibling() {
			index++
		}
		_, _ = fmt.Fprintf(w, "%d. ", index)
	} else {
		_, _ = w.WriteString("• ")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderHTMLBlock(
	w util.BufWriter, source []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	var raw bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		raw.Write(line.Value(source))
	}
	if block, ok := n.(*ast.HTMLBlock); ok && block.HasClosure() {
		raw.Write(block.ClosureLine.Value(source))
	}
	r.text(w, bytes.TrimRight(raw.Bytes(), "\n"))
	blockSeparator(w, n)
	return ast.WalkSkipChildren, nil
}

func (r *telegramRenderer) renderText(
	w util.BufWriter, source []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	t := n.(*ast.Text)
	value := t.Segment.Value(source)
	if !t.IsRaw() {
		value = util.UnescapePunctuations(value)
	}
	r.text(w, value)
	if t.SoftLineBreak() || t.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderString(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if entering {
		r.text(w, n.(*ast.String).Value)
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderCodeSpan(
	w util.BufWriter, source []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	r.tag(w, "<code>")
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			r.text(w, v.Segment.Value(source))
		case *ast.String:
			r.text(w, v.Value)
		}
	}
	r.tag(w, "</code>")
	return ast.WalkSkipChildren, nil
}

func (r *telegramRenderer) renderEmphasis(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	tag := "i"
	if n.(*ast.Emphasis).Level >= 2 {
		tag = "b"
	}
	if entering {
		r.tag(w, "<"+tag+">")
	} else {
		r.tag(w, "</"+tag+">")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderLink(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	link := n.(*ast.Link)
	if entering {
		r.tag(w, `<a href="`+telegramAttrEscaper.Replace(string(link.Destination))+`">`)
		return ast.WalkContinue, nil
	}
	r.tag(w, "</a>")
	if r.plain {
		_, _ = fmt.Fprintf(w, " (%s)", link.Destination)
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderAutoLink(
	w util.BufWriter, source []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	link := n.(*ast.AutoLink)
	url := link.URL(source)
	if link.AutoLinkType == ast.AutoLinkEmail && !bytes.HasPrefix(bytes.ToLower(url), []byte("mailto:")) {
		url = append([]byte("mailto:"), url...)
	}
	r.tag(w, `<a href="`+telegramAttrEscaper.Replace(string(url))+`">`)
	r.text(w, link.Label(source))
	r.tag(w, "</a>")
	return ast.WalkSkipChildren, nil
}

// renderImage renders images as links, with the alt text as the label
func (r *telegramRenderer) renderImage(
	w util.BufWriter, _ []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	img := n.(*ast.Image)
	if entering {
		r.tag(w, `<a href="`+telegramAttrEscaper.Replace(string(img.Destination))+`">`)
		return ast.WalkContinue, nil
	}
	r.tag(w, "</a>")
	if r.plain {
		_, _ = fmt.Fprintf(w, " (%s)", img.Destination)
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderRawHTML(
	w util.BufWriter, source []byte, n ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	segments := n.(*ast.RawHTML).Segments
	for i := 0; i < segments.Len(); i++ {
		segment := segments.At(i)
		r.text(w, segment.Value(source))
	}
	return ast.WalkSkipChildren, nil
}

func (r *telegramRenderer) renderStrikethrough(
	w util.BufWriter, _ []byte, _ ast.Node, entering bool,
) (ast.WalkStatus, error) {
	if entering {
		r.tag(w, "<s>")
	} else {
		r.tag(w, "</s>")
	}
	return ast.WalkContinue, nil
}
