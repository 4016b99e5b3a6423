package bulkmail

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"sync"
	textTemplate "text/template"
	"text/template/parse"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// maxCachedTemplates bounds the parse cache of a TemplateCompiler.
const maxCachedTemplates = 64

// renderable is the part of text/template and html/template used for rendering.
type renderable interface {
	Execute(w io.Writer, data any) error
}

// field is one parsed template string.
type field struct {
	name         string
	render       func(data any) (string, error)
	placeholders []string
	literal      bool
}

type parsedAttachment struct {
	path      *field
	filename  *field
	contentID *field
	inline    bool
}

type parsedTemplate struct {
	from, to, cc, bcc, replyTo *field
	subject, text, html        *field
	headers                    map[string]*field
	attachments                []parsedAttachment
	parseErrs                  []DispatchError
}

// TemplateCompiler is the built-in Compiler. Every string field of a Template is a
// text/template (the HTML body an html/template) rendered against the record. All
// problems of one record are reported together.
//
// Parses are cached by template content, so an edited template is parsed again on its
// next compile.
type TemplateCompiler struct {
	config CompilerConfig
	mu     sync.Mutex
	cache  map[[sha256.Size]byte]*parsedTemplate
}

// NewTemplateCompiler creates a compiler with the given configuration.
func NewTemplateCompiler(config CompilerConfig) *TemplateCompiler {
	return &TemplateCompiler{
		config: config,
		cache:  make(map[[sha256.Size]byte]*parsedTemplate),
	}
}

// Compile renders tmpl with rec. On failure the error is an *AggregateError.
func (tc *TemplateCompiler) Compile(tmpl *Template, rec Record) (*Message, error) {
	if tmpl == nil {
		return nil, NewAggregateError(&CompileError{Category: CategoryParse, Cause: errors.New("template is nil")})
	}

	pt := tc.parsed(tmpl)
	agg := NewAggregateError(pt.parseErrs...)
	r := &renderer{rec: rec, agg: agg, reported: make(map[string]bool)}

	msg := &Message{
		Subject:  r.render(pt.subject),
		TextBody: r.render(pt.text),
		HTMLBody: r.render(pt.html),
		Priority: tmpl.Priority,
	}

	if from, ok := r.renderOK(pt.from); ok {
		from = strings.TrimSpace(from)
		if from == "" {
			agg.Add(&CompileError{Category: CategoryMissingSender, Field: "from"})
		} else if addr, err := mail.ParseAddress(from); err != nil {
			agg.Add(&CompileError{Category: CategoryInvalidAddress, Field: "from", Value: from, Cause: err})
		} else {
			msg.From = Address{Name: addr.Name, Email: addr.Address}
		}
	}

	if to, ok := r.renderOK(pt.to); ok {
		if strings.TrimSpace(to) == "" {
			agg.Add(&CompileError{Category: CategoryMissingRecipient, Field: "to"})
		} else {
			msg.To = r.addresses("to", to)
		}
	}
	if cc, ok := r.renderOK(pt.cc); ok && strings.TrimSpace(cc) != "" {
		msg.CC = r.addresses("cc", cc)
	}
	if bcc, ok := r.renderOK(pt.bcc); ok && strings.TrimSpace(bcc) != "" {
		msg.BCC = r.addresses("bcc", bcc)
	}
	if replyTo, ok := r.renderOK(pt.replyTo); ok && strings.TrimSpace(replyTo) != "" {
		msg.ReplyTo = r.addresses("reply_to", replyTo)
	}

	if len(pt.headers) > 0 {
		msg.Headers = make(map[string]string, len(pt.headers))
		for key, f := range pt.headers {
			if value, ok := r.renderOK(f); ok {
				msg.Headers[key] = value
			}
		}
	}

	for i, pa := range pt.attachments {
		if a, ok := tc.resolveAttachment(r, i, pa); ok {
			msg.Attachments = append(msg.Attachments, a)
		}
	}

	if err := agg.ErrorOrNil(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (tc *TemplateCompiler) resolveAttachment(r *renderer, i int, pa parsedAttachment) (Attachment, bool) {
	fieldName := fmt.Sprintf("attachments[%d]", i)
	path, ok := r.renderOK(pa.path)
	if !ok {
		return Attachment{}, false
	}
	filename, _ := r.renderOK(pa.filename)
	contentID, _ := r.renderOK(pa.contentID)

	malformed := func(cause string) (Attachment, bool) {
		r.agg.Add(&CompileError{
			Category: CategoryMalformedAttachmentPath,
			Field:    fieldName,
			Value:    path,
			Cause:    errors.New(cause),
		})
		return Attachment{}, false
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return malformed("path is empty")
	}
	if strings.IndexFunc(path, unicode.IsControl) >= 0 {
		return malformed("path contains control characters")
	}

	resolved := filepath.Clean(path)
	if tc.config.BaseDir != "" {
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(tc.config.BaseDir, resolved)
		}
		// Security: Validate that the path is within the base directory
		if !isPathWithinDir(resolved, tc.config.BaseDir) {
			return malformed("path escapes the attachment directory")
		}
	}

	info, err := os.Stat(resolved)
	switch {
	case err == nil && info.IsDir():
		return malformed("path is a directory")
	case err != nil:
		category := CategoryMissingFileAttachment
		if pa.inline {
			category = CategoryMissingInlineAttachment
		}
		if !errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("attachment not readable: %w", err)
		}
		r.agg.Add(&CompileError{Category: category, Field: fieldName, Value: path, Cause: err})
		return Attachment{}, false
	}

	a := Attachment{
		Filename:  filename,
		Path:      resolved,
		Inline:    pa.inline,
		ContentID: contentID,
	}
	if a.Inline && a.ContentID == "" {
		a.ContentID = a.Name()
	}
	return a, true
}

// parsed returns the cached parse of tmpl.
func (tc *TemplateCompiler) parsed(tmpl *Template) *parsedTemplate {
	key := fingerprint(tmpl)

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if pt, ok := tc.cache[key]; ok {
		return pt
	}
	if len(tc.cache) >= maxCachedTemplates {
		tc.cache = make(map[[sha256.Size]byte]*parsedTemplate)
	}
	pt := tc.parse(tmpl)
	tc.cache[key] = pt
	return pt
}

// fingerprint hashes every field of tmpl. Header keys are encoded in sorted order.
func fingerprint(tmpl *Template) [sha256.Size]byte {
	// Template holds only strings, ints and bools, which always encode.
	data, _ := json.Marshal(tmpl)
	return sha256.Sum256(data)
}

func (tc *TemplateCompiler) parse(tmpl *Template) *parsedTemplate {
	pt := &parsedTemplate{}
	text := func(name, src string) *field {
		f, err := tc.parseText(name, src)
		if err != nil {
			pt.parseErrs = append(pt.parseErrs, &CompileError{Category: CategoryParse, Field: name, Cause: err})
		}
		return f
	}

	pt.from = text("from", tmpl.From)
	pt.to = text("to", tmpl.To)
	pt.cc = text("cc", tmpl.CC)
	pt.bcc = text("bcc", tmpl.BCC)
	pt.replyTo = text("reply_to", tmpl.ReplyTo)
	pt.subject = text("subject", tmpl.Subject)
	pt.text = text("text_body", tmpl.TextBody)

	html, err := tc.parseHTML("html_body", tmpl.HTMLBody)
	if err != nil {
		pt.parseErrs = append(pt.parseErrs, &CompileError{Category: CategoryParse, Field: "html_body", Cause: err})
	}
	pt.html = html

	if len(tmpl.Headers) > 0 {
		pt.headers = make(map[string]*field, len(tmpl.Headers))
		for key, value := range tmpl.Headers {
			pt.headers[key] = text("headers."+key, value)
		}
	}

	for i, a := range tmpl.Attachments {
		prefix := fmt.Sprintf("attachments[%d]", i)
		pt.attachments = append(pt.attachments, parsedAttachment{
			path:      text(prefix, a.Path),
			filename:  text(prefix+".filename", a.Filename),
			contentID: text(prefix+".content_id", a.ContentID),
			inline:    a.Inline,
		})
	}
	return pt
}

// parseText returns nil on parse errors.
func (tc *TemplateCompiler) parseText(name, src string) (*field, error) {
	if !strings.Contains(src, "{{") {
		return &field{name: name, literal: true, render: func(any) (string, error) { return src, nil }}, nil
	}
	t, err := textTemplate.New(name).Funcs(tc.textFuncs()).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, err
	}
	var trees []*parse.Tree
	for _, tt := range t.Templates() {
		trees = append(trees, tt.Tree)
	}
	return &field{
		name:         name,
		placeholders: placeholders(trees...),
		render:       renderWith(t),
	}, nil
}

// parseHTML returns nil on parse errors.
func (tc *TemplateCompiler) parseHTML(name, src string) (*field, error) {
	if !strings.Contains(src, "{{") {
		return &field{name: name, literal: true, render: func(any) (string, error) { return src, nil }}, nil
	}
	t, err := template.New(name).Funcs(tc.htmlFuncs()).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, err
	}
	var trees []*parse.Tree
	for _, tt := range t.Templates() {
		trees = append(trees, tt.Tree)
	}
	return &field{
		name:         name,
		placeholders: placeholders(trees...),
		render:       renderWith(t),
	}, nil
}

func renderWith(t renderable) func(any) (string, error) {
	return func(data any) (string, error) {
		var buf strings.Builder
		if err := t.Execute(&buf, data); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}

// renderer renders fields of one record and collects their errors.
type renderer struct {
	rec      Record
	agg      *AggregateError
	reported map[string]bool
}

func (r *renderer) render(f *field) string {
	s, _ := r.renderOK(f)
	return s
}

// renderOK reports false when the field failed to parse, references a missing
// placeholder or failed to execute. Each missing placeholder is reported once per record.
func (r *renderer) renderOK(f *field) (string, bool) {
	if f == nil {
		return "", false
	}
	if f.literal {
		s, _ := f.render(nil)
		return s, true
	}

	missing := false
	for _, name := range f.placeholders {
		if _, ok := r.rec[name]; ok {
			continue
		}
		missing = true
		if !r.reported[name] {
			r.reported[name] = true
			r.agg.Add(&CompileError{Category: CategoryMissingPlaceholder, Field: f.name, Value: name})
		}
	}
	if missing {
		return "", false
	}

	s, err := f.render(map[string]any(r.rec))
	if err != nil {
		r.agg.Add(&CompileError{Category: CategoryParse, Field: f.name, Cause: err})
		return "", false
	}
	return s, true
}

func (r *renderer) addresses(fieldName, list string) []Address {
	parsed, err := mail.ParseAddressList(list)
	if err != nil {
		r.agg.Add(&CompileError{Category: CategoryInvalidAddress, Field: fieldName, Value: list, Cause: err})
		return nil
	}
	out := make([]Address, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out
}

// placeholders returns the top-level record keys referenced by the trees, in order of
// first appearance. Fields under range and with bodies are relative to a different dot
// and are not record keys.
func placeholders(trees ...*parse.Tree) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	var walk func(n parse.Node, topLevel bool)
	walk = func(n parse.Node, topLevel bool) {
		switch n := n.(type) {
		case nil:
		case *parse.ListNode:
			if n == nil {
				return
			}
			for _, c := range n.Nodes {
				walk(c, topLevel)
			}
		case *parse.ActionNode:
			walk(n.Pipe, topLevel)
		case *parse.PipeNode:
			if n == nil {
				return
			}
			for _, cmd := range n.Cmds {
				walk(cmd, topLevel)
			}
		case *parse.CommandNode:
			for _, arg := range n.Args {
				walk(arg, topLevel)
			}
		case *parse.FieldNode:
			if topLevel && len(n.Ident) > 0 {
				add(n.Ident[0])
			}
		case *parse.VariableNode:
			// $.Name always refers to the record
			if len(n.Ident) > 1 && n.Ident[0] == "$" {
				add(n.Ident[1])
			}
		case *parse.ChainNode:
			walk(n.Node, topLevel)
		case *parse.IfNode:
			walk(n.Pipe, topLevel)
			walk(n.List, topLevel)
			walk(n.ElseList, topLevel)
		case *parse.RangeNode:
			walk(n.Pipe, topLevel)
			walk(n.List, false)
			walk(n.ElseList, topLevel)
		case *parse.WithNode:
			walk(n.Pipe, topLevel)
			walk(n.List, false)
			walk(n.ElseList, topLevel)
		case *parse.TemplateNode:
			walk(n.Pipe, topLevel)
		}
	}

	for _, t := range trees {
		if t != nil {
			walk(t.Root, true)
		}
	}
	return out
}

// textFuncs returns the template functions for text templates.
func (tc *TemplateCompiler) textFuncs() textTemplate.FuncMap {
	titleCaser := cases.Title(language.English)
	return textTemplate.FuncMap{
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
		"title":     titleCaser.String,
		"trim":      strings.TrimSpace,
		"join":      strings.Join,
		"split":     strings.Split,
		"replace":   strings.ReplaceAll,
		"contains":  strings.Contains,
		"hasPrefix": strings.HasPrefix,
		"hasSuffix": strings.HasSuffix,
		"now":       time.Now,
		"formatTime": func(format string, t time.Time) string {
			return t.Format(format)
		},
		"add": func(a, b int) int { return a + b },
		"sub": func(a, b int) int { return a - b },
		"mul": func(a, b int) int { return a * b },
		"div": func(a, b int) int {
			if b == 0 {
				return 0
			}
			return a / b
		},
		"default": func(defaultValue, value any) any {
			if value == nil || value == "" {
				return defaultValue
			}
			return value
		},
	}
}

// htmlFuncs returns the text functions plus, when enabled, the unsafe ones.
func (tc *TemplateCompiler) htmlFuncs() template.FuncMap {
	funcs := template.FuncMap(tc.textFuncs())

	// Only add unsafe functions if explicitly enabled in config
	if tc.config.AllowUnsafeFunctions {
		// SECURITY WARNING: These functions bypass Go's auto-escaping and can lead to XSS
		funcs["unsafeHTML"] = func(s string) template.HTML {
			return template.HTML(s) // #nosec G203 -- Intentionally unsafe, opt-in only
		}
		funcs["unsafeURL"] = func(s string) template.URL {
			return template.URL(s) // #nosec G203 -- Intentionally unsafe, opt-in only
		}
	}
	return funcs
}

// isPathWithinDir checks if a given path is within the specified directory to prevent path traversal attacks.
func isPathWithinDir(path, dir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}

	// If rel starts with "..", it's outside the directory
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
