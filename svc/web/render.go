package web

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"time"

	"golang.org/x/text/message"

	"pastebin/pkg/domain"
	"pastebin/svc/util"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pages = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

const displayLayout = "02.01.2006 15:04:05"

type page string

const (
	pageIndex    page = "index-page"
	pagePaste    page = "paste-page"
	pagePassword page = "password-page"
	pageSuccess  page = "success-page"
	pageError    page = "error-page"
)

// View is everything a page needs. Paste is set for the paste and password
// pages; its Content is empty on the password page.
type View struct {
	Page        page
	Status      int
	Lang        string
	T           func(key string, args ...interface{}) string
	Paste       *PasteView
	Error       string
	Message     string
	MaxPassword int
}

type PasteView struct {
	ShortID   string
	Content   string
	Code      bool
	Private   bool
	CreatedAt string
	ExpiresAt string
}

func newPasteView(p *domain.Paste, loc *time.Location) *PasteView {
	return &PasteView{
		ShortID:   p.ShortID,
		Content:   p.Content,
		Code:      p.Kind == domain.KindCode,
		Private:   p.IsPrivate,
		CreatedAt: p.CreatedAt.In(loc).Format(displayLayout),
		ExpiresAt: p.ExpiresAt.In(loc).Format(displayLayout),
	}
}
func bindPrinter(v *View, p *message.Printer, lang string) {
	v.Lang = lang
	v.T = func(key string, args ...interface{}) string {
		return p.Sprintf(key, args...)
	}
}

// render executes v into a buffer first so a template failure still yields a
// clean 500.
func render(w http.ResponseWriter, r *http.Request, v View) {
	if v.Status == 0 {
		v.Status = http.StatusOK
	}
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, string(v.Page), v); err != nil {
		util.Error().Err(err).
			Str("page", string(v.Page)).
			Str("request_id", util.GetRequestID(r.Context())).
			Msg("template render failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(v.Status)
	buf.WriteTo(w)
}
