package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"pastebin/cfg"
	"pastebin/pkg/domain"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
)

// Hdl serves the HTML pages and the JSON API on top of the paste service.
type Hdl struct {
	responder
	paste  *svc.Paste
	lim    *lim.Limiter
	cfg    *cfg.Cfg
	unlock unlocker
	tz     *time.Location
	now    func() time.Time
}

func NewHdl(p *svc.Paste, l *lim.Limiter, c *cfg.Cfg, sessionSecret []byte) *Hdl {
	return &Hdl{
		responder: newResponder(c),
		paste:     p,
		lim:       l,
		cfg:       c,
		unlock: unlocker{
			secret: sessionSecret,
			ttl:    c.UnlockTTL,
			secure: c.Environment == "production",
		},
		tz:  c.Location(),
		now: time.Now,
	}
}
func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	h.page(w, r, View{Page: pageIndex})
}

// Submit stores the form and redirects to the new paste.
func (h *Hdl) Submit(w http.ResponseWriter, r *http.Request) {
	form, err := readSubmitForm(r)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("invalid submission")
		h.fail(w, r, err)
		return
	}
	paste, err := h.paste.Create(r.Context(), form.params(h.lim.RealIP(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, "/"+paste.ShortID, http.StatusSeeOther)
}

// Show renders a paste. A private paste shows the password prompt unless the
// request carries a valid unlock cookie.
func (h *Hdl) Show(w http.ResponseWriter, r *http.Request) {
	shortID := chi.URLParam(r, "shortID")
	requester := h.lim.RealIP(r)
	now := h.now()
	paste, err := h.paste.View(r.Context(), shortID, "", requester, now)
	if errors.Is(err, domain.ErrPasswordRequired) && h.unlock.unlocked(r, paste.ID, shortID) {
		paste, err = h.paste.ViewUnlocked(r.Context(), shortID, requester, now)
	}
	switch {
	case err == nil:
		h.page(w, r, View{Page: pagePaste, Paste: newPasteView(paste, h.tz)})
	case errors.Is(err, domain.ErrPasswordRequired):
		h.page(w, r, View{Page: pagePassword, Paste: newPasteView(paste, h.tz)})
	default:
		h.fail(w, r, err)
	}
}

// Access handles the password form on a paste page: viewing, or deleting
// with action=delete. A wrong password re-renders the form with a message
// and status 200.
func (h *Hdl) Access(w http.ResponseWriter, r *http.Request) {
	shortID := chi.URLParam(r, "shortID")
	form, err := readAccessForm(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if form.Action == "delete" {
		h.delete(w, r, shortID, form.Password)
		return
	}
	requester := h.lim.RealIP(r)
	now := h.now()
	paste, err := h.paste.View(r.Context(), shortID, form.Password, requester, now)
	switch {
	case err == nil:
		if paste.IsPrivate {
			if err := h.unlock.setCookie(w, paste.ID, shortID, now); err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("failed to issue unlock cookie")
			}
		}
		h.page(w, r, View{Page: pagePaste, Paste: newPasteView(paste, h.tz)})
	case badPassword(err):
		p := h.loc.printer(r)
		h.page(w, r, View{Page: pagePassword, Paste: newPasteView(paste, h.tz), Error: p.Sprintf("err.bad_view")})
	default:
		h.fail(w, r, err)
	}
}
func (h *Hdl) delete(w http.ResponseWriter, r *http.Request, shortID, password string) {
	requester := h.lim.RealIP(r)
	now := h.now()
	err := h.paste.Delete(r.Context(), shortID, password, requester, now)
	p := h.loc.printer(r)
	switch {
	case err == nil:
		h.page(w, r, View{Page: pageSuccess, Message: p.Sprintf("ui.deleted", shortID)})
	case badPassword(err):
		msg := p.Sprintf("err.bad_delete")
		meta, lerr := h.paste.Lookup(r.Context(), shortID, now)
		if lerr != nil {
			h.fail(w, r, lerr)
			return
		}
		if h.unlock.unlocked(r, meta.ID, shortID) {
			if paste, verr := h.paste.ViewUnlocked(r.Context(), shortID, requester, now); verr == nil {
				h.page(w, r, View{Page: pagePaste, Paste: newPasteView(paste, h.tz), Error: msg})
				return
			}
		}
		pv := newPasteView(meta, h.tz)
		pv.Content = ""
		h.page(w, r, View{Page: pagePassword, Paste: pv, Error: msg})
	default:
		h.fail(w, r, err)
	}
}
func badPassword(err error) bool {
	return errors.Is(err, domain.ErrInvalidPassword) || errors.Is(err, domain.ErrPasswordRequired)
}
func (h *Hdl) NotFound(w http.ResponseWriter, r *http.Request) {
	h.fail(w, r, domain.ErrPasteNotFound)
}
func (h *Hdl) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.fail(w, r, domain.ErrMethodNotAllowed)
}

