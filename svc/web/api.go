package web

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"pastebin/pkg/domain"
	"pastebin/svc/util"
)

const passwordHeader = "X-Paste-Password"

type CreateResp struct {
	ShortID   string    `json:"short_id"`
	URL       string    `json:"url"`
	IsPrivate bool      `json:"is_private"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreatePaste is the JSON counterpart of Submit. Supplying a password makes
// the paste private.
func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeJSON(w, http.StatusUnsupportedMediaType, domain.ErrResp{Error: domain.ErrDetail{
			Code: "UNSUPPORTED_MEDIA_TYPE",
			Msg:  "expected Content-Type: application/json",
			Meta: map[string]interface{}{"request_id": requestID},
		}})
		return
	}
	var req createRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			h.fail(w, r, domain.ErrRequestTooLarge)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			h.fail(w, r, domain.ErrInvalidRequest)
		default:
			log.Warn().Err(err).Msg("invalid request")
			h.fail(w, r, domain.ErrInvalidRequest)
		}
		return
	}
	if err := validationErr(validate.Struct(req)); err != nil {
		h.fail(w, r, err)
		return
	}
	paste, err := h.paste.Create(r.Context(), req.params(h.lim.RealIP(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResp{
		ShortID:   paste.ShortID,
		URL:       absoluteURL(r, "/"+paste.ShortID),
		IsPrivate: paste.IsPrivate,
		ExpiresAt: paste.ExpiresAt,
	})
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	shortID := chi.URLParam(r, "shortID")
	paste, err := h.paste.View(r.Context(), shortID, r.Header.Get(passwordHeader), h.lim.RealIP(r), h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paste)
}
func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	shortID := chi.URLParam(r, "shortID")
	if err := h.paste.Delete(r.Context(), shortID, r.Header.Get(passwordHeader), h.lim.RealIP(r), h.now()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + path
}
