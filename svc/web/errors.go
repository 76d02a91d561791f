package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"pastebin/cfg"
	"pastebin/pkg/domain"
	"pastebin/svc/util"
)

// responder writes an error the way the caller expects it: JSON under
// /api/, a localized error page everywhere else.
type responder struct {
	loc         localizer
	maxContent  int
	maxPassword int
}

func newResponder(c *cfg.Cfg) responder {
	return responder{
		loc:         newLocalizer(c.Locale),
		maxContent:  c.Limits.MaxContentChars,
		maxPassword: c.Limits.MaxPasswordLength,
	}
}
func isAPI(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/")
}
func (rs responder) fail(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	status := domain.Status(err)
	if status >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Str("path", r.URL.Path).
			Msg("internal error with detailed info")
	}
	if isAPI(r) {
		writeErr(w, err, requestID)
		return
	}
	p := rs.loc.printer(r)
	v := View{Page: pageError, Status: status, Error: errorMessage(p, err, rs.maxContent, rs.maxPassword)}
	bindPrinter(&v, p, rs.loc.tag(r).String())
	render(w, r, v)
}
func (rs responder) page(w http.ResponseWriter, r *http.Request, v View) {
	bindPrinter(&v, rs.loc.printer(r), rs.loc.tag(r).String())
	v.MaxPassword = rs.maxPassword
	render(w, r, v)
}
func writeErr(w http.ResponseWriter, err error, requestID string) {
	resp := domain.ToResp(err)
	resp.Error.Meta = map[string]interface{}{"request_id": requestID}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(domain.Status(err))
	json.NewEncoder(w).Encode(resp)
}
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
