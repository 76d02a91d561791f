package web

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"pastebin/pkg/domain"
)

var validate = validator.New()

// submitForm is the HTML submission form. Content length and password length
// are checked by the paste service so both surfaces share one rule.
type submitForm struct {
	Content   string `validate:"required"`
	Type      string `validate:"omitempty,oneof=on"`
	IsPrivate string `validate:"omitempty,oneof=on"`
	Password  string
}

type accessForm struct {
	Password string
	Action   string `validate:"omitempty,oneof=delete view"`
}

type createRequest struct {
	Content   string `json:"content" validate:"required"`
	Kind      string `json:"kind,omitempty" validate:"omitempty,oneof=text code"`
	IsPrivate bool   `json:"is_private,omitempty"`
	Password  string `json:"password,omitempty"`
}

// parseForm reads the urlencoded or multipart body. A body over the
// MaxBytesReader cap resolves to ErrRequestTooLarge.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(32 << 20)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return domain.ErrRequestTooLarge
	}
	return errors.Wrap(domain.ErrInvalidRequest, err.Error())
}
func readSubmitForm(r *http.Request) (submitForm, error) {
	if err := parseForm(r); err != nil {
		return submitForm{}, err
	}
	f := submitForm{
		Content:   r.PostFormValue("content"),
		Type:      r.PostFormValue("type"),
		IsPrivate: r.PostFormValue("is_private"),
		Password:  r.PostFormValue("password"),
	}
	return f, validationErr(validate.Struct(f))
}
func (f submitForm) params(requester string) domain.CreateParams {
	return domain.CreateParams{
		Content:   f.Content,
		Kind:      domain.KindFromForm(f.Type),
		IsPrivate: f.IsPrivate == "on",
		Password:  f.Password,
		Requester: requester,
	}
}
func readAccessForm(r *http.Request) (accessForm, error) {
	if err := parseForm(r); err != nil {
		return accessForm{}, err
	}
	f := accessForm{
		Password: r.PostFormValue("password"),
		Action:   r.PostFormValue("action"),
	}
	return f, validationErr(validate.Struct(f))
}
func (c createRequest) params(requester string) domain.CreateParams {
	return domain.CreateParams{
		Content:   c.Content,
		Kind:      domain.Kind(c.Kind),
		IsPrivate: c.IsPrivate || c.Password != "",
		Password:  c.Password,
		Requester: requester,
	}
}

// validationErr maps validator failures onto the error taxonomy.
func validationErr(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	for _, fe := range verrs {
		if fe.Field() == "Content" && fe.Tag() == "required" {
			return domain.ErrContentRequired
		}
	}
	return errors.Wrap(domain.ErrInvalidRequest, verrs.Error())
}
