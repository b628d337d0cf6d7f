package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/rotisserie/eris"
)

const maxBodyBytes = 1 << 20

// binder decodes JSON bodies and validates them with json field names in
// the messages.
type binder struct {
	validate *validator.Validate
	trans    ut.Translator
}

func newBinder() *binder {
	loc := en.New()
	trans, _ := ut.New(loc, loc).GetTranslator("en")

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("json")
		if tag == "-" || tag == "" {
			return fld.Name
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		return tag
	})
	_ = en_translations.RegisterDefaultTranslations(v, trans)
	_ = v.RegisterTranslation("max", trans,
		func(t ut.Translator) error {
			return t.Add("max", "{0} must contain at most {1} items", true)
		},
		func(t ut.Translator, fe validator.FieldError) string {
			msg, _ := t.T("max", fe.Field(), fe.Param())
			return msg
		},
	)

	return &binder{validate: v, trans: trans}
}

// bindJSON decodes r's body into dst and validates it. The returned error
// message is safe to show to the caller.
func (b *binder) bindJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return eris.New("empty body")
		}
		return eris.Errorf("invalid JSON: %v", err)
	}
	if dec.More() {
		return eris.New("unexpected trailing data")
	}

	if err := b.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return eris.New(verrs[0].Translate(b.trans))
		}
		return eris.Wrap(err, "validation error")
	}
	return nil
}
