// Package validate wraps go-playground/validator with english messages keyed by env names
package validate

import (
	stderrs "errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/logger"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// Svc holds a singleton validator and translator
type Svc struct {
	Validator  *validator.Validate
	Translator ut.Translator
}

var (
	once sync.Once
	svc  *Svc

	sqlIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// Get returns the validator singleton, initializing on first use
func Get() *Svc {
	once.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())

		// name fields by their env key so messages point at what to change
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			if tag := fld.Tag.Get("env"); tag != "" && tag != "-" {
				return tag
			}
			return fld.Name
		})

		_ = en_translations.RegisterDefaultTranslations(v, trans)

		register(v, trans, "min", "{0} must be at least {1}", true)
		register(v, trans, "max", "{0} must be at most {1}", true)
		register(v, trans, "sqlident", "{0} must be a plain SQL identifier", false)

		_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
			return sqlIdent.MatchString(fl.Field().String())
		})

		svc = &Svc{Validator: v, Translator: trans}
	})
	return svc
}

// register overrides or adds a translation; withParam passes the tag param as {1}
func register(v *validator.Validate, trans ut.Translator, tag, text string, withParam bool) {
	_ = v.RegisterTranslation(tag, trans,
		func(t ut.Translator) error { return t.Add(tag, text, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			params := []string{fe.Field()}
			if withParam {
				params = append(params, fe.Param())
			}
			msg, _ := t.T(tag, params...)
			return msg
		},
	)
}

// Struct validates s and returns a Validation-coded error listing every failed field
func Struct(s any) error {
	err := Get().Validator.Struct(s)
	if err == nil {
		return nil
	}
	var inv *validator.InvalidValidationError
	if stderrs.As(err, &inv) {
		logger.Get().Error().Err(inv).Msg("validator internal error")
		return perr.Wrap(inv, perr.ErrorCodeValidation, "validation error")
	}
	return perr.New(perr.ErrorCodeValidation, strings.Join(Messages(err), "; "))
}

// Messages returns one translated message per failed field
func Messages(err error) []string {
	var verrs validator.ValidationErrors
	if !stderrs.As(err, &verrs) {
		if err == nil {
			return nil
		}
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fe.Translate(Get().Translator))
	}
	return out
}

// IsSQLIdent reports whether s is safe to splice into DDL as an identifier
func IsSQLIdent(s string) bool { return sqlIdent.MatchString(s) }
