package domain

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// DefaultMemberTags are the roles every member must pick at least one of.
var DefaultMemberTags = []string{"programming", "visual design"}

// FieldError is used to indicate an error with a specific payload field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError reports a rejected command payload.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "invalid command"
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err (or one it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New()

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// report json names, not Go field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("notblank", notBlank)
	_ = validate.RegisterValidation("default_tag", hasDefaultTag)
	_ = validate.RegisterValidation("rowkey", isRowKey)
	validate.RegisterStructValidation(feedbackRatingRequired, FeedbackData{})
	validate.RegisterStructValidation(taskUpdateFields, TaskUpdateData{})

	registerTranslation("notblank", "{0} must not be blank")
	registerTranslation("rowkey", "{0} must be at most 128 printable characters without / \\ # or ?")
	registerTranslation("timestamp", "{0} must be a date or an RFC 3339 timestamp")
	registerTranslation("changes", "at least one field besides {0} must be set")
	registerTranslation("default_tag", "{0} must include one of: "+strings.Join(DefaultMemberTags, ", "))
}

func registerTranslation(tag, text string) {
	_ = validate.RegisterTranslation(tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			msg, err := t.T(tag, fe.Field())
			if err != nil {
				return fe.Error()
			}
			return msg
		})
}

// ValidateStruct runs the payload validation rules on v.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Error: fe.Translate(translator)})
	}
	return NewValidationError(errors.New("invalid command data"), fields...)
}

func notBlank(fl validator.FieldLevel) bool {
	f := fl.Field()
	if f.Kind() != reflect.String {
		return !f.IsZero()
	}
	return strings.TrimSpace(f.String()) != ""
}

// MaxKeyLength bounds ids and idempotency keys. Both end up as table keys.
const MaxKeyLength = 128

// isRowKey accepts strings the table service allows as keys.
func isRowKey(fl validator.FieldLevel) bool {
	f := fl.Field()
	if f.Kind() != reflect.String {
		return false
	}
	return ValidKey(f.String())
}

// ValidKey reports whether s is non-empty, at most MaxKeyLength bytes and
// free of control characters and the characters / \ # ?.
func ValidKey(s string) bool {
	if s == "" || len(s) > MaxKeyLength {
		return false
	}
	for _, r := range s {
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			return false
		}
		switch r {
		case '/', '\\', '#', '?':
			return false
		}
	}
	return true
}

func hasDefaultTag(fl validator.FieldLevel) bool {
	f := fl.Field()
	if f.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < f.Len(); i++ {
		tag := strings.TrimSpace(f.Index(i).String())
		for _, d := range DefaultMemberTags {
			if tag == d {
				return true
			}
		}
	}
	return false
}

func feedbackRatingRequired(sl validator.StructLevel) {
	fb := sl.Current().Interface().(FeedbackData)
	if !fb.Reflection && fb.Rating == nil {
		sl.ReportError(fb.Rating, "rating", "Rating", "required", "")
	}
}

func taskUpdateFields(sl validator.StructLevel) {
	u := sl.Current().Interface().(TaskUpdateData)
	if u.Title == nil && u.AssigneeID == nil && u.DueDate == nil && u.Description == nil {
		sl.ReportError(u.TaskID, "taskId", "TaskID", "changes", "")
	}
	// non-empty blanks fail the field's own notblank rule
	if u.Title != nil && *u.Title == "" {
		sl.ReportError(u.Title, "title", "Title", "notblank", "")
	}
	if u.DueDate != nil && strings.TrimSpace(*u.DueDate) != "" && ParseTimestamp(*u.DueDate, nil) == nil {
		sl.ReportError(u.DueDate, "dueDate", "DueDate", "timestamp", "")
	}
}
