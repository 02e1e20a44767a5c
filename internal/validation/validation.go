// Package validation binds and validates JSON request bodies for the billing
// API and registers the domain validators used in binding tags.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/feepolicy"
)

// MaxRequestSize caps API request bodies (1MB).
const MaxRequestSize = 1 << 20

var (
	countryRe  = regexp.MustCompile(`^[A-Z]{2}$`)
	currencyRe = regexp.MustCompile(`^[a-z]{3}$`)
	once       sync.Once
)

// Register installs the custom tags on gin's validator: country (ISO 3166
// alpha-2, upper case), currency (ISO 4217, lower case) and plan.
func Register() {
	once.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("country", func(fl validator.FieldLevel) bool {
			return countryRe.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			return currencyRe.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("plan", func(fl validator.FieldLevel) bool {
			return feepolicy.ValidPlan(feepolicy.Plan(fl.Field().String()))
		})
	})
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is returned by Bind when validation fails. It is an InvalidInput error.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

func (e Errors) Unwrap() error { return apperr.InvalidInput }

// Bind decodes the JSON body into dst and runs its binding tags. Decoding
// and validation failures come back as InvalidInput errors.
func Bind(c *gin.Context, dst any) error {
	Register()
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make(Errors, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, FieldError{Field: jsonName(fe), Message: message(fe)})
		}
		return out
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperr.New(apperr.InvalidInput, "request body too large")
	}
	return apperr.New(apperr.InvalidInput, "request body must be valid JSON")
}

// Abort writes a 400 with per-field details for Errors, and falls back to
// apperr.Abort for anything else.
func Abort(c *gin.Context, err error) {
	var fields Errors
	if errors.As(err, &fields) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": fields.Error(),
			"fields":  fields,
		})
		return
	}
	apperr.Abort(c, err)
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func jsonName(fe validator.FieldError) string {
	name := fe.Field()
	if name == "" {
		return fe.StructField()
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "country":
		return "must be a two-letter country code"
	case "currency":
		return "must be a three-letter lower-case currency code"
	case "plan":
		return "must be one of: PERFORMANCE STARTER PRO DIY"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
