package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/jitaccess/internal/model"
)

var validate = validator.New()

var (
	identityRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._%+@-]{0,319}$`)
	dbNameRegex   = regexp.MustCompile(`^[A-Za-z0-9_$-]{1,64}$`)
)

func init() {
	validate.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return identityRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("dbname", func(fl validator.FieldLevel) bool {
		return dbNameRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("tier", func(fl validator.FieldLevel) bool {
		_, err := model.ParseSQLTier(fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("environment", func(fl validator.FieldLevel) bool {
		_, err := model.ParseEnvironment(fl.Field().String())
		return err == nil
	})
}

func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// DecodeOptional is Decode for bodies that may be omitted entirely.
func DecodeOptional(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func RequireID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required ID")
	}
	return s, nil
}
