package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator creates a configured validator instance
func NewValidator() *validator.Validate {
	v := validator.New()

	// Addresses are either bare hosts ("api.example.com/path") or full URLs
	_ = v.RegisterValidation("instance_address", func(fl validator.FieldLevel) bool {
		return validAddress(fl.Field().String())
	})

	return v
}

func validAddress(address string) bool {
	if address == "" || strings.ContainsAny(address, " \t\r\n") {
		return false
	}
	if !strings.Contains(address, "://") {
		address = DefaultProtocol + "://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	return u.Hostname() != ""
}

// ValidateInstance validates a directory entry
func ValidateInstance(v *validator.Validate, instance *Instance) error {
	if err := v.Struct(instance); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid instance %q: field %s failed %q", instance.CacheKey(), fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid instance %q: %w", instance.CacheKey(), err)
	}
	return nil
}
