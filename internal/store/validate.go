package store

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var V = validator.New()

func validateInput(in any) error {
	if err := V.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return nil
}
