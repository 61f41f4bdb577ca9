package orders

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vietddude/brokerlink/internal/core/domain"
)

// ErrInvalidOrder wraps every order request validation failure.
var ErrInvalidOrder = errors.New("invalid order request")

type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

func (rv *requestValidator) Validate(req domain.OrderRequest) error {
	if err := rv.v.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidOrder, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	switch req.Type {
	case domain.OrderTypeLimit, domain.OrderTypeStopLoss:
		if !req.Price.IsPositive() {
			return fmt.Errorf("%w: price is required for %s orders", ErrInvalidOrder, req.Type)
		}
	}
	if req.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidOrder)
	}
	return nil
}
