// internal/validation/validation.go
package validation

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payments"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("ke_msisdn", validateKenyanMSISDN)
	validate.RegisterValidation("payment_status", validatePaymentStatus)

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func ValidateStruct(data interface{}) url.Values {
	err := validate.Struct(data)
	if err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func formatValidationErrors(err error) url.Values {
	errorsMap := url.Values{}
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, fieldErr := range validationErrs {
			fieldName := fieldErr.Field()
			errorsMap.Add(fieldName, getErrorMessage(fieldErr))
		}
	} else {
		errorsMap.Add("general", "validation failed: "+err.Error())
	}
	return errorsMap
}

// Сообщения видит покупатель на странице checkout, поэтому они на английском.
func getErrorMessage(err validator.FieldError) string {
	fieldName := err.Field()
	switch err.Tag() {
	case "required":
		return "This field is required."
	case "gt":
		return fmt.Sprintf("Value must be greater than %s.", err.Param())
	case "max":
		return fmt.Sprintf("Maximum length is %s characters.", err.Param())
	case "ke_msisdn":
		return "Enter a valid Safaricom number, e.g. 0722000000 or 254722000000."
	case "payment_status":
		return "Status must be one of: pending, paid, failed."
	default:
		return fmt.Sprintf("Invalid value for field %s (tag: %s).", fieldName, err.Tag())
	}
}

func validateKenyanMSISDN(fl validator.FieldLevel) bool {
	phone := fl.Field().String()
	if phone == "" {
		return false
	}
	return payments.ValidSubscriber(payments.NormalizePhone(phone))
}

func validatePaymentStatus(fl validator.FieldLevel) bool {
	return models.OrderPaymentStatus(fl.Field().String()).Valid()
}
