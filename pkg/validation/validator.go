package validation

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Validate is the global validator instance
var Validate *validator.Validate

func init() {
	Validate = validator.New()

	_ = Validate.RegisterValidation("lat", validateLatitude)
	_ = Validate.RegisterValidation("lng", validateLongitude)
	_ = Validate.RegisterValidation("seats", validateSeats)
	_ = Validate.RegisterValidation("rating", validateRating)
}

// RegisterGinTagValidators installs the custom tags on gin's binding engine
// so handlers can use them in binding struct tags.
func RegisterGinTagValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("lat", validateLatitude)
	_ = v.RegisterValidation("lng", validateLongitude)
	_ = v.RegisterValidation("seats", validateSeats)
	_ = v.RegisterValidation("rating", validateRating)
}

// ValidateStruct validates a struct and returns a readable error on failure.
func ValidateStruct(s interface{}) error {
	err := Validate.Struct(s)
	if err == nil {
		return nil
	}
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		return fmt.Errorf("%s", FormatErrors(validationErrors))
	}
	return err
}

// FormatErrors renders validator errors into a single client-safe message.
func FormatErrors(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fieldMessage(fe))
	}
	return strings.Join(parts, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "lat":
		return fmt.Sprintf("%s must be between -90 and 90", field)
	case "lng":
		return fmt.Sprintf("%s must be between -180 and 180", field)
	case "seats":
		return fmt.Sprintf("%s must be between 1 and 4", field)
	case "rating":
		return fmt.Sprintf("%s must be between 1 and 5", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func validateLatitude(fl validator.FieldLevel) bool {
	latitude := fl.Field().Float()
	return latitude >= -90.0 && latitude <= 90.0
}

func validateLongitude(fl validator.FieldLevel) bool {
	longitude := fl.Field().Float()
	return longitude >= -180.0 && longitude <= 180.0
}

func validateSeats(fl validator.FieldLevel) bool {
	seats := fl.Field().Int()
	return seats >= 1 && seats <= 4
}

func validateRating(fl validator.FieldLevel) bool {
	rating := fl.Field().Int()
	return rating >= 1 && rating <= 5
}

// ValidateCoordinates validates latitude and longitude
func ValidateCoordinates(latitude, longitude float64) error {
	if latitude < -90.0 || latitude > 90.0 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", latitude)
	}
	if longitude < -180.0 || longitude > 180.0 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", longitude)
	}
	return nil
}
