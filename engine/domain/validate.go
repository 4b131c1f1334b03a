package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateQueryRequest is the gate in front of the pipeline: a request that
// fails here never reaches an external collaborator. The query is trimmed in
// place.
func ValidateQueryRequest(req *QueryRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	return validateStruct(req)
}

// ValidateSearchRequest validates a retrieval-only request.
func ValidateSearchRequest(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	return validateStruct(req)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewError(KindValidation, "the request is invalid", ErrInvalidQuery)
	}
	return NewError(KindValidation, describe(verrs[0]), ErrInvalidQuery)
}

func describe(fe validator.FieldError) string {
	field := jsonName(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required and must not be empty", field)
	case "max":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func jsonName(field string) string {
	switch field {
	case "Query":
		return "query"
	case "MaxResults":
		return "max_results"
	case "IncludeMetadata":
		return "include_metadata"
	default:
		return strings.ToLower(field)
	}
}
