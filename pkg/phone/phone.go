package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// DefaultRegion is used for numbers written without a country code.
const DefaultRegion = "US"

// Normalize parses a dialable number and returns it in E.164 form. Numbers
// without a leading + are read in region. Invalid numbers wrap
// apperrors.ErrValidation.
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("phone number is empty: %w", apperrors.ErrValidation)
	}
	if region == "" {
		region = DefaultRegion
	}

	parsed, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %v: %w", raw, err, apperrors.ErrValidation)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("phone %q is not a valid number: %w", raw, apperrors.ErrValidation)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// Region returns the ISO region of an E.164 number, or "" when unknown.
func Region(e164 string) string {
	parsed, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return ""
	}
	return phonenumbers.GetRegionCodeForNumber(parsed)
}
