package collect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/actionbridge/actionbridge/pkg/models"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ValidateValue checks a candidate value against the parameter's type, enum
// values, and regex pattern. A failure means the value is rejected and the
// parameter stays missing.
func ValidateValue(p *models.ActionParameter, value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return fmt.Errorf("empty value")
	}

	switch p.Type {
	case models.ParamTypeNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("%q is not a number", v)
		}
	case models.ParamTypeBoolean:
		if _, err := strconv.ParseBool(strings.ToLower(v)); err != nil {
			return fmt.Errorf("%q is not true/false", v)
		}
	case models.ParamTypeDate:
		if !parsableDate(v) {
			return fmt.Errorf("%q is not a recognized date", v)
		}
	case models.ParamTypeEnum:
		if !containsFold(p.EnumValues, v) {
			return fmt.Errorf("%q is not one of %s", v, strings.Join(p.EnumValues, ", "))
		}
	}

	// Enum values may also be declared on string parameters.
	if p.Type != models.ParamTypeEnum && len(p.EnumValues) > 0 && !containsFold(p.EnumValues, v) {
		return fmt.Errorf("%q is not one of %s", v, strings.Join(p.EnumValues, ", "))
	}

	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			// A broken pattern must not block the user.
			return nil
		}
		if !re.MatchString(v) {
			return fmt.Errorf("%q does not match the expected format", v)
		}
	}
	return nil
}

func parsableDate(v string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}
