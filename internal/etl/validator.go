package etl

import "strings"

// Validator checks that required fields are present and not nil.
type Validator struct {
	Required []string
}

func NewValidator(required []string) *Validator {
	if len(required) == 0 {
		return nil
	}
	return &Validator{Required: required}
}

// ValidateRecord reports the first required field missing from rec.
func (v *Validator) ValidateRecord(rec Record) error {
	var missing []string
	for _, f := range v.Required {
		if val, ok := rec[f]; !ok || val == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return NewError(Validation, "missing required field(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks every row and fails on the first invalid one.
func (v *Validator) Validate(rows Rows) error {
	for i, rec := range rows {
		if err := v.ValidateRecord(rec); err != nil {
			return Wrap(Validation, err, "row %d", i)
		}
	}
	return nil
}
