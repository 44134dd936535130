// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/configstore"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// fieldMessages are the operator-facing messages per field.
var fieldMessages = map[string]string{
	"delay": "delay must be a non-negative integer",
	"loss":  "loss must be an integer between 0 and 100",
	"band":  "band must be a positive number",
	"limit": "limit must be a non-negative integer",
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string
	Value   string
	Message string
}

// ValidationError lists every rejected field. It unwraps to
// util.ErrInvalidInput.
type ValidationError struct {
	Fields []FieldError
}

// Error joins the field messages.
func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return "invalid input: " + strings.Join(msgs, "; ")
}

// Unwrap returns util.ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return util.ErrInvalidInput
}

// Has reports whether field was rejected.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Fields is the edit buffer of one interface: the raw text the operator typed.
// It may hold invalid values; Parse is the only way out of it.
type Fields struct {
	Delay string
	Loss  string
	Band  string
	Limit string
}

// FieldsFrom renders a stored config into an edit buffer.
func FieldsFrom(c configstore.InterfaceConfig) Fields {
	return Fields{
		Delay: strconv.Itoa(c.Delay),
		Loss:  strconv.Itoa(c.Loss),
		Band:  runtime.FormatRate(c.Band),
		Limit: strconv.Itoa(c.Limit),
	}
}

// DefaultFields is FieldsFrom(configstore.DefaultInterfaceConfig).
func DefaultFields() Fields {
	return FieldsFrom(configstore.DefaultInterfaceConfig)
}

// Parse converts and validates all four fields, reporting every violation.
//
// # Outputs
//
//   - configstore.InterfaceConfig: The parsed values (zero on error)
//   - error: *ValidationError listing each bad field, or nil
func (f Fields) Parse() (configstore.InterfaceConfig, error) {
	var cfg configstore.InterfaceConfig
	var bad []FieldError
	unparsed := map[string]bool{}

	parseInt := func(field, raw string, dst *int) {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			unparsed[field] = true
			bad = append(bad, FieldError{Field: field, Value: raw, Message: fieldMessages[field]})
			return
		}
		*dst = n
	}
	parseInt("delay", f.Delay, &cfg.Delay)
	parseInt("loss", f.Loss, &cfg.Loss)

	band, err := strconv.ParseFloat(strings.TrimSpace(f.Band), 64)
	if err != nil || math.IsNaN(band) || math.IsInf(band, 0) {
		unparsed["band"] = true
		bad = append(bad, FieldError{Field: "band", Value: f.Band, Message: fieldMessages["band"]})
	} else {
		cfg.Band = band
	}
	parseInt("limit", f.Limit, &cfg.Limit)

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return configstore.InterfaceConfig{}, fmt.Errorf("%w: %v", util.ErrInvalidInput, err)
		}
		for _, fe := range verrs {
			field := fe.Field()
			if unparsed[field] {
				continue
			}
			bad = append(bad, FieldError{Field: field, Value: fmt.Sprint(fe.Value()), Message: fieldMessages[field]})
		}
	}

	if len(bad) > 0 {
		sortFieldErrors(bad)
		return configstore.InterfaceConfig{}, &ValidationError{Fields: bad}
	}
	return cfg, nil
}

// ValidateConfig checks an already typed config, e.g. one built from CLI flags.
func ValidateConfig(c configstore.InterfaceConfig) error {
	_, err := FieldsFrom(c).Parse()
	return err
}

// ValidateAddress checks that addr is an IPv4 or IPv6 literal.
func ValidateAddress(addr string) error {
	if err := validate.Var(strings.TrimSpace(addr), "required,ip"); err != nil {
		return &ValidationError{Fields: []FieldError{{
			Field:   "address",
			Value:   addr,
			Message: fmt.Sprintf("%q is not a valid IP address", addr),
		}}}
	}
	return nil
}

var fieldOrder = map[string]int{"delay": 0, "loss": 1, "band": 2, "limit": 3}

func sortFieldErrors(errs []FieldError) {
	sort.SliceStable(errs, func(i, j int) bool {
		return fieldOrder[errs[i].Field] < fieldOrder[errs[j].Field]
	})
}
