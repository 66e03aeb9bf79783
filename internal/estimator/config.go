package estimator

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"didimpute/internal/aggregate"
	errs "didimpute/internal/errors"
	"didimpute/internal/panel"
)

const opValidate = "estimator.Validate"

// FEMode selects the fixed-effects structure of the first stage.
type FEMode string

const (
	FETwoWay    FEMode = "twoway"
	FEAbsorbing FEMode = "absorbing"
)

// Config describes one estimation run. Fields are checked in declaration
// order, so the first reported problem follows the order below.
type Config struct {
	Columns      panel.Columns     `json:"columns" yaml:"columns"`
	Horizons     aggregate.Horizon `json:"horizons" yaml:"horizons"`
	MinN         int               `json:"minN" yaml:"minN" validate:"gte=1"`
	WeightScheme aggregate.Scheme  `json:"weight_scheme" yaml:"weight_scheme" validate:"oneof=nobs equal cohort_share"`
	CI           float64           `json:"ci" yaml:"ci" validate:"gt=0,lt=1"`
	Pretrends    int               `json:"pretrends" yaml:"pretrends"`
	FE           FEMode            `json:"fe" yaml:"fe"`
	Seed         *int64            `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// DefaultConfig returns the default settings with the given column bindings.
func DefaultConfig(cols panel.Columns) Config {
	return Config{
		Columns:      cols,
		Horizons:     aggregate.Horizon{Min: -5, Max: 10},
		MinN:         10,
		WeightScheme: aggregate.SchemeNobs,
		CI:           0.95,
		Pretrends:    5,
		FE:           FETwoWay,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration. An absorbing FE request returns
// errs.ErrAbsorbingNotImplemented; every other problem is a validation error.
func (c Config) Validate() error {
	if err := c.checkFE(); err != nil {
		return err
	}
	return c.checkFields()
}

func (c Config) checkFE() error {
	switch c.FE {
	case FETwoWay:
		return nil
	case FEAbsorbing:
		return errs.ErrAbsorbingNotImplemented
	}
	return errs.Validation(opValidate, "unsupported fixed-effects configuration: %q", string(c.FE))
}

func (c Config) checkFields() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errs.Validation(opValidate, "%v", err)
	}
	fe := fieldErrs[0]
	return errs.Validation(opValidate, "%s", fieldMessage(fe)).
		WithContext("field", fe.Namespace())
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "k_max":
		return "Invalid horizons: require k_min <= k_max"
	case "minN":
		return "minN must be at least one"
	case "weight_scheme":
		return "weight_scheme must be one of {'nobs','equal','cohort_share'}"
	case "ci":
		return "ci must lie in (0,1)"
	case "y", "id", "time", "ei":
		return fmt.Sprintf("column binding %q is required", fe.Field())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}

// ParseHorizons parses "kmin:kmax", e.g. "-5:10".
func ParseHorizons(s string) (aggregate.Horizon, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return aggregate.Horizon{}, errs.Validation("estimator.ParseHorizons", "horizons must look like kmin:kmax, got %q", s)
	}
	kMin, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return aggregate.Horizon{}, errs.Validation("estimator.ParseHorizons", "invalid k_min %q", lo)
	}
	kMax, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return aggregate.Horizon{}, errs.Validation("estimator.ParseHorizons", "invalid k_max %q", hi)
	}
	h := aggregate.Horizon{Min: kMin, Max: kMax}
	if h.Min > h.Max {
		return h, errs.Validation("estimator.ParseHorizons", "Invalid horizons: require k_min <= k_max")
	}
	return h, nil
}
