package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps every definition error returned by Validate and Compile.
var ErrInvalid = errors.New("invalid schedule")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the schedule tags registered
// ("hhmm" and "daycode"). Other packages reuse it for their own structs.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			_, err := ParseClock(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("daycode", func(fl validator.FieldLevel) bool {
			_, ok := DayCode(fl.Field().String()).Weekday()
			return ok
		})
		validate = v
	})
	return validate
}

// Validate checks field-level constraints and that the payload selected by
// the mode is present and valid.
func (s Schedule) Validate() error {
	if err := Validator().Struct(s); err != nil {
		return invalid(err)
	}
	var payload any
	switch s.EffectiveMode() {
	case ModeTimes:
		if len(s.Times) == 0 {
			return invalid(errors.New("mode TIMES requires at least one time"))
		}
		if err := Validator().Var(s.Times, "dive,hhmm"); err != nil {
			return invalid(err)
		}
		return nil
	case ModeInterval:
		if s.Interval == nil {
			return invalid(errors.New("mode INTERVAL requires interval params"))
		}
		payload = s.Interval
	case ModeQuota:
		if s.Quota == nil {
			return invalid(errors.New("mode QUOTA requires quota params"))
		}
		payload = s.Quota
	case ModeChain:
		if s.Chain == nil {
			return invalid(errors.New("mode CHAIN requires chain params"))
		}
		payload = s.Chain
	default:
		return invalid(fmt.Errorf("unknown mode %q", s.Mode))
	}
	if err := Validator().Struct(payload); err != nil {
		return invalid(err)
	}
	return nil
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}
