package strategyconfig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/wonny/aegis-trader/internal/contracts"
)

var validate = validator.New()

// ValidationError 검증 실패 (프로그램 중단)
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Warning 권장 위반 (경고만)
type Warning struct {
	Code    string
	Message string
}

// Validate checks all required constraints
// 실패 시 error 반환 (프로그램 중단)
func Validate(cfg *Config) error {
	// === 태그 규칙 ===
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return ValidationError{fieldPath(fe.Namespace()), ruleMessage(fe)}
		}
		return err
	}

	// === 교차 규칙 ===
	seen := make(map[string]bool, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		field := fmt.Sprintf("profiles[%d]", i)
		if _, err := contracts.ParseStrategyID(p.ID); err != nil {
			return ValidationError{field + ".id", err.Error()}
		}
		if seen[p.ID] {
			return ValidationError{field + ".id", fmt.Sprintf("duplicate profile %q", p.ID)}
		}
		seen[p.ID] = true

		if p.EntryThreshold < p.PassThreshold {
			return ValidationError{field + ".entry_threshold", "must be >= pass_threshold"}
		}
		if p.PassThreshold > p.CompositeCap {
			return ValidationError{field + ".pass_threshold", "must be <= composite_cap"}
		}
		if err := p.ScoringProfile().Validate(); err != nil {
			return ValidationError{field, err.Error()}
		}
	}

	// === Meta ===
	if !seen[cfg.Meta.Default] {
		return ValidationError{"meta.default", fmt.Sprintf("profile %q not defined", cfg.Meta.Default)}
	}
	return nil
}

// Warn returns recommendations that do not stop the program
func Warn(cfg *Config) []Warning {
	var warnings []Warning
	for _, p := range cfg.Profiles {
		if p.TargetRatio <= p.StopRatio {
			warnings = append(warnings, Warning{
				Code:    "REWARD_BELOW_RISK",
				Message: fmt.Sprintf("%s: target_ratio %.4f <= stop_ratio %.4f", p.ID, p.TargetRatio, p.StopRatio),
			})
		}
		if p.EntryThreshold == p.PassThreshold {
			warnings = append(warnings, Warning{
				Code:    "NO_RESCORE_MARGIN",
				Message: fmt.Sprintf("%s: entry_threshold equals pass_threshold", p.ID),
			})
		}
		if p.ID == string(contracts.StrategyScalping3m) && !p.DayOnly {
			warnings = append(warnings, Warning{
				Code:    "SCALPING_OVERNIGHT",
				Message: "scalping_3m positions will be carried overnight (day_only=false)",
			})
		}
	}
	return warnings
}

// fieldPath: "Config.Profiles[0].StopRatio" → "profiles[0].stop_ratio"
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		parts[i] = snake(part)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
