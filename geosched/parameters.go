package geosched

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/geodisk/geodisk"
)

// applyParameter mutates p in place per name/value, covering the exhaustive knob list in
// spec.md §4.2. idx (when present in value as "idx:value" for the score-penalty vectors)
// selects the net-speed class slot being set.
func applyParameter(p *Parameters, name, value string) error {
	switch name {
	case "skipSaturatedPlct":
		return setBool(&p.SkipSaturatedPlct, value)
	case "skipSaturatedAccess":
		return setBool(&p.SkipSaturatedAccess, value)
	case "skipSaturatedDrnAccess":
		return setBool(&p.SkipSaturatedDrnAccess, value)
	case "skipSaturatedBlcAccess":
		return setBool(&p.SkipSaturatedBlcAccess, value)
	case "skipSaturatedDrnPlct":
		return setBool(&p.SkipSaturatedDrnPlct, value)
	case "skipSaturatedBlcPlct":
		return setBool(&p.SkipSaturatedBlcPlct, value)
	case "plctDlScorePenalty":
		return setPenaltyVector(&p.PlctDlScorePenalty, value)
	case "plctUlScorePenalty":
		return setPenaltyVector(&p.PlctUlScorePenalty, value)
	case "accessDlScorePenalty":
		return setPenaltyVector(&p.AccessDlScorePenalty, value)
	case "accessUlScorePenalty":
		return setPenaltyVector(&p.AccessUlScorePenalty, value)
	case "fillRatioLimit":
		return setPercent(&p.FillRatioLimit, value)
	case "fillRatioCompTol":
		return setPercent(&p.FillRatioCompTol, value)
	case "saturationThres":
		// Accepted as a percentage and stored in hundredths of a percent, the scale
		// saturationFraction compares load against (the default 2000 is 20%).
		if err := setPercentInt64(&p.SaturationThres, value); err != nil {
			return err
		}
		p.SaturationThres *= 100
		return nil
	case "timeFrameDurationMs":
		return setPositiveInt(&p.TimeFrameDurationMs, value)
	case "penaltyUpdateRate":
		return setPercent(&p.PenaltyUpdateRate, value)
	case "disabledBranches":
		// Handled by Engine.SetParameter directly (needs the policy evaluator for the
		// overlap check), not here.
		return nil
	default:
		return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: unrecognized parameter %q", name), name)
	}
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: invalid bool %q: %w", value, err), value)
	}
	*dst = b
	return nil
}

func setPercent(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n > 100 {
		return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: %q must be an integer in [0,100]", value), value)
	}
	*dst = n
	return nil
}

func setPercentInt64(dst *int64, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 || n > 100 {
		return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: %q must be an integer in [0,100]", value), value)
	}
	*dst = n
	return nil
}

func setPositiveInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: %q must be a positive integer", value), value)
	}
	*dst = n
	return nil
}

// setPenaltyVector accepts either "idx:value" (set a single net-speed class) or a full
// comma-separated 8-element vector.
func setPenaltyVector(dst *[netSpeedClasses]int64, value string) error {
	if idx, rest, ok := strings.Cut(value, ":"); ok {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= netSpeedClasses {
			return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: invalid net-speed class index %q", idx), idx)
		}
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: invalid penalty value %q", rest), rest)
		}
		dst[i] = n
		return nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != netSpeedClasses {
		return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: penalty vector needs %d comma-separated values, got %d", netSpeedClasses, len(parts)), value)
	}
	var parsed [netSpeedClasses]int64
	for i, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: invalid penalty value %q", part), part)
		}
		parsed[i] = n
	}
	*dst = parsed
	return nil
}

// parseDisabledBranch parses "group,op-type,geotag" into a DisabledBranch.
func parseDisabledBranch(value string) (DisabledBranch, error) {
	parts := strings.SplitN(value, ",", 3)
	if len(parts) != 3 {
		return DisabledBranch{}, geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: disabledBranches value must be \"group,op-type,geotag\", got %q", value), value)
	}
	op, err := parseOpType(parts[1])
	if err != nil {
		return DisabledBranch{}, err
	}
	return DisabledBranch{Group: parts[0], Op: op, Geotag: parts[2]}, nil
}

func parseOpType(s string) (OpType, error) {
	switch s {
	case "placement":
		return OpPlacement, nil
	case "access":
		return OpAccess, nil
	case "drainAccess":
		return OpDrainAccess, nil
	case "balanceAccess":
		return OpBalanceAccess, nil
	case "drainPlacement":
		return OpDrainPlacement, nil
	case "balancePlacement":
		return OpBalancePlacement, nil
	default:
		return 0, geodisk.NewError(geodisk.PolicyViolation, fmt.Errorf("geosched: unrecognized op-type %q", s), s)
	}
}
