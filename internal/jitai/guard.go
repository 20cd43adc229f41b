package jitai

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/MediBot/internal/contract"
	"github.com/BTreeMap/MediBot/internal/models"
)

// PolicyGuard is the local check applied to every validated Decision.
type PolicyGuard string

const (
	// GuardOverride rewrites a violating Decision to send=false and adds the missing reason code.
	GuardOverride PolicyGuard = "override"
	// GuardReject fails a violating Decision with contract.ErrInvalidModelOutput.
	GuardReject PolicyGuard = "reject"
	// GuardOff trusts the oracle.
	GuardOff PolicyGuard = "off"
)

// ParsePolicyGuard accepts override, reject or off (case-insensitive).
func ParsePolicyGuard(s string) (PolicyGuard, error) {
	g := PolicyGuard(strings.ToLower(strings.TrimSpace(s)))
	switch g {
	case GuardOverride, GuardReject, GuardOff:
		return g, nil
	case "":
		return GuardOverride, nil
	}
	return "", fmt.Errorf("unknown policy guard %q (want override, reject or off)", s)
}

type violation struct {
	reason string
}

// violations lists the suppression rules d breaks for snap.
func violations(snap models.ContextSnapshot, d models.Decision) []violation {
	var out []violation
	if snap.IsQuietHours && (d.Send || !d.HasReasonCode(models.ReasonQuietHours)) {
		out = append(out, violation{reason: models.ReasonQuietHours})
	}
	if snap.ConsecutiveNonresponses >= models.NonresponsePauseThreshold && (d.Send || !d.HasReasonCode(models.ReasonNonresponsePause)) {
		out = append(out, violation{reason: models.ReasonNonresponsePause})
	}
	return out
}

// Apply enforces the suppression rules according to the guard mode. It returns the
// possibly rewritten Decision and whether it was changed.
func (g PolicyGuard) Apply(snap models.ContextSnapshot, d models.Decision) (models.Decision, bool, error) {
	if g == GuardOff {
		return d, false, nil
	}
	vs := violations(snap, d)
	if len(vs) == 0 {
		return d, false, nil
	}
	if g == GuardReject {
		return models.Decision{}, false, &contract.ValidationError{
			Contract: contract.Decision.Name,
			Field:    "send",
			Reason:   fmt.Sprintf("violates %s rule", vs[0].reason),
		}
	}

	d.Send = false
	d.ReasonCodes = append([]string(nil), d.ReasonCodes...)
	for _, v := range vs {
		if !d.HasReasonCode(v.reason) {
			d.ReasonCodes = append(d.ReasonCodes, v.reason)
		}
	}
	return d, true, nil
}
