package models

// ComBTag classifies intervention content in the COM-B framework.
type ComBTag string

const (
	ComBMotivation  ComBTag = "Motivation"
	ComBCapability  ComBTag = "Capability"
	ComBOpportunity ComBTag = "Opportunity"
)

// AllComBTags lists the accepted COM-B tags in priority order.
var AllComBTags = []ComBTag{ComBMotivation, ComBCapability, ComBOpportunity}

// SafetyFlag marks safety-relevant content detected by the oracle.
type SafetyFlag string

const (
	SafetyNone              SafetyFlag = "none"
	SafetyMedicalAdvice     SafetyFlag = "medical_advice"
	SafetyCrisis            SafetyFlag = "crisis"
	SafetySelfHarm          SafetyFlag = "self_harm"
	SafetySuspiciousRequest SafetyFlag = "suspicious_request"
)

// AllSafetyFlags lists the accepted safety flags.
var AllSafetyFlags = []SafetyFlag{SafetyNone, SafetyMedicalAdvice, SafetyCrisis, SafetySelfHarm, SafetySuspiciousRequest}

// Reason codes the policy rules require on suppressed decisions.
const (
	ReasonQuietHours       = "quiet_hours"
	ReasonNonresponsePause = "nonresponse_pause"
)

// NonresponsePauseThreshold is the number of unanswered outreaches that pauses sending.
const NonresponsePauseThreshold = 2

// Decision is the validated oracle output on the scheduled-outreach path.
type Decision struct {
	Send              bool         `json:"send"`
	ShortNotification string       `json:"short_notification"`
	LongMessage       string       `json:"long_message"`
	ComBTags          []ComBTag    `json:"com_b_tags"`
	SafetyFlags       []SafetyFlag `json:"safety_flags"`
	FollowUpInHours   float64      `json:"follow_up_in_hours"`
	ReasonCodes       []string     `json:"reason_codes"`
	SuggestedButtons  []string     `json:"suggested_buttons"`
	Ask               []string     `json:"ask"`
	LogNotes          string       `json:"log_notes"`
}

// HasReasonCode reports whether code is present in the decision's reason codes.
func (d Decision) HasReasonCode(code string) bool {
	for _, c := range d.ReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Chat is the validated oracle output on the reactive path.
type Chat struct {
	Message          string       `json:"message"`
	ComBTags         []ComBTag    `json:"com_b_tags"`
	SafetyFlags      []SafetyFlag `json:"safety_flags"`
	SuggestedButtons []string     `json:"suggested_buttons"`
	Ask              []string     `json:"ask"`
	LogNotes         string       `json:"log_notes"`
}

// HasSafetyFlag reports whether flag was raised.
func (c Chat) HasSafetyFlag(flag SafetyFlag) bool {
	for _, f := range c.SafetyFlags {
		if f == flag {
			return true
		}
	}
	return false
}
