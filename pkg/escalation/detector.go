package escalation

import (
	"regexp"
	"strings"
)

// 升级原因
const (
	ReasonHumanRequested   = "human_requested"
	ReasonEmergency        = "emergency"
	ReasonComplaint        = "complaint"
	ReasonLegalThreat      = "legal_threat"
	ReasonVerticalSpecific = "vertical_specific"
)

const VerticalGeneral = "general"

// Result 检测结果
type Result struct {
	ShouldEscalate bool   `json:"shouldEscalate"`
	Reason         string `json:"reason,omitempty"`
	Trigger        string `json:"trigger,omitempty"`
}

type trigger struct {
	phrase string
	reason string
}

// general 对所有行业生效，行业表在其后追加
var triggerTable = map[string][]trigger{
	VerticalGeneral: {
		{"speak to a human", ReasonHumanRequested},
		{"speak to a person", ReasonHumanRequested},
		{"speak to someone", ReasonHumanRequested},
		{"talk to a human", ReasonHumanRequested},
		{"talk to a person", ReasonHumanRequested},
		{"talk to someone", ReasonHumanRequested},
		{"real person", ReasonHumanRequested},
		{"human agent", ReasonHumanRequested},
		{"live agent", ReasonHumanRequested},
		{"speak to the manager", ReasonHumanRequested},
		{"speak to a manager", ReasonHumanRequested},
		{"talk to the manager", ReasonHumanRequested},
		{"talk to a manager", ReasonHumanRequested},
		{"call me back", ReasonHumanRequested},
		{"emergency", ReasonEmergency},
		{"call 911", ReasonEmergency},
		{"file a complaint", ReasonComplaint},
		{"make a complaint", ReasonComplaint},
		{"unacceptable", ReasonComplaint},
		{"refund", ReasonComplaint},
		{"my lawyer", ReasonLegalThreat},
		{"lawsuit", ReasonLegalThreat},
		{"sue you", ReasonLegalThreat},
	},
	"medical": {
		{"chest pain", ReasonEmergency},
		{"can't breathe", ReasonEmergency},
		{"cannot breathe", ReasonEmergency},
		{"difficulty breathing", ReasonEmergency},
		{"bleeding heavily", ReasonEmergency},
		{"overdose", ReasonEmergency},
		{"suicidal", ReasonEmergency},
		{"allergic reaction", ReasonEmergency},
		{"test results", ReasonVerticalSpecific},
		{"prescription refill", ReasonVerticalSpecific},
	},
	"dental": {
		{"severe pain", ReasonEmergency},
		{"knocked out tooth", ReasonEmergency},
		{"tooth knocked out", ReasonEmergency},
		{"swollen face", ReasonEmergency},
		{"facial swelling", ReasonEmergency},
		{"bleeding", ReasonEmergency},
		{"abscess", ReasonEmergency},
	},
	"legal": {
		{"arrested", ReasonEmergency},
		{"court date", ReasonVerticalSpecific},
		{"statute of limitations", ReasonVerticalSpecific},
		{"served with papers", ReasonVerticalSpecific},
		{"restraining order", ReasonEmergency},
	},
	"real_estate": {
		{"make an offer", ReasonVerticalSpecific},
		{"closing date", ReasonVerticalSpecific},
		{"earnest money", ReasonVerticalSpecific},
	},
	"home_services": {
		{"gas leak", ReasonEmergency},
		{"smell gas", ReasonEmergency},
		{"flooding", ReasonEmergency},
		{"burst pipe", ReasonEmergency},
		{"no heat", ReasonEmergency},
		{"sparking", ReasonEmergency},
		{"carbon monoxide", ReasonEmergency},
	},
	"restaurant": {
		{"food poisoning", ReasonEmergency},
		{"allergic reaction", ReasonEmergency},
		{"large party", ReasonVerticalSpecific},
		{"catering", ReasonVerticalSpecific},
	},
}

var spaceRe = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Detect 纯函数，基于静态短语表，不调用模型
func Detect(text, vertical string) Result {
	normalized := normalize(text)
	if normalized == "" {
		return Result{}
	}
	vertical = normalize(vertical)

	check := func(triggers []trigger) (Result, bool) {
		for _, tr := range triggers {
			if strings.Contains(normalized, tr.phrase) {
				return Result{ShouldEscalate: true, Reason: tr.reason, Trigger: tr.phrase}, true
			}
		}
		return Result{}, false
	}

	// 行业表优先，便于给出更具体的原因
	if vertical != "" && vertical != VerticalGeneral {
		if r, ok := check(triggerTable[vertical]); ok {
			return r
		}
	}
	if r, ok := check(triggerTable[VerticalGeneral]); ok {
		return r
	}
	return Result{}
}

// Directive 本轮注入系统提示的升级指令
func Directive(reason string) string {
	switch reason {
	case ReasonEmergency:
		return "URGENT: The customer may be describing an emergency. Flag this as urgent, tell them a team member has been notified, and if there is any risk to life advise them to contact emergency services immediately."
	case ReasonHumanRequested:
		return "The customer asked to speak with a person. Flag this as urgent, let them know a team member has been notified and will follow up as soon as possible, and offer to take their contact details."
	case ReasonComplaint, ReasonLegalThreat:
		return "The customer is upset or raising a serious concern. Flag this as urgent, acknowledge their concern calmly without admitting fault, and let them know a team member will follow up personally."
	default:
		return "This request needs staff attention. Flag this as urgent and let the customer know a team member has been notified."
	}
}
