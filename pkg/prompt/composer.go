package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/knowledge"
)

// 渠道
const (
	ChannelChat  = "chat"
	ChannelVoice = "voice"
	ChannelSMS   = "sms"
)

const maxSnippetChars = 1200

// Persona 接待员人设
type Persona struct {
	Name           string
	BusinessName   string
	SystemPrompt   string
	Language       string
	Timezone       string
	BookingEnabled bool
}

// Input Compose 的全部输入
type Input struct {
	Persona        Persona
	Channel        string
	Context        *knowledge.Context
	EscalationNote string
	Now            time.Time
}

var channelRules = map[string]string{
	ChannelVoice: `You are speaking on a live phone call.
- Keep answers to one to three short sentences.
- Never use markdown, bullet points, emojis, or URLs.
- Say dates, times, and prices the way a person would speak them.
- Ask one question at a time.`,
	ChannelSMS: `You are replying by text message.
- Keep replies under 300 characters when possible.
- Plain text only, no markdown.`,
	ChannelChat: `You are chatting on the business website.
- Be concise and friendly. Short paragraphs, simple lists only when they help.`,
}

// Compose 构建当前渠道的系统提示词
func Compose(in Input) string {
	var sb strings.Builder
	p := in.Persona

	name := p.Name
	if name == "" {
		name = "the receptionist"
	}
	if p.BusinessName != "" {
		fmt.Fprintf(&sb, "You are %s, the AI receptionist for %s.\n", name, p.BusinessName)
	} else {
		fmt.Fprintf(&sb, "You are %s, an AI receptionist.\n", name)
	}
	if s := strings.TrimSpace(p.SystemPrompt); s != "" {
		sb.WriteString("\n")
		sb.WriteString(s)
		sb.WriteString("\n")
	}

	rules, ok := channelRules[in.Channel]
	if !ok {
		rules = channelRules[ChannelChat]
	}
	sb.WriteString("\n## Channel\n")
	sb.WriteString(rules)
	sb.WriteString("\n")

	if !in.Now.IsZero() {
		now := in.Now
		if loc, err := time.LoadLocation(p.Timezone); err == nil && p.Timezone != "" {
			now = now.In(loc)
		}
		fmt.Fprintf(&sb, "\nCurrent date and time: %s.\n", now.Format("Monday, January 2, 2006 3:04 PM MST"))
	}
	if p.Language != "" && !strings.HasPrefix(strings.ToLower(p.Language), "en") {
		fmt.Fprintf(&sb, "Reply in the caller's language (default %s).\n", p.Language)
	}

	if p.BookingEnabled {
		sb.WriteString("\n## Appointments\nUse check_availability before offering times, and only call book_appointment after the customer confirms a slot and gives their name and a phone number or email.\n")
	}

	sb.WriteString("\n## Knowledge\n")
	if in.Context.Empty() {
		sb.WriteString("No business information matched this question. Do not guess; offer to take a message or have the team follow up.\n")
	} else {
		sb.WriteString("Answer only from the information below. If it does not cover the question, say so and offer to have the team follow up.\n")
		for _, f := range in.Context.FAQs {
			fmt.Fprintf(&sb, "\nQ: %s\nA: %s\n", f.Question, truncate(f.Answer))
		}
		for _, d := range in.Context.Documents {
			if d.Title != "" {
				fmt.Fprintf(&sb, "\n[%s]\n", d.Title)
			} else {
				sb.WriteString("\n")
			}
			sb.WriteString(truncate(d.Content))
			sb.WriteString("\n")
		}
	}

	if note := strings.TrimSpace(in.EscalationNote); note != "" {
		sb.WriteString("\n## Important\n")
		sb.WriteString(note)
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxSnippetChars {
		return s
	}
	return string(r[:maxSnippetChars]) + "..."
}
