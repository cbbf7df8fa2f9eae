package voice

import "encoding/json"

// 入站 interaction_type
const (
	InteractionPingPong         = "ping_pong"
	InteractionCallDetails      = "call_details"
	InteractionUpdateOnly       = "update_only"
	InteractionResponseRequired = "response_required"
	InteractionReminderRequired = "reminder_required"
)

// 出站 response_type
const (
	ResponseTypeConfig   = "config"
	ResponseTypePingPong = "ping_pong"
	ResponseTypeResponse = "response"
)

// Utterance 厂商转写中的一句话，role 为 agent 或 user
type Utterance struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallInfo call_details 携带的通话信息
type CallInfo struct {
	CallID     string `json:"call_id"`
	AgentID    string `json:"agent_id"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

// InboundFrame 厂商发来的帧，按 InteractionType 区分
type InboundFrame struct {
	InteractionType string          `json:"interaction_type"`
	Timestamp       json.RawMessage `json:"timestamp,omitempty"`
	ResponseID      int64           `json:"response_id"`
	Transcript      []Utterance     `json:"transcript,omitempty"`
	Call            *CallInfo       `json:"call,omitempty"`
}

type ConfigBody struct {
	AutoReconnect bool `json:"auto_reconnect"`
	CallDetails   bool `json:"call_details"`
}

type ConfigFrame struct {
	ResponseType string     `json:"response_type"`
	Config       ConfigBody `json:"config"`
}

type PingPongFrame struct {
	ResponseType string          `json:"response_type"`
	Timestamp    json.RawMessage `json:"timestamp,omitempty"`
}

// ResponseFrame 回复帧；同一 response_id 以 content_complete=true 结束
type ResponseFrame struct {
	ResponseType    string `json:"response_type"`
	ResponseID      int64  `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
	EndCall         bool   `json:"end_call"`
}
