package handlers

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/code-100-precent/LingDesk/internal/engine"
	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	TwilioSignatureHeader = "X-Twilio-Signature"
	// maxSMSLength Twilio 单条消息正文上限
	maxSMSLength = 1600
)

// twimlResponse 空 Message 时输出 <Response></Response>，Twilio 不回复
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// SMSWebhook POST /webhooks/sms，Twilio 表单回调，回复走 TwiML
func (h *Handlers) SMSWebhook(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		logger.Warn("sms webhook form invalid", zap.Error(err))
		c.XML(http.StatusOK, twimlResponse{})
		return
	}
	if token := h.cfg.SMS.AuthToken; token != "" {
		url := strings.TrimRight(h.cfg.ServerUrl, "/") + c.Request.URL.RequestURI()
		if !VerifyTwilioSignature(token, url, c.Request.PostForm, c.GetHeader(TwilioSignatureHeader)) {
			logger.Warn("sms webhook signature rejected", zap.String("remote", c.ClientIP()))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	from := strings.TrimSpace(c.PostForm("From"))
	to := strings.TrimSpace(c.PostForm("To"))
	body := strings.TrimSpace(c.PostForm("Body"))

	ctx := c.Request.Context()
	agent, err := h.agents.ByPhoneNumber(ctx, to)
	if err != nil || !agent.Active {
		if err != nil && !errors.Is(err, models.ErrAgentNotFound) {
			logger.Error("sms agent lookup failed", zap.String("to", to), zap.Error(err))
		} else {
			logger.Info("sms for unknown number ignored", zap.String("to", to))
		}
		c.XML(http.StatusOK, twimlResponse{})
		return
	}
	if body == "" || from == "" {
		c.XML(http.StatusOK, twimlResponse{})
		return
	}

	conv, err := models.FindActiveConversation(h.db, agent.ID, models.ChannelSMS, from)
	if errors.Is(err, models.ErrConversationNotFound) {
		conv = &models.Conversation{
			AgentID:    agent.ID,
			Channel:    models.ChannelSMS,
			VisitorID:  from,
			FromNumber: from,
			ToNumber:   to,
		}
		err = models.CreateConversation(h.db, conv)
	}
	if err != nil {
		logger.Error("sms conversation failed", zap.String("agentId", agent.ID), zap.Error(err))
		c.XML(http.StatusOK, twimlResponse{Message: agent.Fallback()})
		return
	}

	text := agent.Fallback()
	reply, err := h.service.HandleTurn(ctx, engine.TurnRequest{Agent: agent, Conversation: conv, UserMessage: body})
	if err != nil {
		logger.Warn("sms turn failed", zap.String("conversationId", conv.ID), zap.Error(err))
	}
	if reply != nil && strings.TrimSpace(reply.Text) != "" {
		text = reply.Text
	}
	c.XML(http.StatusOK, twimlResponse{Message: clipRunes(text, maxSMSLength)})
}

// VerifyTwilioSignature base64(HMAC-SHA1(authToken, url + 按键排序拼接的表单键值))
func VerifyTwilioSignature(authToken, url string, form map[string][]string, signature string) bool {
	if signature == "" {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(url)
	for _, k := range keys {
		for _, v := range form[k] {
			sb.WriteString(k)
			sb.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sb.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
