package models

// AllModels 需要迁移的全部模型
func AllModels() []any {
	return []any{
		&Agent{},
		&Conversation{},
		&Message{},
		&AnalyticsEvent{},
		&ConversationAnalytics{},
		&FollowUpTemplate{},
		&FollowUpDelivery{},
		&WebhookEndpoint{},
		&WebhookDelivery{},
	}
}
