package utils

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid"
)

const visitorAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID 生成行主键
func NewID() string {
	return uuid.NewString()
}

// NewVisitorID 生成匿名访客标识
func NewVisitorID() string {
	id, err := gonanoid.Generate(visitorAlphabet, 16)
	if err != nil {
		return "v_" + RandText(16)
	}
	return "v_" + id
}
