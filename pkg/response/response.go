package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一返回结构
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

const (
	CodeSuccess = 200
	CodeFail    = 500
)

// Success 成功响应
func Success(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, Response{Code: CodeSuccess, Msg: msg, Data: data})
}

// Fail 业务失败，HTTP 状态仍为 200
func Fail(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, Response{Code: CodeFail, Msg: msg, Data: data})
}

// AbortWithStatus 终止请求并返回指定状态码
func AbortWithStatus(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Msg: msg})
}

// BadRequest 参数错误
func BadRequest(c *gin.Context, msg string) {
	AbortWithStatus(c, http.StatusBadRequest, msg)
}

// NotFound 资源不存在
func NotFound(c *gin.Context, msg string) {
	AbortWithStatus(c, http.StatusNotFound, msg)
}

// Unauthorized 认证失败
func Unauthorized(c *gin.Context, msg string) {
	AbortWithStatus(c, http.StatusUnauthorized, msg)
}

// ServerError 服务内部错误，不透出上游细节
func ServerError(c *gin.Context, msg string) {
	AbortWithStatus(c, http.StatusInternalServerError, msg)
}
