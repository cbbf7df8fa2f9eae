package voice

import (
	"sync"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/metrics"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// FrameWriter WebSocket 帧写入器，读循环与回复协程共用
type FrameWriter struct {
	conn    *websocket.Conn
	mu      sync.Mutex // 保护 WebSocket 写入操作
	metrics *metrics.Metrics
}

func NewFrameWriter(conn *websocket.Conn, m *metrics.Metrics) *FrameWriter {
	return &FrameWriter{conn: conn, metrics: m}
}

// SendJSON 发送一帧（线程安全）
func (w *FrameWriter) SendJSON(frameType string, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := w.conn.WriteJSON(v); err != nil {
		return err
	}
	w.metrics.ObserveVoiceFrame("out", frameType)
	return nil
}

// SendConfig 连接建立后立即下发
func (w *FrameWriter) SendConfig() error {
	return w.SendJSON(ResponseTypeConfig, ConfigFrame{
		ResponseType: ResponseTypeConfig,
		Config:       ConfigBody{AutoReconnect: true, CallDetails: true},
	})
}

// SendPong 原样回显 timestamp
func (w *FrameWriter) SendPong(timestamp []byte) error {
	return w.SendJSON(ResponseTypePingPong, PingPongFrame{
		ResponseType: ResponseTypePingPong,
		Timestamp:    timestamp,
	})
}

// SendDelta 部分内容
func (w *FrameWriter) SendDelta(responseID int64, content string) error {
	return w.SendJSON(ResponseTypeResponse, ResponseFrame{
		ResponseType: ResponseTypeResponse,
		ResponseID:   responseID,
		Content:      content,
	})
}

// SendComplete 结束帧，content 可为空
func (w *FrameWriter) SendComplete(responseID int64, content string) error {
	return w.SendJSON(ResponseTypeResponse, ResponseFrame{
		ResponseType:    ResponseTypeResponse,
		ResponseID:      responseID,
		Content:         content,
		ContentComplete: true,
	})
}
