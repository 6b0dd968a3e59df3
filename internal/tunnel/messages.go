// Package tunnel maintains the duplex gateway link: a websocket connection
// with serialized writes, a typed message router, the device registration
// flow, and the periodic heartbeat. Remote invocations received over the
// link dispatch into the runtime engine exactly like local HTTP requests.
package tunnel

import (
	"encoding/json"
	"fmt"
)

// Message types form a closed set; anything else is logged and dropped.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeContextPing = "context-ping"
	TypeContextPong = "context-pong"

	TypeDeviceRegisterRequest  = "device_register_request"
	TypeDeviceRegisterResponse = "device_register_response"
	TypeDeviceRegisterAck      = "device_register_ack"
	TypeDeviceModelReport      = "device_model_report"
	TypeDeviceModelResponse    = "device_model_report_response"
	TypeDeviceHeartbeatReport  = "device_heartbeat_report"
	TypeDeviceHeartbeatResp    = "device_heartbeat_response"

	TypeTaskRequest  = "task_request"
	TypeTaskResponse = "task_response"
	TypeTaskStream   = "task_stream"

	TypeChatRequestStream    = "chat_request_stream"
	TypeChatResponseStream   = "chat_response_stream"
	TypeChatRequestNoStream  = "chat_request_no_stream"
	TypeChatResponse         = "chat_response"
	TypeComplRequestStream   = "completion_request_stream"
	TypeComplRequestNoStream = "completion_request_no_stream"
	TypeComplResponseStream  = "completion_response_stream"
	TypeComplResponse        = "completion_response"
	TypeGenerateStream       = "generate_request_stream"
	TypeGenerateNoStream     = "generate_request_no_stream"
	TypeProxyRequest         = "proxy_request"
)

var knownTypes = map[string]struct{}{
	TypePing: {}, TypePong: {}, TypeContextPing: {}, TypeContextPong: {},
	TypeDeviceRegisterRequest: {}, TypeDeviceRegisterResponse: {}, TypeDeviceRegisterAck: {},
	TypeDeviceModelReport: {}, TypeDeviceModelResponse: {},
	TypeDeviceHeartbeatReport: {}, TypeDeviceHeartbeatResp: {},
	TypeTaskRequest: {}, TypeTaskResponse: {}, TypeTaskStream: {},
	TypeChatRequestStream: {}, TypeChatResponseStream: {},
	TypeChatRequestNoStream: {}, TypeChatResponse: {},
	TypeComplRequestStream: {}, TypeComplRequestNoStream: {},
	TypeComplResponseStream: {}, TypeComplResponse: {},
	TypeGenerateStream: {}, TypeGenerateNoStream: {}, TypeProxyRequest: {},
}

// Envelope is the outer frame of every tunnel message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a payload into an envelope and marshals it.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return json.Marshal(&Envelope{Type: msgType, Payload: raw})
}

// Decode parses an envelope and rejects types outside the closed set.
func Decode(raw []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	if _, ok := knownTypes[envelope.Type]; !ok {
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}
	return &envelope, nil
}

// PingPayload carries liveness timestamps.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ContextPingPayload carries request-scoped liveness probes.
type ContextPingPayload struct {
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

// RegisterRequestPayload introduces the node to the gateway.
type RegisterRequestPayload struct {
	DeviceID       string `json:"deviceId"`
	DeviceName     string `json:"deviceName,omitempty"`
	GatewayAddress string `json:"gatewayAddress,omitempty"`
	RewardAddress  string `json:"rewardAddress,omitempty"`
	Code           string `json:"code,omitempty"`
}

// RegisterResponsePayload is the gateway's accept or reject.
type RegisterResponsePayload struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// RegisterAckPayload confirms a successful registration.
type RegisterAckPayload struct {
	DeviceID string `json:"deviceId"`
}

// ModelEntry is one inventory item in a model report.
type ModelEntry struct {
	Name       string `json:"name"`
	Size       int64  `json:"size,omitempty"`
	Family     string `json:"family,omitempty"`
	Parameters string `json:"parameters,omitempty"`
}

// ModelReportPayload publishes the node's model inventory.
type ModelReportPayload struct {
	DeviceID string       `json:"deviceId"`
	Backend  string       `json:"backend,omitempty"`
	Models   []ModelEntry `json:"models"`
}

// DeviceInfo is the detailed host block attached to heartbeats.
type DeviceInfo struct {
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

// HeartbeatPayload carries periodic telemetry.
type HeartbeatPayload struct {
	DeviceID      string     `json:"deviceId"`
	CPUPercent    float64    `json:"cpuUsagePercent"`
	MemoryPercent float64    `json:"memoryUsagePercent"`
	GPUPercent    float64    `json:"gpuUsagePercent"`
	IP            string     `json:"ip,omitempty"`
	Model         string     `json:"model,omitempty"`
	DeviceInfo    DeviceInfo `json:"deviceInfo"`
	Timestamp     int64      `json:"timestamp"`
}

// InvokePayload carries a remote inference request body. Data holds the
// request payload in the dialect the message type implies.
type InvokePayload struct {
	TaskID string          `json:"taskId"`
	Model  string          `json:"model,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// TaskRequestPayload is the generic invocation form; TaskType selects the
// operation.
type TaskRequestPayload struct {
	TaskID   string          `json:"taskId"`
	TaskType string          `json:"taskType"`
	Stream   bool            `json:"stream,omitempty"`
	Model    string          `json:"model,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// ErrorBody is the error envelope inside response payloads.
type ErrorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// ResponsePayload answers a non-streaming invocation.
type ResponsePayload struct {
	TaskID string          `json:"taskId"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// StreamPayload carries one streamed response frame. Done marks the final
// frame of the task.
type StreamPayload struct {
	TaskID string          `json:"taskId"`
	Chunk  json.RawMessage `json:"chunk,omitempty"`
	Done   bool            `json:"done,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ProxyRequestPayload forwards an arbitrary HTTP call to the node's backend.
type ProxyRequestPayload struct {
	TaskID  string            `json:"taskId"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ProxyResponseBody is the data field of a proxy task_response.
type ProxyResponseBody struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// decodePayload unmarshals an envelope payload into its typed struct.
func decodePayload(envelope *Envelope, out any) error {
	if len(envelope.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, out); err != nil {
		return fmt.Errorf("%s: %w", envelope.Type, err)
	}
	return nil
}

// requireTaskID validates the correlation id common to invocation payloads.
func requireTaskID(msgType, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%s: missing taskId", msgType)
	}
	return nil
}
