package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Wire message shapes. Frames are JSON; the sandbox side newline-terminates
// them, so inbound ingress payloads are trimmed before parsing.

const (
	typeControlRequest  = "control_request"
	typeControlResponse = "control_response"
	typeUser            = "user"

	subtypeInitialize = "initialize"
	subtypeCanUseTool = "can_use_tool"
	subtypeSuccess    = "success"
)

// frame is the probe every inbound payload is parsed into. Only the routing
// fields are typed; the payload is relayed and persisted verbatim.
type frame struct {
	Type            string           `json:"type"`
	Subtype         string           `json:"subtype,omitempty"`
	UUID            string           `json:"uuid,omitempty"`
	ParentToolUseID string           `json:"parent_tool_use_id,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	Replay          bool             `json:"replay,omitempty"`
	RequestID       string           `json:"request_id,omitempty"`
	Request         *controlReqBody  `json:"request,omitempty"`
	Response        *controlRespBody `json:"response,omitempty"`
	Message         json.RawMessage  `json:"message,omitempty"`
}

type controlReqBody struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type controlRespBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

type controlRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   controlReqBody `json:"request"`
}

type controlResponse struct {
	Type     string          `json:"type"`
	Response controlRespBody `json:"response"`
}

// toolAllowance is the auto-approval payload for can_use_tool prompts.
type toolAllowance struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
}

func newInitializeRequest() controlRequest {
	return controlRequest{
		Type:      typeControlRequest,
		RequestID: "init-" + uuid.NewString(),
		Request:   controlReqBody{Subtype: subtypeInitialize},
	}
}

func successResponse(requestID string, payload any) controlResponse {
	return controlResponse{
		Type: typeControlResponse,
		Response: controlRespBody{
			Subtype:   subtypeSuccess,
			RequestID: requestID,
			Response:  payload,
		},
	}
}
