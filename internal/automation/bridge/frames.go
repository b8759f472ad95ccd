package bridge

import "encoding/json"

const (
	methodInitialize   = "initialize"
	methodSnapshot     = "evaluate_chat_snapshot"
	methodFetch        = "fetch_messages"
	methodDownload     = "download_attachment"
	methodConversation = "conversations"
	methodExportState  = "export_state"
	methodDestroy      = "destroy"
)

// frame is the union of request, response and event frames. Requests
// carry Method, responses carry ID without Method, events carry Event.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type response struct {
	result json.RawMessage
	err    string
}

type initializeParams struct {
	TenantID     string `json:"tenant_id"`
	AuthDir      string `json:"auth_dir"`
	RestoreState []byte `json:"restore_state,omitempty"`
}

type fetchParams struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
}

type downloadParams struct {
	Ref string `json:"ref"`
}

type exportResult struct {
	State []byte `json:"state"`
}

type eventData struct {
	QR     string `json:"qr,omitempty"`
	Reason string `json:"reason,omitempty"`
}
