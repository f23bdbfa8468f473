package relay

import "github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/jsonwire"

type messagesResponse struct {
	Success  bool               `json:"success"`
	Messages []jsonwire.Message `json:"messages"`
	Error    string             `json:"error"`
}

type statusResponse struct {
	Success bool `json:"success"`
	Status  struct {
		Connected  bool   `json:"connected"`
		Mode       string `json:"mode"`
		BufferSize int    `json:"buffer_size"`
	} `json:"status"`
}

type devicesResponse struct {
	Success bool             `json:"success"`
	Devices []map[string]any `json:"devices"`
}

type simpleResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}
