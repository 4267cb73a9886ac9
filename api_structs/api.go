package api_structs

import (
	"github.com/blackhillsinfosec/cryptproxy/meta"
)

// BaseResponse provides a base foundation for response objects.
//
// Failed proxy requests are reported with this envelope: Success is
// false and Code carries the status the failure maps to.
type BaseResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// BaseSuccessResponse returns a BaseResponse with BaseResponse.Success
// set to true.
func BaseSuccessResponse() BaseResponse {
	return BaseResponse{
		Success: true,
		Code:    200,
	}
}

// ErrorResponse returns a failed BaseResponse.
func ErrorResponse(code int, message string) BaseResponse {
	return BaseResponse{Code: code, Message: message}
}

// PingResponse is the response structure for PingHandler.
type PingResponse struct {
	BaseResponse `mapstructure:",squash"`
	Response     string `json:"response"`
}

// LoginPayload is the JSON body expected from authentication.
type LoginPayload struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries a newly issued JWT.
type LoginResponse struct {
	BaseResponse `mapstructure:",squash"`
	Token        string `json:"token"`
	Expire       string `json:"expire"`
}

// Rule is a protected subtree as shown by the admin API. The password
// is never included.
type Rule struct {
	Paths    []string `json:"paths"`
	EncType  string   `json:"enc_type"`
	EncName  bool     `json:"enc_name"`
	Describe string   `json:"describe"`
}

// RulesResponse lists the active rules.
type RulesResponse struct {
	BaseResponse `mapstructure:",squash"`
	Rules        []Rule `json:"rules"`
}

// CacheResponse lists cached file records.
type CacheResponse struct {
	BaseResponse `mapstructure:",squash"`
	Records      []meta.FileRecord `json:"records"`
}

// FlushResponse reports how many records were dropped.
type FlushResponse struct {
	BaseResponse `mapstructure:",squash"`
	Removed      int `json:"removed"`
}

// CodecPayload asks for the name translation of Names under the rule
// protecting Path.
type CodecPayload struct {
	Path  string   `json:"path" binding:"required"`
	Names []string `json:"names" binding:"required"`
}

// CodecResponse maps each requested name to its translation. Names
// that fail to translate are listed in Failed.
type CodecResponse struct {
	BaseResponse `mapstructure:",squash"`
	Names        map[string]string `json:"names"`
	Failed       []string          `json:"failed,omitempty"`
}

// WarmPayload asks the proxy to list a backend directory over WebDAV
// and cache its children. Authorization is forwarded to the backend.
type WarmPayload struct {
	Path          string `json:"path" binding:"required"`
	Authorization string `json:"authorization"`
}
