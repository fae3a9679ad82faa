package models

import "time"

// CacheMetadata tells the caller where a successful result came from
type CacheMetadata struct {
	Key       string     `json:"key"`
	FromCache bool       `json:"fromCache"`
	CachedAt  *time.Time `json:"cachedAt,omitempty"`
}

// ErrorBody is the failure half of ServiceResponse
type ErrorBody struct {
	Message   string                 `json:"message"`
	ErrorCode string                 `json:"errorCode"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ServiceResponse is either a success carrying Data and Cache, or a failure carrying Error.
// Exactly one of Data and Error is set.
type ServiceResponse[T any] struct {
	Success bool           `json:"success"`
	Data    *T             `json:"data,omitempty"`
	Cache   *CacheMetadata `json:"cache,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
}

// Succeed builds a success response
func Succeed[T any](data *T, meta CacheMetadata) ServiceResponse[T] {
	return ServiceResponse[T]{
		Success: true,
		Data:    data,
		Cache:   &meta,
	}
}

// Fail builds a failure response
func Fail[T any](message, code string, details map[string]interface{}) ServiceResponse[T] {
	return ServiceResponse[T]{
		Success: false,
		Error: &ErrorBody{
			Message:   message,
			ErrorCode: code,
			Details:   details,
		},
	}
}
