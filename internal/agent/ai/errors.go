package ai

import (
	"context"
	"errors"
	"strings"
)

// ProviderError represents an error from a provider
type ProviderError struct {
	Provider string `json:"provider,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// Error reasons returned by ClassifyErrorReason.
const (
	ReasonBilling   = "billing"
	ReasonRateLimit = "rate_limit"
	ReasonAuth      = "auth"
	ReasonTimeout   = "timeout"
	ReasonOverflow  = "context_overflow"
	ReasonNetwork   = "network"
	ReasonOther     = "other"
)

// IsContextOverflow checks if an error indicates context window overflow
func IsContextOverflow(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == "context_length_exceeded" ||
			pe.Type == "invalid_request_error" && containsAny(strings.ToLower(pe.Message), "context", "too long", "maximum context")
	}
	return false
}

// ClassifyErrorReason determines the category of a model-call error.
func ClassifyErrorReason(err error) string {
	if err == nil {
		return ReasonOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if IsContextOverflow(err) {
		return ReasonOverflow
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "rate_limit_exceeded":
			return ReasonRateLimit
		case "authentication_error", "invalid_api_key", "unauthorized":
			return ReasonAuth
		case "insufficient_quota", "billing_error", "payment_required":
			return ReasonBilling
		}
		switch pe.Type {
		case "rate_limit_error":
			return ReasonRateLimit
		case "authentication_error", "permission_error":
			return ReasonAuth
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "billing", "quota", "payment", "credit balance", "insufficient", "spending limit"):
		return ReasonBilling
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429", "throttl", "overloaded"):
		return ReasonRateLimit
	case containsAny(msg, "authentication", "unauthorized", "api key", "api_key", "401", "forbidden", "403", "invalid credentials"):
		return ReasonAuth
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ReasonTimeout
	case containsAny(msg, "connection refused", "no such host", "network is unreachable", "connection reset", "unexpected eof"):
		return ReasonNetwork
	}
	return ReasonOther
}

// UserFacingError phrases a model-call error as one plain sentence for narration.
// It never includes status codes or raw provider output.
func UserFacingError(err error) string {
	switch ClassifyErrorReason(err) {
	case ReasonBilling:
		return "The assistant's account has run out of credit."
	case ReasonRateLimit:
		return "The assistant is busy right now. Please try again in a moment."
	case ReasonAuth:
		return "The assistant could not sign in to its model provider. Please check the API key."
	case ReasonTimeout:
		return "The assistant took too long to respond."
	case ReasonOverflow:
		return "The conversation got too long. Please start a new one."
	case ReasonNetwork:
		return "The assistant could not reach its model provider. Please check the connection."
	}
	return "Something went wrong while thinking about that."
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
