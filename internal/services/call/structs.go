package call

import (
	"context"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
)

// OutboundCallRequest is the body of POST /twilio/outbound_call
type OutboundCallRequest struct {
	To               string                 `json:"to"`
	AgentID          string                 `json:"agent_id"`
	DynamicVariables map[string]interface{} `json:"dynamic_variables,omitempty"`
}

// OutboundCallResult is returned once Twilio accepted the call
type OutboundCallResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	CallSID string `json:"call_sid"`
}

// MatchSource tells how a call config was found
type MatchSource string

const (
	MatchByCallSID     MatchSource = "call_sid"
	MatchByDestination MatchSource = "destination"
	MatchDefault       MatchSource = "default"
)

// Resolution is the config selected for a call together with how it was selected
type Resolution struct {
	Config *domain.CallConfig
	Source MatchSource
}

// CleanupNotifier tells media sessions of a call, on any instance, to shut down
type CleanupNotifier interface {
	NotifyCleanup(ctx context.Context, callSID string) error
}
