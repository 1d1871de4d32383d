// Copyright 2026 KSI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable daemon error code carried on the wire.
type ErrorCode string

// Error codes returned in response envelopes. Clients branch on these, so
// they are stable strings, never renamed.
const (
	// Protocol layer
	ErrInvalidJSON       ErrorCode = "INVALID_JSON"
	ErrInvalidCommand    ErrorCode = "INVALID_COMMAND"
	ErrUnknownCommand    ErrorCode = "UNKNOWN_COMMAND"
	ErrInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrInvalidMode       ErrorCode = "INVALID_MODE"

	// Manager availability (a handler reached for a manager the daemon
	// was started without)
	ErrNoProcessManager   ErrorCode = "NO_PROCESS_MANAGER"
	ErrNoAgentManager     ErrorCode = "NO_AGENT_MANAGER"
	ErrNoStateManager     ErrorCode = "NO_STATE_MANAGER"
	ErrNoMessageBus       ErrorCode = "NO_MESSAGE_BUS"
	ErrNoOrchestrator     ErrorCode = "NO_ORCHESTRATOR"
	ErrNoHotReloadManager ErrorCode = "NO_HOT_RELOAD_MANAGER"
	ErrNoIdentityManager  ErrorCode = "NO_IDENTITY_MANAGER"

	// Agents and messaging
	ErrAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentNotConnected  ErrorCode = "AGENT_NOT_CONNECTED"
	ErrSenderNotFound     ErrorCode = "SENDER_NOT_FOUND"
	ErrRecipientNotFound  ErrorCode = "RECIPIENT_NOT_FOUND"
	ErrDeliveryFailed     ErrorCode = "DELIVERY_FAILED"
	ErrSubscriptionFailed ErrorCode = "SUBSCRIPTION_FAILED"
	ErrSpawnFailed        ErrorCode = "SPAWN_FAILED"

	// Composition
	ErrCompositionNotFound ErrorCode = "COMPOSITION_NOT_FOUND"
	ErrCompositionInvalid  ErrorCode = "COMPOSITION_INVALID"
	ErrComponentNotFound   ErrorCode = "COMPONENT_NOT_FOUND"
	ErrContextValidation   ErrorCode = "CONTEXT_VALIDATION_ERROR"
	ErrComposerUnavailable ErrorCode = "COMPOSER_UNAVAILABLE"
	ErrCompositionFailed   ErrorCode = "COMPOSITION_FAILED"

	// Identity and state
	ErrIdentityNotFound ErrorCode = "IDENTITY_NOT_FOUND"
	ErrIdentityExists   ErrorCode = "IDENTITY_EXISTS"
	ErrUpdateFailed     ErrorCode = "UPDATE_FAILED"
	ErrStateStore       ErrorCode = "STATE_STORE_ERROR"
	ErrSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"

	// Completion and injection
	ErrCompletionTimeout ErrorCode = "COMPLETION_TIMEOUT"
	ErrCompletionFailed  ErrorCode = "COMPLETION_FAILED"
	ErrQueueFull         ErrorCode = "QUEUE_FULL"

	// Admin
	ErrLoadStateFailed ErrorCode = "LOAD_STATE_FAILED"
	ErrReloadFailed    ErrorCode = "RELOAD_FAILED"

	// Catch-all for handler failures with no more specific code
	ErrCommandProcessing ErrorCode = "COMMAND_PROCESSING_FAILED"
)

// DaemonError is a typed error that maps onto the wire error envelope.
type DaemonError struct {
	// Code is the stable machine-readable error code.
	Code ErrorCode

	// Message is a single-line human-readable description. It is sent to
	// clients, so it must not leak wrapped internal error chains.
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a DaemonError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *DaemonError {
	return &DaemonError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsDaemonError extracts a DaemonError from err's chain. Errors without one
// are wrapped as COMMAND_PROCESSING_FAILED with a generic message; the
// original error is the caller's to log.
func AsDaemonError(err error) *DaemonError {
	var derr *DaemonError
	if errors.As(err, &derr) {
		return derr
	}
	return &DaemonError{Code: ErrCommandProcessing, Message: "command processing failed"}
}
