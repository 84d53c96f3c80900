package protocol

import (
	"encoding/json"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// Protocol versions understood by this build.
const (
	// MinVersion is the oldest version either side may negotiate.
	MinVersion = 1
	// VersionAttachments adds attachment sets to Complete.
	VersionAttachments = 2
	// LatestVersion is the newest version this build speaks.
	LatestVersion = VersionAttachments
)

// MessageType is the tag that determines a payload's shape.
type MessageType string

const (
	// Controller -> Worker
	MessageSessionConnected MessageType = "SessionConnected"
	MessageStartDiscovery   MessageType = "StartDiscovery"
	MessageStartExecution   MessageType = "StartExecution"
	MessageAbort            MessageType = "Abort"

	// Worker -> Controller
	MessagePartialResult MessageType = "PartialResult"
	MessageComplete      MessageType = "Complete"
	MessageLog           MessageType = "Log"

	// Both directions, handshake only
	MessageVersionCheck MessageType = "VersionCheck"
)

// Message is the envelope carried by every frame. It is immutable once sent.
type Message struct {
	Type    MessageType     `json:"type"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionConnectedPayload opens the handshake.
type SessionConnectedPayload struct {
	SessionID     string `json:"sessionId"`
	ControllerPID int    `json:"controllerPid"`
}

// VersionCheckPayload carries a protocol version. Version 0 from a worker
// rejects the controller's choice.
type VersionCheckPayload struct {
	Version int `json:"version"`
}

// StartDiscoveryPayload asks the worker to discover tests in sources.
type StartDiscoveryPayload struct {
	PartitionID string   `json:"partitionId"`
	Sources     []string `json:"sources"`
	Settings    string   `json:"settings,omitempty"` // Opaque run settings document
}

// StartExecutionPayload asks the worker to run sources or specific test cases.
type StartExecutionPayload struct {
	PartitionID string           `json:"partitionId"`
	Sources     []string         `json:"sources,omitempty"`
	TestCases   []types.TestCase `json:"testCases,omitempty"`
	Settings    string           `json:"settings,omitempty"`
}

// PartialResultPayload streams discovered tests or finished results.
type PartialResultPayload struct {
	DiscoveredTests []types.TestCase   `json:"discoveredTests,omitempty"`
	Results         []types.TestResult `json:"results,omitempty"`
}

// Totals counts what this partial result contributes.
func (p *PartialResultPayload) Totals() types.Totals {
	return types.TotalsFromResults(p.DiscoveredTests, p.Results)
}

// CompletePayload ends a request on the worker side.
type CompletePayload struct {
	Totals      types.Totals          `json:"totals"`
	Elapsed     time.Duration         `json:"elapsed"`
	Attachments []types.AttachmentSet `json:"attachments,omitempty"` // VersionAttachments and later
	Aborted     bool                  `json:"aborted,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func (p *CompletePayload) forVersion(version int) {
	if version < VersionAttachments {
		p.Attachments = nil
	}
}

// AbortPayload asks the worker to stop the in-flight request.
type AbortPayload struct {
	Reason string `json:"reason,omitempty"`
}

// LogLevel mirrors the worker's log severity.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogPayload is free-form worker output forwarded to the caller.
type LogPayload struct {
	Level LogLevel `json:"level"`
	Text  string   `json:"text"`
}
