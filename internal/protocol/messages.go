package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is a host-issued call over the worker channel.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request, matched back by id.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WorkerError    `json:"error,omitempty"`
}

// Notification is an unsolicited worker push. It carries no id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Envelope is the union shape of everything the worker writes on a line.
// A message with an id is a response; one with a method and no id is a
// notification.
type Envelope struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WorkerError    `json:"error,omitempty"`
}

// IsResponse reports whether the envelope answers a pending request.
func (e Envelope) IsResponse() bool { return e.ID != "" }

// IsNotification reports whether the envelope is an unsolicited push.
func (e Envelope) IsNotification() bool { return e.ID == "" && e.Method != "" }

// WorkerError is the structured error payload of a response. Kind, not
// Code, drives host-side branching; codes are wire plumbing.
type WorkerError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error (%s): %s", e.Kind, e.Message)
}

// Worker methods consumed by the host.
const (
	MethodPing         = "ping"
	MethodDescribe     = "describe"
	MethodShutdown     = "shutdown"
	MethodDevicesList  = "devices.list"
	MethodDeviceSelect = "devices.select"
	MethodMeterStart   = "meter.start"
	MethodMeterStop    = "meter.stop"
	MethodModelStatus  = "model.status"
	MethodModelInstall = "model.install"
	MethodModelPurge   = "model.purge"
	MethodEngineInit   = "engine.init"
	MethodRecordStart  = "record.start"
	MethodRecordStop   = "record.stop"
	MethodRecordCancel = "record.cancel"
	MethodRulesSet     = "rules.set"
)

// Worker notification methods.
const (
	NoteProgress        = "progress"
	NoteAudioLevel      = "audio.level"
	NoteModelProgress   = "model.progress"
	NoteTranscriptDone  = "transcript.done"
	NoteTranscriptError = "transcript.error"
)

// LongRunning reports whether a method belongs to the long timeout class.
// Long calls are never retried; a timeout on one is fatal to the attempt.
func LongRunning(method string) bool {
	switch method {
	case MethodEngineInit, MethodModelInstall, MethodModelPurge:
		return true
	}
	return false
}

// Stable error kinds. These strings are part of the protocol contract and
// must not change between releases.
const (
	KindMethodNotFound   = "method-not-found"
	KindInvalidParams    = "invalid-params"
	KindNotReady         = "not-ready"
	KindMicPermission    = "microphone-permission-denied"
	KindDeviceNotFound   = "device-not-found"
	KindAudioIOFailure   = "audio-io-failure"
	KindNetworkFailure   = "network-failure"
	KindDiskFull         = "disk-full"
	KindCacheCorrupt     = "cache-corrupt"
	KindModelLoadFailure = "model-load-failure"
	KindTranscription    = "transcription-failure"
	KindInternal         = "internal-error"
)

// ErrorKind extracts the stable kind tag from an error returned by a call,
// or empty when the error did not originate from the worker.
func ErrorKind(err error) string {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}
