// Package kpxcerr defines the stable error taxonomy shared by every layer
// of the client: daemon-reported codes arrive verbatim over the wire,
// client-generated codes are raised locally when the connector or state
// machine detects a protocol violation.
package kpxcerr

import "fmt"

// Code is a stable numeric error identifier. Daemon-reported codes occupy
// 0x0001-0x000F, mirroring the keepassxc-proxy wire values exactly so they
// can be used as a lookup key straight off an errorCode field. Client-
// generated codes start at 0x00010000 so the two ranges never collide.
type Code int

const (
	UnknownError Code = -1

	// Daemon-reported.
	DatabaseNotOpen           Code = 0x0001
	DatabaseHashNotReceived   Code = 0x0002
	PublicKeyNotReceived      Code = 0x0003
	CannotDecryptMessage      Code = 0x0004
	Timeout                   Code = 0x0005
	ActionDenied              Code = 0x0006
	CannotEncryptMessage      Code = 0x0007
	AssociationFailed         Code = 0x0008
	KeyChangeFailed           Code = 0x0009
	EncryptionKeyUnrecognized Code = 0x000A
	NoSavedDatabase           Code = 0x000B
	IncorrectAction           Code = 0x000C
	EmptyMessageReceived      Code = 0x000D
	NoUrlProvided             Code = 0x000E
	NoLoginsFound             Code = 0x000F

	// Client-generated.
	AlreadyConnected     Code = 0x00010000
	KeyGenerationFailed  Code = 0x00010001
	ReceivedNonceInvalid Code = 0x00010002
	JsonParseError       Code = 0x00010003
	UnsupportedVersion   Code = 0x00010004
	DatabaseChanged      Code = 0x00010005
	DatabaseRejected     Code = 0x00010006
	UnsupportedAction    Code = 0x00010007
)

var codeNames = map[Code]string{
	UnknownError:              "UnknownError",
	DatabaseNotOpen:           "DatabaseNotOpen",
	DatabaseHashNotReceived:   "DatabaseHashNotReceived",
	PublicKeyNotReceived:      "PublicKeyNotReceived",
	CannotDecryptMessage:      "CannotDecryptMessage",
	Timeout:                   "Timeout",
	ActionDenied:              "ActionDenied",
	CannotEncryptMessage:      "CannotEncryptMessage",
	AssociationFailed:         "AssociationFailed",
	KeyChangeFailed:           "KeyChangeFailed",
	EncryptionKeyUnrecognized: "EncryptionKeyUnrecognized",
	NoSavedDatabase:           "NoSavedDatabase",
	IncorrectAction:           "IncorrectAction",
	EmptyMessageReceived:      "EmptyMessageReceived",
	NoUrlProvided:             "NoUrlProvided",
	NoLoginsFound:             "NoLoginsFound",
	AlreadyConnected:          "AlreadyConnected",
	KeyGenerationFailed:       "KeyGenerationFailed",
	ReceivedNonceInvalid:      "ReceivedNonceInvalid",
	JsonParseError:            "JsonParseError",
	UnsupportedVersion:        "UnsupportedVersion",
	DatabaseChanged:           "DatabaseChanged",
	DatabaseRejected:          "DatabaseRejected",
	UnsupportedAction:         "UnsupportedAction",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// fatalCodes are always fatal regardless of which action produced them, per
// the propagation policy: crypto/replay failures and version/database
// mismatches always tear the connection down.
var fatalCodes = map[Code]bool{
	ReceivedNonceInvalid: true,
	CannotDecryptMessage: true,
	JsonParseError:       true,
	DatabaseChanged:      true,
	DatabaseRejected:     true,
	UnsupportedVersion:   true,
}

// IsFatal reports whether code always triggers escalation to Disconnected,
// independent of the action that produced it. DatabaseChanged is fatal only
// when AllowDatabaseChange was not set; callers check that option before
// consulting IsFatal for that one code.
func IsFatal(code Code) bool {
	return fatalCodes[code]
}

// Error is the error type surfaced to callers via the errorOccured event.
// Unrecoverable mirrors whether the state machine has already (or is about
// to) return to Disconnected.
type Error struct {
	Code          Code
	Action        string
	Message       string
	Unrecoverable bool
}

func (e *Error) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("kpxc: %s (action=%s): %s", e.Code, e.Action, e.Message)
	}
	return fmt.Sprintf("kpxc: %s: %s", e.Code, e.Message)
}

// New constructs an Error, defaulting Unrecoverable to whatever IsFatal
// reports for code so callers raising a fatal code don't have to repeat it.
func New(code Code, action, message string) *Error {
	return &Error{Code: code, Action: action, Message: message, Unrecoverable: IsFatal(code)}
}

// Unrecoverablef is a convenience constructor for client-generated errors
// that are always fatal regardless of the fatalCodes table, such as
// AlreadyConnected during the handshake-once invariant.
func Unrecoverablef(code Code, action, format string, args ...any) *Error {
	return &Error{Code: code, Action: action, Message: fmt.Sprintf(format, args...), Unrecoverable: true}
}
