// Package wire implements the compact binary protocol between the
// certificate agent and the generation service. Every message is a
// msgpack map keyed by small integers; string keys are also accepted on
// decode and unknown keys are skipped, so either endpoint can be
// upgraded first.
package wire

import (
	E "github.com/sagernet/sing/common/exceptions"
)

const (
	keyID      = 0
	keyHost    = 1
	keyService = 2
	keyUsage   = 3
	keyCert    = 4
	keyKey     = 5
	keyTTL     = 6
	keyCode    = 7
	keyReason  = 8
)

var wireKeyNames = map[string]int64{
	"id":      keyID,
	"host":    keyHost,
	"service": keyService,
	"usage":   keyUsage,
	"cert":    keyCert,
	"key":     keyKey,
	"ttl":     keyTTL,
	"code":    keyCode,
	"reason":  keyReason,
}

var (
	ErrMalformedMessage = E.New("malformed message")
	ErrHostMissing      = E.New("no host value set")
)

// Error codes carried in error responses.
const (
	CodeBadRequest       uint16 = 1
	CodeHostRejected     uint16 = 2
	CodeGenerationFailed uint16 = 3
	CodeShuttingDown     uint16 = 4
)
