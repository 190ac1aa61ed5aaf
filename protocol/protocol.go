// Package protocol provides the wire constants of the RPC connection
// negotiation protocol and utilities to work with them.
//
// It enumerates negotiation steps, feature flags, and RPC error codes the
// way they appear on the wire, along with lookup tables that map codes to
// their names for logging and diagnostics.
package protocol

// Connection header values
const (
	MagicNumber             = "hrpc" // Connection preamble
	CurrentRPCVersion       = 9      // Protocol version byte
	ServiceClass            = 0      // SIMPLE service class
	AuthProtocol            = 0      // SASL auth protocol
	ConnectionHeaderLength  = 7      // len(MagicNumber) + version + class + protocol
	DefaultMaxMessageSize   = 50 * 1024 * 1024
	FrameLengthPrefixLength = 4
)

// Reserved call IDs used by the connection setup exchanges
const (
	ConnectionContextCallID int32 = -3
	NegotiateCallID         int32 = -33
)

// NegotiateStep identifies the kind of a negotiation envelope
type NegotiateStep int32

const (
	SASL_SUCCESS   NegotiateStep = 0
	NEGOTIATE      NegotiateStep = 1
	SASL_INITIATE  NegotiateStep = 2
	SASL_CHALLENGE NegotiateStep = 3
	SASL_RESPONSE  NegotiateStep = 4
	TLS_HANDSHAKE  NegotiateStep = 5
	UNKNOWN_STEP   NegotiateStep = 999
)

// FeatureFlag is an optional protocol capability advertised during negotiation
type FeatureFlag int32

const (
	UNKNOWN_FEATURE           FeatureFlag = 0
	APPLICATION_FEATURE_FLAGS FeatureFlag = 1 // Application feature flags are exchanged
	TLS                       FeatureFlag = 2 // Peer can run a TLS handshake
	TLS_AUTHENTICATION_ONLY   FeatureFlag = 3 // TLS authenticates, but traffic stays in the clear
)

// ErrorCode is the code carried by an RPC error envelope
type ErrorCode int32

// Non-fatal errors
const (
	ERROR_APPLICATION       ErrorCode = 1
	ERROR_NO_SUCH_METHOD    ErrorCode = 2
	ERROR_NO_SUCH_SERVICE   ErrorCode = 3
	ERROR_SERVER_TOO_BUSY   ErrorCode = 4
	ERROR_INVALID_REQUEST   ErrorCode = 5
	ERROR_REQUEST_STALE     ErrorCode = 6
	ERROR_UNAVAILABLE_DUMMY ErrorCode = 7
)

// Fatal errors, the server closes the connection after sending them
const (
	FATAL_UNKNOWN                      ErrorCode = 10
	FATAL_SERVER_SHUTTING_DOWN         ErrorCode = 11
	FATAL_INVALID_RPC_HEADER           ErrorCode = 12
	FATAL_DESERIALIZING_REQUEST        ErrorCode = 13
	FATAL_VERSION_MISMATCH             ErrorCode = 14
	FATAL_UNAUTHORIZED                 ErrorCode = 15
	FATAL_INVALID_AUTHENTICATION_TOKEN ErrorCode = 16
)

// StepInfo contains metadata about a negotiation step
type StepInfo struct {
	Name        string
	Code        NegotiateStep
	Description string
}

// FeatureInfo contains metadata about a feature flag
type FeatureInfo struct {
	Name        string
	Code        FeatureFlag
	Description string
}

// ErrorCodeInfo contains metadata about an RPC error code
type ErrorCodeInfo struct {
	Name        string
	Code        ErrorCode
	Fatal       bool
	Description string
}

var stepTable = map[NegotiateStep]StepInfo{
	SASL_SUCCESS: {
		Name:        "SASL_SUCCESS",
		Code:        SASL_SUCCESS,
		Description: "Server accepted the authentication exchange",
	},
	NEGOTIATE: {
		Name:        "NEGOTIATE",
		Code:        NEGOTIATE,
		Description: "Exchange of supported features and mechanisms",
	},
	SASL_INITIATE: {
		Name:        "SASL_INITIATE",
		Code:        SASL_INITIATE,
		Description: "Client starts the authentication exchange",
	},
	SASL_CHALLENGE: {
		Name:        "SASL_CHALLENGE",
		Code:        SASL_CHALLENGE,
		Description: "Server challenge during authentication",
	},
	SASL_RESPONSE: {
		Name:        "SASL_RESPONSE",
		Code:        SASL_RESPONSE,
		Description: "Client answer to a server challenge",
	},
	TLS_HANDSHAKE: {
		Name:        "TLS_HANDSHAKE",
		Code:        TLS_HANDSHAKE,
		Description: "Opaque TLS handshake record data",
	},
	UNKNOWN_STEP: {
		Name:        "UNKNOWN",
		Code:        UNKNOWN_STEP,
		Description: "Unrecognized step",
	},
}

var featureTable = map[FeatureFlag]FeatureInfo{
	APPLICATION_FEATURE_FLAGS: {
		Name:        "APPLICATION_FEATURE_FLAGS",
		Code:        APPLICATION_FEATURE_FLAGS,
		Description: "Application feature flags are supported",
	},
	TLS: {
		Name:        "TLS",
		Code:        TLS,
		Description: "TLS handshake is supported",
	},
	TLS_AUTHENTICATION_ONLY: {
		Name:        "TLS_AUTHENTICATION_ONLY",
		Code:        TLS_AUTHENTICATION_ONLY,
		Description: "TLS is used for authentication only, without record encryption",
	},
}

var errorCodeTable = map[ErrorCode]ErrorCodeInfo{
	ERROR_APPLICATION:                  {Name: "ERROR_APPLICATION", Code: ERROR_APPLICATION, Description: "Application-level error"},
	ERROR_NO_SUCH_METHOD:               {Name: "ERROR_NO_SUCH_METHOD", Code: ERROR_NO_SUCH_METHOD, Description: "Method not found"},
	ERROR_NO_SUCH_SERVICE:              {Name: "ERROR_NO_SUCH_SERVICE", Code: ERROR_NO_SUCH_SERVICE, Description: "Service not found"},
	ERROR_SERVER_TOO_BUSY:              {Name: "ERROR_SERVER_TOO_BUSY", Code: ERROR_SERVER_TOO_BUSY, Description: "Server queue is full"},
	ERROR_INVALID_REQUEST:              {Name: "ERROR_INVALID_REQUEST", Code: ERROR_INVALID_REQUEST, Description: "Request could not be parsed"},
	ERROR_REQUEST_STALE:                {Name: "ERROR_REQUEST_STALE", Code: ERROR_REQUEST_STALE, Description: "Request expired before being handled"},
	ERROR_UNAVAILABLE_DUMMY:            {Name: "ERROR_UNAVAILABLE", Code: ERROR_UNAVAILABLE_DUMMY, Description: "Service unavailable"},
	FATAL_UNKNOWN:                      {Name: "FATAL_UNKNOWN", Code: FATAL_UNKNOWN, Fatal: true, Description: "Unknown fatal error"},
	FATAL_SERVER_SHUTTING_DOWN:         {Name: "FATAL_SERVER_SHUTTING_DOWN", Code: FATAL_SERVER_SHUTTING_DOWN, Fatal: true, Description: "Server is shutting down"},
	FATAL_INVALID_RPC_HEADER:           {Name: "FATAL_INVALID_RPC_HEADER", Code: FATAL_INVALID_RPC_HEADER, Fatal: true, Description: "Malformed RPC header"},
	FATAL_DESERIALIZING_REQUEST:        {Name: "FATAL_DESERIALIZING_REQUEST", Code: FATAL_DESERIALIZING_REQUEST, Fatal: true, Description: "Request body could not be deserialized"},
	FATAL_VERSION_MISMATCH:             {Name: "FATAL_VERSION_MISMATCH", Code: FATAL_VERSION_MISMATCH, Fatal: true, Description: "Protocol version mismatch"},
	FATAL_UNAUTHORIZED:                 {Name: "FATAL_UNAUTHORIZED", Code: FATAL_UNAUTHORIZED, Fatal: true, Description: "Authentication or authorization failed"},
	FATAL_INVALID_AUTHENTICATION_TOKEN: {Name: "FATAL_INVALID_AUTHENTICATION_TOKEN", Code: FATAL_INVALID_AUTHENTICATION_TOKEN, Fatal: true, Description: "Authentication token is invalid or expired"},
}

// GetStepInfo returns information about a negotiation step
func GetStepInfo(step NegotiateStep) (StepInfo, bool) {
	info, exists := stepTable[step]
	return info, exists
}

// GetStepName returns the name of a negotiation step
func GetStepName(step NegotiateStep) string {
	if info, exists := stepTable[step]; exists {
		return info.Name
	}
	return "UNKNOWN"
}

// IsValidStep checks if a step code is known
func IsValidStep(step NegotiateStep) bool {
	_, exists := stepTable[step]
	return exists && step != UNKNOWN_STEP
}

// GetFeatureName returns the name of a feature flag
func GetFeatureName(flag FeatureFlag) string {
	if info, exists := featureTable[flag]; exists {
		return info.Name
	}
	return "UNKNOWN"
}

// IsKnownFeature checks if a feature flag is one this implementation understands
func IsKnownFeature(flag FeatureFlag) bool {
	_, exists := featureTable[flag]
	return exists
}

// GetErrorCodeInfo returns information about an RPC error code
func GetErrorCodeInfo(code ErrorCode) (ErrorCodeInfo, bool) {
	info, exists := errorCodeTable[code]
	return info, exists
}

// GetErrorCodeName returns the name of an RPC error code
func GetErrorCodeName(code ErrorCode) string {
	if info, exists := errorCodeTable[code]; exists {
		return info.Name
	}
	return "UNKNOWN"
}

func (s NegotiateStep) String() string {
	return GetStepName(s)
}

func (f FeatureFlag) String() string {
	return GetFeatureName(f)
}

func (c ErrorCode) String() string {
	return GetErrorCodeName(c)
}
