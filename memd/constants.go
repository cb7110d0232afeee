// Package memd implements the Coral binary KV wire protocol: the fixed
// 24-byte big-endian packet header, the framed-extras variants, and a
// resumable codec. The codec does not interpret status codes; routing and
// retry decisions live with the dispatcher.
package memd

// Magic is the first header byte and selects the header format.
type Magic uint8

const (
	// MagicReq marks a client-to-server request.
	MagicReq = Magic(0x80)

	// MagicRes marks a server-to-client response.
	MagicRes = Magic(0x81)

	// MagicReqFramed and MagicResFramed carry flexible frame extras at the
	// head of the body; the key length field shrinks to one byte.
	MagicReqFramed = Magic(0x08)
	MagicResFramed = Magic(0x18)

	// MagicServerReq marks a server-originated request (duplex mode), e.g.
	// clustermap change notifications.
	MagicServerReq = Magic(0x82)
)

// IsRequest reports whether the magic denotes a client-originated packet.
func (m Magic) IsRequest() bool { return m == MagicReq || m == MagicReqFramed }

// IsFramed reports whether the magic carries flexible frame extras.
func (m Magic) IsFramed() bool { return m == MagicReqFramed || m == MagicResFramed }

// OpCode identifies the command a packet performs.
type OpCode uint8

const (
	OpGet              = OpCode(0x00)
	OpSet              = OpCode(0x01)
	OpAdd              = OpCode(0x02)
	OpReplace          = OpCode(0x03)
	OpDelete           = OpCode(0x04)
	OpIncrement        = OpCode(0x05)
	OpDecrement        = OpCode(0x06)
	OpNoop             = OpCode(0x0a)
	OpAppend           = OpCode(0x0e)
	OpPrepend          = OpCode(0x0f)
	OpStat             = OpCode(0x10)
	OpTouch            = OpCode(0x1c)
	OpGAT              = OpCode(0x1d)
	OpHello            = OpCode(0x1f)
	OpSASLListMechs    = OpCode(0x20)
	OpSASLAuth         = OpCode(0x21)
	OpSASLStep         = OpCode(0x22)
	OpGetReplica       = OpCode(0x83)
	OpSelectBucket     = OpCode(0x89)
	OpObserveSeqNo     = OpCode(0x91)
	OpObserve          = OpCode(0x92)
	OpGetLocked        = OpCode(0x94)
	OpUnlockKey        = OpCode(0x95)
	OpGetClusterConfig = OpCode(0xb5)

	// OpClusterMapNotif is pushed by the server under MagicServerReq when
	// the topology changes and FeatureClusterMapNotif was negotiated.
	OpClusterMapNotif = OpCode(0x01)
)

// Status is the 16-bit response status field.
type Status uint16

const (
	// StatusSuccess indicates the operation completed.
	StatusSuccess = Status(0x00)

	// StatusKeyNotFound: the key does not exist.
	StatusKeyNotFound = Status(0x01)

	// StatusKeyExists: the key exists, or a CAS check failed on mutation.
	StatusKeyExists = Status(0x02)

	// StatusTooBig: the value exceeds the server's per-document limit.
	StatusTooBig = Status(0x03)

	// StatusInvalidArgs: the server rejected the request arguments.
	StatusInvalidArgs = Status(0x04)

	// StatusNotStored: the mutation precondition (add/replace) failed.
	StatusNotStored = Status(0x05)

	// StatusBadDelta: a counter operation was applied to a non-numeric value.
	StatusBadDelta = Status(0x06)

	// StatusNotMyVBucket: the node no longer owns the partition; the body
	// may carry a fresher cluster config.
	StatusNotMyVBucket = Status(0x07)

	// StatusNoBucket: no bucket has been selected on this connection.
	StatusNoBucket = Status(0x08)

	// StatusLocked: the document is locked by another holder.
	StatusLocked = Status(0x09)

	// StatusAuthError: credentials were rejected.
	StatusAuthError = Status(0x20)

	// StatusAuthContinue: SASL needs another round trip.
	StatusAuthContinue = Status(0x21)

	// StatusRangeError: the requested range is invalid (e.g. replica index).
	StatusRangeError = Status(0x22)

	// StatusAccessError: the authenticated user lacks permission.
	StatusAccessError = Status(0x24)

	// StatusUnknownCommand: the opcode is not recognized by the server.
	StatusUnknownCommand = Status(0x81)

	// StatusOutOfMemory: the server is out of memory; retry later.
	StatusOutOfMemory = Status(0x82)

	// StatusNotSupported: the command is recognized but unsupported here.
	StatusNotSupported = Status(0x83)

	// StatusInternalError: the server failed internally.
	StatusInternalError = Status(0x84)

	// StatusBusy: the server is too busy; retry later.
	StatusBusy = Status(0x85)

	// StatusTmpFail: a transient failure; retry later.
	StatusTmpFail = Status(0x86)
)

// Feature is a HELLO feature code negotiated at connection start.
type Feature uint16

const (
	FeatureDatatype        = Feature(0x01)
	FeatureTLS             = Feature(0x02)
	FeatureTCPNoDelay      = Feature(0x03)
	FeatureMutationTokens  = Feature(0x04)
	FeatureXattr           = Feature(0x06)
	FeatureXerror          = Feature(0x07)
	FeatureSelectBucket    = Feature(0x08)
	FeatureSnappy          = Feature(0x0a)
	FeatureJSON            = Feature(0x0b)
	FeatureDuplex          = Feature(0x0c)
	FeatureClusterMapNotif = Feature(0x0d)
	FeatureUnorderedExec   = Feature(0x0e)
	FeatureAltRequests     = Feature(0x10)
	FeatureTracing         = Feature(0x13)
)

// Datatype flags describe the value payload.
const (
	// DatatypeJSON: the server believes the value is JSON.
	DatatypeJSON = uint8(0x01)

	// DatatypeCompressed: the value is snappy-compressed.
	DatatypeCompressed = uint8(0x02)

	// DatatypeXattrs: xattr data precedes the document body.
	DatatypeXattrs = uint8(0x04)
)

// Frame extra types for the framed magics.
const (
	frameTypeReqBarrier  = uint8(0)
	frameTypeReqDeadline = uint8(1)
	frameTypeResDuration = uint8(0)
)
