package att

// PDU is one decoded ATT message. Concrete types are pointers to the structs
// below; callers switch on the type.
//
// Byte slices in a decoded PDU (Value fields, Type UUID values) borrow the
// receive buffer. They are valid for the duration of the callback that
// delivers them; copy anything that must outlive it.
type PDU interface {
	Opcode() uint8
}

// ErrorResponse (0x01)
type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

// ExchangeMTURequest (0x02)
type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

// ExchangeMTUResponse (0x03)
type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// FindInformationRequest (0x04)
type FindInformationRequest struct {
	StartHandle uint16
	EndHandle   uint16
}

// HandleUUID is one Find Information entry
type HandleUUID struct {
	Handle uint16
	UUID   UUID
}

// Find Information response formats
const (
	FormatUUID16  = 0x01
	FormatUUID128 = 0x02
)

// FindInformationResponse (0x05). Format is derived from the first entry on
// encode; all entries must share its UUID size.
type FindInformationResponse struct {
	Format  uint8
	Entries []HandleUUID
}

// FindByTypeValueRequest (0x06). The attribute type is always a 16-bit UUID.
type FindByTypeValueRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        uint16
	Value       []byte
}

// HandleRange is one Find By Type Value entry
type HandleRange struct {
	Found    uint16
	GroupEnd uint16
}

// FindByTypeValueResponse (0x07)
type FindByTypeValueResponse struct {
	Ranges []HandleRange
}

// ReadByTypeRequest (0x08)
type ReadByTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        UUID
}

// HandleValue is one Read By Type entry
type HandleValue struct {
	Handle uint16
	Value  []byte
}

// ReadByTypeResponse (0x09)
type ReadByTypeResponse struct {
	Entries []HandleValue
}

// ReadRequest (0x0A)
type ReadRequest struct {
	Handle uint16
}

// ReadResponse (0x0B)
type ReadResponse struct {
	Value []byte
}

// ReadBlobRequest (0x0C)
type ReadBlobRequest struct {
	Handle uint16
	Offset uint16
}

// ReadBlobResponse (0x0D)
type ReadBlobResponse struct {
	Value []byte
}

// ReadMultipleRequest (0x0E)
type ReadMultipleRequest struct {
	Handles []uint16
}

// ReadMultipleResponse (0x0F). The values are concatenated without framing.
type ReadMultipleResponse struct {
	Values []byte
}

// ReadByGroupTypeRequest (0x10)
type ReadByGroupTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        UUID
}

// GroupValue is one Read By Group Type entry
type GroupValue struct {
	Handle   uint16
	GroupEnd uint16
	Value    []byte
}

// ReadByGroupTypeResponse (0x11)
type ReadByGroupTypeResponse struct {
	Entries []GroupValue
}

// WriteRequest (0x12)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

// WriteResponse (0x13)
type WriteResponse struct{}

// WriteCommand (0x52)
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// SignedWriteCommand (0xD2). Signature covers opcode, handle and value.
type SignedWriteCommand struct {
	Handle    uint16
	Value     []byte
	Signature [SignatureLen]byte
}

// PrepareWriteRequest (0x16)
type PrepareWriteRequest struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

// PrepareWriteResponse (0x17)
type PrepareWriteResponse struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

// Execute Write flags
const (
	ExecuteWriteCancel = 0x00
	ExecuteWriteCommit = 0x01
)

// ExecuteWriteRequest (0x18)
type ExecuteWriteRequest struct {
	Flags uint8
}

// ExecuteWriteResponse (0x19)
type ExecuteWriteResponse struct{}

// HandleValueNotification (0x1B)
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// HandleValueIndication (0x1D)
type HandleValueIndication struct {
	Handle uint16
	Value  []byte
}

// HandleValueConfirmation (0x1E)
type HandleValueConfirmation struct{}

func (*ErrorResponse) Opcode() uint8           { return OpErrorResponse }
func (*ExchangeMTURequest) Opcode() uint8      { return OpExchangeMTURequest }
func (*ExchangeMTUResponse) Opcode() uint8     { return OpExchangeMTUResponse }
func (*FindInformationRequest) Opcode() uint8  { return OpFindInformationRequest }
func (*FindInformationResponse) Opcode() uint8 { return OpFindInformationResponse }
func (*FindByTypeValueRequest) Opcode() uint8  { return OpFindByTypeValueRequest }
func (*FindByTypeValueResponse) Opcode() uint8 { return OpFindByTypeValueResponse }
func (*ReadByTypeRequest) Opcode() uint8       { return OpReadByTypeRequest }
func (*ReadByTypeResponse) Opcode() uint8      { return OpReadByTypeResponse }
func (*ReadRequest) Opcode() uint8             { return OpReadRequest }
func (*ReadResponse) Opcode() uint8            { return OpReadResponse }
func (*ReadBlobRequest) Opcode() uint8         { return OpReadBlobRequest }
func (*ReadBlobResponse) Opcode() uint8        { return OpReadBlobResponse }
func (*ReadMultipleRequest) Opcode() uint8     { return OpReadMultipleRequest }
func (*ReadMultipleResponse) Opcode() uint8    { return OpReadMultipleResponse }
func (*ReadByGroupTypeRequest) Opcode() uint8  { return OpReadByGroupTypeRequest }
func (*ReadByGroupTypeResponse) Opcode() uint8 { return OpReadByGroupTypeResponse }
func (*WriteRequest) Opcode() uint8            { return OpWriteRequest }
func (*WriteResponse) Opcode() uint8           { return OpWriteResponse }
func (*WriteCommand) Opcode() uint8            { return OpWriteCommand }
func (*SignedWriteCommand) Opcode() uint8      { return OpSignedWriteCommand }
func (*PrepareWriteRequest) Opcode() uint8     { return OpPrepareWriteRequest }
func (*PrepareWriteResponse) Opcode() uint8    { return OpPrepareWriteResponse }
func (*ExecuteWriteRequest) Opcode() uint8     { return OpExecuteWriteRequest }
func (*ExecuteWriteResponse) Opcode() uint8    { return OpExecuteWriteResponse }
func (*HandleValueNotification) Opcode() uint8 { return OpHandleValueNotification }
func (*HandleValueIndication) Opcode() uint8   { return OpHandleValueIndication }
func (*HandleValueConfirmation) Opcode() uint8 { return OpHandleValueConfirmation }
