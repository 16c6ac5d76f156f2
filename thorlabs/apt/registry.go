package apt

import (
	"fmt"
	"sort"
)

// MessageID is the 16-bit identifier leading every frame
type MessageID uint16

// the catalogue of supported messages.  REQ messages are answered by the
// matching GET message; SET messages are not answered.
const (
	ModIdentify           MessageID = 0x0223
	ModSetChanEnableState MessageID = 0x0220
	ModReqChanEnableState MessageID = 0x0221
	ModGetChanEnableState MessageID = 0x0212

	HWDisconnect      MessageID = 0x0002
	HWResponse        MessageID = 0x0080
	HWRichResponse    MessageID = 0x0081
	HWStartUpdateMsgs MessageID = 0x0011
	HWStopUpdateMsgs  MessageID = 0x0012
	HWReqInfo         MessageID = 0x0005
	HWGetInfo         MessageID = 0x0006

	RackReqBayUsed MessageID = 0x0060
	RackGetBayUsed MessageID = 0x0061
	HubReqBayUsed  MessageID = 0x0065
	HubGetBayUsed  MessageID = 0x0066

	MotSetVelParams MessageID = 0x0413
	MotReqVelParams MessageID = 0x0414
	MotGetVelParams MessageID = 0x0415

	MotSetJogParams MessageID = 0x0416
	MotReqJogParams MessageID = 0x0417
	MotGetJogParams MessageID = 0x0418

	MotReqADCInputs MessageID = 0x042B
	MotGetADCInputs MessageID = 0x042C

	MotSetMoveRelParams MessageID = 0x0445
	MotReqMoveRelParams MessageID = 0x0446
	MotGetMoveRelParams MessageID = 0x0447

	MotSetMoveAbsParams MessageID = 0x0450
	MotReqMoveAbsParams MessageID = 0x0451
	MotGetMoveAbsParams MessageID = 0x0452

	MotSetHomeParams MessageID = 0x0440
	MotReqHomeParams MessageID = 0x0441
	MotGetHomeParams MessageID = 0x0442

	MotSetLimSwitchParams MessageID = 0x0423
	MotReqLimSwitchParams MessageID = 0x0424
	MotGetLimSwitchParams MessageID = 0x0425

	MotMoveHome      MessageID = 0x0443
	MotMoveHomed     MessageID = 0x0444
	MotMoveRelative  MessageID = 0x0448
	MotMoveAbsolute  MessageID = 0x0453
	MotMoveCompleted MessageID = 0x0464
	MotMoveJog       MessageID = 0x046A
	MotMoveVelocity  MessageID = 0x0457
	MotMoveStop      MessageID = 0x0465
	MotMoveStopped   MessageID = 0x0466

	// DC servo status updates, sent periodically by BBD series controllers
	// while update messages are enabled
	MotReqDCStatusUpdate MessageID = 0x0490
	MotGetDCStatusUpdate MessageID = 0x0491
	MotAckDCStatusUpdate MessageID = 0x0492
)

// Shape is the physical layout of a frame
type Shape uint8

const (
	// Fixed frames are six bytes with two inline parameters
	Fixed Shape = iota

	// Variable frames are a six byte header followed by a payload
	Variable
)

func (s Shape) String() string {
	if s == Variable {
		return "variable"
	}
	return "fixed"
}

// FieldType is the wire type of a payload field
type FieldType uint8

const (
	// Byte is an unsigned 8-bit integer
	Byte FieldType = iota
	// Word is an unsigned 16-bit integer
	Word
	// Short is a signed 16-bit integer
	Short
	// DWord is an unsigned 32-bit integer
	DWord
	// Long is a signed 32-bit integer
	Long
	// Char is a fixed-length byte array, usually NUL-padded text
	Char
)

// Field is one entry in a payload schema
type Field struct {
	Name string
	Type FieldType

	// Size is the width in bytes.  It is implied for the numeric types and
	// required for Char
	Size int
}

// Kind describes one message in the catalogue
type Kind struct {
	ID    MessageID
	Name  string
	Shape Shape

	// Schema lists the fields in wire order.  Fixed kinds always have two
	// one-byte fields, param1 and param2
	Schema []Field

	// Reply is the message the hardware answers this one with, or zero
	Reply MessageID
}

// Length is the payload length of a variable kind, or zero for fixed kinds
func (k *Kind) Length() int {
	if k.Shape == Fixed {
		return 0
	}
	n := 0
	for _, f := range k.Schema {
		n += f.Size
	}
	return n
}

var catalogue = map[MessageID]*Kind{}

func field(name string, typ FieldType) Field {
	size := 0
	switch typ {
	case Byte:
		size = 1
	case Word, Short:
		size = 2
	case DWord, Long:
		size = 4
	}
	return Field{Name: name, Type: typ, Size: size}
}

func chars(name string, n int) Field {
	return Field{Name: name, Type: Char, Size: n}
}

func register(k *Kind) {
	if _, dup := catalogue[k.ID]; dup {
		panic(fmt.Sprintf("apt: message 0x%04X registered twice", uint16(k.ID)))
	}
	catalogue[k.ID] = k
}

func fixed(id MessageID, name, param1, param2 string, reply MessageID) {
	register(&Kind{ID: id, Name: name, Shape: Fixed, Reply: reply,
		Schema: []Field{field(param1, Byte), field(param2, Byte)}})
}

func variable(id MessageID, name string, reply MessageID, schema ...Field) {
	register(&Kind{ID: id, Name: name, Shape: Variable, Reply: reply, Schema: schema})
}

func init() {
	chanIdent := field("ChanIdent", Word)
	dcStatus := []Field{
		chanIdent,
		field("Position", Long),
		field("Velocity", Word),
		field("MotorCurrent", Short),
		field("StatusBits", DWord),
	}

	fixed(ModIdentify, "MGMSG_MOD_IDENTIFY", "ChanIdent", "Param2", 0)
	fixed(ModSetChanEnableState, "MGMSG_MOD_SET_CHANENABLESTATE", "ChanIdent", "EnableState", 0)
	fixed(ModReqChanEnableState, "MGMSG_MOD_REQ_CHANENABLESTATE", "ChanIdent", "Param2", ModGetChanEnableState)
	fixed(ModGetChanEnableState, "MGMSG_MOD_GET_CHANENABLESTATE", "ChanIdent", "EnableState", 0)

	fixed(HWDisconnect, "MGMSG_HW_DISCONNECT", "Param1", "Param2", 0)
	fixed(HWResponse, "MGMSG_HW_RESPONSE", "Param1", "Param2", 0)
	variable(HWRichResponse, "MGMSG_HW_RICHRESPONSE", 0,
		field("MsgIdent", Word),
		field("Code", Word),
		chars("Notes", 64))
	fixed(HWStartUpdateMsgs, "MGMSG_HW_START_UPDATEMSGS", "UpdateRate", "Param2", 0)
	fixed(HWStopUpdateMsgs, "MGMSG_HW_STOP_UPDATEMSGS", "Param1", "Param2", 0)
	fixed(HWReqInfo, "MGMSG_HW_REQ_INFO", "Param1", "Param2", HWGetInfo)
	variable(HWGetInfo, "MGMSG_HW_GET_INFO", 0,
		field("SerialNumber", DWord),
		chars("ModelNumber", 8),
		field("Type", Word),
		field("FirmwareVersion", DWord),
		chars("Notes", 48),
		chars("EmptySpace", 12),
		field("HWVersion", Word),
		field("ModState", Word),
		field("NumChannels", Word))

	fixed(RackReqBayUsed, "MGMSG_RACK_REQ_BAYUSED", "BayIdent", "Param2", RackGetBayUsed)
	fixed(RackGetBayUsed, "MGMSG_RACK_GET_BAYUSED", "BayIdent", "BayState", 0)
	fixed(HubReqBayUsed, "MGMSG_HUB_REQ_BAYUSED", "Param1", "Param2", HubGetBayUsed)
	fixed(HubGetBayUsed, "MGMSG_HUB_GET_BAYUSED", "BayIdent", "Param2", 0)

	velParams := []Field{chanIdent, field("MinVel", Long), field("Accn", Long), field("MaxVel", Long)}
	variable(MotSetVelParams, "MGMSG_MOT_SET_VELPARAMS", 0, velParams...)
	fixed(MotReqVelParams, "MGMSG_MOT_REQ_VELPARAMS", "ChanIdent", "Param2", MotGetVelParams)
	variable(MotGetVelParams, "MGMSG_MOT_GET_VELPARAMS", 0, velParams...)

	jogParams := []Field{
		chanIdent,
		field("JogMode", Word),
		field("JogStepSize", Long),
		field("JogMinVel", Long),
		field("JogAccn", Long),
		field("JogMaxVel", Long),
		field("JogStopMode", Word),
	}
	variable(MotSetJogParams, "MGMSG_MOT_SET_JOGPARAMS", 0, jogParams...)
	fixed(MotReqJogParams, "MGMSG_MOT_REQ_JOGPARAMS", "ChanIdent", "Param2", MotGetJogParams)
	variable(MotGetJogParams, "MGMSG_MOT_GET_JOGPARAMS", 0, jogParams...)

	fixed(MotReqADCInputs, "MGMSG_MOT_REQ_ADCINPUTS", "ChanIdent", "Param2", MotGetADCInputs)
	variable(MotGetADCInputs, "MGMSG_MOT_GET_ADCINPUTS", 0,
		field("ADCInput1", Word),
		field("ADCInput2", Word))

	relParams := []Field{chanIdent, field("RelativeDistance", Long)}
	variable(MotSetMoveRelParams, "MGMSG_MOT_SET_MOVERELPARAMS", 0, relParams...)
	fixed(MotReqMoveRelParams, "MGMSG_MOT_REQ_MOVERELPARAMS", "ChanIdent", "Param2", MotGetMoveRelParams)
	variable(MotGetMoveRelParams, "MGMSG_MOT_GET_MOVERELPARAMS", 0, relParams...)

	absParams := []Field{chanIdent, field("AbsolutePosition", Long)}
	variable(MotSetMoveAbsParams, "MGMSG_MOT_SET_MOVEABSPARAMS", 0, absParams...)
	fixed(MotReqMoveAbsParams, "MGMSG_MOT_REQ_MOVEABSPARAMS", "ChanIdent", "Param2", MotGetMoveAbsParams)
	variable(MotGetMoveAbsParams, "MGMSG_MOT_GET_MOVEABSPARAMS", 0, absParams...)

	homeParams := []Field{
		chanIdent,
		field("HomeDir", Word),
		field("LimitSwitch", Word),
		field("HomeVelocity", Long),
		field("OffsetDistance", Long),
	}
	variable(MotSetHomeParams, "MGMSG_MOT_SET_HOMEPARAMS", 0, homeParams...)
	fixed(MotReqHomeParams, "MGMSG_MOT_REQ_HOMEPARAMS", "ChanIdent", "Param2", MotGetHomeParams)
	variable(MotGetHomeParams, "MGMSG_MOT_GET_HOMEPARAMS", 0, homeParams...)

	limParams := []Field{
		chanIdent,
		field("CWHardLimit", Word),
		field("CCWHardLimit", Word),
		field("CWSoftLimit", Long),
		field("CCWSoftLimit", Long),
		field("LimitMode", Word),
	}
	variable(MotSetLimSwitchParams, "MGMSG_MOT_SET_LIMSWITCHPARAMS", 0, limParams...)
	fixed(MotReqLimSwitchParams, "MGMSG_MOT_REQ_LIMSWITCHPARAMS", "ChanIdent", "Param2", MotGetLimSwitchParams)
	variable(MotGetLimSwitchParams, "MGMSG_MOT_GET_LIMSWITCHPARAMS", 0, limParams...)

	fixed(MotMoveHome, "MGMSG_MOT_MOVE_HOME", "ChanIdent", "Param2", 0)
	fixed(MotMoveHomed, "MGMSG_MOT_MOVE_HOMED", "ChanIdent", "Param2", 0)
	variable(MotMoveRelative, "MGMSG_MOT_MOVE_RELATIVE", 0, relParams...)
	variable(MotMoveAbsolute, "MGMSG_MOT_MOVE_ABSOLUTE", 0, absParams...)
	variable(MotMoveCompleted, "MGMSG_MOT_MOVE_COMPLETED", 0, dcStatus...)
	fixed(MotMoveJog, "MGMSG_MOT_MOVE_JOG", "ChanIdent", "Direction", 0)
	fixed(MotMoveVelocity, "MGMSG_MOT_MOVE_VELOCITY", "ChanIdent", "Direction", 0)
	fixed(MotMoveStop, "MGMSG_MOT_MOVE_STOP", "ChanIdent", "StopMode", 0)
	variable(MotMoveStopped, "MGMSG_MOT_MOVE_STOPPED", 0, dcStatus...)

	fixed(MotReqDCStatusUpdate, "MGMSG_MOT_REQ_DCSTATUSUPDATE", "ChanIdent", "Param2", MotGetDCStatusUpdate)
	variable(MotGetDCStatusUpdate, "MGMSG_MOT_GET_DCSTATUSUPDATE", 0, dcStatus...)
	fixed(MotAckDCStatusUpdate, "MGMSG_MOT_ACK_DCSTATUSUPDATE", "Param1", "Param2", 0)
}

// Lookup returns the catalogue entry for a message id
func Lookup(id MessageID) (*Kind, bool) {
	k, ok := catalogue[id]
	return k, ok
}

// ShapeOf returns the frame shape of a message id
func ShapeOf(id MessageID) (Shape, error) {
	k, ok := catalogue[id]
	if !ok {
		return Fixed, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageID, uint16(id))
	}
	return k.Shape, nil
}

// SchemaOf returns the payload schema of a message id
func SchemaOf(id MessageID) ([]Field, error) {
	k, ok := catalogue[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageID, uint16(id))
	}
	return k.Schema, nil
}

// Kinds returns every catalogue entry, ordered by id
func Kinds() []*Kind {
	out := make([]*Kind, 0, len(catalogue))
	for _, k := range catalogue {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (id MessageID) String() string {
	if k, ok := catalogue[id]; ok {
		return k.Name
	}
	return fmt.Sprintf("MessageID(0x%04X)", uint16(id))
}
