package domain

// Field constants shared by index records, queries and the wire format.
const (
	FieldType     = "_type"
	FieldKey      = "_key"
	FieldSource   = "_source"
	FieldTarget   = "_target"
	FieldRelation = "_rel"
	FieldWeight   = "_weight"

	// Process index fields.
	FieldObjectKey    = "obj_key"
	FieldObjectType   = "obj_type"
	FieldInstanceName = "instance_name"
	FieldProcess      = "process"
	FieldStartTime    = "start_time"
	FieldPID          = "pid"
)

// Record type tags stored under FieldType.
const (
	TypeVertex  = "v"
	TypeEdge    = "e"
	TypeProcess = "p"
	TypeChannel = "c"
)

// LabelSignal marks edges that wire an output to an input.
const LabelSignal = "signal"

// Message type discriminators understood by the reference processes.
const (
	MessageClock = "clock"
	MessageState = "state"
)
