package frames

const (
	MetaStreamID = "stream_id"
	MetaCallSID  = "call_sid"
	MetaTraceID  = "trace_id"
	MetaSource   = "source"
	MetaIsFinal  = "is_final"
	MetaReason   = "reason"
	MetaFormat   = "format"
)

const FormatPCM16 = "pcm16le"
