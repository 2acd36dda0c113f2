package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDecode           ReasonCode = "frame_decode"
	ReasonProtocolSequence ReasonCode = "protocol_sequence"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTStream    ReasonCode = "stt_stream"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonSummaryGenerate    ReasonCode = "summary_generate"
	ReasonSummarySchema      ReasonCode = "summary_schema"
	ReasonSummaryTimeout     ReasonCode = "summary_timeout"
	ReasonSummaryRateLimit   ReasonCode = "summary_rate_limit"
	ReasonSummaryCircuitOpen ReasonCode = "summary_circuit_open"

	ReasonStoreWrite   ReasonCode = "store_write"
	ReasonArchiveWrite ReasonCode = "archive_write"

	ReasonQuotaExceeded ReasonCode = "quota_exceeded"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportProtocol         ReasonCode = "transport_protocol"
	ReasonTransportClose            ReasonCode = "transport_close"
)
