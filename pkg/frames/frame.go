package frames

type Kind string

const (
	KindAudio  Kind = "audio"
	KindText   Kind = "text"
	KindSystem Kind = "system"
)

// System frame names.
const (
	SystemCallStart = "call_start"
	SystemCallEnd   = "call_end"
	SystemSTTError  = "stt_error"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries one inbound media chunk. The payload is kept exactly as it
// arrived on the wire; decoding is left to the codec so a malformed chunk can be
// dropped without touching anything downstream.
type AudioFrame struct {
	pts  int64
	seq  int64
	data []byte
	rate int
	ch   int
	meta map[string]string
}

func NewAudioFrame(streamID string, seq, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		seq:  seq,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Seq() int64              { return a.seq }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

// IsFinal reports whether the text closes an utterance.
func (t TextFrame) IsFinal() bool { return t.meta[MetaIsFinal] == "true" }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
