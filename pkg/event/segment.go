package event

// Segment is one element of a message: a text run, a media reference,
// or a mention. Data keys are segment-type specific ("text", "url",
// "file", "target").
type Segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Segment type constants.
const (
	SegText  = "text"
	SegImage = "image"
	SegAudio = "audio"
	SegVideo = "video"
	SegFile  = "file"
	SegAt    = "at"
)

// Text builds a text segment.
func Text(s string) Segment {
	return Segment{Type: SegText, Data: map[string]string{"text": s}}
}

// Image builds an image segment referencing a URL or file path.
func Image(url string) Segment {
	return Segment{Type: SegImage, Data: map[string]string{"url": url}}
}

// Audio builds an audio segment.
func Audio(url string) Segment {
	return Segment{Type: SegAudio, Data: map[string]string{"url": url}}
}

// Video builds a video segment.
func Video(url string) Segment {
	return Segment{Type: SegVideo, Data: map[string]string{"url": url}}
}

// File builds a file attachment segment.
func File(url string) Segment {
	return Segment{Type: SegFile, Data: map[string]string{"url": url}}
}

// At builds a mention segment targeting a user id.
func At(target string) Segment {
	return Segment{Type: SegAt, Data: map[string]string{"target": target}}
}

// PlainText flattens the text runs of a segment list, in order.
// Non-text segments contribute nothing.
func PlainText(segments []Segment) string {
	out := ""
	for _, seg := range segments {
		if seg.Type == SegText {
			out += seg.Data["text"]
		}
	}
	return out
}
