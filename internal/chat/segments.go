package chat

// segmentTracker builds the ordered text/tool-call segment list while a
// response streams. Every text delta becomes its own segment so the
// stored sequence mirrors the reception sequence chunk for chunk; the
// byte offsets locate each chunk inside the cumulative content string.
type segmentTracker struct {
	segments []ContentSegment
	textLen  int // bytes of text received so far
}

func (t *segmentTracker) AppendText(text string) {
	if text == "" {
		return
	}
	start := t.textLen
	t.textLen += len(text)
	t.segments = append(t.segments, ContentSegment{
		Type:     SegmentText,
		Order:    len(t.segments),
		Content:  text,
		StartPos: start,
		EndPos:   t.textLen,
	})
}

func (t *segmentTracker) AddToolCall(toolCallID string) {
	for _, s := range t.segments {
		if s.Type == SegmentToolCall && s.ToolCallID == toolCallID {
			return
		}
	}
	t.segments = append(t.segments, ContentSegment{
		Type:       SegmentToolCall,
		Order:      len(t.segments),
		ToolCallID: toolCallID,
	})
}

// Segments returns a copy in arrival order.
func (t *segmentTracker) Segments() []ContentSegment {
	out := make([]ContentSegment, len(t.segments))
	copy(out, t.segments)
	return out
}
