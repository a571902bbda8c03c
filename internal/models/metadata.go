package models

import "time"

// Metadata is the namespaced annotation record carried by conversations and
// messages. Each namespace has a single owning writer; Merge never removes a
// namespace, so contributions from ingress and earlier stages survive.
type Metadata struct {
	Attachments []Attachment    `json:"attachment_data,omitempty"`
	Language    string          `json:"language,omitempty"`
	Intent      *IntentInfo     `json:"intent,omitempty"`
	Suggestion  *Suggestion     `json:"suggestion,omitempty"`
	Response    *ResponseInfo   `json:"response,omitempty"`
	Escalation  *EscalationInfo `json:"escalation,omitempty"`
	Delivery    *DeliveryInfo   `json:"delivery,omitempty"`
	Extra       map[string]any  `json:"extra,omitempty"`
}

// Attachment is media extracted at ingress.
type Attachment struct {
	Type     string `json:"type"` // image | file
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

// IntentInfo records the classifier outcome.
type IntentInfo struct {
	Name       string  `json:"name"`
	Namespace  string  `json:"namespace"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Suggestion is generated text held back for operator review.
type Suggestion struct {
	Text      string    `json:"text"`
	SourceIDs []string  `json:"source_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ResponseInfo describes how the bot reply was produced.
type ResponseInfo struct {
	Source    string   `json:"source"` // model | template | none
	Action    string   `json:"action"`
	SourceIDs []string `json:"source_ids,omitempty"`
}

// EscalationInfo records which detectors fired.
type EscalationInfo struct {
	PatternMatched bool   `json:"pattern_matched,omitempty"`
	Semantic       bool   `json:"semantic,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// DeliveryInfo records egress outcome. On conversations, ConsecutiveFailures
// counts failed deliveries since the last success.
type DeliveryInfo struct {
	Status              string `json:"status"` // sent | failed | skipped
	Attempts            int    `json:"attempts,omitempty"`
	TextFallback        bool   `json:"text_fallback,omitempty"`
	Error               string `json:"error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
}

// Merge returns the key-wise union of m and other. Namespaces set in other
// replace those in m, unset namespaces are kept and Extra merges per key.
// Attachments from other are appended unless m already holds an identical one.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m

	if len(other.Attachments) > 0 {
		have := make(map[Attachment]bool, len(m.Attachments))
		out.Attachments = make([]Attachment, 0, len(m.Attachments)+len(other.Attachments))
		for _, a := range m.Attachments {
			have[a] = true
			out.Attachments = append(out.Attachments, a)
		}
		for _, a := range other.Attachments {
			if !have[a] {
				out.Attachments = append(out.Attachments, a)
			}
		}
	}
	if other.Language != "" {
		out.Language = other.Language
	}
	if other.Intent != nil {
		out.Intent = other.Intent
	}
	if other.Suggestion != nil {
		out.Suggestion = other.Suggestion
	}
	if other.Response != nil {
		out.Response = other.Response
	}
	if other.Escalation != nil {
		out.Escalation = other.Escalation
	}
	if other.Delivery != nil {
		out.Delivery = other.Delivery
	}
	if len(other.Extra) > 0 {
		extra := make(map[string]any, len(m.Extra)+len(other.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		for k, v := range other.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// AttachmentText renders attachments as the human-readable fallback used in
// message content when no text accompanies them.
func (m Metadata) AttachmentText() string {
	var s string
	for i, a := range m.Attachments {
		if i > 0 {
			s += " "
		}
		s += "[Attachment: " + a.Type + "]"
	}
	return s
}
