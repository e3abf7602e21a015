package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// wireEnvelope is the JSON shape embedded in email bodies. Field names are
// fixed protocol surface and must not change.
type wireEnvelope struct {
	Version    string          `json:"version"`
	MessageID  string          `json:"message_id,omitempty"`
	Type       string          `json:"type"`
	Sender     string          `json:"sender,omitempty"`
	Recipient  string          `json:"recipient,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Content    json.RawMessage `json:"content"`
	ClientInfo *ClientInfo     `json:"client_info,omitempty"`
	Fallback   bool            `json:"fallback,omitempty"`
}

// wireFromEnvelope converts an Envelope to its wire form. File bytes are
// always stripped from the JSON; they travel as a MIME attachment and the
// content carries has_attachment instead.
func wireFromEnvelope(e Envelope) (wireEnvelope, error) {
	content, err := marshalContent(e.Content)
	if err != nil {
		return wireEnvelope{}, err
	}

	w := wireEnvelope{
		Version:   e.Version,
		MessageID: e.ID,
		Type:      string(e.Kind),
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Content:   content,
		Fallback:  e.Degraded,
	}
	if !e.CreatedAt.IsZero() {
		w.Timestamp = e.CreatedAt.Format(time.RFC3339)
	}
	if e.Client != (ClientInfo{}) {
		ci := e.Client
		w.ClientInfo = &ci
	}
	return w, nil
}

// marshalContent renders the kind-specific content object.
func marshalContent(c Content) (json.RawMessage, error) {
	var obj map[string]any

	switch v := c.(type) {
	case TextContent:
		obj = map[string]any{"text": v.Text}
	case FileContent:
		obj = map[string]any{
			"file_name": v.FileName,
			"file_size": v.FileSize,
		}
		if v.Caption != "" {
			obj["text"] = v.Caption
		}
		if len(v.Data) > 0 {
			obj["has_attachment"] = true
		}
	case StatusContent:
		obj = make(map[string]any, len(v.Extra)+2)
		for k, val := range v.Extra {
			obj[k] = val
		}
		obj["status_type"] = v.StatusType
		if !v.Timestamp.IsZero() {
			obj["timestamp"] = v.Timestamp.Format(time.RFC3339)
		}
	case SystemContent:
		obj = map[string]any{"text": v.Text}
	default:
		return nil, fmt.Errorf("unsupported content type %T", c)
	}

	return json.Marshal(obj)
}

// envelopeFromWire validates a decoded wire envelope and converts it back
// into an Envelope. A non-nil error means the body is not a usable E-Chat
// message and the caller should degrade to a fallback envelope.
func envelopeFromWire(w wireEnvelope) (Envelope, error) {
	if w.Version == "" {
		return Envelope{}, fmt.Errorf("missing required field version")
	}
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("missing required field type")
	}
	kind := Kind(w.Type)
	if !knownKinds[kind] {
		return Envelope{}, fmt.Errorf("unknown kind %q", w.Type)
	}
	if len(w.Content) == 0 {
		return Envelope{}, fmt.Errorf("missing required field content")
	}
	if w.Sender != "" && !ValidAddress(w.Sender) {
		return Envelope{}, fmt.Errorf("invalid sender address %q", w.Sender)
	}
	if w.Recipient != "" && !ValidAddress(w.Recipient) {
		return Envelope{}, fmt.Errorf("invalid recipient address %q", w.Recipient)
	}

	content, err := unmarshalContent(kind, w.Content)
	if err != nil {
		return Envelope{}, err
	}

	e := Envelope{
		Version:   w.Version,
		ID:        w.MessageID,
		Kind:      kind,
		Sender:    w.Sender,
		Recipient: w.Recipient,
		Content:   content,
		Degraded:  w.Fallback,
	}
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
			e.CreatedAt = ts
		}
	}
	if w.ClientInfo != nil {
		e.Client = *w.ClientInfo
	}
	return e, nil
}

// unmarshalContent decodes the content object for the given kind, checking
// the kind's required fields.
func unmarshalContent(kind Kind, raw json.RawMessage) (Content, error) {
	switch kind {
	case KindText:
		var v struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding text content: %w", err)
		}
		if v.Text == "" {
			return nil, fmt.Errorf("text content missing text field")
		}
		return TextContent{Text: v.Text}, nil

	case KindFile:
		var v struct {
			Text     string `json:"text"`
			FileName string `json:"file_name"`
			FileSize int64  `json:"file_size"`
			FileData string `json:"file_data"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding file content: %w", err)
		}
		if v.FileName == "" {
			return nil, fmt.Errorf("file content missing file_name field")
		}
		if v.FileSize < 0 {
			return nil, fmt.Errorf("file content has negative file_size")
		}
		fc := FileContent{
			Caption:  v.Text,
			FileName: v.FileName,
			FileSize: v.FileSize,
		}
		if v.FileData != "" {
			data, err := base64.StdEncoding.DecodeString(v.FileData)
			if err != nil {
				return nil, fmt.Errorf("decoding inline file data: %w", err)
			}
			fc.Data = data
		}
		return fc, nil

	case KindStatus:
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding status content: %w", err)
		}
		statusType, _ := v["status_type"].(string)
		if statusType == "" {
			return nil, fmt.Errorf("status content missing status_type field")
		}
		sc := StatusContent{StatusType: statusType}
		if ts, ok := v["timestamp"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				sc.Timestamp = parsed
			}
		}
		delete(v, "status_type")
		delete(v, "timestamp")
		if len(v) > 0 {
			sc.Extra = v
		}
		return sc, nil

	case KindSystem:
		var v struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding system content: %w", err)
		}
		if v.Text == "" {
			return nil, fmt.Errorf("system content missing text field")
		}
		return SystemContent{Text: v.Text}, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}
