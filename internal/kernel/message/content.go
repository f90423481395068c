package message

import (
	"encoding/json"
	"fmt"
)

// ExecutionState is the kernel activity phase reported on iopub.
type ExecutionState string

const (
	ExecutionStarting ExecutionState = "starting"
	ExecutionIdle     ExecutionState = "idle"
	ExecutionBusy     ExecutionState = "busy"
	ExecutionUnknown  ExecutionState = "unknown"
)

// ParseExecutionState maps a wire value onto a known state. Values outside
// the known set map to ExecutionUnknown.
func ParseExecutionState(s string) ExecutionState {
	switch ExecutionState(s) {
	case ExecutionStarting, ExecutionIdle, ExecutionBusy:
		return ExecutionState(s)
	default:
		return ExecutionUnknown
	}
}

// Content is the closed set of decoded message payloads.
type Content interface {
	contentType() string
}

// Status is the content of an iopub status message.
type Status struct {
	ExecutionState ExecutionState `json:"execution_state"`
}

func (*Status) contentType() string { return TypeStatus }

// LanguageInfo describes the language a kernel implements.
type LanguageInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version,omitempty"`
	MimeType          string `json:"mimetype,omitempty"`
	FileExtension     string `json:"file_extension,omitempty"`
	PygmentsLexer     string `json:"pygments_lexer,omitempty"`
	CodemirrorMode    any    `json:"codemirror_mode,omitempty"`
	NbconvertExporter string `json:"nbconvert_exporter,omitempty"`
}

// KernelInfoReply is the content of a kernel_info_reply.
type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

func (*KernelInfoReply) contentType() string { return TypeKernelInfoReply }

// Unknown wraps content of any message type without a dedicated variant.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u *Unknown) contentType() string { return u.Type }

// Parse decodes the message content into its variant. Malformed content of a
// known type is reported as an error; unrecognized types yield *Unknown.
func (m *Message) Parse() (Content, error) {
	var c Content
	switch m.Header.Type {
	case TypeStatus:
		var s struct {
			ExecutionState string `json:"execution_state"`
		}
		if err := json.Unmarshal(m.Content, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.Header.Type, err)
		}
		c = &Status{ExecutionState: ParseExecutionState(s.ExecutionState)}
	case TypeKernelInfoReply:
		r := &KernelInfoReply{}
		if err := json.Unmarshal(m.Content, r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.Header.Type, err)
		}
		c = r
	default:
		c = &Unknown{Type: m.Header.Type, Raw: m.Content}
	}
	return c, nil
}
