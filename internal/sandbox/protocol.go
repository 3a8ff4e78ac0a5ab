// Package sandbox implements the client-side handle to a detached,
// persistent code-execution process. It is deliberately decoupled
// from how that process is actually hosted: construction, liveness checks,
// and termination go through the ProcessHost interface, which this package
// treats as an opaque "process host" collaborator.
package sandbox

import "encoding/json"

// Request is one line appended to the remote REQ file: a command submitted
// for execution inside the Driver's persistent environment.
type Request struct {
	CommandID string `json:"command_id"`
	Code      string `json:"code"`
}

// Response is the single JSON object the Driver writes to RES/<command_id>
// after evaluating one Request.
type Response struct {
	Stdout string   `json:"stdout"`
	Stderr string   `json:"stderr"`
	Images []string `json:"images"` // base64-encoded PNG or JPEG
	Plots  []string `json:"plots"`  // self-contained HTML fragments
}

// Encode marshals a Request as a single newline-terminated JSON line, the
// exact shape appended to REQ by Controller.Submit.
func (r Request) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeResponse parses a RES/<command_id> file's contents.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, err
	}
	return r, nil
}

// Remote filesystem layout constants, part of the ABI between Controller
// and Driver.
const (
	EnvDataDir   = "IO_DATA_DIR"
	DefaultDir   = "/modal/io"
	RequestFile  = "stdin.txt"
	ResponseExt  = ".txt"
	EnvRequestID = "SANDBOX_APP_NAME"

	// ReadyFile is the sentinel file a Driver drops once it has opened the
	// request file and is accepting commands. A ProcessHost.Start
	// implementation polls for it before returning (and, for a synchronous
	// InitScript, before submitting it).
	ReadyFile = "ready"
)
