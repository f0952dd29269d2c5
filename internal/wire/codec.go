package wire

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Decoder reads newline-delimited JSON messages off a byte stream.
// Malformed segments (not valid JSON at all) are logged and discarded;
// the stream is never desynchronized by a single bad line as long as
// the line was terminated.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Reader exposes the underlying buffered reader so a caller can hand
// off to io.Copy immediately after decoding a frame — any bytes already
// read into the buffer past the terminating "\n" (e.g. pipelined TLS
// ClientHello bytes behind a data_connection line) are preserved and
// served first, satisfying the "no reframing" requirement in §4.1.
func (d *Decoder) Reader() io.Reader { return d.r }

type typeProbe struct {
	Type string `json:"type"`
}

// ReadMessage reads one line and decodes it against the registry.
// A line that isn't valid JSON is logged and skipped; ReadMessage keeps
// reading until it finds a parseable line or the stream ends. A line
// that IS valid JSON but carries an unrecognized or missing "type"
// returns ErrUnknownType so the caller's state machine can decide
// whether that means "destroy" (handshake) or "log and continue"
// (steady state) per spec §4.2/§9.
func (d *Decoder) ReadMessage() (Command, error) {
	return d.readMessageFrom(DefaultRegistry)
}

func (d *Decoder) readMessageFrom(reg *Registry) (Command, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		trimmed := trimNewline(line)
		if len(trimmed) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}

		var probe typeProbe
		if jsonErr := json.Unmarshal(trimmed, &probe); jsonErr != nil {
			log.WithError(jsonErr).Warn("wire: discarding malformed message line")
			if err != nil {
				return nil, err
			}
			continue
		}

		if !reg.Known(probe.Type) {
			return nil, ErrUnknownType
		}

		cmd, newErr := reg.New(probe.Type)
		if newErr != nil {
			return nil, newErr
		}
		if jsonErr := json.Unmarshal(trimmed, cmd); jsonErr != nil {
			log.WithError(jsonErr).Warn("wire: discarding unparseable message body")
			if err != nil {
				return nil, err
			}
			continue
		}
		return cmd, nil
	}
}

func trimNewline(b []byte) []byte {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == '\r') {
		n--
	}
	return b[:n]
}

// Encoder writes newline-delimited JSON messages to a byte stream.
// Writes are serialized under a mutex so no two goroutines sharing one
// Encoder can interleave a partial line, per §4.1 and the "control
// channel serialization" design note in §9.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) WriteMessage(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}
