// Package mcping implements the Minecraft server-list-ping handshake: the
// unauthenticated status query a launcher performs to show a server's MOTD,
// player counts, and version. FireFrp uses it to probe whether a freshly
// tunneled Minecraft server actually answers on its public port.
//
// The protocol is length-prefixed packets of VarInt-framed fields. Only the
// status flow (handshake with next-state 1, then an empty status request) is
// implemented; login and play states are out of scope.
package mcping

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

const (
	// statusProtocol is the protocol version sent in the handshake. -1 asks
	// the server to answer regardless of its own protocol version.
	statusProtocol = -1

	// maxResponseBytes bounds the status JSON a server may send. Vanilla
	// responses are a few KB; anything near the cap is not a Minecraft server.
	maxResponseBytes = 1 << 20
)

// ErrMalformed is returned when the peer speaks something that is not the
// server-list-ping protocol.
var ErrMalformed = errors.New("mcping: malformed response")

// Status is the decoded server-list-ping answer.
type Status struct {
	Description string // MOTD, flattened to plain text
	Online      int
	Max         int
	Version     string
}

// Ping performs one status query against addr ("host:port"). Dial and I/O
// deadlines come from ctx; pass a context with a timeout.
func Ping(ctx context.Context, addr string) (*Status, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("mcping: bad address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("mcping: bad port %q", portStr)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mcping: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("mcping: set deadline: %w", err)
		}
	}

	if err := writePacket(conn, handshakePayload(host, uint16(port))); err != nil {
		return nil, fmt.Errorf("mcping: handshake: %w", err)
	}
	// Status request: packet id 0x00 with no fields.
	if err := writePacket(conn, []byte{0x00}); err != nil {
		return nil, fmt.Errorf("mcping: status request: %w", err)
	}

	raw, err := readStatusResponse(conn)
	if err != nil {
		return nil, err
	}
	return decodeStatus(raw)
}

// handshakePayload builds the handshake packet body: id 0x00, protocol
// version, server address, server port, next state 1 (status).
func handshakePayload(host string, port uint16) []byte {
	var buf bytes.Buffer
	writeVarInt(&buf, 0x00)
	writeVarInt(&buf, statusProtocol)
	writeVarInt(&buf, int32(len(host)))
	buf.WriteString(host)
	_ = binary.Write(&buf, binary.BigEndian, port)
	writeVarInt(&buf, 1)
	return buf.Bytes()
}

// writePacket frames payload with its VarInt length prefix and writes it.
func writePacket(w io.Writer, payload []byte) error {
	var buf bytes.Buffer
	writeVarInt(&buf, int32(len(payload)))
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}

// readStatusResponse reads one packet and returns the JSON status document
// it carries. The packet must be id 0x00 with a single string field.
func readStatusResponse(r io.Reader) ([]byte, error) {
	br := &byteReader{r: r}

	packetLen, err := readVarInt(br)
	if err != nil {
		return nil, fmt.Errorf("%w: packet length: %v", ErrMalformed, err)
	}
	if packetLen <= 0 || packetLen > maxResponseBytes {
		return nil, fmt.Errorf("%w: packet length %d", ErrMalformed, packetLen)
	}

	packetID, err := readVarInt(br)
	if err != nil {
		return nil, fmt.Errorf("%w: packet id: %v", ErrMalformed, err)
	}
	if packetID != 0x00 {
		return nil, fmt.Errorf("%w: unexpected packet id %#x", ErrMalformed, packetID)
	}

	strLen, err := readVarInt(br)
	if err != nil {
		return nil, fmt.Errorf("%w: string length: %v", ErrMalformed, err)
	}
	if strLen <= 0 || strLen > maxResponseBytes {
		return nil, fmt.Errorf("%w: string length %d", ErrMalformed, strLen)
	}

	raw := make([]byte, strLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: status body: %v", ErrMalformed, err)
	}
	return raw, nil
}

// rawStatus mirrors the status JSON. The description is either a plain
// string or a chat object; it is decoded separately.
type rawStatus struct {
	Version struct {
		Name string `json:"name"`
	} `json:"version"`
	Players struct {
		Online int `json:"online"`
		Max    int `json:"max"`
	} `json:"players"`
	Description json.RawMessage `json:"description"`
}

// chatComponent is the subset of the chat-object form that carries text.
type chatComponent struct {
	Text  string          `json:"text"`
	Extra []chatComponent `json:"extra"`
}

func decodeStatus(raw []byte) (*Status, error) {
	var rs rawStatus
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("%w: status json: %v", ErrMalformed, err)
	}
	return &Status{
		Description: decodeDescription(rs.Description),
		Online:      rs.Players.Online,
		Max:         rs.Players.Max,
		Version:     rs.Version.Name,
	}, nil
}

// decodeDescription flattens the MOTD. Servers send either a bare string or
// a chat object whose text is split across the root and an "extra" list;
// legacy color codes (§x) are stripped either way.
func decodeDescription(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return stripLegacyCodes(s)
	}
	var c chatComponent
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	var b strings.Builder
	flattenComponent(&b, c)
	return stripLegacyCodes(b.String())
}

func flattenComponent(b *strings.Builder, c chatComponent) {
	b.WriteString(c.Text)
	for _, e := range c.Extra {
		flattenComponent(b, e)
	}
}

// stripLegacyCodes removes §-prefixed formatting codes from legacy MOTDs.
func stripLegacyCodes(s string) string {
	if !strings.ContainsRune(s, '§') {
		return s
	}
	var b strings.Builder
	skip := false
	for _, r := range s {
		if skip {
			skip = false
			continue
		}
		if r == '§' {
			skip = true
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// -----------------------------------------------------------------------------
// VarInt codec
// -----------------------------------------------------------------------------

// byteReader adapts an io.Reader so VarInts can be read byte by byte without
// buffering past the current packet.
type byteReader struct {
	r io.Reader
}

func (b *byteReader) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *byteReader) ReadByte() (byte, error) {
	var one [1]byte
	if _, err := io.ReadFull(b.r, one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}

// writeVarInt appends v in the protocol's little-endian base-128 encoding.
// Negative values use their two's-complement form and always take 5 bytes.
func writeVarInt(buf *bytes.Buffer, v int32) {
	u := uint32(v)
	for {
		b := byte(u & 0x7f)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if u == 0 {
			return
		}
	}
}

// readVarInt decodes one VarInt (at most 5 bytes).
func readVarInt(r io.ByteReader) (int32, error) {
	var u uint32
	for i := 0; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		u |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(u), nil
		}
	}
	return 0, errors.New("varint longer than 5 bytes")
}
