package mcping

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, 127, 128, 255, 25565, 2097151, 2147483647, -1, statusProtocol} {
		var buf bytes.Buffer
		writeVarInt(&buf, v)
		got, err := readVarInt(&buf)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
	}
}

func TestVarIntNegativeEncoding(t *testing.T) {
	// Negative values are two's complement and always occupy 5 bytes.
	var buf bytes.Buffer
	writeVarInt(&buf, -1)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}, buf.Bytes())
}

func TestVarIntRejectsOverlong(t *testing.T) {
	_, err := readVarInt(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	assert.Error(t, err)
}

func TestDecodeDescriptionForms(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"A Minecraft Server"`, "A Minecraft Server"},
		{"chat object", `{"text":"Hello"}`, "Hello"},
		{"chat object with extra", `{"text":"Hello ","extra":[{"text":"World"},{"text":"!"}]}`, "Hello World!"},
		{"legacy color codes", `"§aGreen§r server"`, "Green server"},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeDescription(json.RawMessage(tt.raw)))
		})
	}
}

func TestDecodeStatus(t *testing.T) {
	raw := []byte(`{"version":{"name":"1.20.4","protocol":765},"players":{"online":3,"max":20},"description":"craft"}`)
	st, err := decodeStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, "craft", st.Description)
	assert.Equal(t, 3, st.Online)
	assert.Equal(t, 20, st.Max)
	assert.Equal(t, "1.20.4", st.Version)
}

func TestDecodeStatusBadJSON(t *testing.T) {
	_, err := decodeStatus([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformed)
}

// fakeServer speaks just enough of the status flow to answer one ping.
func fakeServer(t *testing.T, statusJSON string) (addr string, done <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan error, 1)
	go func() {
		ch <- func() error {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			br := &byteReader{r: conn}

			// Handshake packet.
			if _, err := readVarInt(br); err != nil {
				return fmt.Errorf("handshake length: %w", err)
			}
			if id, err := readVarInt(br); err != nil || id != 0x00 {
				return fmt.Errorf("handshake id %d: %v", id, err)
			}
			proto, err := readVarInt(br)
			if err != nil {
				return fmt.Errorf("protocol: %w", err)
			}
			if proto != statusProtocol {
				return fmt.Errorf("protocol = %d, want %d", proto, statusProtocol)
			}
			hostLen, err := readVarInt(br)
			if err != nil {
				return fmt.Errorf("host length: %w", err)
			}
			host := make([]byte, hostLen)
			if _, err := io.ReadFull(br, host); err != nil {
				return fmt.Errorf("host: %w", err)
			}
			var port uint16
			if err := binary.Read(br, binary.BigEndian, &port); err != nil {
				return fmt.Errorf("port: %w", err)
			}
			if next, err := readVarInt(br); err != nil || next != 1 {
				return fmt.Errorf("next state %d: %v", next, err)
			}

			// Status request packet.
			if _, err := readVarInt(br); err != nil {
				return fmt.Errorf("request length: %w", err)
			}
			if id, err := readVarInt(br); err != nil || id != 0x00 {
				return fmt.Errorf("request id %d: %v", id, err)
			}

			// Status response.
			var payload bytes.Buffer
			writeVarInt(&payload, 0x00)
			writeVarInt(&payload, int32(len(statusJSON)))
			payload.WriteString(statusJSON)
			return writePacket(conn, payload.Bytes())
		}()
	}()
	return ln.Addr().String(), ch
}

func TestPing(t *testing.T) {
	addr, done := fakeServer(t, `{"version":{"name":"Paper 1.20.4"},"players":{"online":7,"max":100},"description":{"text":"Sky","extra":[{"text":"Block"}]}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := Ping(ctx, addr)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, "SkyBlock", st.Description)
	assert.Equal(t, 7, st.Online)
	assert.Equal(t, 100, st.Max)
	assert.Equal(t, "Paper 1.20.4", st.Version)
}

func TestPingRefusesGarbage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Ping(ctx, ln.Addr().String())
	assert.Error(t, err)
}

func TestPingBadAddress(t *testing.T) {
	ctx := context.Background()
	_, err := Ping(ctx, "no-port-here")
	assert.Error(t, err)
	_, err = Ping(ctx, "host:notaport")
	assert.Error(t, err)
}
