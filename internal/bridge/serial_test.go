package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSerialBridge() (*SerialBridge[*TestableSerialPort], *TestableSerialPort) {
	port := NewTestableSerialPort()
	return NewSerialBridge(port, nil), port
}

func TestSerialBridgeReadWrite(t *testing.T) {
	b, port := newTestSerialBridge()
	port.AddReply("00a1", "OK")

	v, err := b.ReadRegister(0x9400)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x00a1), v)

	require.NoError(t, b.WriteRegister(0x9401, 1))
	assert.Equal(t, []string{"R 9400", "W 9401 0001"}, port.Commands())
}

func TestSerialBridgeBursts(t *testing.T) {
	b, port := newTestSerialBridge()
	b.maxBurst = 2
	port.AddReply("OK", "OK", "0001 0002 ffff")

	require.NoError(t, b.WriteBurst(0x9100, []uint16{1, 2, 3}))
	values, err := b.ReadBurst(0x9100, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 0xffff}, values)
	assert.Equal(t, []string{
		"WB 9100 0001 0002",
		"WB 9102 0003",
		"RB 9100 3",
	}, port.Commands())
}

func TestSerialBridgeReset(t *testing.T) {
	b, port := newTestSerialBridge()
	port.AddReply("OK", "OK")
	require.NoError(t, b.Reset(true))
	require.NoError(t, b.Reset(false))
	assert.Equal(t, []string{"RST 1", "RST 0"}, port.Commands())
}

func TestSerialBridgeErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*TestableSerialPort)
		op    func(*SerialBridge[*TestableSerialPort]) error
	}{
		{
			name:  "bridge error reply",
			setup: func(p *TestableSerialPort) { p.AddReply("ERR nack") },
			op:    func(b *SerialBridge[*TestableSerialPort]) error { return b.WriteRegister(1, 2) },
		},
		{
			name:  "unexpected reply",
			setup: func(p *TestableSerialPort) { p.AddReply("0001") },
			op:    func(b *SerialBridge[*TestableSerialPort]) error { return b.WriteRegister(1, 2) },
		},
		{
			name:  "bad value",
			setup: func(p *TestableSerialPort) { p.AddReply("zz") },
			op: func(b *SerialBridge[*TestableSerialPort]) error {
				_, err := b.ReadRegister(1)
				return err
			},
		},
		{
			name:  "short burst reply",
			setup: func(p *TestableSerialPort) { p.AddReply("0001") },
			op: func(b *SerialBridge[*TestableSerialPort]) error {
				_, err := b.ReadBurst(1, 2)
				return err
			},
		},
		{
			name:  "no reply",
			setup: func(p *TestableSerialPort) {},
			op: func(b *SerialBridge[*TestableSerialPort]) error {
				_, err := b.ReadRegister(1)
				return err
			},
		},
		{
			name:  "write error",
			setup: func(p *TestableSerialPort) { p.WriteError = errors.New("unplugged") },
			op:    func(b *SerialBridge[*TestableSerialPort]) error { return b.Reset(true) },
		},
		{
			name:  "short write",
			setup: func(p *TestableSerialPort) { p.ShortWrite = true },
			op:    func(b *SerialBridge[*TestableSerialPort]) error { return b.WriteRegister(1, 2) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, port := newTestSerialBridge()
			tt.setup(port)
			err := tt.op(b)
			if !errors.Is(err, ErrTransport) {
				t.Fatalf("err = %v, want ErrTransport", err)
			}
		})
	}
}

func TestSerialBridgeShortWrite(t *testing.T) {
	b, port := newTestSerialBridge()
	port.ShortWrite = true
	err := b.WriteRegister(1, 2)
	assert.ErrorIs(t, err, ErrWriteFailed)
}

func TestSerialBridgeClose(t *testing.T) {
	b, port := newTestSerialBridge()
	require.NoError(t, b.Close())
	assert.True(t, port.Closed)
}
