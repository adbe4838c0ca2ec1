// Package wire implements the board's binary protocol: 31-byte paint
// operations packed into outbound frames, and inbound frames carrying any
// mix of pings, paint results, and pixel broadcasts.
package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mural"
)

// Opcodes. Client to server: OpPaint, OpPong. Server to client: OpPing,
// OpResult, OpPixel.
const (
	OpPixel  = 0xfa
	OpPong   = 0xfb
	OpPing   = 0xfc
	OpPaint  = 0xfe
	OpResult = 0xff
)

// Paint result status bytes.
const (
	StatusAccepted = 0xef
	StatusCooldown = 0xee
	StatusAuth     = 0xed
	StatusBounds   = 0xec
)

// PaintOpSize is the encoded size of one paint operation:
// opcode + x u16 + y u16 + rgb + uid u24 + token 16 bytes + id u32.
const PaintOpSize = 31

// PaintOp is one paint operation ready for the wire.
type PaintOp struct {
	At    mural.Point
	Color mural.Color
	UID   uint32
	Token uuid.UUID
	ID    uint32
}

// AppendTo appends the encoded operation to buf.
func (op PaintOp) AppendTo(buf []byte) []byte {
	var b [PaintOpSize]byte
	b[0] = OpPaint
	binary.LittleEndian.PutUint16(b[1:3], uint16(op.At.X))
	binary.LittleEndian.PutUint16(b[3:5], uint16(op.At.Y))
	b[5] = op.Color.R
	b[6] = op.Color.G
	b[7] = op.Color.B
	b[8] = byte(op.UID)
	b[9] = byte(op.UID >> 8)
	b[10] = byte(op.UID >> 16)
	copy(b[11:27], op.Token[:])
	binary.LittleEndian.PutUint32(b[27:31], op.ID)
	return append(buf, b[:]...)
}

// EncodeOps packs the operations into one frame.
func EncodeOps(ops []PaintOp) []byte {
	buf := make([]byte, 0, len(ops)*PaintOpSize)
	for _, op := range ops {
		buf = op.AppendTo(buf)
	}
	return buf
}

// Pong is the heartbeat answer frame.
func Pong() []byte { return []byte{OpPong} }

// ParseToken parses a credential token. Tokens arrive as canonical UUIDs
// but are tolerated without dashes.
func ParseToken(s string) (uuid.UUID, error) {
	tok, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid token: %w", err)
	}
	return tok, nil
}

// PaintResult is the server's acknowledgment of one paint operation.
type PaintResult struct {
	ID     uint32
	Status byte
}

// Handler receives the messages decoded from one inbound frame.
type Handler interface {
	HandlePing()
	HandleResult(PaintResult)
	HandlePixel(mural.PixelEvent)
}

// DecodeFrame walks an inbound frame, dispatching each message to h.
// Several logical messages may be packed into one frame. An unknown opcode
// aborts the walk: message length is opcode-dependent, so there is no way
// to resynchronize past one.
func DecodeFrame(data []byte, h Handler) error {
	off := 0
	for off < len(data) {
		opcode := data[off]
		off++
		switch opcode {
		case OpPing:
			h.HandlePing()
		case OpResult:
			if off+5 > len(data) {
				return fmt.Errorf("truncated paint result at offset %d", off-1)
			}
			h.HandleResult(PaintResult{
				ID:     binary.LittleEndian.Uint32(data[off : off+4]),
				Status: data[off+4],
			})
			off += 5
		case OpPixel:
			if off+7 > len(data) {
				return fmt.Errorf("truncated pixel broadcast at offset %d", off-1)
			}
			h.HandlePixel(mural.PixelEvent{
				At: mural.Point{
					X: int(binary.LittleEndian.Uint16(data[off : off+2])),
					Y: int(binary.LittleEndian.Uint16(data[off+2 : off+4])),
				},
				Color: mural.Color{R: data[off+4], G: data[off+5], B: data[off+6]},
			})
			off += 7
		default:
			return fmt.Errorf("unknown opcode 0x%02x at offset %d", opcode, off-1)
		}
	}
	return nil
}
