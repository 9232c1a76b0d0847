package btrfs

import "github.com/pkg/errors"

// lzo1x decoder states, mirroring the control-flow labels of the classic
// Oberhumer LZO1X decompressor (first_literal_run / match / match_done).
const (
	lzoStateLiteral = iota
	lzoStateFirstLiteralRun
	lzoStateMatch
	lzoStateMatchDone
)

// lzo1xDecompress decompresses one LZO1X-compressed segment (the classic
// Oberhumer LZO1X byte stream, as produced by liblzo2's lzo1x_1_compress
// and consumed by lzo1x_decompress_safe) into a buffer of exactly wantLen
// bytes. This is a from-scratch port of the public LZO1X decompression
// algorithm expressed as an explicit state machine (rather than the
// reference implementation's goto-heavy control flow, which Go's stricter
// scoping rules don't allow jumping into); no Go library in the retrieved
// example pack, or found elsewhere, implements this format.
func lzo1xDecompress(src []byte, wantLen int) ([]byte, error) {
	out := make([]byte, 0, wantLen)
	ip := 0

	readByte := func() (int, error) {
		if ip >= len(src) {
			return 0, errors.Errorf("lzo1x: input overrun")
		}
		b := src[ip]
		ip++
		return int(b), nil
	}

	// readExtraLength consumes the zero-run-length extension used whenever
	// a 4-bit or 5-bit length nibble saturates: a run of 0x00 bytes adds
	// 255 each, terminated by a non-zero byte added to base.
	readExtraLength := func(base int) (int, error) {
		for {
			b, err := readByte()
			if err != nil {
				return 0, err
			}
			if b != 0 {
				return base + b, nil
			}
			base += 255
		}
	}

	copyLiteral := func(n int) error {
		if n < 0 || ip+n > len(src) {
			return errors.Errorf("lzo1x: literal run of %d overruns input", n)
		}
		out = append(out, src[ip:ip+n]...)
		ip += n
		return nil
	}

	copyMatch := func(dist, length int) error {
		if dist <= 0 || length < 0 {
			return errors.Errorf("lzo1x: invalid match dist=%d length=%d", dist, length)
		}
		start := len(out) - dist
		if start < 0 {
			return errors.Errorf("lzo1x: match distance %d exceeds output length %d", dist, len(out))
		}
		for i := 0; i < length; i++ {
			out = append(out, out[start+i])
		}
		return nil
	}

	var t int
	state := lzoStateLiteral

	firstByte, err := readByte()
	if err != nil {
		return nil, err
	}
	if firstByte > 17 {
		if err := copyLiteral(firstByte - 17); err != nil {
			return nil, err
		}
		state = lzoStateFirstLiteralRun
	} else {
		ip--
	}

	for {
		switch state {

		case lzoStateLiteral:
			v, err := readByte()
			if err != nil {
				return nil, err
			}
			t = v
			if t >= 16 {
				state = lzoStateMatch
				continue
			}
			if t == 0 {
				t, err = readExtraLength(15)
				if err != nil {
					return nil, err
				}
			}
			if err := copyLiteral(t + 3); err != nil {
				return nil, err
			}
			state = lzoStateFirstLiteralRun

		case lzoStateFirstLiteralRun:
			v, err := readByte()
			if err != nil {
				return nil, err
			}
			t = v
			if t >= 16 {
				state = lzoStateMatch
				continue
			}
			b, err := readByte()
			if err != nil {
				return nil, err
			}
			dist := 1 + 0x0800 + (t >> 2) + (b << 2)
			if err := copyMatch(dist, 3); err != nil {
				return nil, err
			}
			state = lzoStateMatchDone

		case lzoStateMatch:
			var dist, length int
			switch {
			case t >= 64:
				b, err := readByte()
				if err != nil {
					return nil, err
				}
				dist = 1 + ((t >> 2) & 7) + (b << 3)
				length = (t >> 5) - 1 + 2

			case t >= 32:
				t &= 31
				if t == 0 {
					t, err = readExtraLength(31)
					if err != nil {
						return nil, err
					}
				}
				lo, err := readByte()
				if err != nil {
					return nil, err
				}
				hi, err := readByte()
				if err != nil {
					return nil, err
				}
				dist = 1 + (((hi << 8) | lo) >> 2)
				length = t + 2

			case t >= 16:
				negFlag := (t & 8) != 0
				t &= 7
				if t == 0 {
					t, err = readExtraLength(7)
					if err != nil {
						return nil, err
					}
				}
				lo, err := readByte()
				if err != nil {
					return nil, err
				}
				hi, err := readByte()
				if err != nil {
					return nil, err
				}
				d := (hi << 8) | lo
				if negFlag {
					d -= 0x4000 << 2
				}
				d >>= 2
				if d == 0 {
					if len(out) != wantLen {
						return nil, errors.Errorf("lzo1x: eof marker at output length %d, want %d", len(out), wantLen)
					}
					return out, nil
				}
				dist = d + 1
				length = t + 2

			default:
				b, err := readByte()
				if err != nil {
					return nil, err
				}
				dist = 1 + (t >> 2) + (b << 2)
				if err := copyMatch(dist, 2); err != nil {
					return nil, err
				}
				state = lzoStateMatchDone
				continue
			}
			if err := copyMatch(dist, length); err != nil {
				return nil, err
			}
			state = lzoStateMatchDone

		case lzoStateMatchDone:
			if ip == 0 || ip > len(src) {
				return nil, errors.Errorf("lzo1x: malformed stream")
			}
			trailing := int(src[ip-1]) & 3
			if trailing == 0 {
				if len(out) >= wantLen {
					return out, nil
				}
				state = lzoStateLiteral
				continue
			}
			if err := copyLiteral(trailing); err != nil {
				return nil, err
			}
			state = lzoStateFirstLiteralRun
		}
	}
}
