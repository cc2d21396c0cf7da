package terminal

const (
	bel = 0x07
	esc = 0x1b

	maxOSCLen = 4096
)

type filterState uint8

const (
	stGround filterState = iota
	stEscape
	stCharset
	stCSI
	stOSC
	stOSCEscape
)

// ControlFilter strips ANSI escape sequences from a byte stream. A sequence
// split across writes is carried in the filter state and dropped once it
// completes. Only 7-bit introducers are recognized; a lone 0x9b byte is
// part of UTF-8 text.
type ControlFilter struct {
	state  filterState
	oscLen int
}

// NewControlFilter returns a filter in the ground state.
func NewControlFilter() *ControlFilter { return &ControlFilter{} }

// Pending reports whether the filter is inside an unfinished sequence.
func (f *ControlFilter) Pending() bool { return f.state != stGround }

// Write filters p in place and returns the visible bytes.
func (f *ControlFilter) Write(p []byte) []byte {
	out := p[:0]
	for _, b := range p {
		out = f.step(out, b)
	}
	return out
}

func (f *ControlFilter) step(out []byte, b byte) []byte {
	switch f.state {
	case stGround:
		if b == esc {
			f.state = stEscape
			return out
		}
		return append(out, b)

	case stEscape:
		switch {
		case b == '[':
			f.state = stCSI
		case b == ']':
			f.state, f.oscLen = stOSC, 0
		case b == '(' || b == ')' || b == '#':
			f.state = stCharset
		case b == esc:
			// ESC ESC restarts the sequence
		case b >= 0x30 && b <= 0x7e:
			f.state = stGround
		default:
			f.state = stGround
			return append(out, b)
		}
		return out

	case stCharset:
		f.state = stGround
		return out

	case stCSI:
		switch {
		case b >= 0x20 && b <= 0x3f:
			// parameters and intermediates
		case b >= 0x40 && b <= 0x7e, b == bel:
			f.state = stGround
		case b == esc:
			f.state = stEscape
		default:
			f.state = stGround
			return append(out, b)
		}
		return out

	case stOSC:
		switch b {
		case bel:
			f.state = stGround
		case esc:
			f.state = stOSCEscape
		default:
			f.oscLen++
			if f.oscLen > maxOSCLen {
				f.state = stGround
			}
		}
		return out

	case stOSCEscape:
		if b == '\\' {
			f.state = stGround
			return out
		}
		f.state = stEscape
		return f.step(out, b)
	}
	return out
}
