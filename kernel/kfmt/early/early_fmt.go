// Package early provides a minimal Printf implementation for use by code
// that runs before (or outside of) any conduit/scheduler machinery, such as
// the panic handler. On bare metal this would write directly to the
// boot-time VGA terminal and avoid all allocations since a general-purpose
// allocator is not yet safe to call; Continuum runs hosted, so this version
// keeps the same verb-by-verb formatting loop but flushes through
// github.com/golang/glog, which is how the rest of the kernel logs.
package early

import (
	"bytes"

	"github.com/golang/glog"
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	padding         = byte(' ')
	trueValue       = []byte("true")
	falseValue      = []byte("false")
)

// Printf formats according to a format specifier and writes the result via
// glog.Info. It supports the following subset of verbs:
//
// Strings:
//
//	%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//
// Booleans:
//
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. If absent, the width is whatever is necessary to represent the
// value. String values shorter than the requested width are left-padded
// with spaces; base-10 integers are left-padded with spaces and base-16
// integers are left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	var buf bytes.Buffer

	var (
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			buf.WriteString(format[blockStart:blockEnd])
		}

		// Scan til we hit the format character
		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				buf.WriteByte('%')
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				// Run out of args to print
				if nextArgIndex >= len(args) {
					buf.Write(errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(&buf, args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(&buf, args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(&buf, args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(&buf, args[nextArgIndex], padLen)
				case 't':
					fmtBool(&buf, args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			}

			// reached end of formatting string without finding a verb
			buf.Write(errNoVerb)
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart != blockEnd {
		buf.WriteString(format[blockStart:blockEnd])
	}

	// Check for unused args
	for ; nextArgIndex < len(args); nextArgIndex++ {
		buf.Write(errExtraArg)
	}

	glog.Info(buf.String())
}

// fmtBool appends a formatted version of boolean value v to buf.
func fmtBool(buf *bytes.Buffer, v interface{}) {
	switch bVal := v.(type) {
	case bool:
		switch bVal {
		case true:
			buf.Write(trueValue)
		case false:
			buf.Write(falseValue)
		}
	default:
		buf.Write(errWrongArgType)
	}
}

// fmtString appends a formatted version of string or []byte value v to buf,
// applying the padding specified by padLen.
func fmtString(buf *bytes.Buffer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(buf, padding, padLen-len(castedVal))
		buf.WriteString(castedVal)
	case []byte:
		fmtRepeat(buf, padding, padLen-len(castedVal))
		buf.Write(castedVal)
	default:
		buf.Write(errWrongArgType)
	}
}

// fmtRepeat appends count copies of ch to buf.
func fmtRepeat(buf *bytes.Buffer, ch byte, count int) {
	for i := 0; i < count; i++ {
		buf.WriteByte(ch)
	}
}

// fmtInt appends a formatted version of v in the requested base to buf,
// applying the padding specified by padLen. It supports all built-in signed
// and unsigned integer types and base 8, 10 and 16 output.
func fmtInt(buf *bytes.Buffer, v interface{}, base, padLen int) {
	var (
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		out              [20]byte
		padCh            byte
		left, right, end int
	)

	switch base {
	case 8:
		divider = 8
		padCh = '0'
	case 10:
		divider = 10
		padCh = ' '
	case 16:
		divider = 16
		padCh = '0'
	}

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uintptr:
		uval = uint64(val)
	case int8:
		sval = int64(val)
	case int16:
		sval = int64(val)
	case int32:
		sval = int64(val)
	case int64:
		sval = val
	case int:
		sval = int64(val)
	default:
		buf.Write(errWrongArgType)
		return
	}

	// Handle signs
	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for {
		remainder = uval % divider
		if remainder < 10 {
			out[right] = byte(remainder) + '0'
		} else {
			// map values from 10 to 15 -> a-f
			out[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	// Apply padding if required
	for ; right-left < padLen; right++ {
		out[right] = padCh
	}

	// Apply hex prefix
	if base == 16 {
		out[right] = 'x'
		out[right+1] = '0'
		right += 2
	}

	// Apply negative sign to the rightmost blank character (if using enough padding);
	// otherwise append the sign as a new char
	if sval < 0 {
		for end = right - 1; out[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}

		out[end+1] = '-'
	}

	// Reverse in place
	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		out[left], out[right] = out[right], out[left]
	}

	buf.Write(out[0:end])
}
