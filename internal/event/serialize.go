package event

import "strconv"

const hexDigits = "0123456789abcdef"

// appendString writes s as a JSON string the way NIP-01 hashes it: quote,
// backslash and control characters are escaped, every other byte is copied
// as is. U+2028, U+2029 and invalid UTF-8 therefore survive unchanged.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c >= 0x20:
			dst = append(dst, c)
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c == '\b':
			dst = append(dst, '\\', 'b')
		case c == '\f':
			dst = append(dst, '\\', 'f')
		default:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		}
	}
	return append(dst, '"')
}

func appendTags(dst []byte, tags [][]string) []byte {
	dst = append(dst, '[')
	for i, tag := range tags {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '[')
		for j, v := range tag {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = appendString(dst, v)
		}
		dst = append(dst, ']')
	}
	return append(dst, ']')
}

// serialize returns the [0,pubkey,created_at,kind,tags,content] array that
// the event ID commits to.
func serialize(e Event) []byte {
	dst := make([]byte, 0, 64+len(e.PubKey)+len(e.Content))
	dst = append(dst, "[0,"...)
	dst = appendString(dst, e.PubKey)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, e.CreatedAt, 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(e.Kind), 10)
	dst = append(dst, ',')
	dst = appendTags(dst, e.Tags)
	dst = append(dst, ',')
	dst = appendString(dst, e.Content)
	return append(dst, ']')
}

// appendWire writes the relay wire object with the same string escaping as
// serialize, so a relay recomputing the ID sees the bytes that were hashed.
func appendWire(dst []byte, e Event) []byte {
	dst = append(dst, `{"id":`...)
	dst = appendString(dst, e.ID)
	dst = append(dst, `,"pubkey":`...)
	dst = appendString(dst, e.PubKey)
	dst = append(dst, `,"created_at":`...)
	dst = strconv.AppendInt(dst, e.CreatedAt, 10)
	dst = append(dst, `,"kind":`...)
	dst = strconv.AppendInt(dst, int64(e.Kind), 10)
	dst = append(dst, `,"tags":`...)
	dst = appendTags(dst, e.Tags)
	dst = append(dst, `,"content":`...)
	dst = appendString(dst, e.Content)
	dst = append(dst, `,"sig":`...)
	dst = appendString(dst, e.Sig)
	return append(dst, '}')
}
