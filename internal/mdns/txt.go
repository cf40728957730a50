package mdns

import (
	"bytes"

	"github.com/openthread/otbr-agent/internal/otbr"
)

// maxTxtEntryLength bounds one length-prefixed TXT entry per RFC 6763 §6.1.
const maxTxtEntryLength = 255

// EncodeTxtData encodes a TXT attribute list into RFC 6763 §6 wire data:
// each entry is a length byte followed by "key", "key=" or "key=value".
// Values may be binary.
func EncodeTxtData(entries []TxtEntry) (TxtData, error) {
	var buf bytes.Buffer

	for _, entry := range entries {
		if entry.Key == "" {
			return nil, otbr.Errorf(otbr.KindInvalidArgs, "TXT entry has empty key")
		}
		length := len(entry.Key)
		if !entry.NoValue {
			length += 1 + len(entry.Value)
		}
		if length > maxTxtEntryLength {
			return nil, otbr.Errorf(otbr.KindInvalidArgs, "TXT entry %q exceeds 255 bytes", entry.Key)
		}

		buf.WriteByte(byte(length))
		buf.WriteString(entry.Key)
		if !entry.NoValue {
			buf.WriteByte('=')
			buf.Write(entry.Value)
		}
	}

	return buf.Bytes(), nil
}

// DecodeTxtData decodes RFC 6763 §6 wire data into an attribute list.
// Entries without '=' decode with NoValue set; zero-length entries are
// skipped (a single zero byte is the encoding of an empty TXT record).
func DecodeTxtData(data TxtData) ([]TxtEntry, error) {
	var entries []TxtEntry

	for offset := 0; offset < len(data); {
		length := int(data[offset])
		offset++
		if offset+length > len(data) {
			return nil, otbr.Errorf(otbr.KindParse, "TXT entry at offset %d overruns data", offset-1)
		}
		chunk := data[offset : offset+length]
		offset += length

		if length == 0 {
			continue
		}

		if i := bytes.IndexByte(chunk, '='); i >= 0 {
			value := make([]byte, length-i-1)
			copy(value, chunk[i+1:])
			entries = append(entries, TxtEntry{Key: string(chunk[:i]), Value: value})
		} else {
			entries = append(entries, TxtEntry{Key: string(chunk), NoValue: true})
		}
	}

	return entries, nil
}

// txtDataToStrings splits TXT wire data into its length-prefixed chunks,
// each returned verbatim as one character-string for DNS packing.
func txtDataToStrings(data TxtData) []string {
	var out []string
	for offset := 0; offset < len(data); {
		length := int(data[offset])
		offset++
		if offset+length > len(data) {
			break
		}
		out = append(out, string(data[offset:offset+length]))
		offset += length
	}
	if len(out) == 0 {
		// RFC 6763 §6: a service with no attributes carries a single
		// empty character-string.
		out = []string{""}
	}
	return out
}

// txtStringsToData reassembles character-strings into TXT wire data.
func txtStringsToData(strs []string) TxtData {
	var buf bytes.Buffer
	for _, s := range strs {
		if len(s) > maxTxtEntryLength {
			continue
		}
		buf.WriteByte(byte(len(s)))
		buf.WriteString(s)
	}
	return buf.Bytes()
}
