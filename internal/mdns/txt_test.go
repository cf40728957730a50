package mdns

import (
	"bytes"
	"testing"
)

// TestTxtRoundTrip verifies decode(encode(L)) preserves the attribute list
// as a multimap, including binary values and value-less keys.
func TestTxtRoundTrip(t *testing.T) {
	entries := []TxtEntry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte{0x00, 0xff, 0x3d}},
		{Key: "flag", NoValue: true},
		{Key: "empty", Value: []byte{}},
		{Key: "a", Value: []byte("2")},
	}

	data, err := EncodeTxtData(entries)
	if err != nil {
		t.Fatalf("EncodeTxtData: %v", err)
	}

	decoded, err := DecodeTxtData(data)
	if err != nil {
		t.Fatalf("DecodeTxtData: %v", err)
	}

	if len(decoded) != len(entries) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(entries))
	}
	for i, want := range entries {
		got := decoded[i]
		if got.Key != want.Key || got.NoValue != want.NoValue {
			t.Errorf("entry %d = %+v, want %+v", i, got, want)
		}
		if !got.NoValue && !bytes.Equal(got.Value, want.Value) {
			t.Errorf("entry %d value = %v, want %v", i, got.Value, want.Value)
		}
	}
}

// TestDecodeTxtDataRejectsOverrun verifies a length byte pointing past the
// data is a parse error.
func TestDecodeTxtDataRejectsOverrun(t *testing.T) {
	if _, err := DecodeTxtData(TxtData{0x05, 'a', '='}); err == nil {
		t.Error("DecodeTxtData accepted truncated entry")
	}
}

// TestEncodeTxtDataRejectsEmptyKey verifies validation of the key.
func TestEncodeTxtDataRejectsEmptyKey(t *testing.T) {
	if _, err := EncodeTxtData([]TxtEntry{{Key: ""}}); err == nil {
		t.Error("EncodeTxtData accepted an empty key")
	}
}

// TestTxtDataToStrings verifies the character-string split used for DNS
// packing, including the empty-record case.
func TestTxtDataToStrings(t *testing.T) {
	strs := txtDataToStrings(nil)
	if len(strs) != 1 || strs[0] != "" {
		t.Errorf("empty TXT = %q, want one empty string", strs)
	}

	data, _ := EncodeTxtData([]TxtEntry{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}})
	strs = txtDataToStrings(data)
	if len(strs) != 2 || strs[0] != "a=1" || strs[1] != "b=2" {
		t.Errorf("txtDataToStrings = %q, want [a=1 b=2]", strs)
	}

	if !bytes.Equal(txtStringsToData(strs), data) {
		t.Error("txtStringsToData did not invert txtDataToStrings")
	}
}
