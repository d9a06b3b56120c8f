package digest

import (
	"bytes"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	valid := Of([]byte("hello"))

	tests := []struct {
		name    string
		raw     string
		want    Digest
		wantErr bool
	}{
		{name: "canonical", raw: string(valid), want: valid},
		{name: "bare hex", raw: valid.Hex(), want: valid},
		{name: "upper case", raw: strings.ToUpper(string(valid)), want: valid},
		{name: "empty", raw: "", wantErr: true},
		{name: "short", raw: "sha256:abcd", wantErr: true},
		{name: "other algorithm", raw: "md5:" + valid.Hex(), wantErr: true},
		{name: "not hex", raw: "sha256:" + strings.Repeat("zz", 32), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Parse(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestKnownValue(t *testing.T) {
	const want = "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := Of([]byte("hello")); got != want {
		t.Fatalf("Of(hello) = %s", got)
	}
	if Of([]byte("hello")).Short() != "2cf24dba5fb0" {
		t.Fatalf("unexpected short form %s", Of([]byte("hello")).Short())
	}
}

func TestVerifier(t *testing.T) {
	payload := []byte("closure member payload")
	v := NewVerifier(Of(payload))
	_, _ = v.Write(payload[:5])
	_, _ = v.Write(payload[5:])
	if !v.Verified() {
		t.Fatal("expected verifier to accept matching payload")
	}
	if v.Written() != int64(len(payload)) {
		t.Fatalf("Written() = %d", v.Written())
	}

	bad := NewVerifier(Of(payload))
	_, _ = bad.Write([]byte("tampered"))
	if bad.Verified() {
		t.Fatal("expected verifier to reject tampered payload")
	}
}

func TestFromReader(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 4096)
	d, n, err := FromReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	if n != 4096 || d != Of(payload) || !d.Verify(payload) {
		t.Fatalf("FromReader = %s/%d", d, n)
	}
}
