package compression

import (
	"bytes"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		input   string
		want    Type
		wantErr bool
	}{
		{"", TypeNone, false},
		{"none", TypeNone, false},
		{"gzip", TypeGzip, false},
		{"GZIP", TypeGzip, false},
		{" zstd ", TypeZstd, false},
		{"snappy", TypeSnappy, false},
		{"brotli", TypeNone, true},
	}

	for _, tt := range tests {
		got, err := ParseType(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %s, expected %s", tt.input, got, tt.want)
		}
	}
}

func TestContentEncoding(t *testing.T) {
	cases := map[Type]string{
		TypeNone:   "",
		TypeGzip:   "gzip",
		TypeZstd:   "zstd",
		TypeSnappy: "snappy",
	}
	for typ, want := range cases {
		if got := typ.ContentEncoding(); got != want {
			t.Errorf("%s.ContentEncoding() = %q, expected %q", typ, got, want)
		}
	}
}

func TestParseContentEncoding(t *testing.T) {
	cases := map[string]Type{
		"gzip":            TypeGzip,
		"x-gzip":          TypeGzip,
		"zstd":            TypeZstd,
		"snappy":          TypeSnappy,
		"x-snappy-framed": TypeSnappy,
		"identity":        TypeNone,
		"":                TypeNone,
	}
	for encoding, want := range cases {
		if got := ParseContentEncoding(encoding); got != want {
			t.Errorf("ParseContentEncoding(%q) = %s, expected %s", encoding, got, want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("trace data with repetition "), 100)

	for _, typ := range []Type{TypeNone, TypeGzip, TypeZstd, TypeSnappy} {
		t.Run(string(typ), func(t *testing.T) {
			compressed, err := Compress(payload, Config{Type: typ})
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if typ != TypeNone && len(compressed) >= len(payload) {
				t.Errorf("compression did not reduce size: %d >= %d", len(compressed), len(payload))
			}

			decompressed, err := Decompress(compressed, typ)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if !bytes.Equal(decompressed, payload) {
				t.Error("round trip did not preserve payload")
			}
		})
	}
}

func TestCompressGzipLevel(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 1000)
	fast, err := Compress(payload, Config{Type: TypeGzip, Level: 1})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decompress(fast, TypeGzip)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("level-1 gzip round trip did not preserve payload")
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress([]byte("x"), Config{Type: Type("lz4")}); err == nil {
		t.Error("Compress with unsupported type did not fail")
	}
	if _, err := Decompress([]byte("x"), Type("lz4")); err == nil {
		t.Error("Decompress with unsupported type did not fail")
	}
}
