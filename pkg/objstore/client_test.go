package objstore

import "testing"

func TestParseLocation(t *testing.T) {
	cases := []struct {
		in      string
		bucket  string
		prefix  string
		wantErr bool
	}{
		{"s3://ppdb-chunks/nightly/20260830", "ppdb-chunks", "nightly/20260830", false},
		{"s3://ppdb-chunks/nightly/", "ppdb-chunks", "nightly", false},
		{"gs://bucket/prefix", "", "", true},
		{"s3://bucket-only", "", "", true},
		{"s3:///prefix", "", "", true},
	}

	for _, tc := range cases {
		bucket, prefix, err := ParseLocation(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLocation(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLocation(%q) failed: %v", tc.in, err)
			continue
		}
		if bucket != tc.bucket || prefix != tc.prefix {
			t.Errorf("ParseLocation(%q) = (%q, %q), want (%q, %q)",
				tc.in, bucket, prefix, tc.bucket, tc.prefix)
		}
	}
}
