package types

import (
	"encoding/json"
	"testing"
)

func TestOneOrMany(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`"store-1"`, []string{"store-1"}},
		{`["store-1","store-2"]`, []string{"store-1", "store-2"}},
		{` [ ] `, []string{}},
		{`null`, nil},
	}
	for _, tt := range tests {
		var got OneOrMany[string]
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: got %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestVersion(t *testing.T) {
	var body struct {
		Expected *Version `json:"expected_version"`
	}
	for _, in := range []string{`{"expected_version":7}`, `{"expected_version":"7"}`} {
		body.Expected = nil
		if err := json.Unmarshal([]byte(in), &body); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if p := body.Expected.Ptr(); p == nil || *p != 7 {
			t.Errorf("%s: got %v", in, p)
		}
	}

	body.Expected = nil
	if err := json.Unmarshal([]byte(`{}`), &body); err != nil {
		t.Fatal(err)
	}
	if body.Expected.Ptr() != nil {
		t.Error("missing version should stay nil")
	}

	if err := json.Unmarshal([]byte(`{"expected_version":"-1"}`), &body); err == nil {
		t.Error("negative version should be rejected")
	}

	out, err := json.Marshal(Version(12))
	if err != nil || string(out) != `"12"` {
		t.Errorf("marshal = %s, %v", out, err)
	}
}

func TestCustomErrors(t *testing.T) {
	f := Forbidden("menusync.authorization.admin", "session for %s rejected", "alex")
	if f.Code != 403 || f.Retryable || f.Message != "session for alex rejected" {
		t.Errorf("unexpected forbidden error: %+v", f)
	}
	if got := f.Error(); got != "menusync.authorization.admin (403): session for alex rejected" {
		t.Errorf("unexpected message %q", got)
	}

	u := Unavailable("menusync.authorization.user", "authorizer down")
	if u.Code != 503 || !u.Retryable {
		t.Errorf("unexpected unavailable error: %+v", u)
	}
	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"code":503,"message":"authorizer down","type":"menusync.authorization.user","retryable":true}` {
		t.Errorf("unexpected json %s", data)
	}
}
