package security_test

import (
	"strings"
	"testing"

	"github.com/g960059/posrelay/internal/security"
)

func TestRedactCredentials(t *testing.T) {
	in := `token=abc123 device_token="quoted-token" password:supersecret Authorization: Basic dXNlcjpwYXNz {"refresh_token":"jsonsecret","api_key":"jsonkey","cvv":"123"}`
	out := security.Redact(in)
	for _, leak := range []string{"abc123", "quoted-token", "supersecret", "dXNlcjpwYXNz", "jsonsecret", "jsonkey", `"123"`} {
		if strings.Contains(out, leak) {
			t.Fatalf("secret %q leaked after redaction: %q", leak, out)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %q", out)
	}
}

func TestRedactBearerAndDeviceHeader(t *testing.T) {
	out := security.Redact("X-Device-Token: s3cr3t\nrejected: bearer eyJhbGciOi.payload.sig")
	if strings.Contains(out, "s3cr3t") || strings.Contains(out, "eyJhbGciOi") {
		t.Fatalf("credential leaked: %q", out)
	}
}

func TestRedactMasksCardNumbers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "declined card 4111111111111111", want: "declined card ************1111"},
		{name: "grouped", in: "pan 4111-1111-1111-1111 rejected", want: "pan ************1111 rejected"},
		{name: "not luhn", in: "order 1234567890123 failed", want: "order 1234567890123 failed"},
		{name: "short", in: "check 123456 closed", want: "check 123456 closed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := security.Redact(tc.in); got != tc.want {
				t.Fatalf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRedactForStorageCapsLength(t *testing.T) {
	out := security.RedactForStorage("  "+strings.Repeat("x", 50)+"  ", 10)
	if out != strings.Repeat("x", 10)+"…" {
		t.Fatalf("unexpected capped output: %q", out)
	}
	if got := security.RedactForStorage("E_INVALID_PAYLOAD: bad item", 0); got != "E_INVALID_PAYLOAD: bad item" {
		t.Fatalf("plain error changed: %q", got)
	}
}
