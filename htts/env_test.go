package htts

import (
	"testing"

	"github.com/hyung-hwan/hio-go/htrd"
)

func TestCgiEnvVars(t *testing.T) {
	svc := &Service{
		Docroot:    "/srv/www",
		ServerName: "hio-htts/1.0",
		binds:      []Bind{{Addr: "0.0.0.0:8080"}},
	}

	var rec htrd.Record
	rec.Method = "GET"
	rec.Path = "/a/b.cgi"
	rec.Query = "x=1&y=2"
	rec.Major, rec.Minor = 1, 1
	rec.ContentLength = -1
	rec.Headers.Add("Host", "example.com:8080")
	rec.Headers.Add("Content-Type", "text/plain")
	rec.Headers.Add("X-Custom", "one")
	rec.Headers.Add("X-Custom", "two")

	task := &Task{Method: rec.Method, Path: rec.Path}

	env := cgiEnvVars(svc, task, &rec, "/srv/www/a/b.cgi", "203.0.113.5", 54321)

	want := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"DOCUMENT_ROOT":     "/srv/www",
		"SCRIPT_NAME":       "/a/b.cgi",
		"SCRIPT_FILENAME":   "/srv/www/a/b.cgi",
		"REQUEST_METHOD":    "GET",
		"REQUEST_URI":       "/a/b.cgi?x=1&y=2",
		"QUERY_STRING":      "x=1&y=2",
		"CONTENT_LENGTH":    "-1",
		"CONTENT_TYPE":      "text/plain",
		"SERVER_SOFTWARE":   "hio-htts/1.0",
		"SERVER_NAME":       "example.com",
		"SERVER_ADDR":       "0.0.0.0",
		"SERVER_PORT":       "8080",
		"REMOTE_ADDR":       "203.0.113.5",
		"REMOTE_PORT":       "54321",
		"HTTP_X_CUSTOM":     "one, two",
	}

	got := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	for k, v := range want {
		if got[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestCgiEnvVarsContentLengthPresent(t *testing.T) {
	svc := &Service{Docroot: "/srv/www", ServerName: "hio-htts/1.0"}
	var rec htrd.Record
	rec.Method = "POST"
	rec.Path = "/x.cgi"
	rec.ContentLength = 42
	task := &Task{}

	env := cgiEnvVars(svc, task, &rec, "/srv/www/x.cgi", "127.0.0.1", 1234)
	for _, kv := range env {
		if kv == "CONTENT_LENGTH=42" {
			return
		}
	}
	t.Fatalf("expected CONTENT_LENGTH=42 in %v", env)
}

func TestSanitizedBaseEnvOnlyPathAndLang(t *testing.T) {
	env := sanitizedBaseEnv()
	for _, kv := range env {
		if len(kv) < 5 || (kv[:5] != "PATH=" && kv[:5] != "LANG=") {
			t.Errorf("unexpected var leaked into sanitized env: %q", kv)
		}
	}
}
