package htts

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hyung-hwan/hio-go/htrd"
)

// cgiEnvVars builds the per-request CGI/1.1 environment.
//
// The environment is built as a plain slice and handed to exec.Cmd.Env;
// process-global state (clearenv/setenv) is never touched.
func cgiEnvVars(svc *Service, t *Task, rec *htrd.Record, scriptPath, remoteAddr string, remotePort int) []string {
	env := sanitizedBaseEnv()

	contentLength := "-1"
	if rec.ContentLength >= 0 {
		contentLength = strconv.FormatInt(rec.ContentLength, 10)
	}

	query := rec.Query

	add := func(k, v string) { env = append(env, k+"="+v) }

	add("GATEWAY_INTERFACE", "CGI/1.1")
	add("SERVER_PROTOCOL", fmt.Sprintf("HTTP/%d.%d", rec.Major, rec.Minor))
	add("DOCUMENT_ROOT", svc.Docroot)
	add("SCRIPT_NAME", rec.Path)
	add("SCRIPT_FILENAME", scriptPath)
	add("REQUEST_METHOD", rec.Method)
	add("REQUEST_URI", requestURI(rec.Path, query))
	add("QUERY_STRING", query)
	add("CONTENT_LENGTH", contentLength)
	if ct, ok := rec.Headers.Get("Content-Type"); ok {
		add("CONTENT_TYPE", ct)
	}
	add("SERVER_SOFTWARE", svc.ServerName)
	add("SERVER_NAME", serverNameHost(rec))
	add("SERVER_ADDR", svc.listenAddr())
	add("SERVER_PORT", strconv.Itoa(svc.listenPort()))
	add("REMOTE_ADDR", remoteAddr)
	add("REMOTE_PORT", strconv.Itoa(remotePort))

	for _, name := range headerNames(rec) {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		values := rec.Headers.Values(name)
		add(key, strings.Join(values, ", "))
	}

	return env
}

// sanitizedBaseEnv retains PATH and LANG from the parent environment and
// clears everything else.
func sanitizedBaseEnv() []string {
	var env []string
	if v, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+v)
	}
	if v, ok := os.LookupEnv("LANG"); ok {
		env = append(env, "LANG="+v)
	}
	return env
}

func requestURI(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}

func serverNameHost(rec *htrd.Record) string {
	if h, ok := rec.Headers.Get("Host"); ok {
		if i := strings.IndexByte(h, ':'); i >= 0 {
			return h[:i]
		}
		return h
	}
	return "localhost"
}

// headerNames returns the distinct header names in rec, in first-seen
// order, so duplicate values can be comma-joined into one HTTP_*
// variable.
func headerNames(rec *htrd.Record) []string {
	seen := make(map[string]bool)
	var names []string
	for _, h := range rec.Headers.All() {
		key := strings.ToLower(h.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, h.Name)
	}
	return names
}
