package logging

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	dateFormat      = "02/Jan/2006:15:04:05 -0700"
	commonLogFormat = `%s - %s [%s] "%s %s %s" %d %d`
	// format:
	// remote_host - tenant [date] "method uri protocol" status response_size duration requested_host
	accessLogFormat = commonLogFormat + " %d %s\n"
)

type accessLogFormatter struct {
	format string
}

// AccessEntry is a single access log event.
type AccessEntry struct {

	// The client request.
	Request *http.Request

	// Tenant resolved for the request, "-" when none.
	Tenant string

	// The status code of the response.
	StatusCode int

	// The size of the response in bytes.
	ResponseSize int64

	// The time spent processing the request.
	Duration time.Duration

	// The time that the request was received.
	RequestTime time.Time
}

var accessLog *logrus.Logger

// strip port from addresses with hostname, ipv4 or ipv6
func stripPort(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}

	return address
}

// The remote address of the client. When the 'X-Forwarded-For'
// header is set, then it is used instead.
func remoteAddr(r *http.Request) string {
	ff := r.Header.Get("X-Forwarded-For")
	if ff != "" {
		return ff
	}

	return r.RemoteAddr
}

func remoteHost(r *http.Request) string {
	a := remoteAddr(r)
	h := stripPort(a)
	if h != "" {
		return h
	}

	return "-"
}

func (f *accessLogFormatter) Format(e *logrus.Entry) ([]byte, error) {
	keys := []string{
		"host", "tenant", "timestamp", "method", "uri", "proto",
		"status", "response-size", "duration", "requested-host"}

	values := make([]interface{}, len(keys))
	for i, key := range keys {
		values[i] = e.Data[key]
	}

	return []byte(fmt.Sprintf(f.format, values...)), nil
}

// LogAccess logs an access event in Apache common log format, extended
// with the resolved tenant, the duration in ms and the requested host.
func LogAccess(entry *AccessEntry) {
	if accessLog == nil || entry == nil {
		return
	}

	ts := entry.RequestTime.Format(dateFormat)

	host := "-"
	method := ""
	uri := ""
	proto := ""
	requestedHost := ""

	tenant := entry.Tenant
	if tenant == "" {
		tenant = "-"
	}

	status := entry.StatusCode
	responseSize := entry.ResponseSize
	duration := int64(entry.Duration / time.Millisecond)

	if entry.Request != nil {
		host = remoteHost(entry.Request)
		method = entry.Request.Method
		uri = entry.Request.RequestURI
		proto = entry.Request.Proto
		requestedHost = entry.Request.Host
	}

	accessLog.WithFields(logrus.Fields{
		"timestamp":      ts,
		"host":           host,
		"tenant":         tenant,
		"method":         method,
		"uri":            uri,
		"proto":          proto,
		"status":         status,
		"response-size":  responseSize,
		"duration":       duration,
		"requested-host": requestedHost,
	}).Infoln()
}
