package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	formatText = "text"
	formatJSON = "json"

	timeFormat = "2006-01-02T15:04:05.000000Z07:00"
)

type formatFunc func(r *record) ([]byte, error)

func formatter(name string) formatFunc {
	if name == formatJSON {
		return formatRecordJSON
	}

	return formatRecordText
}

func (r *record) latencyString() string {
	if r.Latency <= 0 {
		return unknown
	}

	return strconv.FormatFloat(r.Latency.Seconds(), 'f', 6, 64)
}

// formatRecordText renders a record as one line:
// timestamp identity message rcode source-ip source-port family protocol length qname qtype latency
func formatRecordText(r *record) ([]byte, error) {
	port := unknown
	if r.SourcePort > 0 {
		port = strconv.Itoa(r.SourcePort)
	}

	return []byte(fmt.Sprintf("%s %s %s %s %s %s %s %s %db %s %s %s",
		r.Timestamp.UTC().Format(timeFormat),
		r.Identity,
		r.Message,
		r.ResponseCode,
		r.SourceIP,
		port,
		r.Family,
		r.Protocol,
		r.Length,
		r.QueryName,
		r.QueryType,
		r.latencyString(),
	)), nil
}

type jsonRecord struct {
	*record
	Timestamp string  `json:"timestamp"`
	Latency   float64 `json:"latency,omitempty"`
}

func formatRecordJSON(r *record) ([]byte, error) {
	return json.Marshal(&jsonRecord{
		record:    r,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Latency:   r.Latency.Seconds(),
	})
}
