package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	dumpMu      sync.Mutex
	dumpLog     *log.Logger
	dumpPayload bool
)

// SetOracleWriter installs the sink for oracle request/response dumps.
// A nil writer disables dumping.
func SetOracleWriter(w io.Writer) {
	dumpMu.Lock()
	defer dumpMu.Unlock()
	if w == nil {
		dumpLog = nil
		return
	}
	dumpLog = log.New(w, "", log.LstdFlags)
}

// EnableOraclePayloadDump controls whether full request bodies are written.
func EnableOraclePayloadDump(enabled bool) {
	dumpMu.Lock()
	dumpPayload = enabled
	dumpMu.Unlock()
}

type dumpSection struct {
	Title string
	Body  string
}

func writeDump(kind, model, symbol string, sections []dumpSection) {
	dumpMu.Lock()
	out := dumpLog
	dumpMu.Unlock()
	if out == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[ORACLE]")
	for _, tag := range []string{kind, model, symbol} {
		if tag == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		title := strings.TrimSpace(sec.Title)
		if title == "" {
			title = "CONTENT"
		}
		b.WriteString("--- " + title + " ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	out.Print(b.String())
}

// LogOracleRequest dumps the prompt sent for one symbol judgment.
func LogOracleRequest(model, symbol, systemPrompt, userPrompt, payload string) {
	sections := []dumpSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	}
	dumpMu.Lock()
	withPayload := dumpPayload
	dumpMu.Unlock()
	if withPayload && strings.TrimSpace(payload) != "" {
		sections = append(sections, dumpSection{Title: "PAYLOAD", Body: payload})
	}
	writeDump("request", model, symbol, sections)
}

// LogOracleResponse dumps the raw reply for one symbol judgment.
func LogOracleResponse(model, symbol, raw string) {
	writeDump("response", model, symbol, []dumpSection{{Title: "RAW", Body: raw}})
}
