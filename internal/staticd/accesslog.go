package staticd

import (
	"fmt"
	"io"
	stdlog "log"
	"net"
	"os"
	"strings"
)

const accessTimeLayout = "02/Jan/2006:15:04:05 -0700"

// accessLog writes one combined-format line per answered request.
type accessLog struct {
	out    *stdlog.Logger
	closer io.Closer
}

// openAccessLog appends to path, or writes to stdout when path is empty or "-".
func openAccessLog(path string) (*accessLog, error) {
	if path == "" || path == "-" {
		return newAccessLog(os.Stdout, nil), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	return newAccessLog(f, f), nil
}

func newAccessLog(w io.Writer, closer io.Closer) *accessLog {
	return &accessLog{out: stdlog.New(w, "", 0), closer: closer}
}

func (a *accessLog) ObserveRequest(ev RequestEvent) {
	if ev.Status == 0 {
		return
	}
	host := ev.Remote
	if h, _, err := net.SplitHostPort(ev.Remote); err == nil {
		host = h
	}
	a.out.Printf("%s - - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\"",
		dash(host),
		ev.Time.Format(accessTimeLayout),
		logEscape(ev.Method), logEscape(ev.Path), logEscape(ev.Protocol),
		ev.Status, ev.Bytes,
		logEscape(dash(ev.Referer)), logEscape(dash(ev.UserAgent)),
	)
}

func (a *accessLog) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// logEscape escapes quotes, backslashes and control bytes the way Apache
// does, so a quoted field cannot end early.
func logEscape(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r == '"' || r == '\\' || r < 0x20 || r == 0x7f }) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString("\\n")
		case c == '\r':
			b.WriteString("\\r")
		case c == '\t':
			b.WriteString("\\t")
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(&b, "\\x%02x", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
