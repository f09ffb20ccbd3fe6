package progress

import "io"

// Writer wraps an io.Writer, reports every accepted chunk through OnWrite and calls OnInterval
// with the current position once at least interval bytes have passed since the last call.
type Writer struct {
	Writer     io.Writer
	OnWrite    func(n int)
	OnInterval func(position int64)

	position       int64
	sinceReport    int64
	reportInterval int64
}

// NewWriter starts counting at offset. A non-positive interval disables OnInterval.
func NewWriter(w io.Writer, offset, interval int64, onWrite func(n int), onInterval func(position int64)) *Writer {
	return &Writer{
		Writer:         w,
		OnWrite:        onWrite,
		OnInterval:     onInterval,
		position:       offset,
		reportInterval: interval,
	}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		pw.position += int64(n)
		pw.sinceReport += int64(n)

		if pw.OnWrite != nil {
			pw.OnWrite(n)
		}

		if pw.reportInterval > 0 && pw.sinceReport >= pw.reportInterval && pw.OnInterval != nil {
			pw.OnInterval(pw.position)
			pw.sinceReport = 0
		}
	}

	return n, err
}

// Position is the offset just past the last byte the wrapped writer accepted.
func (pw *Writer) Position() int64 {
	return pw.position
}
