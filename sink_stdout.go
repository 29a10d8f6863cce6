package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"
)

func init() {
	register("stdout", newStdoutSink)
}

type writerSink struct {
	n      string
	w      io.Writer
	format formatFunc
}

func newStdoutSink(c *config, _ *stats) (sink, error) {
	return newWriterSink("stdout", os.Stdout, c.Output.Stdout.Format), nil
}

func newWriterSink(name string, w io.Writer, format string) *writerSink {
	return &writerSink{
		n:      name,
		w:      w,
		format: formatter(format),
	}
}

func (s *writerSink) name() string {
	return s.n
}

// run buffers output and flushes whenever the queue runs dry or once a second
func (s *writerSink) run(ctx context.Context, q <-chan record, st *sinkStats) error {
	bw := bufio.NewWriter(s.w)
	defer bw.Flush()

	t := time.NewTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case r, ok := <-q:
			if !ok {
				return nil
			}

			b, err := s.format(&r)
			if err != nil {
				st.errors.Add(1)
				continue
			}

			bw.Write(b)
			if err = bw.WriteByte('\n'); err != nil {
				st.errors.Add(1)
				continue
			}

			st.delivered.Add(1)
			if len(q) == 0 {
				bw.Flush()
			}

		case <-t.C:
			bw.Flush()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *writerSink) close() error {
	return nil
}
