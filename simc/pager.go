package main

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"golang.org/x/term"
)

// pager is a small more(1). When r is a terminal it must already be in raw
// mode, and output stops every screenful until a key is pressed. Otherwise
// everything goes straight to w.
type pager struct {
	fd     int
	w      io.Writer
	r      *bufio.Reader
	buf    bytes.Buffer
	paging bool
	line   int
	quit   bool
}

var _ io.Writer = &pager{}

func newPager(r io.Reader, w io.Writer) *pager {
	p := &pager{fd: -1, w: w, r: bufio.NewReader(r)}

	if f, ok := r.(interface{ Fd() uintptr }); ok {
		p.fd = int(f.Fd())
		p.paging = term.IsTerminal(p.fd)
	}

	return p
}

func (p *pager) Write(b []byte) (int, error) {
	if !p.paging {
		return p.w.Write(b)
	}
	if p.quit {
		return 0, io.EOF
	}

	_, height, err := term.GetSize(p.fd)
	if err != nil {
		return p.w.Write(b)
	}

	p.buf.Write(b)

	for {
		if p.line >= height-1 {
			// leave the last row for the prompt
			if err := p.prompt(); err != nil {
				return len(b), err
			}
			if !p.paging {
				_, err := p.w.Write(p.buf.Bytes())
				p.buf.Reset()
				return len(b), err
			}
		}

		line, err := p.buf.ReadBytes('\n')
		if err == io.EOF {
			// keep the partial line for the next Write
			p.buf.Write(line)
			return len(b), nil
		}

		// raw mode doesn't return the carriage
		line = append(bytes.TrimSuffix(line, []byte("\n")), '\r', '\n')
		if _, err := p.w.Write(line); err != nil {
			return len(b), err
		}
		p.line++
	}
}

func (p *pager) prompt() error {
	more := []byte("--More--")
	clear := []byte("\r" + strings.Repeat(" ", len(more)) + "\r")

	for {
		if _, err := p.w.Write(more); err != nil {
			return err
		}

		c, err := p.r.ReadByte()
		if err != nil {
			return err
		}

		if _, err := p.w.Write(clear); err != nil {
			return err
		}

		switch c {
		case 'q', '\x03':
			p.quit = true
			return io.EOF
		case ' ':
			p.line = 0
			return nil
		case '\r', 'j':
			p.line--
			return nil
		case 'G':
			p.paging = false
			return nil
		}
	}
}
