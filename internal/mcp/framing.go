package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type framing int

const (
	framingUnknown framing = iota
	// framingHeader is LSP-style Content-Length framing.
	framingHeader
	// framingLine is one JSON message per line.
	framingLine
)

type framedReader struct {
	reader *bufio.Reader
}

// ReadPayload reads one message and reports which framing carried it.
func (fr framedReader) ReadPayload() ([]byte, framing, error) {
	contentLength := -1
	seenAnyHeader := false

	for {
		line, err := fr.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimSpace(line) == "" {
				return nil, framingUnknown, io.EOF
			}
			if err != io.EOF {
				return nil, framingUnknown, err
			}
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if !seenAnyHeader {
			if strings.TrimSpace(trimmed) == "" {
				if err == io.EOF {
					return nil, framingUnknown, io.EOF
				}
				continue
			}
			if body := bytes.TrimSpace([]byte(trimmed)); len(body) > 0 && (body[0] == '{' || body[0] == '[') {
				return body, framingLine, nil
			}
		}
		seenAnyHeader = true
		if trimmed == "" {
			break
		}
		if err == io.EOF {
			return nil, framingUnknown, io.ErrUnexpectedEOF
		}

		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), "Content-Length") {
			value := strings.TrimSpace(parts[1])
			length, convErr := strconv.Atoi(value)
			if convErr != nil || length < 0 {
				return nil, framingUnknown, fmt.Errorf("invalid Content-Length: %q", value)
			}
			contentLength = length
		}
	}

	if contentLength < 0 {
		return nil, framingUnknown, fmt.Errorf("missing Content-Length header")
	}

	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(fr.reader, payload); err != nil {
		return nil, framingUnknown, err
	}
	return payload, framingHeader, nil
}

type framedWriter struct {
	writer *bufio.Writer
}

func (fw framedWriter) WritePayload(payload []byte, mode framing) error {
	if mode == framingLine {
		if _, err := fw.writer.Write(payload); err != nil {
			return err
		}
		if err := fw.writer.WriteByte('\n'); err != nil {
			return err
		}
		return fw.writer.Flush()
	}
	if _, err := fmt.Fprintf(fw.writer, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := fw.writer.Write(payload); err != nil {
		return err
	}
	return fw.writer.Flush()
}
