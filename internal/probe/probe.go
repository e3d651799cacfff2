// Package probe identifies which serial port is the flickermeter's control
// link and which is its data link by asking each one for "info".
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/flicker/internal/monitoring"
	"github.com/banshee-data/flicker/internal/seriallink"
)

// Kind classifies a port.
type Kind int

const (
	KindNone Kind = iota
	KindControl
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindData:
		return "data"
	default:
		return "none"
	}
}

const (
	controlInfo = "Config interface of Flickermeter"
	dataInfo    = "Data interface of Flickermeter"

	// Timeout bounds the wait for the answer to "info".
	Timeout = time.Second

	pollInterval = 50 * time.Millisecond
)

var errNoAnswer = errors.New("no answer to info")

// Classify asks an open port for its identity. Any failure classifies the
// port as KindNone.
func Classify(ctx context.Context, port seriallink.SerialPorter) Kind {
	line, err := query(ctx, port)
	if err != nil {
		monitoring.Debugf("probe: %v", err)
		return KindNone
	}
	switch line {
	case controlInfo:
		return KindControl
	case dataInfo:
		return KindData
	default:
		return KindNone
	}
}

func query(ctx context.Context, port seriallink.SerialPorter) (string, error) {
	if _, err := seriallink.SetReadTimeout(port, pollInterval); err != nil {
		return "", err
	}
	if err := seriallink.ResetInput(port); err != nil {
		return "", err
	}
	if _, err := port.Write([]byte("info\n")); err != nil {
		return "", err
	}

	deadline := time.Now().Add(Timeout)
	var line []byte
	buf := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errNoAnswer
		}
		n, err := port.Read(buf)
		line = append(line, buf[:n]...)
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			return strings.TrimRight(string(line[:i]), "\r"), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Probe opens path, classifies it and closes it again.
func Probe(ctx context.Context, open seriallink.Opener, path string) Kind {
	port, err := open(path, seriallink.ControlOptions())
	if err != nil {
		monitoring.Debugf("probe %s: %v", path, err)
		return KindNone
	}
	defer port.Close()
	kind := Classify(ctx, port)
	monitoring.Debugf("probe %s: %s", path, kind)
	return kind
}

// Links are the identified port paths.
type Links struct {
	Control string
	Data    string
}

// Discover probes paths, or every port on the system when paths is empty,
// and returns the first control and data link found.
func Discover(ctx context.Context, open seriallink.Opener, paths []string) (Links, error) {
	if len(paths) == 0 {
		var err error
		if paths, err = seriallink.ListPorts(); err != nil {
			return Links{}, fmt.Errorf("list serial ports: %w", err)
		}
	}

	var links Links
	for _, path := range paths {
		if links.Control != "" && links.Data != "" {
			break
		}
		switch Probe(ctx, open, path) {
		case KindControl:
			if links.Control == "" {
				links.Control = path
			}
		case KindData:
			if links.Data == "" {
				links.Data = path
			}
		}
		if err := ctx.Err(); err != nil {
			return links, err
		}
	}

	switch {
	case links.Control == "" && links.Data == "":
		return links, errors.New("no flickermeter found")
	case links.Control == "":
		return links, errors.New("flickermeter control link not found")
	case links.Data == "":
		return links, errors.New("flickermeter data link not found")
	}
	monitoring.Logf("found flickermeter: control %s, data %s", links.Control, links.Data)
	return links, nil
}
