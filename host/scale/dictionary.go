package scale

import (
	"bytes"
	"context"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"loadcell/core"
)

// ErrDictionaryMismatch means the firmware numbers its commands differently
// from this host build.
var ErrDictionaryMismatch = errors.New("scale: firmware command dictionary differs")

// maxDictionary bounds the identify download.
const maxDictionary = 64 * 1024

// Dictionary is the firmware's data dictionary.
type Dictionary struct {
	Version       string            `json:"version"`
	BuildVersions string            `json:"build_versions"`
	Config        map[string]string `json:"config"`
	Commands      map[string]int    `json:"commands"`
	Responses     map[string]int    `json:"responses"`
}

// ParseDictionary decodes the zlib-wrapped JSON served by identify.
func ParseDictionary(data []byte) (*Dictionary, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "open dictionary stream")
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, 4*maxDictionary))
	if err != nil {
		return nil, errors.Wrap(err, "inflate dictionary")
	}
	d := &Dictionary{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, errors.Wrap(err, "decode dictionary")
	}
	return d, nil
}

// Check reports every entry of r the dictionary lacks or numbers
// differently.
func (d *Dictionary) Check(r *core.CommandRegistry) error {
	var err error
	for _, cmd := range r.Commands() {
		key := strings.TrimSpace(cmd.Name + " " + cmd.Format)
		table, kind := d.Commands, "command"
		if cmd.IsResponse() {
			table, kind = d.Responses, "response"
		}
		id, ok := table[key]
		switch {
		case !ok:
			err = multierr.Append(err, errors.Errorf("%s %q missing", kind, key))
		case id != int(cmd.ID):
			err = multierr.Append(err, errors.Errorf("%s %q has id %d, want %d", kind, key, id, cmd.ID))
		}
	}
	if err != nil {
		return errors.Wrap(multierr.Append(ErrDictionaryMismatch, err), d.Version)
	}
	return nil
}

// Identify downloads and decodes the firmware dictionary.
func (c *Client) Identify(ctx context.Context) (*Dictionary, error) {
	var data []byte
	for {
		offset := int32(len(data))
		msg, err := c.Request(ctx, "identify", "identify_response", offset, core.IdentifyChunk)
		if err != nil {
			return nil, errors.Wrap(err, "identify")
		}
		if msg.Args["offset"] != offset {
			return nil, errors.Errorf("identify: asked for offset %d, got %d", offset, msg.Args["offset"])
		}
		chunk := msg.Bytes["data"]
		if len(chunk) == 0 {
			break
		}
		data = append(data, chunk...)
		if len(data) > maxDictionary {
			return nil, errors.Errorf("identify: dictionary exceeds %d bytes", maxDictionary)
		}
	}
	c.log.Debugw("dictionary downloaded", "bytes", len(data))
	return ParseDictionary(data)
}

// VerifyDictionary fails with ErrDictionaryMismatch when the firmware and
// this build disagree on command ids.
func (c *Client) VerifyDictionary(ctx context.Context) (*Dictionary, error) {
	d, err := c.Identify(ctx)
	if err != nil {
		return nil, err
	}
	return d, d.Check(c.reg)
}
