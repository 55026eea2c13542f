package core

import (
	"bytes"

	"loadcell/protocol"
	"loadcell/tinycompress"
)

// IdentifyChunk is the largest dictionary slice sent in one
// identify_response; it keeps the block under MessageLengthMax.
const IdentifyChunk = 40

// DictionaryVersion names the command set in the dictionary.
const DictionaryVersion = "loadcell-" + protocol.Version

// Dictionary is the data dictionary served by identify: the command table
// as JSON in Klipper's layout, zlib-wrapped by tinycompress. The host
// compares it with its own table before trusting the ids.
type Dictionary struct {
	buildVersions string
	constants     map[string]string

	// cache, rebuilt when the registry or its size changes
	reg   *CommandRegistry
	count int
	data  []byte
}

var globalDictionary = NewDictionary()

// NewDictionary creates an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		buildVersions: "tinygo",
		constants:     map[string]string{"CLOCK_FREQ": utoa(TimerFreq)},
	}
}

// RegisterConstant adds a firmware constant to the global dictionary.
func RegisterConstant(name, value string) {
	globalDictionary.AddConstant(name, value)
}

// BuildDictionary builds the global dictionary. Call it once every command
// is registered so the first identify does not pay for it.
func BuildDictionary() {
	globalDictionary.Data(globalRegistry)
}

// SetBuildVersions records the toolchain in the global dictionary.
func SetBuildVersions(v string) {
	globalDictionary.SetBuildVersions(v)
}

// AddConstant sets a constant reported under "config".
func (d *Dictionary) AddConstant(name, value string) {
	d.constants[name] = value
	d.data = nil
}

// SetBuildVersions sets the toolchain description.
func (d *Dictionary) SetBuildVersions(v string) {
	d.buildVersions = v
	d.data = nil
}

// Data returns the compressed dictionary for r.
func (d *Dictionary) Data(r *CommandRegistry) []byte {
	if d.data == nil || d.reg != r || d.count != r.Count() {
		var buf bytes.Buffer
		w := tinycompress.NewWriter(&buf)
		_, _ = w.Write(d.JSON(r))
		_ = w.Close()
		d.data = buf.Bytes()
		d.reg = r
		d.count = r.Count()
	}
	return d.data
}

// Chunk returns up to count bytes of the compressed dictionary at offset.
// Past the end it returns an empty slice, which ends the host's download.
func (d *Dictionary) Chunk(r *CommandRegistry, offset uint32, count uint8) []byte {
	data := d.Data(r)
	if count > IdentifyChunk {
		count = IdentifyChunk
	}
	if offset >= uint32(len(data)) {
		return nil
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	return data[offset:end]
}

// JSON renders the uncompressed dictionary. Commands and responses are
// keyed by "name format" like Klipper's.
func (d *Dictionary) JSON(r *CommandRegistry) []byte {
	out := make([]byte, 0, 1024)
	out = append(out, `{"version":`...)
	out = appendJSONString(out, DictionaryVersion)
	out = append(out, `,"build_versions":`...)
	out = appendJSONString(out, d.buildVersions)

	out = append(out, `,"config":{`...)
	for i, name := range sortedKeys(d.constants) {
		if i > 0 {
			out = append(out, ',')
		}
		out = appendJSONString(out, name)
		out = append(out, ':')
		out = appendJSONString(out, d.constants[name])
	}

	cmds := r.Commands()
	out = append(out, `},"commands":{`...)
	out = appendEntries(out, cmds, false)
	out = append(out, `},"responses":{`...)
	out = appendEntries(out, cmds, true)
	out = append(out, "}}"...)
	return out
}

func appendEntries(out []byte, cmds []*Command, responses bool) []byte {
	first := true
	for _, cmd := range cmds {
		if cmd.IsResponse() != responses {
			continue
		}
		if !first {
			out = append(out, ',')
		}
		first = false
		key := cmd.Name
		if cmd.Format != "" {
			key += " " + cmd.Format
		}
		out = appendJSONString(out, key)
		out = append(out, ':')
		out = appendUint(out, uint32(cmd.ID))
	}
	return out
}

func appendJSONString(out []byte, s string) []byte {
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			out = append(out, '\\', c)
		case c < 0x20:
			const hex = "0123456789abcdef"
			out = append(out, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xF])
		default:
			out = append(out, c)
		}
	}
	return append(out, '"')
}

// sortedKeys sorts by insertion; the maps are a handful of entries.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// handleIdentify sends one chunk of the dictionary
// Format: identify offset=%u count=%c
func handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if count > IdentifyChunk {
		count = IdentifyChunk
	}

	chunk := globalDictionary.Chunk(globalRegistry, offset, uint8(count))
	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}
